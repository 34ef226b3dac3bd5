package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imagingworks/seriesrelay/internal/notifyd"
)

func main() {
	addr := envOr("SERIESRELAY_NOTIFYD_ADDR", ":4006")
	spoolDir := envOr("SERIESRELAY_SPOOL_DIR", "")
	if spoolDir == "" {
		log.Fatalf("spool directory is required (SERIESRELAY_SPOOL_DIR)")
	}
	if info, err := os.Stat(spoolDir); err != nil || !info.IsDir() {
		log.Fatalf("spool directory %s is not usable: %v", spoolDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := notifyd.NewServer(nil)
	if err != nil {
		log.Fatalf("failed to initialize notifier: %v", err)
	}
	watcher, err := notifyd.NewSpoolWatcher(spoolDir, server.Hub())
	if err != nil {
		log.Fatalf("failed to watch spool directory %s: %v", spoolDir, err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Printf("spool watcher stopped: %v", err)
			stop()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("seriesrelay-notifyd listening on %s, spool %s", addr, spoolDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown failed: %v", err)
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
