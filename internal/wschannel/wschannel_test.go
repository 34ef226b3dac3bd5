package wschannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// echoServer accepts one websocket client and echoes every text frame back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			kind, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			if err := ws.Write(r.Context(), kind, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialWriteAndReadLoop(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	frames := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	for _, frame := range frames {
		if err := conn.Write(ctx, []byte(frame)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	var routed []string
	loopCtx, stop := context.WithCancel(ctx)
	err = conn.ReadLoop(loopCtx, func(p []byte) error {
		routed = append(routed, string(p))
		if len(routed) == len(frames) {
			stop()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read loop failed: %v", err)
	}
	for i, frame := range frames {
		if routed[i] != frame {
			t.Fatalf("frame %d out of order: expected %s, got %s", i, frame, routed[i])
		}
	}
}

func TestReadLoopSurfacesRouteError(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Write(ctx, []byte("boom")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	routeErr := context.DeadlineExceeded
	if err := conn.ReadLoop(ctx, func([]byte) error { return routeErr }); err != routeErr {
		t.Fatalf("expected route error surfaced, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	first := conn.Close()
	second := conn.Close()
	if first != second {
		t.Fatalf("expected identical results from repeated close, got %v then %v", first, second)
	}
}

func TestDialRejectsUnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/ws", nil); err == nil {
		t.Fatalf("expected dial to an unreachable server to fail")
	}
}
