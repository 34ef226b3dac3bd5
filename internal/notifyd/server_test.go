package notifyd

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
	"github.com/imagingworks/seriesrelay/internal/wschannel"
)

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Full client/server loop: the real subscriber over a real websocket against
// the daemon, with events injected through the hub.
func TestServerEndToEnd(t *testing.T) {
	server, err := NewServer(nil)
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := wschannel.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	tracker := seriesrelay.NewTracker(nil)
	sub := seriesrelay.NewSubscriber(conn, seriesrelay.DecodeStrict)
	if err := sub.Bind(tracker); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	loopDone := make(chan error, 1)
	go func() { loopDone <- conn.ReadLoop(ctx, sub.Route) }()

	key := seriesrelay.SeriesKey{Source: "MyPACS", SeriesUID: "1.2.840.99"}
	subCtx, subCancel := context.WithTimeout(ctx, 5*time.Second)
	defer subCancel()
	resolved, err := sub.Subscribe(subCtx, key.Source, key.SeriesUID)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if resolved != key {
		t.Fatalf("subscribe resolved with wrong key: %+v", resolved)
	}
	tracker.MarkSubscribed(resolved)

	hub := server.Hub()
	hub.PublishProgress(key, 48)
	hub.PublishProgress(key, 88)
	hub.PublishError(key, "stuck in chimney")
	hub.PublishDone(key)

	waitFor(t, "done notification", func() bool { return tracker.State(key).Done })
	state := tracker.State(key)
	if state.ReceivedCount != 88 {
		t.Fatalf("expected received count 88, got %d", state.ReceivedCount)
	}
	if len(state.Errors) != 1 || state.Errors[0] != "stuck in chimney" {
		t.Fatalf("unexpected errors: %v", state.Errors)
	}

	unsubCtx, unsubCancel := context.WithTimeout(ctx, 5*time.Second)
	defer unsubCancel()
	if err := sub.UnsubscribeAll(unsubCtx); err != nil {
		t.Fatalf("unsubscribe-all failed: %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	cancel()
	if err := <-loopDone; err != nil {
		t.Fatalf("read loop failed: %v", err)
	}
}

func TestServerRejectsInvalidCommandWithoutDroppingConnection(t *testing.T) {
	server, err := NewServer(NewHub())
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := wschannel.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	tracker := seriesrelay.NewTracker(nil)
	sub := seriesrelay.NewSubscriber(conn, seriesrelay.DecodeStrict)
	if err := sub.Bind(tracker); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	go func() { _ = conn.ReadLoop(ctx, sub.Route) }()

	// Schema-invalid: unknown action.
	if err := conn.Write(ctx, []byte(`{"action":"bogus"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	badKey := seriesrelay.SeriesKey{}
	waitFor(t, "daemon error notification", func() bool { return len(tracker.State(badKey).Errors) == 1 })
	if !strings.Contains(tracker.State(badKey).Errors[0], "invalid command") {
		t.Fatalf("unexpected daemon error: %v", tracker.State(badKey).Errors)
	}

	// The connection must still be usable afterwards.
	key := seriesrelay.SeriesKey{Source: "MyPACS", SeriesUID: "1.2.3"}
	subCtx, subCancel := context.WithTimeout(ctx, 5*time.Second)
	defer subCancel()
	if _, err := sub.Subscribe(subCtx, key.Source, key.SeriesUID); err != nil {
		t.Fatalf("subscribe after invalid command failed: %v", err)
	}
}

func TestHubRoutesOnlyToSubscribedSessions(t *testing.T) {
	hub := NewHub()
	keyA := seriesrelay.SeriesKey{Source: "p", SeriesUID: "a"}
	keyB := seriesrelay.SeriesKey{Source: "p", SeriesUID: "b"}

	sessA := newSession(nil)
	sessB := newSession(nil)
	hub.subscribe(sessA, keyA)
	hub.subscribe(sessB, keyB)

	hub.PublishProgress(keyA, 7)
	if len(sessA.send) != 1 {
		t.Fatalf("expected one frame for session A, got %d", len(sessA.send))
	}
	if len(sessB.send) != 0 {
		t.Fatalf("expected no frames for session B, got %d", len(sessB.send))
	}

	hub.unsubscribeAll(sessA)
	hub.PublishProgress(keyA, 8)
	if len(sessA.send) != 1 {
		t.Fatalf("expected no further frames after unsubscribe-all, got %d", len(sessA.send))
	}
}

func TestCommandSchemaValidation(t *testing.T) {
	server, err := NewServer(NewHub())
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	sess := newSession(nil)

	// Missing pacs_name: rejected with an error notification.
	server.dispatch(sess, []byte(`{"action":"subscribe","SeriesInstanceUID":"1.2.3"}`))
	select {
	case frame := <-sess.send:
		if !strings.Contains(string(frame), "invalid command") {
			t.Fatalf("expected invalid-command reply, got %s", frame)
		}
	default:
		t.Fatalf("expected a reply frame")
	}

	// Well-formed subscribe: acknowledged.
	server.dispatch(sess, []byte(`{"action":"subscribe","SeriesInstanceUID":"1.2.3","pacs_name":"MyPACS"}`))
	select {
	case frame := <-sess.send:
		if !strings.Contains(string(frame), `"subscribed":true`) {
			t.Fatalf("expected subscribed ack, got %s", frame)
		}
	default:
		t.Fatalf("expected a subscribed ack frame")
	}
	if len(sess.keys) != 1 {
		t.Fatalf("expected one subscription recorded, got %d", len(sess.keys))
	}
}
