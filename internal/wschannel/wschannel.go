// Package wschannel provides the websocket transport behind the notification
// subscriber's Channel interface.
package wschannel

import (
	"context"
	"errors"
	"sync"

	"nhooyr.io/websocket"
)

// Defensively larger than any notification frame the daemon sends.
const defaultReadLimit = 1 << 20

// Conn is one open websocket connection to the ingestion notifier. It
// implements seriesrelay.Channel.
type Conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// DialOptions configures Dial.
type DialOptions struct {
	// ReadLimit caps the size of one inbound frame; zero applies a 1 MiB
	// default.
	ReadLimit int64
}

// Dial opens a websocket connection to url.
func Dial(ctx context.Context, url string, opts *DialOptions) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	limit := int64(defaultReadLimit)
	if opts != nil && opts.ReadLimit > 0 {
		limit = opts.ReadLimit
	}
	ws.SetReadLimit(limit)
	return &Conn{ws: ws}, nil
}

// NewConn wraps an accepted server-side connection; used by the dev notifier
// daemon and by tests.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Write sends one text frame.
func (c *Conn) Write(ctx context.Context, p []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, p)
}

// Close closes the connection. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}

// ReadLoop reads frames one at a time and hands each to route, preserving
// arrival order. It returns nil on a clean peer close or context
// cancellation, the route error if route fails (the strict decode policy
// surfaces errors this way), or the transport error otherwise. Non-text
// frames are skipped.
func (c *Conn) ReadLoop(ctx context.Context, route func([]byte) error) error {
	for {
		kind, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if kind != websocket.MessageText {
			continue
		}
		if err := route(data); err != nil {
			return err
		}
	}
}
