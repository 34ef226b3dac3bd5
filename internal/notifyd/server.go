package notifyd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

// Every inbound command is validated against this schema before dispatch, so
// a malformed client never reaches the protocol switch.
const commandSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "oneOf": [
    {
      "type": "object",
      "properties": {
        "action": {"const": "subscribe"},
        "SeriesInstanceUID": {"type": "string", "minLength": 1},
        "pacs_name": {"type": "string", "minLength": 1}
      },
      "required": ["action", "SeriesInstanceUID", "pacs_name"],
      "additionalProperties": false
    },
    {
      "type": "object",
      "properties": {
        "action": {"const": "unsubscribe"}
      },
      "required": ["action"],
      "additionalProperties": false
    }
  ]
}`

const sessionSendBuffer = 64

// Server accepts websocket clients and speaks the notification protocol with
// them. It implements http.Handler.
type Server struct {
	hub    *Hub
	schema *jsonschema.Schema
}

func NewServer(hub *Hub) (*Server, error) {
	if hub == nil {
		hub = NewHub()
	}
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(commandSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse command schema: %w", err)
	}
	if err := compiler.AddResource("commands.json", doc); err != nil {
		return nil, fmt.Errorf("failed to register command schema: %w", err)
	}
	schema, err := compiler.Compile("commands.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile command schema: %w", err)
	}
	return &Server{hub: hub, schema: schema}, nil
}

func (s *Server) Hub() *Hub {
	return s.hub
}

type session struct {
	ws   *websocket.Conn
	keys map[seriesrelay.SeriesKey]struct{}

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newSession(ws *websocket.Conn) *session {
	return &session{
		ws:   ws,
		keys: map[seriesrelay.SeriesKey]struct{}{},
		send: make(chan []byte, sessionSendBuffer),
	}
}

// enqueue hands a frame to the write pump. A session that cannot drain its
// buffer loses frames rather than stalling the publisher.
func (s *session) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
	default:
	}
}

func (s *session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.ws.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	sess := newSession(ws)
	defer s.hub.dropSession(sess)
	defer sess.shutdown()

	ctx := r.Context()
	go sess.writePump(ctx)

	for {
		kind, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if kind != websocket.MessageText {
			continue
		}
		s.dispatch(sess, data)
	}
}

type command struct {
	Action            string `json:"action"`
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	PacsName          string `json:"pacs_name"`
}

func (s *Server) dispatch(sess *session, raw []byte) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		sess.enqueue(marshalEnvelope(seriesrelay.SeriesKey{}, map[string]any{"error": fmt.Sprintf("invalid command: %v", err)}))
		return
	}
	if err := s.schema.Validate(instance); err != nil {
		sess.enqueue(marshalEnvelope(seriesrelay.SeriesKey{}, map[string]any{"error": fmt.Sprintf("invalid command: %v", err)}))
		return
	}

	cmd := commandFromInstance(instance)
	switch cmd.Action {
	case "subscribe":
		key := seriesrelay.SeriesKey{Source: cmd.PacsName, SeriesUID: cmd.SeriesInstanceUID}
		s.hub.subscribe(sess, key)
		sess.enqueue(marshalEnvelope(key, map[string]any{"subscribed": true}))
	case "unsubscribe":
		s.hub.unsubscribeAll(sess)
		sess.enqueue(marshalUnsubscribedAck())
	}
}

// commandFromInstance rebuilds the command from the schema-validated
// instance; the schema guarantees the field types.
func commandFromInstance(instance any) command {
	object, _ := instance.(map[string]any)
	cmd := command{}
	if action, ok := object["action"].(string); ok {
		cmd.Action = action
	}
	if uid, ok := object["SeriesInstanceUID"].(string); ok {
		cmd.SeriesInstanceUID = uid
	}
	if name, ok := object["pacs_name"].(string); ok {
		cmd.PacsName = name
	}
	return cmd
}
