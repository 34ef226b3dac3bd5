// Package notifyd implements a development stand-in for the ingestion
// daemon's notification side: a websocket endpoint speaking the per-series
// subscription protocol, fed by a spool-directory watcher.
package notifyd

import (
	"encoding/json"
	"sync"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

// Publisher emits per-series events to whoever subscribed to them.
type Publisher interface {
	PublishProgress(key seriesrelay.SeriesKey, ndicom int)
	PublishDone(key seriesrelay.SeriesKey)
	PublishError(key seriesrelay.SeriesKey, message string)
}

type envelope struct {
	PacsName          string         `json:"pacs_name"`
	SeriesInstanceUID string         `json:"SeriesInstanceUID"`
	Message           map[string]any `json:"message"`
}

func marshalEnvelope(key seriesrelay.SeriesKey, message map[string]any) []byte {
	payload, err := json.Marshal(envelope{
		PacsName:          key.Source,
		SeriesInstanceUID: key.SeriesUID,
		Message:           message,
	})
	if err != nil {
		return nil
	}
	return payload
}

func marshalUnsubscribedAck() []byte {
	payload, _ := json.Marshal(map[string]any{"message": map[string]any{"subscribed": false}})
	return payload
}

// Hub fans per-series events out to subscribed sessions.
type Hub struct {
	mu          sync.Mutex
	subscribers map[seriesrelay.SeriesKey]map[*session]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: map[seriesrelay.SeriesKey]map[*session]struct{}{}}
}

func (h *Hub) subscribe(sess *session, key seriesrelay.SeriesKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[key]
	if !ok {
		set = map[*session]struct{}{}
		h.subscribers[key] = set
	}
	set[sess] = struct{}{}
	sess.keys[key] = struct{}{}
}

// unsubscribeAll drops every subscription held by sess, mirroring the
// protocol's single unsubscribe-all command.
func (h *Hub) unsubscribeAll(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sess)
}

func (h *Hub) dropSession(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sess)
}

func (h *Hub) dropLocked(sess *session) {
	for key := range sess.keys {
		if set, ok := h.subscribers[key]; ok {
			delete(set, sess)
			if len(set) == 0 {
				delete(h.subscribers, key)
			}
		}
	}
	sess.keys = map[seriesrelay.SeriesKey]struct{}{}
}

func (h *Hub) publish(key seriesrelay.SeriesKey, message map[string]any) {
	payload := marshalEnvelope(key, message)
	if payload == nil {
		return
	}
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.subscribers[key]))
	for sess := range h.subscribers[key] {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.enqueue(payload)
	}
}

func (h *Hub) PublishProgress(key seriesrelay.SeriesKey, ndicom int) {
	h.publish(key, map[string]any{"ndicom": ndicom})
}

func (h *Hub) PublishDone(key seriesrelay.SeriesKey) {
	h.publish(key, map[string]any{"done": true})
}

func (h *Hub) PublishError(key seriesrelay.SeriesKey, message string) {
	h.publish(key, map[string]any{"error": message})
}
