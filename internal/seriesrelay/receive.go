package seriesrelay

import "sync"

// ReceiveState is the notification-derived state of one series.
type ReceiveState struct {
	// Subscribed is set once the subscription acknowledgement arrived.
	Subscribed bool
	// Done is set by a done notification and never reverts.
	Done bool
	// ReceivedCount only ever increases; stale or duplicate progress
	// notifications are ignored.
	ReceivedCount int
	// Errors accumulates daemon-reported failures, oldest first. Never
	// cleared while the series is tracked.
	Errors []string
}

// Handlers receives routed per-series notifications.
type Handlers interface {
	OnProgress(source, seriesUID string, ndicom int)
	OnDone(source, seriesUID string)
	OnError(source, seriesUID, message string)
}

// BadMessageReporter is optionally implemented by a Handlers value to receive
// undecodable payloads under the lenient decode policy.
type BadMessageReporter interface {
	OnBadMessage(raw []byte, err error)
}

// Tracker accumulates ReceiveState per series. It implements Handlers so it
// can be bound directly to a Subscriber, and is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	states *SeriesMap[*ReceiveState]

	// onUpdate, if set, fires after every applied state change. Stale
	// progress updates do not fire it.
	onUpdate func(SeriesKey)
}

func NewTracker(onUpdate func(SeriesKey)) *Tracker {
	return &Tracker{states: NewSeriesMap[*ReceiveState](), onUpdate: onUpdate}
}

func (t *Tracker) stateLocked(key SeriesKey) *ReceiveState {
	if state, ok := t.states.Get(key); ok {
		return state
	}
	state := &ReceiveState{}
	t.states.Set(key, state)
	return state
}

func (t *Tracker) OnProgress(source, seriesUID string, ndicom int) {
	key := SeriesKey{Source: source, SeriesUID: seriesUID}
	t.mu.Lock()
	state := t.stateLocked(key)
	if ndicom <= state.ReceivedCount {
		t.mu.Unlock()
		return
	}
	state.ReceivedCount = ndicom
	t.mu.Unlock()
	t.notify(key)
}

func (t *Tracker) OnDone(source, seriesUID string) {
	key := SeriesKey{Source: source, SeriesUID: seriesUID}
	t.mu.Lock()
	t.stateLocked(key).Done = true
	t.mu.Unlock()
	t.notify(key)
}

func (t *Tracker) OnError(source, seriesUID, message string) {
	key := SeriesKey{Source: source, SeriesUID: seriesUID}
	t.mu.Lock()
	state := t.stateLocked(key)
	state.Errors = append(state.Errors, message)
	t.mu.Unlock()
	t.notify(key)
}

// MarkSubscribed records that the subscription for key was acknowledged.
// Called by whoever awaited Subscriber.Subscribe.
func (t *Tracker) MarkSubscribed(key SeriesKey) {
	t.mu.Lock()
	t.stateLocked(key).Subscribed = true
	t.mu.Unlock()
	t.notify(key)
}

// State returns a copy of the receive state for key, zero if untracked.
func (t *Tracker) State(key SeriesKey) ReceiveState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states.Get(key)
	if !ok {
		return ReceiveState{}
	}
	copied := *state
	copied.Errors = append([]string(nil), state.Errors...)
	return copied
}

// Reset discards all tracked series, for when a new search supersedes the
// current session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states.Clear()
}

func (t *Tracker) notify(key SeriesKey) {
	if t.onUpdate != nil {
		t.onUpdate(key)
	}
}
