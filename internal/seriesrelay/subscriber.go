package seriesrelay

import (
	"context"
	"sync"
)

// Channel is the duplex transport the subscriber sends commands over.
// Inbound traffic is delivered by the transport's read loop calling Route.
type Channel interface {
	Write(ctx context.Context, p []byte) error
	Close() error
}

// DecodePolicy selects how Route treats undecodable payloads and
// acknowledgements with no matching pending request.
type DecodePolicy int

const (
	// DecodeStrict makes Route return the error, typically tearing down
	// the read loop.
	DecodeStrict DecodePolicy = iota
	// DecodeLenient drops the payload after reporting it through the
	// handler set's optional OnBadMessage.
	DecodeLenient
)

// Subscriber owns one notification channel: it tracks in-flight subscribe and
// unsubscribe requests and routes inbound messages to the bound handler set.
//
// Subscribe and UnsubscribeAll block until the matching acknowledgement is
// routed; the subscriber imposes no timeout of its own, so callers bound
// their wait through ctx.
type Subscriber struct {
	mu         sync.Mutex
	ch         Channel
	policy     DecodePolicy
	handlers   Handlers
	generation int
	closed     bool

	// pendingSubs holds at most one waiter per series. A second Subscribe
	// for the same key before the first resolves replaces the slot: the
	// last caller wins and the first waiter never resolves. Long-standing
	// behavior of the protocol client; see Subscribe.
	pendingSubs *SeriesMap[chan SeriesKey]

	// pendingUnsubs pairs unsubscription acks to requests strictly in
	// request order; the wire shape carries no correlation id.
	pendingUnsubs []chan struct{}
}

func NewSubscriber(ch Channel, policy DecodePolicy) *Subscriber {
	return &Subscriber{
		ch:          ch,
		policy:      policy,
		pendingSubs: NewSeriesMap[chan SeriesKey](),
	}
}

// Bind installs the handler set. Exactly one set may be installed for the
// channel's lifetime; a second call fails with ErrAlreadyBound.
func (s *Subscriber) Bind(h Handlers) error {
	if h == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers != nil {
		return ErrAlreadyBound
	}
	s.handlers = h
	return nil
}

// Rebind installs a new channel and handler set after a reconnect and bumps
// the generation counter. Pending subscription state cannot survive a
// reconnect; waiters are released with ErrChannelClosed and every series must
// be re-subscribed.
func (s *Subscriber) Rebind(ch Channel, h Handlers) error {
	if ch == nil || h == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releasePendingLocked()
	s.ch = ch
	s.handlers = h
	s.generation++
	s.closed = false
	return nil
}

// Generation counts Rebind calls, so dependents can detect that the channel
// identity changed underneath them.
func (s *Subscriber) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Subscribe registers interest in one series and blocks until the daemon
// acknowledges it, returning the series key the acknowledgement was matched
// on. Calling Subscribe again for the same key while one is in flight
// replaces the pending slot: the earlier caller is left waiting on its ctx.
func (s *Subscriber) Subscribe(ctx context.Context, source, seriesUID string) (SeriesKey, error) {
	key := SeriesKey{Source: source, SeriesUID: seriesUID}
	if source == "" || seriesUID == "" {
		return key, ErrInvalidInput
	}
	payload, err := EncodeSubscribe(key)
	if err != nil {
		return key, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return key, ErrChannelClosed
	}
	waiter := make(chan SeriesKey, 1)
	s.pendingSubs.Set(key, waiter)
	ch := s.ch
	s.mu.Unlock()

	if err := ch.Write(ctx, payload); err != nil {
		s.dropSubWaiter(key, waiter)
		return key, err
	}

	select {
	case <-ctx.Done():
		s.dropSubWaiter(key, waiter)
		return key, ctx.Err()
	case resolved, ok := <-waiter:
		if !ok {
			return key, ErrChannelClosed
		}
		return resolved, nil
	}
}

// UnsubscribeAll asks the daemon to drop every subscription on this channel
// and blocks until the next unsubscription acknowledgement is routed.
// Concurrent calls resolve strictly in the order their commands were sent.
func (s *Subscriber) UnsubscribeAll(ctx context.Context) error {
	payload, err := EncodeUnsubscribeAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrChannelClosed
	}
	waiter := make(chan struct{}, 1)
	s.pendingUnsubs = append(s.pendingUnsubs, waiter)
	ch := s.ch
	s.mu.Unlock()

	if err := ch.Write(ctx, payload); err != nil {
		s.dropUnsubWaiter(waiter)
		return err
	}

	select {
	case <-ctx.Done():
		s.dropUnsubWaiter(waiter)
		return ctx.Err()
	case _, ok := <-waiter:
		if !ok {
			return ErrChannelClosed
		}
		return nil
	}
}

// Route decodes one inbound payload and dispatches it. It is invoked by the
// transport's read loop, one message at a time; handler invocations happen on
// the caller's goroutine in arrival order.
func (s *Subscriber) Route(raw []byte) error {
	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()
	if handlers == nil {
		return ErrNotBound
	}

	message, err := DecodeServerMessage(raw)
	if err != nil {
		return s.report(handlers, raw, err)
	}

	switch m := message.(type) {
	case UnsubscribedAck:
		s.mu.Lock()
		var waiter chan struct{}
		if len(s.pendingUnsubs) > 0 {
			waiter = s.pendingUnsubs[0]
			s.pendingUnsubs = s.pendingUnsubs[1:]
		}
		s.mu.Unlock()
		if waiter == nil {
			return s.report(handlers, raw, &CorrelationError{Kind: "unsubscription"})
		}
		waiter <- struct{}{}
	case Notification:
		return s.routeNotification(handlers, m, raw)
	}
	return nil
}

func (s *Subscriber) routeNotification(handlers Handlers, n Notification, raw []byte) error {
	switch payload := n.Payload.(type) {
	case ProgressPayload:
		handlers.OnProgress(n.Key.Source, n.Key.SeriesUID, payload.NDicom)
	case DonePayload:
		handlers.OnDone(n.Key.Source, n.Key.SeriesUID)
	case ErrorPayload:
		handlers.OnError(n.Key.Source, n.Key.SeriesUID, payload.Message)
	case SubscribedPayload:
		s.mu.Lock()
		waiter, ok := s.pendingSubs.Get(n.Key)
		if ok {
			s.pendingSubs.Delete(n.Key)
		}
		s.mu.Unlock()
		if !ok {
			return s.report(handlers, raw, &CorrelationError{Kind: "subscription", Key: n.Key})
		}
		waiter <- n.Key
	}
	return nil
}

// Close closes the underlying channel and releases every pending waiter with
// ErrChannelClosed. Idempotent.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.releasePendingLocked()
	ch := s.ch
	s.mu.Unlock()
	return ch.Close()
}

func (s *Subscriber) releasePendingLocked() {
	s.pendingSubs.Range(func(_ SeriesKey, waiter chan SeriesKey) bool {
		close(waiter)
		return true
	})
	s.pendingSubs.Clear()
	for _, waiter := range s.pendingUnsubs {
		close(waiter)
	}
	s.pendingUnsubs = nil
}

// dropSubWaiter removes the pending entry for key, but only if it still holds
// this caller's waiter: a later Subscribe may have replaced the slot.
func (s *Subscriber) dropSubWaiter(key SeriesKey, waiter chan SeriesKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.pendingSubs.Get(key); ok && current == waiter {
		s.pendingSubs.Delete(key)
	}
}

func (s *Subscriber) dropUnsubWaiter(waiter chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pending := range s.pendingUnsubs {
		if pending == waiter {
			s.pendingUnsubs = append(s.pendingUnsubs[:i], s.pendingUnsubs[i+1:]...)
			return
		}
	}
}

func (s *Subscriber) report(handlers Handlers, raw []byte, err error) error {
	if s.policy == DecodeLenient {
		if reporter, ok := handlers.(BadMessageReporter); ok {
			reporter.OnBadMessage(raw, err)
		}
		return nil
	}
	return err
}
