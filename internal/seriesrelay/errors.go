package seriesrelay

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyBound  = errors.New("handlers already bound")
	ErrNotBound      = errors.New("handlers not bound")
	ErrChannelClosed = errors.New("channel closed")
	ErrInvalidInput  = errors.New("invalid input")

	// Decode error kinds, matchable with errors.Is against a *DecodeError.
	ErrParse                    = errors.New("payload is not valid JSON")
	ErrNotAnObject              = errors.New("payload is not a JSON object")
	ErrMalformedNotification    = errors.New("malformed notification")
	ErrUnrecognizedMessage      = errors.New("unrecognized message")
	ErrUnrecognizedNotification = errors.New("unrecognized notification payload")
)

// DecodeError reports why an inbound payload could not be decoded. Raw always
// carries the offending payload so it can be surfaced verbatim.
type DecodeError struct {
	Kind   error
	Raw    string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: %s: %q", e.Kind, e.Reason, e.Raw)
	}
	return fmt.Sprintf("%v: %q", e.Kind, e.Raw)
}

func (e *DecodeError) Is(target error) bool {
	return target == e.Kind
}

// CorrelationError reports an acknowledgement that arrived with no matching
// pending request: either a protocol violation by the peer or a local
// double-subscribe that overwrote the registry slot.
type CorrelationError struct {
	Kind string // "subscription" or "unsubscription"
	Key  SeriesKey
}

func (e *CorrelationError) Error() string {
	if e.Kind == "subscription" {
		return fmt.Sprintf("subscription acknowledgement for %s with no pending request", e.Key)
	}
	return "unsubscription acknowledgement with no pending request"
}
