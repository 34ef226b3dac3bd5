package seriesrelay

import (
	"encoding/json"
	"math"
)

// ServerMessage is one decoded inbound payload from the notification channel:
// either an UnsubscribedAck or a Notification carrying one of four payloads.
type ServerMessage interface {
	isServerMessage()
}

// UnsubscribedAck acknowledges an unsubscribe-all command. The wire shape
// carries no series identity, so acks are paired to requests in FIFO order.
type UnsubscribedAck struct{}

func (UnsubscribedAck) isServerMessage() {}

// Notification is a per-series message from the ingestion daemon.
type Notification struct {
	Key     SeriesKey
	Payload NotificationPayload
}

func (Notification) isServerMessage() {}

type NotificationPayload interface {
	isNotificationPayload()
}

// ProgressPayload reports how many DICOM files have been received so far.
type ProgressPayload struct {
	NDicom int
}

// DonePayload reports that the daemon finished receiving the series.
type DonePayload struct{}

// SubscribedPayload acknowledges a subscribe command for one series.
type SubscribedPayload struct{}

// ErrorPayload reports a daemon-side failure while receiving the series.
type ErrorPayload struct {
	Message string
}

func (ProgressPayload) isNotificationPayload()   {}
func (DonePayload) isNotificationPayload()       {}
func (SubscribedPayload) isNotificationPayload() {}
func (ErrorPayload) isNotificationPayload()      {}

type subscribeCommand struct {
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	PacsName          string `json:"pacs_name"`
	Action            string `json:"action"`
}

type unsubscribeCommand struct {
	Action string `json:"action"`
}

// EncodeSubscribe builds the outbound per-series subscribe command.
func EncodeSubscribe(key SeriesKey) ([]byte, error) {
	if key.Source == "" || key.SeriesUID == "" {
		return nil, ErrInvalidInput
	}
	return json.Marshal(subscribeCommand{
		SeriesInstanceUID: key.SeriesUID,
		PacsName:          key.Source,
		Action:            "subscribe",
	})
}

// EncodeUnsubscribeAll builds the outbound unsubscribe-all command.
func EncodeUnsubscribeAll() ([]byte, error) {
	return json.Marshal(unsubscribeCommand{Action: "unsubscribe"})
}

// DecodeServerMessage parses one raw inbound payload into a typed message.
//
// An object carrying either envelope identity field (pacs_name or
// SeriesInstanceUID) is committed to the notification shape: all three
// envelope fields must then be present and well typed. An object without
// identity fields is tried as an unsubscription ack. Every failure returns a
// *DecodeError holding the raw payload.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, &DecodeError{Kind: ErrParse, Raw: string(raw), Reason: err.Error()}
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, &DecodeError{Kind: ErrNotAnObject, Raw: string(raw)}
	}

	_, hasPacs := object["pacs_name"]
	_, hasUID := object["SeriesInstanceUID"]
	if hasPacs || hasUID {
		return decodeNotification(object, raw)
	}

	if message, ok := object["message"].(map[string]any); ok {
		if subscribed, ok := message["subscribed"].(bool); ok && !subscribed {
			return UnsubscribedAck{}, nil
		}
	}
	return nil, &DecodeError{Kind: ErrUnrecognizedMessage, Raw: string(raw)}
}

func decodeNotification(object map[string]any, raw []byte) (ServerMessage, error) {
	source, ok := object["pacs_name"].(string)
	if !ok {
		return nil, &DecodeError{Kind: ErrMalformedNotification, Raw: string(raw), Reason: "pacs_name missing or not a string"}
	}
	seriesUID, ok := object["SeriesInstanceUID"].(string)
	if !ok {
		return nil, &DecodeError{Kind: ErrMalformedNotification, Raw: string(raw), Reason: "SeriesInstanceUID missing or not a string"}
	}
	message, ok := object["message"].(map[string]any)
	if !ok {
		return nil, &DecodeError{Kind: ErrMalformedNotification, Raw: string(raw), Reason: "message missing or not an object"}
	}

	key := SeriesKey{Source: source, SeriesUID: seriesUID}
	payload, err := classifyPayload(message, raw)
	if err != nil {
		return nil, err
	}
	return Notification{Key: key, Payload: payload}, nil
}

// classifyPayload tries the four payload shapes in fixed order. Progress is
// first because it is by far the most frequent message; the shapes are
// mutually exclusive by construction of the sender, so the order does not
// change the result.
func classifyPayload(message map[string]any, raw []byte) (NotificationPayload, error) {
	if n, ok := integerField(message, "ndicom"); ok {
		return ProgressPayload{NDicom: n}, nil
	}
	if done, ok := message["done"].(bool); ok && done {
		return DonePayload{}, nil
	}
	if subscribed, ok := message["subscribed"].(bool); ok && subscribed {
		return SubscribedPayload{}, nil
	}
	if errMessage, ok := message["error"].(string); ok {
		return ErrorPayload{Message: errMessage}, nil
	}
	return nil, &DecodeError{Kind: ErrUnrecognizedNotification, Raw: string(raw)}
}

func integerField(object map[string]any, name string) (int, bool) {
	number, ok := object[name].(float64)
	if !ok {
		return 0, false
	}
	if number != math.Trunc(number) {
		return 0, false
	}
	return int(number), true
}
