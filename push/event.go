package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/notify"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	KindNotification EventKind = "notification"
	KindForm         EventKind = "form"
)

// Event is one inbound message, decoded at the boundary. Exactly one of
// Notification and Form is set, matching Kind.
type Event struct {
	Channel      string
	Kind         EventKind
	Notification *notify.Notification
	Form         *forms.Descriptor
	Raw          json.RawMessage
	ReceivedAt   time.Time
}

// Decoder turns an inbound frame into an Event. Errors wrap
// ErrMalformedFrame or ErrInvalidPayload; the frame is then dropped.
type Decoder func(frame []byte) (Event, error)

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func decodeEnvelope(frame []byte) (envelope, error) {
	var env envelope
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// DecodeNotification unwraps envelope.data and publishes it whatever its
// content; notify.Parse supplies defaults for missing parts. Any JSON
// value other than null is accepted: a frame that is not an object simply
// has no data.
func DecodeNotification(frame []byte) (Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if !json.Valid(trimmed) {
		return Event{}, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}
	var data json.RawMessage
	switch trimmed[0] {
	case '{':
		env, err := decodeEnvelope(trimmed)
		if err != nil {
			return Event{}, err
		}
		data = env.Data
	case 'n':
		return Event{}, fmt.Errorf("%w: null frame", ErrMalformedFrame)
	}
	n := notify.Parse(data)
	return Event{
		Kind:         KindNotification,
		Notification: &n,
		Raw:          data,
	}, nil
}

// DecodeForm takes envelope.data when it is set, else the envelope itself,
// and accepts it only when it has an array-valued "fields".
func DecodeForm(frame []byte) (Event, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return Event{}, err
	}
	payload := json.RawMessage(bytes.TrimSpace(frame))
	if !falsy(env.Data) {
		payload = env.Data
	}
	if !forms.HasFields(payload) {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, forms.ErrNoFields)
	}
	d, err := forms.ParseDescriptor(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return Event{
		Kind: KindForm,
		Form: &d,
		Raw:  payload,
	}, nil
}

// falsy reports whether a JSON value is absent, null, false, 0 or "".
func falsy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}
