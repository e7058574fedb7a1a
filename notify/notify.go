// Package notify holds the notification pushed on the popup channel: its
// wire form, defaults and the sanitizing applied before it reaches a
// presenter.
package notify

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Level is the visual category of a notification.
type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

const (
	DefaultTitle    = "Notification"
	DefaultLevel    = Info
	DefaultDuration = 5 * time.Second
)

// ParseLevel maps a wire value to a Level. ok is false for unknown values,
// which map to Info.
func ParseLevel(s string) (Level, bool) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case Info, Success, Warning, Error:
		return l, true
	case "warn":
		return Warning, true
	case "":
		return DefaultLevel, true
	}
	return DefaultLevel, false
}

// Notification is a transient message for the user. On the wire duration is
// in milliseconds.
type Notification struct {
	ID       string        `json:"id,omitempty"`
	Title    string        `json:"title"`
	Message  string        `json:"message"`
	Level    Level         `json:"type"`
	Duration time.Duration `json:"-"`

	// HTML is the sanitized original message when it carried markup;
	// Message then holds its markdown rendering.
	HTML string `json:"html,omitempty"`
}

type wireNotification struct {
	ID       string          `json:"id,omitempty"`
	Title    string          `json:"title"`
	Message  json.RawMessage `json:"message"`
	Type     string          `json:"type"`
	Duration json.Number     `json:"duration"`
}

// MarshalJSON writes the wire form, duration in milliseconds.
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID       string `json:"id,omitempty"`
		Title    string `json:"title"`
		Message  string `json:"message"`
		Type     Level  `json:"type"`
		Duration int64  `json:"duration"`
	}{n.ID, n.Title, n.Message, n.Level, n.Duration.Milliseconds()})
}

// Parse decodes the data part of a popup envelope. It never fails: a missing
// or null payload gives the defaults, a string payload is the message, and
// any other non-object payload becomes the message as raw JSON text. The
// result is sanitized and has defaults applied.
func Parse(raw json.RawMessage) Notification {
	raw = bytes.TrimSpace(raw)
	var n Notification

	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		_ = json.Unmarshal(raw, &n.Message)
	case raw[0] == '{':
		var w wireNotification
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&w); err != nil {
			n.Message = string(raw)
			break
		}
		n.ID = w.ID
		n.Title = w.Title
		n.Message = messageText(w.Message)
		n.Level = Level(w.Type)
		if ms, err := w.Duration.Float64(); err == nil && ms > 0 {
			n.Duration = time.Duration(ms * float64(time.Millisecond))
		}
	default:
		n.Message = string(raw)
	}
	return Normalize(n)
}

func messageText(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Normalize applies defaults and sanitizes title and message.
func Normalize(n Notification) Notification {
	n.Title = cleanTitle(n.Title)
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	n.Level, _ = ParseLevel(string(n.Level))
	if n.Duration <= 0 {
		n.Duration = DefaultDuration
	}
	n.Message, n.HTML = cleanMessage(n.Message)
	return n
}
