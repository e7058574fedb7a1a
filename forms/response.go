package forms

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Status of a form response.
type Status string

const (
	Submitted Status = "submitted"
	Cancelled Status = "cancelled"
)

// ResponseType is the envelope type of every form response.
const ResponseType = "form_response"

// TimestampLayout is RFC 3339 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Response is the outbound envelope answering a form. Responses is null on
// the wire for cancellations.
type Response struct {
	Type         string         `json:"type"`
	FormID       string         `json:"form_id"`
	TargetClient string         `json:"target_client"`
	ProcessID    string         `json:"process_id"`
	Timestamp    string         `json:"timestamp"`
	Status       Status         `json:"status"`
	Responses    map[string]any `json:"responses"`
}

// Submit validates values against d and builds a submitted response. Fields
// the caller left out take their default value.
func Submit(d Descriptor, values map[string]any, now time.Time) (Response, error) {
	merged := d.Defaults()
	for k, v := range values {
		merged[k] = v
	}
	if err := Validate(d, merged); err != nil {
		return Response{}, err
	}
	r := envelope(d, Submitted, now)
	r.Responses = merged
	return r, nil
}

// Cancel builds a cancelled response.
func Cancel(d Descriptor, now time.Time) Response {
	return envelope(d, Cancelled, now)
}

func envelope(d Descriptor, s Status, now time.Time) Response {
	return Response{
		Type:         ResponseType,
		FormID:       d.ID,
		TargetClient: d.TargetClient,
		ProcessID:    d.ProcessID,
		Timestamp:    now.UTC().Format(TimestampLayout),
		Status:       s,
	}
}

// Messages shown next to invalid fields.
const (
	MsgRequired     = "Ce champ est requis"
	MsgInvalidEmail = "Email invalide"
	MsgUnknownField = "Champ inconnu"
)

// ValidationError maps field keys to a message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return fmt.Sprintf("forms: invalid values (%s)", strings.Join(parts, ", "))
}

var emailRe = regexp.MustCompile(`^[a-zA-Z0-9!#$%&'*+/=?^_` + "`" + `{|}~-]+(?:\.[a-zA-Z0-9!#$%&'*+/=?^_` + "`" + `{|}~-]+)*@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidEmail applies the address check used for email fields. The empty
// string is valid; requiredness is checked separately.
func ValidEmail(s string) bool {
	if s == "" {
		return true
	}
	at := strings.LastIndexByte(s, '@')
	if len(s) > 254 || at < 1 || at > 64 {
		return false
	}
	return emailRe.MatchString(s)
}

// Validate checks required fields and email syntax. Keys not declared by
// the form are rejected.
func Validate(d Descriptor, values map[string]any) error {
	bad := make(map[string]string)
	known := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		known[f.Key] = true
		v := values[f.Key]
		if f.Required && isEmpty(v) {
			bad[f.Key] = MsgRequired
			continue
		}
		if f.Kind == Email {
			if s, ok := v.(string); ok && !ValidEmail(s) {
				bad[f.Key] = MsgInvalidEmail
			} else if !ok && v != nil {
				bad[f.Key] = MsgInvalidEmail
			}
		}
	}
	for k := range values {
		if !known[k] {
			bad[k] = MsgUnknownField
		}
	}
	if len(bad) > 0 {
		return &ValidationError{Fields: bad}
	}
	return nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}
