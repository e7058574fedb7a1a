// Package forms describes the remote-driven forms pushed on the form channel
// and the responses sent back: descriptor parsing, layout groups, value
// validation and response envelopes.
package forms

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/capdesk/idgen"
)

// Kind is the input type of a field. It travels as "type" on the wire.
type Kind string

const (
	Text     Kind = "text"
	Email    Kind = "email"
	Tel      Kind = "tel"
	Password Kind = "password"
	Textarea Kind = "textarea"
	Select   Kind = "select"
	Checkbox Kind = "checkbox"
	Radio    Kind = "radio"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Text, Email, Tel, Password, Textarea, Select, Checkbox, Radio:
		return true
	}
	return false
}

const (
	DefaultSubmitText = "Valider"
	DefaultCancelText = "Annuler"
)

// Option is a choice of a select or radio field.
type Option struct {
	Value any    `json:"value"`
	Label string `json:"label"`
}

// Field is one input of a form.
type Field struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Kind        Kind     `json:"type"`
	Placeholder string   `json:"placeholder,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Options     []Option `json:"options,omitempty"`
	Rows        int      `json:"rows,omitempty"`
	Group       string   `json:"group,omitempty"`
	Value       any      `json:"value,omitempty"`
}

// FieldGroup is a named block of fields as sent by servers that group on
// their side.
type FieldGroup struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`
}

// Descriptor is a form pushed by the server.
type Descriptor struct {
	ID              string       `json:"form_id,omitempty"`
	TargetClient    string       `json:"target_client,omitempty"`
	ProcessID       string       `json:"process_id,omitempty"`
	Title           string       `json:"title"`
	Fields          []Field      `json:"fields"`
	Groups          []FieldGroup `json:"groups,omitempty"`
	SubmitText      string       `json:"submitText,omitempty"`
	CancelText      string       `json:"cancelText,omitempty"`
	ShowCloseButton *bool        `json:"showCloseButton,omitempty"`
}

// ErrNoFields is returned when a payload lacks an array-valued "fields".
var ErrNoFields = errors.New("forms: payload has no fields array")

// ErrDuplicateKey is returned when two fields share a key.
type ErrDuplicateKey struct {
	Key string
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("forms: duplicate field key %q", e.Key)
}

// HasFields reports whether payload is a JSON object whose "fields" property
// is an array. It is the test the form channel applies before publishing.
func HasFields(payload json.RawMessage) bool {
	var probe struct {
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	f := bytes.TrimSpace(probe.Fields)
	return len(f) > 0 && f[0] == '['
}

// ParseDescriptor decodes a form payload, already unwrapped from any "data"
// envelope, and applies defaults. Fields carried in groups are appended to
// Fields with their group name. A form without an id gets a local one so its
// response can be correlated.
func ParseDescriptor(payload json.RawMessage) (Descriptor, error) {
	if !HasFields(payload) {
		return Descriptor{}, ErrNoFields
	}
	var d Descriptor
	if err := json.Unmarshal(payload, &d); err != nil {
		return Descriptor{}, fmt.Errorf("forms: decode descriptor: %w", err)
	}
	for _, g := range d.Groups {
		for _, f := range g.Fields {
			if f.Group == "" {
				f.Group = g.Name
			}
			d.Fields = append(d.Fields, f)
		}
	}
	d.Groups = nil
	if d.ID == "" {
		d.ID = idgen.Form()
	}
	d.applyDefaults()
	if err := d.Check(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (d *Descriptor) applyDefaults() {
	if d.SubmitText == "" {
		d.SubmitText = DefaultSubmitText
	}
	if d.CancelText == "" {
		d.CancelText = DefaultCancelText
	}
	if d.ShowCloseButton == nil {
		v := true
		d.ShowCloseButton = &v
	}
	for i := range d.Fields {
		if d.Fields[i].Kind == "" {
			d.Fields[i].Kind = Text
		}
	}
}

// Closable reports whether the presenter should offer a close button.
func (d Descriptor) Closable() bool {
	return d.ShowCloseButton == nil || *d.ShowCloseButton
}

// Check verifies field keys are present and unique.
func (d Descriptor) Check() error {
	seen := make(map[string]bool, len(d.Fields))
	for i, f := range d.Fields {
		if f.Key == "" {
			return fmt.Errorf("forms: field %d has no key", i)
		}
		if seen[f.Key] {
			return &ErrDuplicateKey{Key: f.Key}
		}
		seen[f.Key] = true
	}
	return nil
}

// Layout is a run of fields displayed together. Ungrouped fields each get
// their own layout with an empty Name.
type Layout struct {
	Name   string
	Fields []Field
}

// Layouts orders fields for display: a group appears where its first field
// appears and collects every field of that group.
func (d Descriptor) Layouts() []Layout {
	var out []Layout
	index := make(map[string]int)
	for _, f := range d.Fields {
		if f.Group == "" {
			out = append(out, Layout{Fields: []Field{f}})
			continue
		}
		if i, ok := index[f.Group]; ok {
			out[i].Fields = append(out[i].Fields, f)
			continue
		}
		index[f.Group] = len(out)
		out = append(out, Layout{Name: f.Group, Fields: []Field{f}})
	}
	return out
}

// Defaults returns the initial values: each field's Value, or "" when unset.
func (d Descriptor) Defaults() map[string]any {
	vals := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		if f.Value != nil {
			vals[f.Key] = f.Value
		} else {
			vals[f.Key] = ""
		}
	}
	return vals
}

// ReportForm is the incident report form offered by the help desk.
func ReportForm() Descriptor {
	d := Descriptor{
		ID:    idgen.Form(),
		Title: "Veuillez compléter les informations de signalement",
		Fields: []Field{
			{Key: "nom", Label: "Nom", Kind: Text, Placeholder: "Nom", Required: true, Group: "identity"},
			{Key: "prenom", Label: "Prénom", Kind: Text, Required: true, Group: "identity"},
			{Key: "contact", Label: "Contact", Kind: Text, Required: true},
			{Key: "description", Label: "Description", Kind: Textarea, Required: true, Rows: 6},
		},
		SubmitText: "Envoyer",
	}
	d.applyDefaults()
	return d
}
