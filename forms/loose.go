package forms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Servers build descriptors by hand and are not strict about scalar types:
// "required":"true", "rows":"6" or a numeric title all occur. The loose
// types below accept those spellings; anything else is still an error.

type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*s = looseString(b)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("forms: want a string, got %s", b)
		}
		*s = looseString(n.String())
	}
	return nil
}

type looseBool bool

func (v *looseBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*v = false
		return nil
	case bytes.Equal(b, []byte("true")):
		*v = true
		return nil
	case bytes.Equal(b, []byte("false")):
		*v = false
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes", "on":
			*v = true
		case "false", "0", "no", "off", "":
			*v = false
		default:
			return fmt.Errorf("forms: want a boolean, got %s", b)
		}
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("forms: want a boolean, got %s", b)
	}
	*v = f != 0
	return nil
}

type looseInt int

func (v *looseInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
		if len(b) == 0 {
			*v = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("forms: want an integer, got %s", b)
	}
	*v = looseInt(f)
	return nil
}

// UnmarshalJSON decodes a field, accepting loosely typed scalars.
func (f *Field) UnmarshalJSON(b []byte) error {
	type plain Field
	var w struct {
		plain
		Key         looseString `json:"key"`
		Label       looseString `json:"label"`
		Kind        looseString `json:"type"`
		Placeholder looseString `json:"placeholder"`
		Required    looseBool   `json:"required"`
		Rows        looseInt    `json:"rows"`
		Group       looseString `json:"group"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*f = Field(w.plain)
	f.Key = string(w.Key)
	f.Label = string(w.Label)
	f.Kind = Kind(w.Kind)
	f.Placeholder = string(w.Placeholder)
	f.Required = bool(w.Required)
	f.Rows = int(w.Rows)
	f.Group = string(w.Group)
	return nil
}

// UnmarshalJSON decodes a descriptor, accepting loosely typed scalars.
func (d *Descriptor) UnmarshalJSON(b []byte) error {
	type plain Descriptor
	var w struct {
		plain
		ID              looseString `json:"form_id"`
		TargetClient    looseString `json:"target_client"`
		ProcessID       looseString `json:"process_id"`
		Title           looseString `json:"title"`
		SubmitText      looseString `json:"submitText"`
		CancelText      looseString `json:"cancelText"`
		ShowCloseButton *looseBool  `json:"showCloseButton"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*d = Descriptor(w.plain)
	d.ID = string(w.ID)
	d.TargetClient = string(w.TargetClient)
	d.ProcessID = string(w.ProcessID)
	d.Title = string(w.Title)
	d.SubmitText = string(w.SubmitText)
	d.CancelText = string(w.CancelText)
	d.ShowCloseButton = nil
	if w.ShowCloseButton != nil {
		v := bool(*w.ShowCloseButton)
		d.ShowCloseButton = &v
	}
	return nil
}
