package listview

import (
	"strings"
	"time"

	"farmtrack/internal/api"
)

// FieldKind selects the input control and the seeding format of a field.
type FieldKind string

const (
	KindText     FieldKind = "text"
	KindTextArea FieldKind = "textarea"
	KindEmail    FieldKind = "email"
	KindPassword FieldKind = "password"
	KindDateTime FieldKind = "datetime-local"
	KindDate     FieldKind = "date"
	KindSelect   FieldKind = "select"
	KindPerson   FieldKind = "person"
	KindFile     FieldKind = "file"
	// KindHidden values are derived by the view, never typed by the user.
	KindHidden   FieldKind = "hidden"
)

// Option is one choice of a select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field describes one draft input.
type Field struct {
	Name  string    `json:"name"`
	Label string    `json:"label"`
	Kind  FieldKind `json:"kind"`
	// Rules is a validator tag applied to the value before submission.
	Rules   string   `json:"rules,omitempty"`
	Options []Option `json:"options,omitempty"`
	// CreateOnly fields are neither shown nor sent when editing.
	CreateOnly bool `json:"create_only,omitempty"`
	// Staff fields are shown to and set by roles that may reassign. Farmers
	// still send the value the draft was seeded with.
	Staff bool `json:"staff,omitempty"`
}

// Required reports whether the field carries a required marker.
func (f Field) Required() bool {
	for _, r := range strings.Split(f.Rules, ",") {
		if r == "required" {
			return true
		}
	}
	return false
}

// Draft is unsaved form state.
type Draft struct {
	Values map[string]string   `json:"values"`
	Files  map[string]api.File `json:"-"`
}

func NewDraft(values map[string]string) Draft {
	if values == nil {
		values = map[string]string{}
	}
	return Draft{Values: values, Files: map[string]api.File{}}
}

func (d Draft) Get(name string) string { return d.Values[name] }

// Set assigns a value, creating the map when needed.
func (d *Draft) Set(name, value string) {
	if d.Values == nil {
		d.Values = map[string]string{}
	}
	d.Values[name] = value
}

func (d Draft) clone() Draft {
	out := NewDraft(nil)
	for k, v := range d.Values {
		out.Values[k] = v
	}
	for k, f := range d.Files {
		out.Files[k] = f
	}
	return out
}

// Payload packages only the populated fields of d that belong to fields.
// Empty values are dropped, so a field cannot be cleared through a draft.
func (d Draft) Payload(fields []Field, creating bool) api.Payload {
	p := api.Payload{Fields: map[string]string{}}
	for _, f := range fields {
		if f.CreateOnly && !creating {
			continue
		}
		if f.Kind == KindFile {
			if file, ok := d.Files[f.Name]; ok && len(file.Data) > 0 {
				if p.Files == nil {
					p.Files = map[string]api.File{}
				}
				p.Files[f.Name] = file
			}
			continue
		}
		if v := d.Values[f.Name]; v != "" {
			p.Fields[f.Name] = v
		}
	}
	return p
}

const (
	DateTimeLayout = "2006-01-02T15:04"
	DateLayout     = "2006-01-02"
)

var seedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	DateTimeLayout,
	DateLayout,
}

// ParseTimestamp accepts the timestamp shapes the API sends.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range seedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SeedDateTime reformats a stored timestamp to minute precision in UTC, the
// format of a datetime-local input. Unparseable values are truncated.
func SeedDateTime(s string) string {
	if s == "" {
		return ""
	}
	if t, ok := ParseTimestamp(s); ok {
		return t.UTC().Format(DateTimeLayout)
	}
	return truncate(s, len(DateTimeLayout))
}

// SeedDate drops the time component of a stored date, keeping the calendar
// day as written.
func SeedDate(s string) string {
	if s == "" {
		return ""
	}
	if t, ok := ParseTimestamp(s); ok {
		return t.Format(DateLayout)
	}
	return truncate(s, len(DateLayout))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
