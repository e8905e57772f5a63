package listview

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBusy rejects a mutation while another one on the same view is in
	// flight.
	ErrBusy = errors.New("another request is in progress")
	// ErrNoDraft is returned when a draft operation runs with no open modal.
	ErrNoDraft    = errors.New("no open form")
	ErrNotFound   = errors.New("record not in the current list")
	ErrNoIdentity = errors.New("not authenticated")
)

// FieldError is one failed rule on one draft field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError is raised before any request is issued.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// For returns the error message for a field, "" when it passed.
func (e *ValidationError) For(field string) string {
	for _, f := range e.Fields {
		if f.Field == field {
			return f.Message
		}
	}
	return ""
}
