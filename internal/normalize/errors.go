package normalize

import (
	"errors"
	"fmt"

	"github.com/rickgao/ibkr-data/internal/model"
)

var (
	// ErrSchemaViolation: a required field is missing or has the wrong shape.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrEnumViolation: a field holds a value outside its enumeration.
	ErrEnumViolation = errors.New("enum violation")

	// ErrCurrencyViolation: the record is denominated in an unsupported currency.
	ErrCurrencyViolation = errors.New("currency violation")
)

// Error describes why one raw record could not be normalized.
type Error struct {
	Kind   error            // One of the Err*Violation sentinels
	Entity model.EntityType // Record type being normalized
	Field  string           // Canonical field name, empty for whole-record problems
	Value  string           // Offending raw value, truncated
	Err    error            // Underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Entity, e.Kind)
	if e.Field != "" {
		msg += " in field " + e.Field
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" (value %s)", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the violation kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

const maxValueLen = 64

func violation(kind error, entity model.EntityType, field, value string, cause error) *Error {
	if len(value) > maxValueLen {
		value = value[:maxValueLen] + "..."
	}
	return &Error{Kind: kind, Entity: entity, Field: field, Value: value, Err: cause}
}
