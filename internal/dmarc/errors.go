package dmarc

import (
	"errors"
	"fmt"
)

// ErrNoReport is returned when a message does not carry anything that
// looks like a DMARC report.
var ErrNoReport = errors.New("no dmarc report found")

// ExtractionError reports a malformed or unsupported container. It is
// scoped to one attachment.
type ExtractionError struct {
	Filename string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %q: %v", e.Filename, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func newExtractionError(filename string, format string, args ...any) *ExtractionError {
	return &ExtractionError{Filename: filename, Err: fmt.Errorf(format, args...)}
}

// SchemaError reports report content that does not satisfy the expected
// schema. Field names the offending element using the report's own
// element names.
type SchemaError struct {
	Field string
	Err   error
}

func (e *SchemaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("schema: missing required field %s", e.Field)
	}
	return fmt.Sprintf("schema: field %s: %v", e.Field, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

func missingField(field string) *SchemaError {
	return &SchemaError{Field: field}
}

func invalidField(field string, err error) *SchemaError {
	return &SchemaError{Field: field, Err: err}
}

// IsExtractionError reports whether err wraps an *ExtractionError.
func IsExtractionError(err error) bool {
	var e *ExtractionError
	return errors.As(err, &e)
}

// IsSchemaError reports whether err wraps a *SchemaError.
func IsSchemaError(err error) bool {
	var e *SchemaError
	return errors.As(err, &e)
}
