package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ValidationError reports a payload rejected before it reaches the queue.
type ValidationError struct {
	EntityType string
	Operation  string
	Fields     []FieldError
}

// FieldError is one rejected field. Field is empty for payload-level problems.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Field == "" {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("invalid %s %s payload: %s", e.EntityType, e.Operation, strings.Join(parts, "; "))
}

// HasField reports whether the error names field.
func (e *ValidationError) HasField(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field || strings.HasSuffix(f.Field, "."+field) {
			return true
		}
	}
	return false
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Invalid builds a single-message ValidationError. Used by callers that
// enforce rules outside the CUE schema, such as mutation chains.
func Invalid(entityType, op, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		EntityType: entityType,
		Operation:  op,
		Fields:     []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}},
	}
}

func newValidationError(entityType, op string, schemaPath cue.Path, err error) *ValidationError {
	ve := &ValidationError{EntityType: entityType, Operation: op}

	seen := make(map[FieldError]bool)
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		fe := FieldError{
			Field:   trimPath(schemaPath, e.Path()),
			Message: fmt.Sprintf(format, args...),
		}
		if seen[fe] {
			continue
		}
		seen[fe] = true
		ve.Fields = append(ve.Fields, fe)
	}
	if len(ve.Fields) == 0 {
		ve.Fields = []FieldError{{Message: err.Error()}}
	}

	sort.Slice(ve.Fields, func(i, j int) bool {
		return ve.Fields[i].Field < ve.Fields[j].Field
	})
	return ve
}
