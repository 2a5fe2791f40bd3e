package location

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("location not found")

// Violation is one validation failure. Index is the entry's position in a
// bulk request and 0 for single-location requests.
type Violation struct {
	Index   int    `json:"index"`
	Key     string `json:"key,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Key != "" {
		return fmt.Sprintf("entry %d (%s): %s: %s", v.Index, v.Key, v.Field, v.Message)
	}
	return fmt.Sprintf("entry %d: %s: %s", v.Index, v.Field, v.Message)
}

// ValidationError reports malformed input or an illegal hierarchy. It is
// never retried.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	switch len(e.Violations) {
	case 0:
		return "validation failed"
	case 1:
		return "validation failed: " + e.Violations[0].Message
	}
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("validation failed with %d violations: %s", len(e.Violations), strings.Join(msgs, "; "))
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Violations: []Violation{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// violations accumulates failures for one request.
type violations []Violation

func (vs *violations) add(index int, key, field, format string, args ...interface{}) {
	*vs = append(*vs, Violation{Index: index, Key: key, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (vs violations) err() error {
	if len(vs) == 0 {
		return nil
	}
	out := append([]Violation(nil), vs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return &ValidationError{Violations: out}
}

// NotFoundError reports a missing location or a missing ancestor of the
// requested type.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func notFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a change that would break the forest invariant or
// a uniqueness constraint.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func conflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a storage failure that persisted after retries.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "storage error: " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func isDomainError(err error) bool {
	var ve *ValidationError
	var nf *NotFoundError
	var ce *ConflictError
	var se *StorageError
	return errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &ce) || errors.As(err, &se)
}
