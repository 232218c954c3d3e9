// Package apperr defines the error taxonomy shared by the gauge core services.
// Errors carry a kind, a machine-readable reason code and structured context;
// mapping them to user-facing text is left to callers.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for callers deciding how to react.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout"
)

// Sentinels for errors.Is. A sentinel matches any error of the same kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTimeout    = &Error{Kind: KindTimeout}
)

// Error is a typed core error.
type Error struct {
	Kind    Kind
	Code    string
	Context map[string]any
	Err     error
}

func newError(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Validation reports malformed or inconsistent input. Always raised before any write.
func Validation(code string) *Error { return newError(KindValidation, code) }

// Conflict reports a precondition on current state that does not hold.
func Conflict(code string) *Error { return newError(KindConflict, code) }

// NotFound reports a missing or soft-deleted entity.
func NotFound(code string) *Error { return newError(KindNotFound, code) }

// Timeout reports an exceeded lock-wait or I/O deadline. Safe to retry.
func Timeout(code string) *Error { return newError(KindTimeout, code) }

// With attaches a context value and returns the receiver for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Wrap records the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind whose code is empty or equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the reason code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Warning is a non-fatal anomaly surfaced alongside a successful result.
type Warning struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}
