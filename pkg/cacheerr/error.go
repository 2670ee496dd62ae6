package cacheerr

import (
	"errors"
	"fmt"
)

// Error is the structured error value returned by layercache operations.
// It carries enough context (Kind, Operation, Key, Provider) for callers
// to react programmatically instead of matching on Message.
type Error struct {
	Kind      Kind
	Message   string
	Operation string
	Key       string
	Provider  string
	Context   map[string]any
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	switch {
	case e.Operation != "" && e.Key != "":
		return fmt.Sprintf("%s: %s (key=%q): %s", e.Operation, e.Kind, e.Key, msg)
	case e.Operation != "":
		return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, cacheerr.New(cacheerr.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a structured error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithOperation returns a copy of e with Operation set, for use in a
// fluent-ish construction style: cacheerr.New(...).WithOperation("get").
func (e *Error) WithOperation(op string) *Error {
	c := *e
	c.Operation = op
	return &c
}

// WithKey returns a copy of e with Key set.
func (e *Error) WithKey(key string) *Error {
	c := *e
	c.Key = key
	return &c
}

// WithProvider returns a copy of e with Provider set.
func (e *Error) WithProvider(provider string) *Error {
	c := *e
	c.Provider = provider
	return &c
}

// WithContext returns a copy of e with a context key/value attached.
func (e *Error) WithContext(key string, value any) *Error {
	c := *e
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	c.Context = ctx
	return &c
}

// KindOf extracts the Kind from err, returning KindUnknown if err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Normalize is the single funnel every facade entry point routes errors
// through: non-structured errors are wrapped as KindUnknown so the rest of
// the system can always branch on Kind. A nil err returns nil.
func Normalize(err error, operation string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Operation == "" {
			return e.WithOperation(operation)
		}
		return e
	}
	return Wrap(KindUnknown, err, err.Error()).WithOperation(operation)
}
