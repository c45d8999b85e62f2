// Package errs provides the coded-error idiom the rest of the exchange
// core uses instead of ad hoc fmt.Errorf: every error surfaced across a
// component boundary carries a numeric code so callers can branch on
// kind (spec §7: transient/retryable, validation failure, resource
// failure, timeout, usage error) without string matching.
package errs

import (
	"fmt"
	"strings"
)

// Error is satisfied by any coded error, independent of any wrapping.
type Error = CodeErrorI

// ErrWrapper is satisfied by an error that adds context to an inner
// cause while remaining unwrappable back to it.
type ErrWrapper interface {
	error
	Unwrap() error
}

// Well-known codes shared by any caller of this package. Domain-specific
// retry/validation/resource/timeout/usage codes live in core/errors.go.
const (
	ServerInternalError = 500
	ArgsError           = 400
)

func toString(msg string, kv ...any) string {
	if msg == "" && len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

// New builds a coded error carrying optional key/value context.
func New(msg string, kv ...any) *CodeError {
	return &CodeError{Code: ServerInternalError, Msg: toString(msg, kv...)}
}

type errorWrapper struct {
	cause error
	msg   string
}

func NewErrorWrapper(cause error, msg string) error {
	return &errorWrapper{cause: cause, msg: msg}
}

func (w *errorWrapper) Error() string {
	if w.msg == "" {
		return w.cause.Error()
	}
	return w.msg + ": " + w.cause.Error()
}

func (w *errorWrapper) Unwrap() error { return w.cause }
