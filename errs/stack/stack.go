// Package stack attaches a captured call stack to an error without
// changing its Error() text, the way the teacher's errs package expects
// (errs.CodeError.Wrap() delegates here).
package stack

import (
	"fmt"
	"runtime"
	"strings"
)

type withStack struct {
	err   error
	stack []uintptr
}

func New(err error, skip int) error {
	if err == nil {
		return nil
	}
	pc := make([]uintptr, 32)
	n := runtime.Callers(skip, pc)
	return &withStack{err: err, stack: pc[:n]}
}

func (w *withStack) Error() string { return w.err.Error() }

func (w *withStack) Unwrap() error { return w.err }

// Format renders the wrapped error followed by its captured frames,
// mirroring how pkg/errors-style stacks print under %+v.
func (w *withStack) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		_, _ = fmt.Fprintf(s, "%s\n", w.err.Error())
		frames := runtime.CallersFrames(w.stack)
		var b strings.Builder
		for {
			f, more := frames.Next()
			fmt.Fprintf(&b, "\t%s\n\t\t%s:%d\n", f.Function, f.File, f.Line)
			if !more {
				break
			}
		}
		_, _ = s.Write([]byte(b.String()))
	default:
		_, _ = fmt.Fprintf(s, "%s", w.err.Error())
	}
}
