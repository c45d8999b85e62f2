// Package safe holds small guards used at the boundary of the exchange
// engine: panics from a misconfigured caller should fail loud and early,
// while panics inside a background goroutine (housekeeping, bridges)
// must never take the process down.
package safe

import (
	"fmt"
	"reflect"
)

// MustNotNil panics if the given interface value holds a nil pointer,
// catching a wiring mistake at Engine construction time instead of a
// nil-pointer dereference three ticks later. A struct (or other
// non-nilable kind) implementing the interface is never nil regardless
// of value, so IsNil is only consulted for kinds that support it.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts f on a new goroutine, recovering any panic through onPanic
// so a single bad tick of a background task never crashes the process.
func Go(onPanic func(r any), f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil && onPanic != nil {
				onPanic(r)
			}
		}()
		f()
	}()
}
