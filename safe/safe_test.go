package safe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type structImpl struct{}

func TestMustNotNilAcceptsStructValue(t *testing.T) {
	// A struct-kind value implementing an interface is never nil, even
	// though reflect.ValueOf(v).IsNil() would panic if called on it
	// unconditionally (Kind() != Ptr/Interface/Map/Slice/Chan/Func).
	assert.NotPanics(t, func() {
		MustNotNil(structImpl{}, "dep")
	})
}

func TestMustNotNilCatchesNilPointer(t *testing.T) {
	var p *structImpl
	assert.Panics(t, func() {
		MustNotNil(p, "dep")
	})
}

func TestMustNotNilCatchesNilInterface(t *testing.T) {
	assert.Panics(t, func() {
		MustNotNil(nil, "dep")
	})
}
