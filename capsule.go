package asset

import (
	"io"
	"reflect"
	"sync"
	"sync/atomic"
)

// Capsule pairs a produced value with the operation that frees it.
//
// Every decoder returns its result as a Capsule, whether or not the value
// holds anything that needs freeing. Capsules are handed around by pointer;
// the party with final responsibility calls Release. Release runs the
// underlying operation at most once, so a consumer releasing a value that a
// caching resolver will release again at teardown is harmless.
type Capsule[T any] struct {
	value    T
	release  func() error
	once     sync.Once
	released atomic.Bool
}

// Handle is the type-erased view of a Capsule.
//
// Resolvers and caches store handles; the generic helpers in this package
// recover the typed Capsule. Only *Capsule implements Handle.
type Handle interface {
	// Release frees the wrapped value. Calls after the first return nil.
	Release() error

	// Released reports whether Release has been called.
	Released() bool

	anyValue() any
}

// NewCapsule wraps value with release. A nil release means there is
// nothing to free.
func NewCapsule[T any](value T, release func() error) *Capsule[T] {
	return &Capsule[T]{value: value, release: release}
}

// Keep wraps a value that owns no external resources.
func Keep[T any](value T) *Capsule[T] {
	return &Capsule[T]{value: value}
}

// Closing wraps a value whose Close method frees it.
func Closing[T io.Closer](value T) *Capsule[T] {
	return &Capsule[T]{value: value, release: value.Close}
}

// Value returns the wrapped value. It does not transfer ownership and
// remains valid to call after Release, though the value itself may no
// longer be usable.
func (c *Capsule[T]) Value() T {
	return c.value
}

// Release runs the release operation once. Subsequent calls return nil.
func (c *Capsule[T]) Release() error {
	var err error
	c.once.Do(func() {
		c.released.Store(true)
		if c.release != nil {
			err = c.release()
		}
	})
	return err
}

// Released reports whether Release has been called.
func (c *Capsule[T]) Released() bool {
	return c.released.Load()
}

func (c *Capsule[T]) anyValue() any {
	return c.value
}

// valid reports whether h carries a usable value.
func valid(h Handle) bool {
	return h != nil && !isNil(h.anyValue())
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
