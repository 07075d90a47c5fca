package asset

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors for asset resolution.
var (
	// ErrNotFound is returned by strict loads when no source holds the name.
	// It matches fs.ErrNotExist.
	ErrNotFound = fmt.Errorf("asset: not found: %w", fs.ErrNotExist)

	// ErrUnsupportedRecipe is returned when no decoder is registered for a
	// recipe's kind, or the registered decoder produces a different type.
	ErrUnsupportedRecipe = errors.New("asset: unsupported recipe")

	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("asset: decode failed")

	// ErrClosed is returned by loads attempted after the resolver was closed.
	ErrClosed = errors.New("asset: resolver closed")

	// ErrCycle is returned when a decoder transitively requests the key it
	// is building.
	ErrCycle = errors.New("asset: dependency cycle")

	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("asset: duplicate kind")

	// ErrTypeMismatch is returned when a resolver hands back a value of a
	// different type than the recipe declares.
	ErrTypeMismatch = errors.New("asset: type mismatch")
)

// DecodeError reports a decoder failure for a located stream.
type DecodeError struct {
	Name string
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("asset: decode %q as %s: %v", e.Name, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// notFound builds the strict-load error for name and kind.
func notFound(name string, kind Kind) error {
	return fmt.Errorf("%w: %q as %s", ErrNotFound, name, kind)
}
