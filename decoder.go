package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
)

// Decoder turns a byte stream into a value of type T.
//
// Decoders must be safe for concurrent use. They may load dependencies
// through res; when res is a caching resolver those dependencies are
// shared and owned by the cache.
type Decoder[T any] interface {
	Decode(ctx context.Context, r io.Reader, recipe Recipe[T], res Resolver) (*Capsule[T], error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc[T any] func(ctx context.Context, r io.Reader, recipe Recipe[T], res Resolver) (*Capsule[T], error)

// Decode implements Decoder.
func (f DecoderFunc[T]) Decode(ctx context.Context, r io.Reader, recipe Recipe[T], res Resolver) (*Capsule[T], error) {
	return f(ctx, r, recipe, res)
}

// Registry maps recipe kinds to decoders.
//
// Populate a Registry at startup and hand it to NewLoader, which takes a
// snapshot; the registry may be reused or extended afterwards without
// affecting loaders already built from it.
type Registry struct {
	mu       sync.RWMutex
	bindings map[Kind]binding
}

// binding is a decoder with its output type erased.
type binding struct {
	decoder any
	accepts func(recipe AnyRecipe) bool
	decode  func(ctx context.Context, r io.Reader, recipe AnyRecipe, res Resolver) (Handle, error)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[Kind]binding)}
}

// Register binds kind to a decoder producing T.
func Register[T any](reg *Registry, kind Kind, dec Decoder[T]) error {
	if kind == "" {
		return errors.New("asset: empty kind")
	}
	if dec == nil {
		return fmt.Errorf("asset: nil decoder for kind %s", kind)
	}
	b := binding{
		decoder: dec,
		accepts: func(recipe AnyRecipe) bool {
			_, ok := recipe.(Recipe[T])
			return ok
		},
		decode: func(ctx context.Context, r io.Reader, recipe AnyRecipe, res Resolver) (Handle, error) {
			c, err := dec.Decode(ctx, r, recipe.(Recipe[T]), res) //nolint:forcetypeassert // checked by accepts
			if err != nil {
				return nil, err
			}
			if c == nil {
				return nil, errors.New("decoder returned no capsule")
			}
			return c, nil
		},
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.bindings == nil {
		reg.bindings = make(map[Kind]binding)
	}
	if _, exists := reg.bindings[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	reg.bindings[kind] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister[T any](reg *Registry, kind Kind, dec Decoder[T]) {
	if err := Register(reg, kind, dec); err != nil {
		panic(err)
	}
}

// Kinds returns the registered kinds in no particular order.
func (reg *Registry) Kinds() []Kind {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	kinds := make([]Kind, 0, len(reg.bindings))
	for k := range reg.bindings {
		kinds = append(kinds, k)
	}
	return kinds
}

func (reg *Registry) snapshot() map[Kind]binding {
	if reg == nil {
		return map[Kind]binding{}
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return maps.Clone(reg.bindings)
}
