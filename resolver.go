package asset

import (
	"context"
	"fmt"
)

// Resolver loads assets by name and recipe.
//
// TryLoadAny reports absence with ok == false and a nil error; every other
// failure is returned. Both *Loader and the caching resolver in the cache
// package implement Resolver, and decoders receive one for loading their
// dependencies. Use the generic TryLoad, Load and Get helpers rather than
// calling TryLoadAny directly.
type Resolver interface {
	TryLoadAny(ctx context.Context, name string, recipe AnyRecipe) (h Handle, ok bool, err error)
}

// TryLoad loads name with recipe, reporting absence with ok == false.
func TryLoad[T any](ctx context.Context, res Resolver, name string, recipe Recipe[T]) (*Capsule[T], bool, error) {
	h, ok, err := res.TryLoadAny(ctx, name, recipe)
	if err != nil || !ok {
		return nil, false, err
	}
	c, isT := h.(*Capsule[T])
	if !isT {
		return nil, false, fmt.Errorf("%w: %q as %s yielded %T", ErrTypeMismatch, name, recipe.Kind(), h.anyValue())
	}
	return c, true, nil
}

// Load loads name with recipe and fails with ErrNotFound when absent.
//
// With a plain Loader the caller owns the returned capsule and must release
// it. With a caching resolver the capsule is shared and the cache releases
// it when closed.
func Load[T any](ctx context.Context, res Resolver, name string, recipe Recipe[T]) (*Capsule[T], error) {
	c, ok, err := TryLoad(ctx, res, name, recipe)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(name, recipe.Kind())
	}
	return c, nil
}

// Get is Load returning the value directly. It suits caching resolvers,
// which keep the release obligation; with a plain Loader the value is never
// released.
func Get[T any](ctx context.Context, res Resolver, name string, recipe Recipe[T]) (T, error) {
	c, err := Load(ctx, res, name, recipe)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.Value(), nil
}
