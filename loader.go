package asset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
)

// Loader resolves assets by opening streams from a Source and handing them
// to the decoder registered for the recipe's kind.
//
// Loader performs no caching: every call opens and decodes again. Wrap it
// with the cache package to share results. The caller owns every capsule a
// Loader returns, including those a decoder loaded as dependencies; a
// decoder that keeps dependencies must release them from its own capsule.
type Loader struct {
	source   Source
	bindings map[Kind]binding
	logger   *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger for load events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a Loader reading from src with the decoders in reg.
// The registry is copied; later registrations are not seen.
func NewLoader(src Source, reg *Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		source:   src,
		bindings: reg.snapshot(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	return l
}

// Source returns the loader's byte source.
func (l *Loader) Source() Source {
	return l.source
}

// Resolve returns the decoder that recipe selects.
func Resolve[T any](l *Loader, recipe Recipe[T]) (Decoder[T], error) {
	b, err := l.lookup(recipe)
	if err != nil {
		return nil, err
	}
	dec, ok := b.decoder.(Decoder[T])
	if !ok {
		return nil, fmt.Errorf("%w: decoder for %s has a different output type", ErrUnsupportedRecipe, recipe.Kind())
	}
	return dec, nil
}

// Supports reports whether a decoder is registered for kind.
func (l *Loader) Supports(kind Kind) bool {
	_, ok := l.bindings[kind]
	return ok
}

// TryLoadAny implements Resolver. Dependencies requested by decoders are
// loaded through l itself.
func (l *Loader) TryLoadAny(ctx context.Context, name string, recipe AnyRecipe) (Handle, bool, error) {
	return l.TryLoadWith(ctx, name, recipe, l)
}

// TryLoadWith opens name and decodes it with recipe, handing res to the
// decoder for dependency loads. A missing name yields ok == false and a
// nil error. The stream is closed on every path.
func (l *Loader) TryLoadWith(ctx context.Context, name string, recipe AnyRecipe, res Resolver) (Handle, bool, error) {
	if recipe == nil {
		return nil, false, fmt.Errorf("%w: nil recipe", ErrUnsupportedRecipe)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	rc, err := l.source.Open(ctx, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.log().Debug("asset not found", "name", name, "kind", recipe.Kind())
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("asset: open %q: %w", name, err)
	}
	defer rc.Close()

	b, err := l.lookup(recipe)
	if err != nil {
		return nil, false, err
	}

	l.log().Debug("decoding asset", "name", name, "kind", recipe.Kind())
	h, err := b.decode(ctx, rc, recipe, res)
	if err != nil {
		return nil, false, &DecodeError{Name: name, Kind: recipe.Kind(), Err: err}
	}
	if !valid(h) {
		_ = h.Release() //nolint:errcheck // value is already unusable
		return nil, false, &DecodeError{Name: name, Kind: recipe.Kind(), Err: errors.New("decoder produced a nil value")}
	}
	return h, true, nil
}

func (l *Loader) lookup(recipe AnyRecipe) (binding, error) {
	b, ok := l.bindings[recipe.Kind()]
	if !ok {
		return binding{}, fmt.Errorf("%w: no decoder for kind %s", ErrUnsupportedRecipe, recipe.Kind())
	}
	if !b.accepts(recipe) {
		return binding{}, fmt.Errorf("%w: %T does not produce the type registered for %s", ErrUnsupportedRecipe, recipe, recipe.Kind())
	}
	return b, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (l *Loader) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}
