package source

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"

	"github.com/meigma/asset"
)

// Chain searches sources in order.
//
// Open returns the first match. A failure other than not-found stops the
// search and is returned, so a broken location is never silently skipped.
type Chain struct {
	sources []asset.Source
}

// Interface compliance.
var _ asset.MultiSource = (*Chain)(nil)

// NewChain returns a chain searching sources in the given order.
// Nil sources are ignored.
func NewChain(sources ...asset.Source) *Chain {
	c := &Chain{sources: make([]asset.Source, 0, len(sources))}
	for _, s := range sources {
		if s == nil {
			continue
		}
		c.sources = append(c.sources, s)
	}
	return c
}

// Len returns the number of sources in the chain.
func (c *Chain) Len() int {
	return len(c.sources)
}

// Open returns the first stream found for name.
func (c *Chain) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	for _, s := range c.sources {
		rc, err := s.Open(ctx, name)
		if err == nil {
			return rc, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return nil, err
	}
	return nil, notExist(name)
}

// OpenAll yields every stream found for name in chain order. Sources that
// are themselves MultiSources contribute all their matches. Failures other
// than not-found are yielded with a nil stream and iteration continues if
// the caller keeps going.
func (c *Chain) OpenAll(ctx context.Context, name string) iter.Seq2[io.ReadCloser, error] {
	return func(yield func(io.ReadCloser, error) bool) {
		for _, s := range c.sources {
			if ms, ok := s.(asset.MultiSource); ok {
				for rc, err := range ms.OpenAll(ctx, name) {
					if !yield(rc, err) {
						return
					}
				}
				continue
			}
			rc, err := s.Open(ctx, name)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if !yield(rc, err) {
				return
			}
		}
	}
}

func notExist(name string) error {
	return &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

func invalid(name string) error {
	return &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
}
