// Package testutil provides in-memory sources and instrumented decoders for
// tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/meigma/asset"
)

// MapSource implements a concurrency-safe in-memory source for tests.
// It counts opens per name and tracks streams that were never closed.
type MapSource struct {
	mu     sync.RWMutex
	data   map[string][]byte
	opens  map[string]int
	open   atomic.Int64
	failOn map[string]error
}

// NewMapSource returns a source serving the given files.
func NewMapSource(files map[string][]byte) *MapSource {
	data := make(map[string][]byte, len(files))
	for name, content := range files {
		data[name] = content
	}
	return &MapSource{
		data:   data,
		opens:  make(map[string]int),
		failOn: make(map[string]error),
	}
}

// Put adds or replaces a file.
func (s *MapSource) Put(name string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = content
}

// Fail makes opens of name return err. A nil err clears the failure.
func (s *MapSource) Fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, name)
		return
	}
	s.failOn[name] = err
}

// Open implements asset.Source.
func (s *MapSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[name]; ok {
		return nil, err
	}
	content, ok := s.data[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	s.opens[name]++
	s.open.Add(1)
	return &trackedReader{Reader: bytes.NewReader(content), open: &s.open}, nil
}

// Opens returns how many streams were opened for name.
func (s *MapSource) Opens(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opens[name]
}

// OpenStreams returns the number of streams opened and not yet closed.
func (s *MapSource) OpenStreams() int64 {
	return s.open.Load()
}

type trackedReader struct {
	*bytes.Reader
	open   *atomic.Int64
	closed atomic.Bool
}

func (r *trackedReader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.open.Add(-1)
	}
	return nil
}

// ErrSourceDown is a generic non-not-found source failure.
var ErrSourceDown = errors.New("testutil: source unavailable")

// MultiMapSource exposes several MapSources as one asset.MultiSource,
// searched in order.
type MultiMapSource []*MapSource

// Open implements asset.Source.
func (m MultiMapSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	for _, s := range m {
		rc, err := s.Open(ctx, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return rc, err
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// OpenAll implements asset.MultiSource.
func (m MultiMapSource) OpenAll(ctx context.Context, name string) iter.Seq2[io.ReadCloser, error] {
	return func(yield func(io.ReadCloser, error) bool) {
		for _, s := range m {
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

// Resource is a releasable test value that counts Close calls.
type Resource struct {
	Name   string
	Data   []byte
	closes atomic.Int64
	err    error
}

// NewResource returns a Resource whose Close returns err.
func NewResource(name string, data []byte, err error) *Resource {
	return &Resource{Name: name, Data: data, err: err}
}

// Close records the call and returns the configured error.
func (r *Resource) Close() error {
	r.closes.Add(1)
	return r.err
}

// Closes returns how many times Close was called.
func (r *Resource) Closes() int64 {
	return r.closes.Load()
}

// ResourceRecipe produces *Resource values.
type ResourceRecipe struct {
	asset.Produces[*Resource]
}

// ResourceKind is the kind of ResourceRecipe.
const ResourceKind asset.Kind = "test-resource"

// Kind implements asset.Recipe.
func (ResourceRecipe) Kind() asset.Kind { return ResourceKind }

// CountingDecoder wraps a decode function and counts invocations.
type CountingDecoder[T any] struct {
	fn    asset.DecoderFunc[T]
	calls atomic.Int64
}

// NewCountingDecoder returns a decoder that calls fn.
func NewCountingDecoder[T any](fn asset.DecoderFunc[T]) *CountingDecoder[T] {
	return &CountingDecoder[T]{fn: fn}
}

// Decode implements asset.Decoder.
func (d *CountingDecoder[T]) Decode(ctx context.Context, r io.Reader, recipe asset.Recipe[T], res asset.Resolver) (*asset.Capsule[T], error) {
	d.calls.Add(1)
	return d.fn(ctx, r, recipe, res)
}

// Calls returns the number of Decode invocations.
func (d *CountingDecoder[T]) Calls() int64 {
	return d.calls.Load()
}

// ResourceDecoder returns a counting decoder that reads the stream into a
// *Resource released through Close.
func ResourceDecoder(closeErr error) *CountingDecoder[*Resource] {
	return NewCountingDecoder(func(_ context.Context, r io.Reader, _ asset.Recipe[*Resource], _ asset.Resolver) (*asset.Capsule[*Resource], error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return asset.Closing(NewResource("", data, closeErr)), nil
	})
}

// StringDecoder returns a counting decoder that reads the stream as a string.
func StringDecoder() *CountingDecoder[string] {
	return NewCountingDecoder(func(_ context.Context, r io.Reader, _ asset.Recipe[string], _ asset.Resolver) (*asset.Capsule[string], error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return asset.Keep(string(data)), nil
	})
}
