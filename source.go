package asset

import (
	"context"
	"io"
	"iter"
)

// Source opens named byte streams.
//
// Open returns an error matching fs.ErrNotExist when the name is absent;
// any other error is a real failure. The caller closes the returned stream.
// Implementations must be safe for concurrent use.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// MultiSource is a Source backed by several locations that can report
// every match for a name, in search order. Each yielded stream is closed
// independently by the caller. Iteration is lazy: stopping early opens
// nothing further.
type MultiSource interface {
	Source
	OpenAll(ctx context.Context, name string) iter.Seq2[io.ReadCloser, error]
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, name string) (io.ReadCloser, error)

// Open implements Source.
func (f SourceFunc) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return f(ctx, name)
}
