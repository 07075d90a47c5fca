package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

		"github.com/pierrec/lz4/v4"

	"github.com/meigma/asset"
	"github.com/meigma/asset/internal/zstdpool"
)

// Compressed file suffixes recognised by Decompressed.
const (
	SuffixZstd = ".zst"
	SuffixLZ4  = ".lz4"
)

// Decompressed serves compressed variants of missing names.
//
// When the wrapped source has no stream for name, Decompressed looks for
// name+".zst" and then name+".lz4" and returns the decompressed stream.
// An uncompressed match always wins.
type Decompressed struct {
	src  asset.Source
	pool *zstdpool.Pool
}

// DecompressOption configures a Decompressed source.
type DecompressOption func(*Decompressed)

// WithMaxDecoderMemory bounds the memory a zstd decoder may allocate.
// Zero applies no limit.
func WithMaxDecoderMemory(n uint64) DecompressOption {
	return func(d *Decompressed) {
		d.pool = zstdpool.New(n)
	}
}

// NewDecompressed wraps src.
func NewDecompressed(src asset.Source, opts ...DecompressOption) *Decompressed {
	d := &Decompressed{src: src, pool: zstdpool.New(0)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(d)
	}
	return d
}

// Open implements asset.Source.
func (d *Decompressed) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := d.src.Open(ctx, name)
	if !errors.Is(err, fs.ErrNotExist) {
		return rc, err
	}
	missing := err

	rc, err = d.src.Open(ctx, name+SuffixZstd)
	switch {
	case err == nil:
		dec, release, decErr := d.pool.Get(rc)
		if decErr != nil {
			rc.Close()
			return nil, fmt.Errorf("zstd %s: %w", name, decErr)
		}
		return &decompressReader{r: dec, closeFn: func() error {
			release()
			return rc.Close()
		}}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	rc, err = d.src.Open(ctx, name+SuffixLZ4)
	switch {
	case err == nil:
		return &decompressReader{r: lz4.NewReader(rc), closeFn: rc.Close}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	return nil, missing
}

type decompressReader struct {
	r       io.Reader
	closeFn func() error
	once    sync.Once
	err     error
}

func (r *decompressReader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

func (r *decompressReader) Close() error {
	r.once.Do(func() {
		r.err = r.closeFn()
	})
	return r.err
}
