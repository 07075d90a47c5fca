package source

import (
	"bytes"
	"context"
	"io"

	"github.com/zeebo/blake3"

	"github.com/meigma/asset"
)

// Store keeps local copies of streams by key. source/disk.Store
// implements it.
type Store interface {
	// Get returns the stored copy for key, if any.
	Get(key []byte) (io.ReadCloser, bool)

	// Put stores the content read from r under key.
	Put(key []byte, r io.Reader) error
}

// Mirror is a read-through copy of a slow source, typically a remote one.
//
// Streams are looked up in the store first, keyed by the BLAKE3 hash of the
// name; on a miss the stream is read from the wrapped source and stored.
// Storing is opportunistic: a failed Put still returns the content.
// Absence is never stored.
type Mirror struct {
	src   asset.Source
	store Store
}

// NewMirror returns src mirrored into store.
func NewMirror(src asset.Source, store Store) *Mirror {
	return &Mirror{src: src, store: store}
}

// Open implements asset.Source.
func (m *Mirror) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := MirrorKey(name)
	if rc, ok := m.store.Get(key); ok {
		return rc, nil
	}

	rc, err := m.src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}

	_ = m.store.Put(key, bytes.NewReader(content)) //nolint:errcheck // mirroring is opportunistic

	return io.NopCloser(bytes.NewReader(content)), nil
}

// MirrorKey returns the store key used for name.
func MirrorKey(name string) []byte {
	sum := blake3.Sum256([]byte(name))
	return sum[:]
}
