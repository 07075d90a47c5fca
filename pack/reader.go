package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/asset/internal/zstdpool"
	"github.com/meigma/asset/pack/internal/fb"
)

// maxIndexSize bounds the index read at open time.
const maxIndexSize = 256 << 20

// Reader serves the entries of an asset pack. It is safe for concurrent
// use as long as the underlying io.ReaderAt is.
type Reader struct {
	ra       io.ReaderAt
	dataOff  int64
	dataSize uint64
	index    *fb.Index
}

// Open reads the header and index of the pack stored in ra.
//
// The index is validated up front: entries must be sorted, unique and lie
// inside the data section. Entry content is read lazily.
func Open(ra io.ReaderAt, size int64) (*Reader, error) {
	if size < int64(headerSize) {
		return nil, fmt.Errorf("%w: too small", ErrInvalid)
	}
	header := make([]byte, headerSize)
	if err := readFull(ra, header, 0); err != nil {
		return nil, fmt.Errorf("pack: read header: %w", err)
	}
	if string(header[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalid)
	}
	indexLen := binary.LittleEndian.Uint64(header[len(Magic):])
	if indexLen == 0 || indexLen > maxIndexSize || indexLen > uint64(size-int64(headerSize)) {
		return nil, fmt.Errorf("%w: index length %d", ErrInvalid, indexLen)
	}

	data := make([]byte, indexLen)
	if err := readFull(ra, data, int64(headerSize)); err != nil {
		return nil, fmt.Errorf("pack: read index: %w", err)
	}

	dataOff := int64(headerSize) + int64(indexLen) //nolint:gosec // bounded by size above
	r := &Reader{
		ra:       ra,
		dataOff:  dataOff,
		dataSize: uint64(size - dataOff),
	}
	index, err := loadIndex(data)
	if err != nil {
		return nil, err
	}
	r.index = index
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// readFull reads exactly len(p) bytes at off. Implementations may return
// io.EOF alongside a full read that ends at the last byte.
func readFull(ra io.ReaderAt, p []byte, off int64) error {
	n, err := ra.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func loadIndex(data []byte) (idx *fb.Index, err error) {
	defer func() {
		if r := recover(); r != nil {
			idx = nil
			err = fmt.Errorf("%w: failed to parse index: %v", ErrInvalid, r)
		}
	}()
	idx = fb.GetRootAsIndex(data, 0)
	if idx.Version() != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, idx.Version())
	}
	return idx, nil
}

func (r *Reader) validate() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: corrupt index: %v", ErrInvalid, rec)
		}
	}()
	var prev []byte
	var e fb.Entry
	for i := range r.index.EntriesLength() {
		if !r.index.Entries(&e, i) {
			return fmt.Errorf("%w: missing entry %d", ErrInvalid, i)
		}
		name := e.Name()
		if i > 0 && bytes.Compare(prev, name) >= 0 {
			return fmt.Errorf("%w: entries not sorted at %q", ErrInvalid, name)
		}
		if e.Offset() > r.dataSize || e.Size() > r.dataSize-e.Offset() {
			return fmt.Errorf("%w: entry %q out of bounds", ErrInvalid, name)
		}
		if e.Compression() > fb.CompressionZstd {
			return fmt.Errorf("%w: entry %q: unknown compression %d", ErrInvalid, name, e.Compression())
		}
		if _, err := digest.Parse(string(e.Digest())); err != nil {
			return fmt.Errorf("%w: entry %q: %v", ErrInvalid, name, err)
		}
		prev = name
	}
	return nil
}

// Len returns the number of entries.
func (r *Reader) Len() int {
	return r.index.EntriesLength()
}

// Names yields entry names in sorted order.
func (r *Reader) Names() iter.Seq[string] {
	return func(yield func(string) bool) {
		var e fb.Entry
		for i := range r.index.EntriesLength() {
			if !r.index.Entries(&e, i) {
				return
			}
			if !yield(string(e.Name())) {
				return
			}
		}
	}
}

// Stat returns the entry for name.
func (r *Reader) Stat(name string) (Entry, bool) {
	var e fb.Entry
	if !r.lookup(name, &e) {
		return Entry{}, false
	}
	return entryFrom(&e), true
}

func (r *Reader) lookup(name string, e *fb.Entry) bool {
	n := r.index.EntriesLength()
	key := []byte(name)
	i := sort.Search(n, func(i int) bool {
		var probe fb.Entry
		r.index.Entries(&probe, i)
		return bytes.Compare(probe.Name(), key) >= 0
	})
	if i >= n {
		return false
	}
	r.index.Entries(e, i)
	return bytes.Equal(e.Name(), key)
}

func entryFrom(e *fb.Entry) Entry {
	return Entry{
		Name:         string(e.Name()),
		Offset:       e.Offset(),
		Size:         e.Size(),
		OriginalSize: e.OriginalSize(),
		Digest:       digest.Digest(e.Digest()),
		Compression:  Compression(e.Compression()),
	}
}

// Open implements asset.Source. The stream reports ErrDigestMismatch at
// EOF if the content does not match the recorded digest.
func (r *Reader) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := r.Stat(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	//nolint:gosec // offsets validated against the data section at open
	section := io.NewSectionReader(r.ra, r.dataOff+int64(entry.Offset), int64(entry.Size))

	v := &verifiedReader{
		r:        section,
		verifier: entry.Digest.Verifier(),
		want:     entry.Digest,
		size:     entry.OriginalSize,
	}
	if entry.Compression == CompressionZstd {
		dec, release, err := decoders.Get(section)
		if err != nil {
			return nil, fmt.Errorf("pack: open %s: %w", name, err)
		}
		v.r = dec
		v.release = release
	}
	return v, nil
}

// decoders is shared by every Reader. A stream returns its decoder on Close.
var decoders = zstdpool.New(0)

// verifiedReader checks size and digest when the stream reaches EOF.
type verifiedReader struct {
	r        io.Reader
	release  func()
	verifier digest.Verifier
	want     digest.Digest
	size     uint64
	read     uint64
	err      error
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	n, err := v.r.Read(p)
	if n > 0 {
		v.read += uint64(n)
		v.verifier.Write(p[:n]) //nolint:errcheck // digest verifiers do not fail
		if v.read > v.size {
			v.err = fmt.Errorf("%w: %s exceeds %d bytes", ErrDigestMismatch, v.want, v.size)
			return n, v.err
		}
	}
	if errors.Is(err, io.EOF) && (v.read != v.size || !v.verifier.Verified()) {
		v.err = fmt.Errorf("%w: %s", ErrDigestMismatch, v.want)
		return n, v.err
	}
	return n, err
}

func (v *verifiedReader) Close() error {
	if v.release != nil {
		v.release()
		v.release = nil
	}
	v.r = nil
	v.err = fs.ErrClosed
	return nil
}
