// Package pack reads and writes asset packs.
//
// An asset pack is a single file holding many assets, built ahead of time
// and shipped next to (or inside) a binary, or served over HTTP. Its layout
// is:
//
//	magic "ASSETPK1" | index length (uint64, little endian) | index | data
//
// The index is a FlatBuffers table listing entries sorted by name. Each
// entry records where its bytes live in the data section, how they are
// compressed, and the digest of the original content. Lookups are binary
// searches over the index; reads touch only the bytes of one entry, so a
// pack can be read in place from any io.ReaderAt.
//
// A [Reader] is an asset.Source.
package pack

import (
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/asset/pack/internal/fb"
)

// Magic identifies an asset pack.
const Magic = "ASSETPK1"

// Version is the index version written by this package.
const Version = 1

// headerSize is the size of the magic plus the index length.
const headerSize = len(Magic) + 8

var (
	// ErrInvalid indicates the input is not a well-formed asset pack.
	ErrInvalid = errors.New("pack: invalid archive")

	// ErrDigestMismatch indicates entry content does not match its digest.
	ErrDigestMismatch = errors.New("pack: digest mismatch")

	// ErrDuplicateName indicates two files share a name.
	ErrDuplicateName = errors.New("pack: duplicate name")

	// ErrInvalidName indicates a file name is not a valid slash-separated
	// relative path.
	ErrInvalidName = errors.New("pack: invalid name")
)

// Compression identifies how an entry is stored.
type Compression uint8

const (
	// CompressionNone stores content as is.
	CompressionNone Compression = Compression(fb.CompressionNone)
	// CompressionZstd stores content zstd-compressed.
	CompressionZstd Compression = Compression(fb.CompressionZstd)
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Entry describes one asset in a pack.
type Entry struct {
	Name         string
	Offset       uint64 // offset within the data section
	Size         uint64 // stored size
	OriginalSize uint64 // size after decompression
	Digest       digest.Digest
	Compression  Compression
}

// File is an asset to be written into a pack.
type File struct {
	Name string
	Data []byte
}
