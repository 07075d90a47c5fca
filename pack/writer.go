package pack

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/asset/pack/internal/fb"
)

// SkipCompressionFunc returns true when a file should be stored
// uncompressed. It is called once per file and should be inexpensive.
type SkipCompressionFunc func(name string, size int64) bool

// DefaultSkipCompression returns a SkipCompressionFunc that skips files
// smaller than minSize and known already-compressed extensions.
func DefaultSkipCompression(minSize int64) SkipCompressionFunc {
	return func(name string, size int64) bool {
		if minSize > 0 && size < minSize {
			return true
		}
		_, ok := precompressedExts[strings.ToLower(filepath.Ext(name))]
		return ok
	}
}

var precompressedExts = map[string]struct{}{
	".7z": {}, ".aac": {}, ".avif": {}, ".br": {}, ".bz2": {}, ".flac": {},
	".gif": {}, ".gz": {}, ".heic": {}, ".ico": {}, ".jpeg": {}, ".jpg": {},
	".lz4": {}, ".m4v": {}, ".mkv": {}, ".mov": {}, ".mp3": {}, ".mp4": {},
	".ogg": {}, ".opus": {}, ".pdf": {}, ".png": {}, ".rar": {}, ".tgz": {},
	".wav": {}, ".webm": {}, ".webp": {}, ".woff": {}, ".woff2": {}, ".xz": {},
	".zip": {}, ".zst": {},
}

type writeConfig struct {
	compression     Compression
	skipCompression []SkipCompressionFunc
	logger          *slog.Logger
}

// WriteOption configures pack creation.
type WriteOption func(*writeConfig)

// WithCompression sets the compression used for entries.
// Entries that do not shrink are stored uncompressed.
func WithCompression(c Compression) WriteOption {
	return func(cfg *writeConfig) {
		cfg.compression = c
	}
}

// WithSkipCompression adds predicates that decide to store a file
// uncompressed. If any predicate returns true, compression is skipped.
func WithSkipCompression(fns ...SkipCompressionFunc) WriteOption {
	return func(cfg *writeConfig) {
		cfg.skipCompression = append(cfg.skipCompression, fns...)
	}
}

// WithLogger sets the logger for pack creation.
func WithLogger(logger *slog.Logger) WriteOption {
	return func(cfg *writeConfig) {
		cfg.logger = logger
	}
}

func (cfg *writeConfig) log() *slog.Logger {
	if cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.logger
}

func (cfg *writeConfig) skip(name string, size int64) bool {
	for _, fn := range cfg.skipCompression {
		if fn != nil && fn(name, size) {
			return true
		}
	}
	return false
}

// Write encodes files as an asset pack to w.
//
// Names must be valid slash-separated relative paths (see fs.ValidPath)
// and unique. Entries are stored sorted by name regardless of input order.
// Content is held in memory while the pack is assembled.
func Write(ctx context.Context, w io.Writer, files []File, opts ...WriteOption) error {
	var cfg writeConfig
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b File) int { return cmp.Compare(a.Name, b.Name) })
	for i, f := range sorted {
		if !fs.ValidPath(f.Name) || f.Name == "." {
			return fmt.Errorf("%w: %q", ErrInvalidName, f.Name)
		}
		if i > 0 && sorted[i-1].Name == f.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateName, f.Name)
		}
	}

	var enc *zstd.Encoder
	if cfg.compression == CompressionZstd {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		defer enc.Close()
	}

	entries := make([]Entry, 0, len(sorted))
	blobs := make([][]byte, 0, len(sorted))
	var offset uint64
	for _, f := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		stored, compression := f.Data, CompressionNone
		if enc != nil && !cfg.skip(f.Name, int64(len(f.Data))) {
			if packed := enc.EncodeAll(f.Data, nil); len(packed) < len(f.Data) {
				stored, compression = packed, CompressionZstd
			}
		}
		entries = append(entries, Entry{
			Name:         f.Name,
			Offset:       offset,
			Size:         uint64(len(stored)),
			OriginalSize: uint64(len(f.Data)),
			Digest:       digest.FromBytes(f.Data),
			Compression:  compression,
		})
		blobs = append(blobs, stored)
		offset += uint64(len(stored))
	}

	index := buildIndex(entries)
	header := make([]byte, headerSize)
	copy(header, Magic)
	binary.LittleEndian.PutUint64(header[len(Magic):], uint64(len(index)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(index); err != nil {
		return err
	}
	for _, b := range blobs {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	cfg.log().Info("asset pack written",
		"entries", len(entries),
		"index_size", len(index),
		"data_size", offset,
		"compression", cfg.compression.String())
	return nil
}

// Create builds an asset pack from the regular files below dir.
//
// Names are paths relative to dir using forward slashes. Empty directories
// are not preserved and symbolic links are skipped.
func Create(ctx context.Context, dir string, w io.Writer, opts ...WriteOption) error {
	var cfg writeConfig
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	var files []File
	fsys := root.FS()
	err = fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			cfg.log().Debug("skipped non-regular file", "path", path)
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		files = append(files, File{Name: path, Data: data})
		return nil
	})
	if err != nil {
		return err
	}

	cfg.log().Debug("asset pack files collected", "dir", dir, "file_count", len(files))
	return Write(ctx, w, files, opts...)
}

// buildIndex serializes entries to FlatBuffers format.
func buildIndex(entries []Entry) []byte {
	builder := flatbuffers.NewBuilder(1024)

	// Build entries in reverse order (FlatBuffers requirement)
	offsets := make([]flatbuffers.UOffsetT, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]

		nameOffset := builder.CreateString(e.Name)
		digestOffset := builder.CreateString(e.Digest.String())

		fb.EntryStart(builder)
		fb.EntryAddName(builder, nameOffset)
		fb.EntryAddOffset(builder, e.Offset)
		fb.EntryAddSize(builder, e.Size)
		fb.EntryAddOriginalSize(builder, e.OriginalSize)
		fb.EntryAddDigest(builder, digestOffset)
		fb.EntryAddCompression(builder, fb.Compression(e.Compression))
		offsets[i] = fb.EntryEnd(builder)
	}

	fb.IndexStartEntriesVector(builder, len(entries))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesOffset := builder.EndVector(len(entries))

	fb.IndexStart(builder)
	fb.IndexAddVersion(builder, Version)
	fb.IndexAddEntries(builder, entriesOffset)
	builder.Finish(fb.IndexEnd(builder))
	return builder.FinishedBytes()
}
