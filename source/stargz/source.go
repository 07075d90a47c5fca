// Package stargz serves assets from an eStargz archive.
//
// eStargz archives are seekable tar.gz (or zstd:chunked) blobs with a table
// of contents, so single files can be read without decompressing the rest
// of the archive. Combined with source.OpenHTTPFile the archive can stay
// remote.
package stargz

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/containerd/stargz-snapshotter/estargz/zstdchunked"
)

// Source reads regular files from an eStargz archive.
type Source struct {
	r *estargz.Reader
}

// Open parses the table of contents of the archive in ra.
// Both gzip and zstd:chunked archives are accepted.
func Open(ra io.ReaderAt, size int64) (*Source, error) {
	r, err := estargz.Open(io.NewSectionReader(ra, 0, size),
		estargz.WithDecompressors(new(zstdchunked.Decompressor)),
	)
	if err != nil {
		return nil, fmt.Errorf("stargz: open: %w", err)
	}
	return &Source{r: r}, nil
}

// Open implements asset.Source. Only regular files are served.
func (s *Source) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	entry, ok := s.r.Lookup(name)
	if !ok || entry.Type != "reg" {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	sr, err := s.r.OpenFile(name)
	if err != nil {
		return nil, fmt.Errorf("stargz: open %s: %w", name, err)
	}
	return io.NopCloser(sr), nil
}

// Names returns the names of all regular files in the archive, sorted.
func (s *Source) Names() []string {
	root, ok := s.r.Lookup("")
	if !ok {
		return nil
	}
	var names []string
	walk(root, "", func(name string) {
		names = append(names, name)
	})
	slices.Sort(names)
	return names
}

func walk(dir *estargz.TOCEntry, prefix string, visit func(string)) {
	dir.ForeachChild(func(name string, child *estargz.TOCEntry) bool {
		p := path.Join(prefix, name)
		switch child.Type {
		case "dir":
			walk(child, p, visit)
		case "reg":
			if p == estargz.PrefetchLandmark || p == estargz.NoPrefetchLandmark {
				return true
			}
			visit(p)
		}
		return true
	})
}
