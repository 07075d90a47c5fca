package source

import (
	"context"
	"io"
	"io/fs"

	"github.com/go-git/go-billy/v5"
)

// FS serves files from an fs.FS, typically an embed.FS compiled into the
// binary.
type FS struct {
	fsys fs.FS
}

// NewFS returns a source over fsys.
func NewFS(fsys fs.FS) *FS {
	return &FS{fsys: fsys}
}

// Open implements asset.Source.
func (s *FS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(name) {
		return nil, invalid(name)
	}
	f, err := s.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	return regularOnly(f, name)
}

// Billy serves files from a go-billy filesystem (OS, in-memory, chrooted
// or any other billy implementation).
type Billy struct {
	fs billy.Basic
}

// NewBilly returns a source over fsys.
func NewBilly(fsys billy.Basic) *Billy {
	return &Billy{fs: fsys}
}

// Open implements asset.Source.
func (s *Billy) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(name) {
		return nil, invalid(name)
	}
	info, err := s.fs.Stat(name)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, notExist(name)
	}
	return s.fs.Open(name)
}
