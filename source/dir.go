package source

import (
	"context"
	"io"
	"io/fs"
	"os"
)

// Dir serves files below a directory.
//
// Names are slash-separated paths relative to the directory. Lookups go
// through os.Root, so names cannot escape the directory via ".." or
// symbolic links. Directories are reported as not found.
type Dir struct {
	path string
	root *os.Root
}

// OpenDir opens dir as a source. Close releases the directory handle.
func OpenDir(dir string) (*Dir, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Dir{path: dir, root: root}, nil
}

// Path returns the directory the source was opened on.
func (d *Dir) Path() string {
	return d.path
}

// Open implements asset.Source.
func (d *Dir) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(name) {
		return nil, invalid(name)
	}
	f, err := d.root.Open(name)
	if err != nil {
		return nil, err
	}
	return regularOnly(f, name)
}

// Close releases the directory handle.
func (d *Dir) Close() error {
	return d.root.Close()
}

// regularOnly returns f if it is a regular file and closes it otherwise.
func regularOnly(f fs.File, name string) (io.ReadCloser, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, notExist(name)
	}
	return f, nil
}
