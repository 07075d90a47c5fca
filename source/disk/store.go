// Package disk provides a size-bounded on-disk store for mirrored streams.
package disk

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Store keeps content in files named by the hex encoding of their key.
// Files are stored in a directory hierarchy with optional sharding by key
// prefix. When a size limit is set, the least recently read files are
// pruned first. The store is safe for concurrent use.
type Store struct {
	dir            string       // root directory for stored files
	shardPrefixLen int          // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	maxBytes       int64        // maximum store size (0 = unlimited)
	bytes          atomic.Int64 // current total size of stored files
	pruneMu        sync.Mutex   // serializes prune operations
}

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum store size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("disk: store dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("disk: shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("disk: max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// Get opens the stored content for key.
// Returns nil, false if nothing is stored.
func (s *Store) Get(key []byte) (io.ReadCloser, bool) {
	path, err := s.path(key)
	if err != nil {
		return nil, false
	}
	f, err := os.Open(path) //nolint:gosec // path is derived from the key, not user input
	if err != nil {
		return nil, false
	}
	// Reads count as use for pruning
	now := time.Now()
	_ = os.Chtimes(path, now, now) //nolint:errcheck // best-effort recency tracking
	return f, true
}

// Has reports whether content is stored for key.
func (s *Store) Has(key []byte) bool {
	path, err := s.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Put stores the content read from r under key. Content larger than the
// size limit is silently skipped.
func (s *Store) Put(key []byte, r io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, s.dirPerm); mkdirErr != nil {
		return mkdirErr
	}

	tmp, err := os.CreateTemp(dir, "store-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if ok, err := s.ensureCapacity(written); err != nil {
		_ = os.Remove(tmpPath)
		return err
	} else if !ok {
		_ = os.Remove(tmpPath)
		return nil
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	s.bytes.Add(written)
	return nil
}

// Delete removes stored content for key.
func (s *Store) Delete(key []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.bytes.Add(-info.Size())
	return nil
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current store size in bytes.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

// Prune removes the least recently used files until the store is at or
// below targetBytes. It returns the number of bytes freed.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	freed, remaining, err := pruneDir(s.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	s.bytes.Store(remaining)
	return freed, nil
}

func (s *Store) path(key []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("disk: key is empty")
	}
	hexKey := hex.EncodeToString(key)
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, hexKey), nil
	}
	prefixLen := min(s.shardPrefixLen, len(hexKey))
	return filepath.Join(s.dir, hexKey[:prefixLen], hexKey), nil
}

func (s *Store) ensureCapacity(need int64) (bool, error) {
	if s.maxBytes <= 0 {
		return true, nil
	}
	if need > s.maxBytes {
		return false, nil
	}
	if s.SizeBytes()+need <= s.maxBytes {
		return true, nil
	}
	if _, err := s.Prune(s.maxBytes - need); err != nil {
		return false, err
	}
	return s.SizeBytes()+need <= s.maxBytes, nil
}
