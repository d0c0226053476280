// Package store implements the on-disk content store: the packages/,
// headers/, private/, and cache/ directory trees, plus the
// create/commit/link-to-pool/unlink operations that act on them.
package store

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Key identifies a cached object: (vhost, uri, basename), per the data
// model.
type Key struct {
	Vhost    string
	URI      string
	Basename string
}

// Sentinel errors.
var (
	ErrAlreadyExists = errors.New("store: entry already exists")
	ErrNotFound      = errors.New("store: entry not found")
)

// Store is rooted at a single cache_dir and exposes path construction and
// the lifecycle operations that act on them.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating the fixed top-level
// directories (packages, headers, private, cache, temp) if absent.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	for _, d := range []string{"packages", "headers", "private", "cache", "temp"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", d, err)
		}
	}
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// GlobalLockPath is the well-known path of the global advisory lock file.
func (s *Store) GlobalLockPath() string {
	return filepath.Join(s.root, "exlock")
}

// BodyPath returns packages/<vhost>/<uri>.
func (s *Store) BodyPath(k Key) string {
	return filepath.Join(s.root, "packages", k.Vhost, k.URI)
}

// HeaderPath returns headers/<vhost>/<uri>.
func (s *Store) HeaderPath(k Key) string {
	return filepath.Join(s.root, "headers", k.Vhost, k.URI)
}

// headerTempPath is the scratch sidecar the fetcher writes to before
// renaming atomically over HeaderPath, so readers never observe a
// transient mid-redirect header.
func (s *Store) headerTempPath(k Key) string {
	return s.HeaderPath(k) + ".tmp"
}

// CompletePath returns private/<vhost>/<uri>.complete.
func (s *Store) CompletePath(k Key) string {
	return filepath.Join(s.root, "private", k.Vhost, k.URI+".complete")
}

// PoolPath returns cache/<basename>.<sha1>.
func (s *Store) PoolPath(basename, sha1Hex string) string {
	return filepath.Join(s.root, "cache", basename+"."+sha1Hex)
}

// CreateEmpty creates an empty body file for k: ensure
// parent directories exist, then create the body file exclusively (fails
// if present, which serves as the double-create guard).
func (s *Store) CreateEmpty(k Key) error {
	bodyPath := s.BodyPath(k)
	headerPath := s.HeaderPath(k)
	completePath := s.CompletePath(k)

	for _, p := range []string{bodyPath, headerPath, completePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("store: mkdir parent of %s: %w", p, err)
		}
	}

	f, err := os.OpenFile(bodyPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create %s: %w", bodyPath, err)
	}
	return f.Close()
}

// OpenBodyForWrite opens an existing body file for writing at offset 0,
// truncating any previous partial content; used both by the initial
// fetcher and by each subsequent retry/redirect hop before reattempting
// the request.
func (s *Store) OpenBodyForWrite(k Key) (*os.File, error) {
	f, err := os.OpenFile(s.BodyPath(k), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open for write %s: %w", s.BodyPath(k), err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// OpenBodyForRead opens the body file for reading. Readers never need the
// body lock; they only probe it (see pkg/lock.IsHeld).
func (s *Store) OpenBodyForRead(k Key) (*os.File, error) {
	f, err := os.Open(s.BodyPath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// WriteHeaderScratch truncates and writes data to the scratch header
// sidecar (not yet visible to readers under HeaderPath).
func (s *Store) WriteHeaderScratch(k Key, data []byte) error {
	return os.WriteFile(s.headerTempPath(k), data, 0o644)
}

// PublishHeader atomically renames the scratch sidecar over the real
// header path, making it visible to readers in one step.
func (s *Store) PublishHeader(k Key) error {
	return os.Rename(s.headerTempPath(k), s.HeaderPath(k))
}

// ReadHeader reads the published header sidecar, or ErrNotFound if it has
// not been published yet.
func (s *Store) ReadHeader(k Key) ([]byte, error) {
	data, err := os.ReadFile(s.HeaderPath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// HeaderExists reports whether the header sidecar has been published.
func (s *Store) HeaderExists(k Key) bool {
	_, err := os.Stat(s.HeaderPath(k))
	return err == nil
}

// CompleteExists reports whether the completion marker exists.
func (s *Store) CompleteExists(k Key) bool {
	_, err := os.Stat(s.CompletePath(k))
	return err == nil
}

// SourceURL returns the contents of the completion marker (the source URL
// it was fetched from), if present.
func (s *Store) SourceURL(k Key) (string, error) {
	data, err := os.ReadFile(s.CompletePath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

// SHA1Hex returns the lowercase hex SHA-1 digest of path's contents.
func SHA1Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Commit performs the three-step commit sequence: verify the body size
// against contentLength (the check is skipped when contentLength < 0, and
// the actual size is returned as finalLength), hard-link into the
// content-addressed pool (reusing an existing pool entry when the hash
// already exists), and finally write the completion marker containing
// sourceURL. Callers must hold the global lock around this call; Commit
// itself does not acquire it, since the caller in pkg/coordinator wraps
// the call in its own WithGlobalLock scope.
func (s *Store) Commit(k Key, contentLength int64, sourceURL string) (finalLength int64, err error) {
	bodyPath := s.BodyPath(k)

	info, err := os.Stat(bodyPath)
	if err != nil {
		return 0, fmt.Errorf("store: stat body: %w", err)
	}
	finalLength = info.Size()
	if contentLength >= 0 && contentLength != finalLength {
		return 0, fmt.Errorf("store: content-length mismatch: header=%d actual=%d", contentLength, finalLength)
	}

	sum, err := SHA1Hex(bodyPath)
	if err != nil {
		return 0, fmt.Errorf("store: hash body: %w", err)
	}

	poolPath := s.PoolPath(k.Basename, sum)
	if _, statErr := os.Stat(poolPath); statErr == nil {
		if err := os.Remove(bodyPath); err != nil {
			return 0, fmt.Errorf("store: remove local body before pool link: %w", err)
		}
		if err := os.Link(poolPath, bodyPath); err != nil {
			return 0, fmt.Errorf("store: link existing pool entry: %w", err)
		}
	} else {
		if err := os.Link(bodyPath, poolPath); err != nil {
			return 0, fmt.Errorf("store: link into pool: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.CompletePath(k)), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(s.CompletePath(k), []byte(sourceURL), 0o644); err != nil {
		return 0, fmt.Errorf("store: write completion marker: %w", err)
	}

	return finalLength, nil
}

// Unlink removes all three paths for k (used on invalidation and on
// terminal 4xx failures). Missing files are not an error.
func (s *Store) Unlink(k Key) error {
	for _, p := range []string{s.BodyPath(k), s.HeaderPath(k), s.CompletePath(k), s.headerTempPath(k)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: unlink %s: %w", p, err)
		}
	}
	return nil
}

// ModTime returns the body file's modification time, used by the
// age-based freshness check.
func (s *Store) ModTime(k Key) (os.FileInfo, error) {
	return os.Stat(s.BodyPath(k))
}
