// Package lock implements the two advisory locking disciplines the cache
// coordinator depends on: a single global lock file guarding brief
// multi-path state transitions, and a per-entry body lock held by the
// fetcher that owns an object's download.
//
// Both are real OS-level advisory locks (flock(2)), not in-process mutexes:
// the CGI and inetd listener modes spawn one OS process per request, so
// coordination must survive across process boundaries.
package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by this package.
var (
	// ErrWouldBlock is returned by TryLock when the lock is already held by
	// another holder and the caller asked for a non-blocking probe.
	ErrWouldBlock = errors.New("lock: would block")
)

// FileLock wraps an exclusive or shared advisory lock on a single open
// file descriptor. It is not safe for concurrent use by multiple
// goroutines against the same FileLock value; callers needing that must
// serialize externally (the Manager below does).
type FileLock struct {
	f *os.File
}

// Open opens (creating if necessary) the file at path for locking, without
// acquiring any lock yet.
func Open(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	return &FileLock{f: f}, nil
}

// Lock acquires an exclusive lock, blocking until it is available.
func (l *FileLock) Lock() error {
	return l.flock(unix.LOCK_EX)
}

// TryLock attempts to acquire an exclusive lock without blocking. It
// returns ErrWouldBlock if another holder currently holds it.
func (l *FileLock) TryLock() error {
	return l.flock(unix.LOCK_EX | unix.LOCK_NB)
}

// TryRLock attempts to acquire a shared lock without blocking; used to
// probe whether an exclusive holder is present without taking the lock
// ourselves. Returns ErrWouldBlock if an exclusive holder is present.
func (l *FileLock) TryRLock() error {
	return l.flock(unix.LOCK_SH | unix.LOCK_NB)
}

// Unlock releases whatever lock is currently held.
func (l *FileLock) Unlock() error {
	return l.flock(unix.LOCK_UN)
}

// Close releases any held lock and closes the underlying file descriptor.
func (l *FileLock) Close() error {
	_ = l.flock(unix.LOCK_UN)
	return l.f.Close()
}

func (l *FileLock) flock(how int) error {
	err := unix.Flock(int(l.f.Fd()), how)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return fmt.Errorf("lock: flock: %w", err)
}

// IsHeld performs a non-blocking probe to determine whether some other
// process currently holds an exclusive lock on path, without disturbing
// that lock. It opens its own independent descriptor, which is the
// standard way to probe flock state: acquiring a shared lock succeeds
// unless an exclusive holder is present. A path that does not exist is
// reported as not held; the probe never creates it.
func IsHeld(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lock: open %s: %w", path, err)
	}
	fl := &FileLock{f: f}
	defer fl.Close()

	err = fl.TryRLock()
	if err == nil {
		_ = fl.Unlock()
		return false, nil
	}
	if errors.Is(err, ErrWouldBlock) {
		return true, nil
	}
	return false, err
}

// Manager owns the single process-wide global lock file used for brief
// multi-path state transitions. Per-entry body locks are not managed
// here; they come from BodyLock.
type Manager struct {
	globalPath string

	mu     sync.Mutex // serializes acquisition of the global lock within this process
	global *FileLock
}

// NewManager creates a Manager whose global lock lives at globalPath (the
// on-disk layout's "exlock" file). The file is created if absent but not
// locked yet.
func NewManager(globalPath string) (*Manager, error) {
	fl, err := Open(globalPath)
	if err != nil {
		return nil, err
	}
	return &Manager{globalPath: globalPath, global: fl}, nil
}

// WithGlobalLock acquires the global lock, runs fn, and releases the lock
// before returning, even if fn panics. fn must never perform blocking
// network I/O; it exists only for brief cache-state transitions and must
// never be held across upstream I/O.
func (m *Manager) WithGlobalLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.global.Lock(); err != nil {
		return fmt.Errorf("lock: acquire global lock: %w", err)
	}
	defer func() {
		_ = m.global.Unlock()
	}()

	return fn()
}

// Close releases the global lock file descriptor.
func (m *Manager) Close() error {
	return m.global.Close()
}

// BodyLock returns a FileLock for the body file at path without acquiring
// it. The fetcher takes it with TryLock (exclusive, for the download's
// lifetime); a
// reader that needs to distinguish "fetcher alive" from "fetcher crashed"
// calls IsHeld(path) instead of going through this type, since that probe
// must not itself contend for the lock.
func BodyLock(path string) (*FileLock, error) {
	return Open(path)
}
