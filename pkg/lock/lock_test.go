package lock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestTryLockConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exlock")

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()

	if err := a.TryLock(); err != nil {
		t.Fatalf("a.TryLock: %v", err)
	}

	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	if err := b.TryLock(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("a.Unlock: %v", err)
	}
	if err := b.TryLock(); err != nil {
		t.Fatalf("expected b.TryLock to succeed after release, got %v", err)
	}
}

func TestIsHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body")

	held, err := IsHeld(path)
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if held {
		t.Fatal("expected unlocked file to report not held")
	}

	holder, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer holder.Close()
	if err := holder.Lock(); err != nil {
		t.Fatalf("holder.Lock: %v", err)
	}

	held, err = IsHeld(path)
	if err != nil {
		t.Fatalf("IsHeld while locked: %v", err)
	}
	if !held {
		t.Fatal("expected locked file to report held")
	}
}

func TestManagerWithGlobalLockRunsAndReleases(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "exlock"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	ran := false
	if err := m.WithGlobalLock(func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("WithGlobalLock: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run")
	}

	// Lock must be released afterwards: a second call must succeed too.
	if err := m.WithGlobalLock(func() error { return nil }); err != nil {
		t.Fatalf("second WithGlobalLock: %v", err)
	}
}

func TestManagerWithGlobalLockPropagatesError(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "exlock"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	sentinel := errors.New("boom")
	err = m.WithGlobalLock(func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	// Must still have released the lock despite the error.
	if err := m.WithGlobalLock(func() error { return nil }); err != nil {
		t.Fatalf("lock should be released after error: %v", err)
	}
}
