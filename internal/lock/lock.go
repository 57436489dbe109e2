// Package lock provides the per-session mutexes shared by the controller,
// queue and sync engine, and the process lock that keeps a single daemon
// attached to a store.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// Keyed hands out one mutex per key. Callers never hold two keys at once.
// An entry lives only while some caller holds or waits on it.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*keyedEntry)}
}

// With runs fn while holding the mutex for key.
func (k *Keyed) With(key string, fn func() error) error {
	e := k.acquire(key)
	e.mu.Lock()
	defer k.release(key, e)
	return fn()
}

func (k *Keyed) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string, e *keyedEntry) {
	e.mu.Unlock()
	k.mu.Lock()
	defer k.mu.Unlock()
	if e.refs--; e.refs == 0 {
		delete(k.entries, key)
	}
}

// size reports how many keys are tracked.
func (k *Keyed) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// PIDFile is an exclusive flock on a file holding the owner's pid.
type PIDFile struct {
	path string
	file *os.File
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// TryLock acquires the lock without blocking.
func (p *PIDFile) TryLock() error {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another focus-sync may be running): %w", err)
	}

	release := func(step string, err error) error {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return release("truncate", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release("write pid to", err)
	}
	if err := f.Sync(); err != nil {
		return release("sync", err)
	}
	p.file = f
	return nil
}

// Unlock releases the lock and removes the file. Safe to call twice.
func (p *PIDFile) Unlock() error {
	if p.file == nil {
		return nil
	}
	defer func() { p.file = nil }()

	if err := syscall.Flock(int(p.file.Fd()), syscall.LOCK_UN); err != nil {
		p.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	_ = os.Remove(p.path)
	return nil
}
