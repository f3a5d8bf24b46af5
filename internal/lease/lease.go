package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Lease is the owner's view of one task directory: the PID marker it wrote
// and, optionally, a lock marker that protects the directory after the
// owning process is gone.
type Lease struct {
	codec *Codec
	dir   string
	name  string
	pid   string

	mu       sync.Mutex
	lockPath string
	lockFor  time.Duration
}

// Acquire writes the PID marker for pid under dir and returns the lease.
func (c *Codec) Acquire(dir, name string, pid int, startUnix int64) (*Lease, error) {
	p, err := c.WritePIDMarker(dir, name, pid, startUnix)
	if err != nil {
		return nil, err
	}
	return &Lease{codec: c, dir: dir, name: name, pid: p}, nil
}

// Open returns a lease on an existing task directory, for callers that did
// not launch the task. A lock marker already present for name is adopted
// together with the hold time recorded in it.
func (c *Codec) Open(dir, name string) (*Lease, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	l := &Lease{codec: c, dir: dir, name: name, pid: filepath.Join(dir, name+PIDSuffix)}
	lock := filepath.Join(dir, name+LockSuffix)
	if b, err := os.ReadFile(filepath.Clean(lock)); err == nil {
		l.lockPath = lock
		if d, err := time.ParseDuration(strings.TrimSpace(string(b))); err == nil {
			l.lockFor = d
		}
	}
	return l, nil
}

func (l *Lease) Dir() string     { return l.dir }
func (l *Lease) ID() string      { return IDFromPath(l.dir) }
func (l *Lease) Name() string    { return l.name }
func (l *Lease) PIDPath() string { return l.pid }

// Lock writes the lock marker and records d as the intended hold time.
// Calling Lock again rewrites the marker with the new duration.
func (l *Lease) Lock(d time.Duration) error {
	p, err := l.codec.WriteLockMarker(l.dir, l.name, d)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.lockPath = p
	l.lockFor = d
	l.mu.Unlock()
	return nil
}

// ResetLock refreshes the lock marker's timestamp to now.
func (l *Lease) ResetLock() error {
	l.mu.Lock()
	p := l.lockPath
	l.mu.Unlock()
	if p == "" {
		return fmt.Errorf("reset lock on %s: not locked", l.dir)
	}
	return l.codec.ResetLock(p)
}

// LockTimeout reports when the current lock stops protecting the directory
// from this owner's point of view. ok is false until Lock is called.
func (l *Lease) LockTimeout() (t time.Time, ok bool) {
	l.mu.Lock()
	p, d := l.lockPath, l.lockFor
	l.mu.Unlock()
	if p == "" {
		return time.Time{}, false
	}
	fi, err := os.Stat(p)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime().Add(d), true
}

// Locked reports whether the lock marker is present and its hold time not yet reached.
func (l *Lease) Locked() bool {
	t, ok := l.LockTimeout()
	return ok && l.codec.Now().Before(t)
}

// Unlock removes the lock marker. Unlocking an unlocked lease is a no-op.
func (l *Lease) Unlock() error {
	l.mu.Lock()
	p := l.lockPath
	l.lockPath, l.lockFor = "", 0
	l.mu.Unlock()
	if p == "" {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Release deletes the whole task directory.
func (l *Lease) Release() error {
	l.mu.Lock()
	l.lockPath, l.lockFor = "", 0
	l.mu.Unlock()
	return os.RemoveAll(l.dir)
}
