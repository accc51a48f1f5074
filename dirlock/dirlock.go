// Package dirlock takes the process-exclusive advisory lock a database
// directory's lock/lock.bin names (§6.1), so two processes never open
// the same store concurrently. Sketched per §6.2/§14: enough to compile
// and be exercised by a smoke test, not a full multi-process coordinator.
package dirlock

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Lock holds an open, flock'd file descriptor for one database
// directory's lock/lock.bin. The zero value is not usable; build one
// with Acquire.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) <root>/lock/lock.bin and takes a
// non-blocking exclusive flock on it, returning an error immediately if
// another process already holds it rather than waiting.
func Acquire(root string) (*Lock, error) {
	dir := filepath.Join(root, "lock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotate(err, "dirlock: create lock dir")
	}
	path := filepath.Join(dir, "lock.bin")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Annotate(err, "dirlock: open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "dirlock: database directory is already locked by another process")
	}
	return &Lock{f: f}, nil
}

// Release drops the flock and closes the underlying file. Safe to call
// once; the lock is also implicitly released if the process exits.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return errors.Annotate(err, "dirlock: unlock")
	}
	if cerr != nil {
		return errors.Annotate(cerr, "dirlock: close lock file")
	}
	return nil
}
