// Package joblock guards the background jobs against concurrent runs. Each
// job kind holds one Lock: an in-process atomic flag paired with an advisory
// file lock, so a second trigger is rejected both inside this process and
// from another process sharing the index directory.
package joblock

import (
	"sync/atomic"

	"github.com/gofrs/flock"
)

// Lock is a single-holder job guard. The zero value is not usable; call New.
type Lock struct {
	held atomic.Int32
	fl   *flock.Flock
}

// New creates a lock backed by the given lock file path.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// TryAcquire attempts to take the lock without blocking. It returns false if
// another job of this kind is already running, here or in another process.
func (l *Lock) TryAcquire() (bool, error) {
	if !l.held.CompareAndSwap(0, 1) {
		return false, nil
	}
	ok, err := l.fl.TryLock()
	if err != nil || !ok {
		l.held.Store(0)
		return false, err
	}
	return true, nil
}

// Release frees the lock. Safe to call only after a successful TryAcquire.
func (l *Lock) Release() error {
	err := l.fl.Unlock()
	l.held.Store(0)
	return err
}
