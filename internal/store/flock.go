package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// DefaultLockTimeout bounds how long a session read or write waits for the
// sidecar lock before giving up.
const DefaultLockTimeout = 5 * time.Second

// WithLock runs fn while holding an exclusive lock on path's sidecar
// <path>.lock, so a resumed engine and a watch-mode engine never interleave
// writes to the same session document.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	return withFlock(path, timeout, true, fn)
}

// WithReadLock runs fn while holding a shared lock on path's sidecar.
func WithReadLock(path string, timeout time.Duration, fn func() error) error {
	return withFlock(path, timeout, false, fn)
}

func withFlock(path string, timeout time.Duration, exclusive bool, fn func() error) error {
	lock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var locked bool
	var err error
	if exclusive {
		locked, err = lock.TryLockContext(ctx, 100*time.Millisecond)
	} else {
		locked, err = lock.TryRLockContext(ctx, 100*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring lock on %s", lock.Path())
	}
	defer lock.Unlock()

	return fn()
}
