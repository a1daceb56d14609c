package annexmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const lockPollInterval = 20 * time.Millisecond

// Lock takes an exclusive advisory lock on "<path>.lock", creating the file
// and its directory when needed. It polls until the lock is free or ctx is
// done. The returned function releases the lock.
func Lock(ctx context.Context, path string) (func() error, error) {
	return lockFile(ctx, path+".lock")
}

func lockFile(ctx context.Context, lockPath string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, &PersistenceError{Op: "lock", Path: lockPath, Err: err}
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Path: lockPath, Err: err}
	}
	return acquire(ctx, f, true)
}

// readLock takes a shared lock on an existing "<path>.lock". A missing lock
// file means no writer has run yet; the returned release is then a no-op.
func readLock(ctx context.Context, path string) (func() error, error) {
	lockPath := path + ".lock"
	f, err := os.Open(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return func() error { return nil }, nil
		}
		return nil, &PersistenceError{Op: "lock", Path: lockPath, Err: err}
	}
	return acquire(ctx, f, false)
}

func acquire(ctx context.Context, f *os.File, exclusive bool) (func() error, error) {
	for {
		ok, err := tryLockFile(f, exclusive)
		if err != nil {
			f.Close()
			return nil, &PersistenceError{Op: "lock", Path: f.Name(), Err: err}
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("annexmap: wait for %s: %w", f.Name(), ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
	return func() error {
		err := unlockFile(f, exclusive)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
