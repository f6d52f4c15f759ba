// Package safefs wraps blocking filesystem calls with a timeout so that a
// hung mount (stale NFS, dying disk) cannot suspend a collection run
// indefinitely. The timeout does not cancel the underlying kernel call; it
// only stops waiting for it.
package safefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"
)

var (
	osStat        = os.Stat
	osReadDir     = os.ReadDir
	syscallStatfs = syscall.Statfs
)

// ErrTimeout is a sentinel error used to classify filesystem operations that
// did not complete within the configured timeout.
var ErrTimeout = errors.New("filesystem operation timed out")

// TimeoutError is returned when a filesystem operation exceeds its allowed duration.
type TimeoutError struct {
	Op      string
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "filesystem operation timed out"
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("%s %s: timeout after %s", e.Op, e.Path, e.Timeout)
	}
	return fmt.Sprintf("%s %s: timeout", e.Op, e.Path)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

func effectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0
		}
		if remaining < timeout {
			return remaining
		}
	}
	return timeout
}

// bounded runs fn on a separate goroutine and waits at most timeout for it.
func bounded[T any](ctx context.Context, op, path string, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	timeout = effectiveTimeout(ctx, timeout)
	if timeout <= 0 {
		return fn()
	}

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn()
		ch <- result{val: val, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, &TimeoutError{Op: op, Path: path, Timeout: timeout}
	}
}

// Stat is a timeout-bounded os.Stat.
func Stat(ctx context.Context, path string, timeout time.Duration) (fs.FileInfo, error) {
	return bounded(ctx, "stat", path, timeout, func() (fs.FileInfo, error) {
		return osStat(path)
	})
}

// ReadDir is a timeout-bounded os.ReadDir.
func ReadDir(ctx context.Context, path string, timeout time.Duration) ([]os.DirEntry, error) {
	return bounded(ctx, "readdir", path, timeout, func() ([]os.DirEntry, error) {
		return osReadDir(path)
	})
}

// Statfs is a timeout-bounded syscall.Statfs.
func Statfs(ctx context.Context, path string, timeout time.Duration) (syscall.Statfs_t, error) {
	return bounded(ctx, "statfs", path, timeout, func() (syscall.Statfs_t, error) {
		var stat syscall.Statfs_t
		err := syscallStatfs(path, &stat)
		return stat, err
	})
}
