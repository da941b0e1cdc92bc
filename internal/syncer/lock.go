package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const fileLockRetryDelay = 50 * time.Millisecond

// Lock serializes queue submissions within a process and across processes.
type Lock struct {
	slot chan struct{}
	file *flock.Flock
}

// NewLock builds a lock backed by the file at path. An empty path disables
// the cross-process half.
func NewLock(path string) *Lock {
	l := &Lock{slot: make(chan struct{}, 1)}
	if path != "" {
		l.file = flock.New(path)
	}
	return l
}

// TryAcquire takes the lock without waiting. It reports false when another
// holder in this or another process has it.
func (l *Lock) TryAcquire() (bool, error) {
	select {
	case l.slot <- struct{}{}:
	default:
		return false, nil
	}
	if l.file == nil {
		return true, nil
	}
	ok, err := l.file.TryLock()
	if err != nil || !ok {
		<-l.slot
		if err != nil {
			return false, fmt.Errorf("acquire sync file lock: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Acquire waits for the lock until ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.file == nil {
		return nil
	}
	ok, err := l.file.TryLockContext(ctx, fileLockRetryDelay)
	if err != nil || !ok {
		<-l.slot
		if err != nil {
			return fmt.Errorf("acquire sync file lock: %w", err)
		}
		return ErrSyncInProgress
	}
	return nil
}

// Release gives the lock back.
func (l *Lock) Release() {
	if l.file != nil {
		_ = l.file.Unlock()
	}
	select {
	case <-l.slot:
	default:
	}
}

// Held reports whether this process currently holds the lock.
func (l *Lock) Held() bool {
	return len(l.slot) > 0
}
