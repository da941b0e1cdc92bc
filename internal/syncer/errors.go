package syncer

import "errors"

var (
	// ErrSyncInProgress indicates another pass or manual action holds the sync lock.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrRetryExhausted marks a failed manual resubmit that left the record at
	// or above the retry ceiling, so automatic passes will no longer try it.
	ErrRetryExhausted = errors.New("retry ceiling reached")
)
