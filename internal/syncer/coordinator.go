package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reportq/internal/config"
	"reportq/internal/connectivity"
	"reportq/internal/logging"
	"reportq/internal/notifications"
	"reportq/internal/queue"
	"reportq/internal/submit"
)

// PassResult summarizes one sync pass.
type PassResult struct {
	PassID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Attempted  int
	Succeeded  int
	Failed     int
	// Skipped counts records excluded because they reached the retry ceiling.
	Skipped int
	// Remaining is the queue length once the pass settled.
	Remaining int
}

// Outcome is the result of submitting one queued record.
type Outcome struct {
	IdentityKey string
	Submitted   bool
	ReportID    string
	// Retries is the record's retry count after a failed attempt.
	Retries int
	Err     error
}

// Status describes the coordinator for status endpoints.
type Status struct {
	Busy       bool
	MaxRetries int
	LastPass   *PassResult
	LastError  string
}

// Coordinator runs sync passes and manual actions under one lock.
type Coordinator struct {
	queue      *queue.Manager
	submitter  submit.Submitter
	notifier   notifications.Service
	lock       *Lock
	maxRetries int
	logger     *slog.Logger

	mu        sync.Mutex
	lastPass  *PassResult
	lastError string

	keyMu   sync.Mutex
	lastKey time.Time
}

// NewCoordinator wires a coordinator using the configured retry ceiling and sync lock path.
func NewCoordinator(cfg *config.Config, mgr *queue.Manager, submitter submit.Submitter, notifier notifications.Service, logger *slog.Logger) *Coordinator {
	if notifier == nil {
		notifier = notifications.NewService(&config.Config{})
	}
	c := &Coordinator{
		queue:      mgr,
		submitter:  submitter,
		notifier:   notifier,
		lock:       NewLock(cfg.SyncLockPath()),
		maxRetries: cfg.Sync.MaxRetries,
		logger:     logging.NewComponentLogger(logger, "sync-engine"),
	}
	mgr.OnQuarantine(c.notifyQuarantined)
	return c
}

func (c *Coordinator) notifyQuarantined(ctx context.Context, key string, cause error) {
	if err := c.notifier.Publish(ctx, notifications.EventQuarantined, notifications.Payload{
		"identityKey": key,
		"error":       cause.Error(),
	}); err != nil {
		c.logger.Debug("quarantine notification failed", logging.Error(err))
	}
}

// MaxRetries returns the retry ceiling shared by passes and manual resubmits.
func (c *Coordinator) MaxRetries() int {
	return c.maxRetries
}

// Queue exposes the queue manager the coordinator drains.
func (c *Coordinator) Queue() *queue.Manager {
	return c.queue
}

// Busy reports whether this process holds the sync lock.
func (c *Coordinator) Busy() bool {
	return c.lock.Held()
}

// Status returns a snapshot of coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{Busy: c.lock.Held(), MaxRetries: c.maxRetries, LastError: c.lastError}
	if c.lastPass != nil {
		last := *c.lastPass
		status.LastPass = &last
	}
	return status
}

// HandleConnectivity starts a pass when the state is online and no pass is
// running. Events that arrive while busy are dropped; the running pass or the
// next event picks up whatever they would have processed.
func (c *Coordinator) HandleConnectivity(ctx context.Context, state connectivity.State) {
	if !state.Online() {
		c.logger.Debug("offline; sync not triggered",
			logging.Bool("connected", state.IsConnected),
			logging.Bool("internet_reachable", state.IsInternetReachable),
		)
		return
	}
	if c.Busy() {
		c.logger.Debug("sync already running; connectivity event dropped")
		return
	}
	_, err := c.RunPass(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		c.logger.Debug("sync lock held elsewhere; connectivity event dropped")
	case errors.Is(err, context.Canceled):
	default:
		logging.WarnWithContext(c.logger, "sync pass aborted", "sync_pass_aborted",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the queue database with 'reportq queue health'"),
			logging.String(logging.FieldImpact, "remaining reports wait for the next connectivity change"),
		)
	}
}

// RunPass submits every eligible record once, in enqueue order. It returns
// ErrSyncInProgress without doing anything when the lock is held.
func (c *Coordinator) RunPass(ctx context.Context) (PassResult, error) {
	ok, err := c.lock.TryAcquire()
	if err != nil {
		return PassResult{}, err
	}
	if !ok {
		return PassResult{}, ErrSyncInProgress
	}
	defer c.lock.Release()

	result := PassResult{PassID: uuid.NewString(), StartedAt: time.Now().UTC()}
	ctx = logging.WithCorrelationID(ctx, result.PassID)
	logger := c.logger.With(logging.String(logging.FieldPassID, result.PassID))

	err = c.runPass(ctx, logger, &result)
	result.FinishedAt = time.Now().UTC()
	if remaining, listErr := c.queue.List(ctx); listErr == nil {
		result.Remaining = len(remaining)
	}
	c.recordPass(result, err)

	if result.Attempted > 0 || err != nil {
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "sync_pass_completed"),
			logging.Int("attempted", result.Attempted),
			logging.Int("succeeded", result.Succeeded),
			logging.Int("failed", result.Failed),
			logging.Int("skipped", result.Skipped),
			logging.Int("remaining", result.Remaining),
			logging.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
		}
		if err != nil {
			attrs = append(attrs, logging.Error(err))
		}
		logger.Info("sync pass completed", logging.Args(attrs...)...)
	}

	if result.Succeeded > 0 {
		if notifyErr := c.notifier.Publish(ctx, notifications.EventSyncCompleted, notifications.Payload{
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"remaining": result.Remaining,
		}); notifyErr != nil {
			logger.Debug("sync notification failed", logging.Error(notifyErr))
		}
	}
	return result, err
}

func (c *Coordinator) runPass(ctx context.Context, logger *slog.Logger, result *PassResult) error {
	records, err := c.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Exhausted(c.maxRetries) {
			result.Skipped++
			logger.Debug("retry ceiling reached; record skipped",
				logging.String(logging.FieldIdentityKey, rec.IdentityKey),
				logging.Int(logging.FieldRetries, rec.Retries),
			)
			continue
		}
		result.Attempted++
		outcome, storeErr := c.attempt(ctx, rec)
		if outcome.Submitted {
			result.Succeeded++
		} else {
			result.Failed++
		}
		if storeErr != nil {
			return storeErr
		}
	}
	return nil
}

// attempt submits one record and commits the outcome. The returned error is
// a storage failure; submission failures are reported in the Outcome.
// Callers must hold the lock.
func (c *Coordinator) attempt(ctx context.Context, rec queue.Record) (Outcome, error) {
	ctx = logging.WithIdentityKey(ctx, rec.IdentityKey)
	logger := logging.WithContext(ctx, c.logger)
	outcome := Outcome{IdentityKey: rec.IdentityKey, Retries: rec.Retries}

	res, err := c.submitter.Submit(ctx, rec)
	if err == nil && res.ID == "" {
		err = submit.ErrNoIdentifier
	}
	if err == nil {
		outcome.Submitted = true
		outcome.ReportID = res.ID
		if _, removeErr := c.queue.Remove(ctx, rec.IdentityKey); removeErr != nil {
			logger.Error("delivered report could not be removed from the queue",
				logging.String(logging.FieldEventType, "queue_remove_failed"),
				logging.Error(removeErr),
				logging.String(logging.FieldErrorHint, "delete it with 'reportq queue delete' to avoid a duplicate submission"),
				logging.String(logging.FieldImpact, "report may be submitted again"),
			)
			return outcome, fmt.Errorf("remove delivered report: %w", removeErr)
		}
		logger.Info("queued report submitted",
			logging.String(logging.FieldEventType, "report_submitted"),
			logging.String("report_id", res.ID),
		)
		return outcome, nil
	}

	outcome.Err = err
	retries, incErr := c.queue.IncrementRetries(ctx, rec.IdentityKey)
	if errors.Is(incErr, queue.ErrNotFound) {
		logger.Debug("record removed during submission; retry not recorded", logging.Error(err))
		return outcome, nil
	}
	if incErr != nil {
		return outcome, fmt.Errorf("record retry: %w", incErr)
	}
	outcome.Retries = retries
	logger.Info("queued report submission failed",
		logging.String(logging.FieldEventType, "report_submit_failed"),
		logging.Int(logging.FieldRetries, retries),
		logging.String("error_kind", string(submit.KindOf(err))),
		logging.Error(err),
	)
	return outcome, nil
}

// ResubmitOne submits a single queued record on demand. It waits for any
// running pass to finish first, so a record that pass delivered yields
// queue.ErrNotFound instead of a second submission. Records at the retry
// ceiling may still be resubmitted by hand.
func (c *Coordinator) ResubmitOne(ctx context.Context, key string) (Outcome, error) {
	if err := c.lock.Acquire(ctx); err != nil {
		return Outcome{IdentityKey: key}, err
	}
	defer c.lock.Release()

	rec, err := c.queue.Get(ctx, key)
	if err != nil {
		return Outcome{IdentityKey: key}, err
	}
	outcome, err := c.attempt(logging.WithCorrelationID(ctx, uuid.NewString()), rec)
	if err != nil {
		return outcome, err
	}
	if outcome.Submitted {
		return outcome, nil
	}
	if c.maxRetries > 0 && outcome.Retries >= c.maxRetries {
		return outcome, errors.Join(outcome.Err, ErrRetryExhausted)
	}
	return outcome, outcome.Err
}

// Delete removes a queued record once no submission is in flight.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if err := c.lock.Acquire(ctx); err != nil {
		return err
	}
	defer c.lock.Release()

	removed, err := c.queue.Remove(ctx, key)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, key)
	}
	c.logger.Info("queued report deleted",
		logging.String(logging.FieldEventType, "report_deleted"),
		logging.String(logging.FieldIdentityKey, key),
	)
	return nil
}

// Update replaces the payload of a queued record in place once no submission
// is in flight. The record keeps its position and retry count.
func (c *Coordinator) Update(ctx context.Context, payload []byte) (queue.Record, error) {
	key, _, err := queue.ParseReport(payload)
	if err != nil {
		return queue.Record{}, err
	}
	if err := c.lock.Acquire(ctx); err != nil {
		return queue.Record{}, err
	}
	defer c.lock.Release()

	if _, err := c.queue.Get(ctx, key); err != nil {
		return queue.Record{}, err
	}
	return c.queue.Enqueue(ctx, payload, true)
}

func (c *Coordinator) recordPass(result PassResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPass = &result
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
}
