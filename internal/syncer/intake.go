package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportq/internal/logging"
	"reportq/internal/notifications"
	"reportq/internal/queue"
	"reportq/internal/submit"
)

// maxStampAttempts bounds how many fresh keys intake tries when a stamped key
// is already queued.
const maxStampAttempts = 64

// IntakeResult describes what happened to a freshly filed report.
type IntakeResult struct {
	IdentityKey string
	Submitted   bool
	ReportID    string
	Queued      bool
	Record      *queue.Record
	// Reason explains why the report was queued instead of submitted.
	Reason string
}

// SubmitOrQueue files a new report. It stamps an identity key when the
// payload has none, then submits directly when online. When offline, or when
// the submission fails, the report is queued for the next pass. A stamped key
// that collides with a queued one is replaced by the next free millisecond;
// caller-supplied keys are never changed. Validation failures and queue write
// failures are returned to the caller.
func (c *Coordinator) SubmitOrQueue(ctx context.Context, payload []byte, online bool) (IntakeResult, error) {
	stamp := !queue.HasIdentityKey(payload)
	stamped, err := c.stampKey(payload, stamp)
	if err != nil {
		return IntakeResult{}, err
	}
	key, compact, err := queue.ParseReport(stamped)
	if err != nil {
		return IntakeResult{}, err
	}
	result := IntakeResult{IdentityKey: key}
	ctx = logging.WithIdentityKey(ctx, key)
	logger := logging.WithContext(ctx, c.logger)

	if online {
		rec := queue.Record{IdentityKey: key, Payload: compact, Status: queue.StatusPending}
		res, submitErr := c.submitter.Submit(logging.WithCorrelationID(ctx, uuid.NewString()), rec)
		if submitErr == nil && res.ID == "" {
			submitErr = submit.ErrNoIdentifier
		}
		if submitErr == nil {
			result.Submitted = true
			result.ReportID = res.ID
			logger.Info("report submitted",
				logging.String(logging.FieldEventType, "report_submitted"),
				logging.String("report_id", res.ID),
			)
			return result, nil
		}
		result.Reason = submitErr.Error()
		logger.Info("report submission failed; queueing",
			logging.String(logging.FieldEventType, "report_submit_failed"),
			logging.String("error_kind", string(submit.KindOf(submitErr))),
			logging.Error(submitErr),
		)
	} else {
		result.Reason = "offline"
	}

	rec, err := c.queue.Enqueue(ctx, compact, false)
	for attempt := 1; stamp && errors.Is(err, queue.ErrDuplicateKey) && attempt < maxStampAttempts; attempt++ {
		if stamped, err = c.stampKey(payload, true); err != nil {
			break
		}
		rec, err = c.queue.Enqueue(ctx, stamped, false)
	}
	if err != nil {
		return result, fmt.Errorf("queue report: %w", err)
	}
	if rec.IdentityKey != key {
		logger.Debug("stamped identity key already queued; restamped",
			logging.String("queued_key", rec.IdentityKey),
		)
		result.IdentityKey = rec.IdentityKey
		ctx = logging.WithIdentityKey(ctx, rec.IdentityKey)
	}
	result.Queued = true
	result.Record = &rec

	if notifyErr := c.notifier.Publish(ctx, notifications.EventReportQueued, notifications.Payload{
		"identityKey": rec.IdentityKey,
		"label":       rec.Summary().AccidentTypeLabel,
		"reason":      result.Reason,
	}); notifyErr != nil {
		logger.Debug("queued notification failed", logging.Error(notifyErr))
	}
	return result, nil
}

// stampKey returns payload with a fresh identity key when stamp is set.
func (c *Coordinator) stampKey(payload []byte, stamp bool) (json.RawMessage, error) {
	if !stamp {
		return queue.AssignIdentityKey(payload, time.Now())
	}
	return queue.AssignIdentityKey(payload, c.nextKeyTime())
}

// nextKeyTime returns the current time at millisecond resolution, moved past
// the last time it returned so keys stamped by this coordinator never repeat.
func (c *Coordinator) nextKeyTime() time.Time {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	next := time.Now().UTC().Truncate(time.Millisecond)
	if !next.After(c.lastKey) {
		next = c.lastKey.Add(time.Millisecond)
	}
	c.lastKey = next
	return next
}
