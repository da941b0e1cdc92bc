package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"reportq/internal/logging"
	"reportq/internal/notifications"
	"reportq/internal/queue"
	"reportq/internal/submit"
	"reportq/internal/syncer"
)

// AlertLevel classifies an alert for rendering.
type AlertLevel string

const (
	AlertSuccess AlertLevel = "success"
	AlertError   AlertLevel = "error"
)

// Alert is a user-visible message produced by a manual action.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// ActionResult is returned by every manual action.
type ActionResult struct {
	IdentityKey string      `json:"identityKey"`
	Alert       Alert       `json:"alert"`
	ReportID    string      `json:"reportId,omitempty"`
	Report      *ReportView `json:"report,omitempty"`
}

// Console exposes manual queue operations.
type Console struct {
	coord    *syncer.Coordinator
	notifier notifications.Service
	logger   *slog.Logger
}

// New builds a Console over coord.
func New(coord *syncer.Coordinator, notifier notifications.Service, logger *slog.Logger) *Console {
	return &Console{
		coord:    coord,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "queue-console"),
	}
}

// ViewAll lists queued reports in enqueue order.
func (c *Console) ViewAll(ctx context.Context) ([]ReportView, error) {
	records, err := c.coord.Queue().List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ReportView, 0, len(records))
	for _, rec := range records {
		views = append(views, NewView(rec, c.coord.MaxRetries(), false))
	}
	return views, nil
}

// ViewOne returns the detail view of one queued report.
func (c *Console) ViewOne(ctx context.Context, key string) (ReportView, error) {
	rec, err := c.coord.Queue().Get(ctx, key)
	if err != nil {
		return ReportView{}, err
	}
	return NewView(rec, c.coord.MaxRetries(), true), nil
}

// ResubmitOne submits one queued report now. The alert is set on both paths;
// the error is also returned on failure.
func (c *Console) ResubmitOne(ctx context.Context, key string) (ActionResult, error) {
	result := ActionResult{IdentityKey: key}
	label := c.labelFor(ctx, key)

	outcome, err := c.coord.ResubmitOne(ctx, key)
	if err != nil {
		result.Alert = resubmitFailureAlert(err, outcome.Retries, c.coord.MaxRetries())
		if rec, getErr := c.coord.Queue().Get(ctx, key); getErr == nil {
			view := NewView(rec, c.coord.MaxRetries(), false)
			result.Report = &view
		}
		c.publish(ctx, notifications.EventResubmitFailed, key, label, err)
		c.logger.Info("manual resubmit failed",
			logging.String(logging.FieldEventType, "manual_resubmit_failed"),
			logging.String(logging.FieldIdentityKey, key),
			logging.Error(err),
		)
		return result, err
	}

	result.ReportID = outcome.ReportID
	result.Alert = Alert{
		Level:   AlertSuccess,
		Title:   "Report submitted",
		Message: "The report was submitted successfully and removed from the queue.",
	}
	c.publish(ctx, notifications.EventResubmitSucceeded, key, label, nil)
	c.logger.Info("manual resubmit succeeded",
		logging.String(logging.FieldEventType, "manual_resubmit_succeeded"),
		logging.String(logging.FieldIdentityKey, key),
		logging.String("report_id", outcome.ReportID),
	)
	return result, nil
}

// DeleteOne removes one queued report.
func (c *Console) DeleteOne(ctx context.Context, key string) (ActionResult, error) {
	result := ActionResult{IdentityKey: key}
	label := c.labelFor(ctx, key)

	if err := c.coord.Delete(ctx, key); err != nil {
		result.Alert = Alert{Level: AlertError, Title: "Delete failed", Message: describe(err)}
		return result, err
	}
	result.Alert = Alert{
		Level:   AlertSuccess,
		Title:   "Report deleted",
		Message: "The queued report was deleted and will not be submitted.",
	}
	c.publish(ctx, notifications.EventReportDeleted, key, label, nil)
	return result, nil
}

// Update replaces a queued report's content in place, keeping its identity
// key, position and retry count. With resubmit set it then submits it.
func (c *Console) Update(ctx context.Context, payload []byte, resubmit bool) (ActionResult, error) {
	rec, err := c.coord.Update(ctx, payload)
	if err != nil {
		return ActionResult{Alert: Alert{Level: AlertError, Title: "Update failed", Message: describe(err)}}, err
	}
	if resubmit {
		return c.ResubmitOne(ctx, rec.IdentityKey)
	}
	view := NewView(rec, c.coord.MaxRetries(), true)
	return ActionResult{
		IdentityKey: rec.IdentityKey,
		Report:      &view,
		Alert: Alert{
			Level:   AlertSuccess,
			Title:   "Report updated",
			Message: "The queued report was updated and keeps its place in the queue.",
		},
	}, nil
}

func (c *Console) labelFor(ctx context.Context, key string) string {
	rec, err := c.coord.Queue().Get(ctx, key)
	if err != nil {
		return ""
	}
	return displayLabel(rec.Summary().AccidentTypeLabel)
}

func (c *Console) publish(ctx context.Context, event notifications.Event, key, label string, cause error) {
	if c.notifier == nil {
		return
	}
	payload := notifications.Payload{"identityKey": key, "label": label}
	if cause != nil {
		payload["error"] = describe(cause)
	}
	if err := c.notifier.Publish(ctx, event, payload); err != nil {
		c.logger.Debug("manual action notification failed", logging.Error(err))
	}
}

func resubmitFailureAlert(err error, retries, maxRetries int) Alert {
	alert := Alert{Level: AlertError, Title: "Resubmit failed", Message: describe(err)}
	if errors.Is(err, syncer.ErrRetryExhausted) {
		alert.Message = fmt.Sprintf("%s The report has failed %d times (limit %d) and is no longer retried automatically; resubmit it again later or delete it.",
			alert.Message, retries, maxRetries)
	}
	return alert
}

// describe turns an error into a sentence for an alert.
func describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, queue.ErrNotFound):
		return "The report is no longer queued; it may already have been submitted."
	case errors.Is(err, queue.ErrCorruptRecord):
		return "The queued report could not be read."
	case errors.Is(err, queue.ErrInvalidReport):
		return fmt.Sprintf("The report is not valid: %v.", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syncer.ErrSyncInProgress):
		return "A sync is in progress; try again in a moment."
	}
	switch submit.KindOf(err) {
	case submit.KindPermanent:
		return fmt.Sprintf("The server rejected the report (%v).", err)
	case submit.KindProtocol:
		return "The server did not confirm the report."
	default:
		return "The report could not be sent; check the connection and try again."
	}
}
