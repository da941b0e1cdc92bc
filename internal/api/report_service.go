package api

import (
	"context"
	"fmt"

	"reportq/internal/connectivity"
	"reportq/internal/console"
	"reportq/internal/queue"
	"reportq/internal/syncer"
)

// ConnectivityReader abstracts the monitor state the intake flow consults.
type ConnectivityReader interface {
	Current() (connectivity.State, bool)
	ProbeNow(ctx context.Context) connectivity.State
}

// ReportService exposes report operations returning API DTOs.
type ReportService struct {
	coord   *syncer.Coordinator
	console *console.Console
	conn    ConnectivityReader
}

// NewReportService constructs a ReportService. conn may be nil, in which case
// new reports are always queued.
func NewReportService(coord *syncer.Coordinator, cons *console.Console, conn ConnectivityReader) *ReportService {
	if coord == nil || cons == nil {
		return nil
	}
	return &ReportService{coord: coord, console: cons, conn: conn}
}

// List returns queued reports in enqueue order.
func (s *ReportService) List(ctx context.Context) ([]console.ReportView, error) {
	if s == nil {
		return nil, nil
	}
	return s.console.ViewAll(ctx)
}

// Describe returns one queued report including its payload.
func (s *ReportService) Describe(ctx context.Context, key string) (console.ReportView, error) {
	if s == nil {
		return console.ReportView{}, queue.ErrNotFound
	}
	return s.console.ViewOne(ctx, key)
}

// File submits a new report when online and queues it otherwise.
func (s *ReportService) File(ctx context.Context, payload []byte) (IntakeResponse, error) {
	if s == nil {
		return IntakeResponse{}, fmt.Errorf("report service unavailable")
	}
	result, err := s.coord.SubmitOrQueue(ctx, payload, s.online(ctx))
	if err != nil {
		return IntakeResponse{IdentityKey: result.IdentityKey, Reason: result.Reason}, err
	}
	resp := IntakeResponse{
		IdentityKey: result.IdentityKey,
		Submitted:   result.Submitted,
		Queued:      result.Queued,
		ReportID:    result.ReportID,
		Reason:      result.Reason,
	}
	if result.Submitted {
		resp.Alert = console.Alert{
			Level:   console.AlertSuccess,
			Title:   "Report submitted",
			Message: "The accident report was submitted successfully.",
		}
		return resp, nil
	}
	if result.Record != nil {
		view := console.NewView(*result.Record, s.coord.MaxRetries(), false)
		resp.Report = &view
	}
	resp.Alert = console.Alert{
		Level:   console.AlertSuccess,
		Title:   "Report saved",
		Message: "The report was saved on this device and will be submitted automatically when the connection returns.",
	}
	return resp, nil
}

// Update replaces the content of the queued report key. The payload's
// identity key must match key.
func (s *ReportService) Update(ctx context.Context, key string, payload []byte, resubmit bool) (console.ActionResult, error) {
	if s == nil {
		return console.ActionResult{}, queue.ErrNotFound
	}
	payloadKey, _, err := queue.ParseReport(payload)
	if err != nil {
		return console.ActionResult{IdentityKey: key}, err
	}
	if payloadKey != key {
		return console.ActionResult{IdentityKey: key}, fmt.Errorf("%w: identityKey %q does not match %q", queue.ErrInvalidReport, payloadKey, key)
	}
	return s.console.Update(ctx, payload, resubmit)
}

// Resubmit submits one queued report now.
func (s *ReportService) Resubmit(ctx context.Context, key string) (console.ActionResult, error) {
	if s == nil {
		return console.ActionResult{}, queue.ErrNotFound
	}
	return s.console.ResubmitOne(ctx, key)
}

// Delete removes one queued report.
func (s *ReportService) Delete(ctx context.Context, key string) (console.ActionResult, error) {
	if s == nil {
		return console.ActionResult{}, queue.ErrNotFound
	}
	return s.console.DeleteOne(ctx, key)
}

// Sync runs one sync pass now. It returns syncer.ErrSyncInProgress when a
// pass is already running.
func (s *ReportService) Sync(ctx context.Context) (SyncResponse, error) {
	if s == nil {
		return SyncResponse{}, fmt.Errorf("report service unavailable")
	}
	result, err := s.coord.RunPass(ctx)
	if err != nil {
		return SyncResponse{}, err
	}
	return SyncResponse{Pass: FromPassResult(result)}, nil
}

// Stats returns queue counts against the configured retry ceiling.
func (s *ReportService) Stats(ctx context.Context) (QueueStats, error) {
	if s == nil {
		return QueueStats{}, nil
	}
	health, err := s.coord.Queue().Health(ctx, s.coord.MaxRetries())
	if err != nil {
		return QueueStats{}, err
	}
	return FromHealth(health), nil
}

// SyncStatus returns the coordinator status.
func (s *ReportService) SyncStatus() SyncStatus {
	if s == nil {
		return SyncStatus{}
	}
	return FromSyncStatus(s.coord.Status())
}

// Connectivity returns the last observed connectivity state.
func (s *ReportService) Connectivity() ConnectivityStatus {
	if s == nil || s.conn == nil {
		return ConnectivityStatus{}
	}
	return FromConnectivity(s.conn.Current())
}

func (s *ReportService) online(ctx context.Context) bool {
	if s.conn == nil {
		return false
	}
	if state, ok := s.conn.Current(); ok {
		return state.Online()
	}
	return s.conn.ProbeNow(ctx).Online()
}
