package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"reportq/internal/connectivity"
	"reportq/internal/console"
	"reportq/internal/queue"
	"reportq/internal/submit"
	"reportq/internal/syncer"
	"reportq/internal/testsupport"
)

type stubConnectivity struct {
	state  connectivity.State
	known  bool
	probes atomic.Int32
}

func (s *stubConnectivity) Current() (connectivity.State, bool) {
	return s.state, s.known
}

func (s *stubConnectivity) ProbeNow(context.Context) connectivity.State {
	s.probes.Add(1)
	return s.state
}

func online() connectivity.State {
	return connectivity.State{IsConnected: true, IsInternetReachable: true, CheckedAt: time.Now()}
}

func newTestService(t *testing.T, fn submit.SubmitterFunc, conn ConnectivityReader) (*ReportService, *queue.Manager) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	coord := syncer.NewCoordinator(cfg, mgr, fn, nil, nil)
	return NewReportService(coord, console.New(coord, nil, nil), conn), mgr
}

func accept(_ context.Context, rec queue.Record) (submit.Result, error) {
	return submit.Result{ID: "srv-" + rec.IdentityKey}, nil
}

func TestReportServiceFileOnlineSubmits(t *testing.T) {
	conn := &stubConnectivity{state: online(), known: true}
	svc, mgr := newTestService(t, accept, conn)

	resp, err := svc.File(context.Background(), testsupport.ReportPayload(t, "2024-01-01T00:00:00.000Z", nil))
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if !resp.Submitted || resp.Queued || resp.ReportID == "" {
		t.Fatalf("unexpected intake response %+v", resp)
	}
	if resp.Alert.Level != console.AlertSuccess {
		t.Fatalf("unexpected alert %+v", resp.Alert)
	}
	records, _ := mgr.List(context.Background())
	if len(records) != 0 {
		t.Fatalf("submitted report must not be queued, got %d", len(records))
	}
	if conn.probes.Load() != 0 {
		t.Fatal("known state should not trigger a probe")
	}
}

func TestReportServiceFileOfflineQueues(t *testing.T) {
	var calls atomic.Int32
	conn := &stubConnectivity{}
	svc, mgr := newTestService(t, func(context.Context, queue.Record) (submit.Result, error) {
		calls.Add(1)
		return submit.Result{ID: "x"}, nil
	}, conn)

	resp, err := svc.File(context.Background(), []byte(`{"useCase":"fire","accidentTypeLabel":"house fire"}`))
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if resp.Submitted || !resp.Queued || resp.Report == nil {
		t.Fatalf("unexpected intake response %+v", resp)
	}
	if resp.Report.AccidentType != "House Fire" {
		t.Fatalf("unexpected label %q", resp.Report.AccidentType)
	}
	if calls.Load() != 0 {
		t.Fatal("offline intake must not call the backend")
	}
	if conn.probes.Load() != 1 {
		t.Fatalf("expected one probe for unknown state, got %d", conn.probes.Load())
	}
	if _, err := mgr.Get(context.Background(), resp.IdentityKey); err != nil {
		t.Fatalf("queued report missing: %v", err)
	}
}

func TestReportServiceFileWithoutMonitorQueues(t *testing.T) {
	svc, _ := newTestService(t, accept, nil)
	resp, err := svc.File(context.Background(), testsupport.ReportPayload(t, "2024-01-01T00:00:00.000Z", nil))
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if !resp.Queued {
		t.Fatalf("expected report queued, got %+v", resp)
	}
}

func TestReportServiceUpdateRejectsMismatchedKey(t *testing.T) {
	svc, mgr := newTestService(t, accept, nil)
	testsupport.MustEnqueue(t, mgr, "2024-01-01T00:00:00.000Z", 0)

	_, err := svc.Update(context.Background(), "2024-01-01T00:00:00.000Z", testsupport.ReportPayload(t, "2024-02-02T00:00:00.000Z", nil), false)
	if !errors.Is(err, queue.ErrInvalidReport) {
		t.Fatalf("expected ErrInvalidReport, got %v", err)
	}
}

func TestReportServiceSyncAndStats(t *testing.T) {
	svc, mgr := newTestService(t, accept, nil)
	testsupport.MustEnqueue(t, mgr, "2024-01-01T00:00:00.000Z", 0)
	testsupport.MustEnqueue(t, mgr, "2024-01-01T00:01:00.000Z", 3)

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || stats.Eligible != 1 || stats.Exhausted != 1 || stats.Oldest == "" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if resp.Pass.Attempted != 1 || resp.Pass.Succeeded != 1 || resp.Pass.Skipped != 1 || resp.Pass.Remaining != 1 {
		t.Fatalf("unexpected pass %+v", resp.Pass)
	}
	status := svc.SyncStatus()
	if status.LastPass == nil || status.LastPass.PassID != resp.Pass.PassID {
		t.Fatalf("unexpected sync status %+v", status)
	}
}

func TestNilReportService(t *testing.T) {
	var svc *ReportService
	items, err := svc.List(context.Background())
	if err != nil || items != nil {
		t.Fatalf("expected empty list, got %v %v", items, err)
	}
	if _, err := svc.Describe(context.Background(), "k"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := svc.Connectivity(); got.Known {
		t.Fatal("nil service has no connectivity state")
	}
}
