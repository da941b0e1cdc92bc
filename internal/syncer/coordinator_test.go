package syncer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"reportq/internal/config"
	"reportq/internal/connectivity"
	"reportq/internal/notifications"
	"reportq/internal/queue"
	"reportq/internal/submit"
	"reportq/internal/testsupport"
)

const (
	keyR1 = "2024-01-01T00:00:00.000Z"
	keyR2 = "2024-01-01T00:01:00.000Z"
)

// fakeSubmitter answers per identity key and counts every call.
type fakeSubmitter struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]bool
	noID    bool
	block   chan struct{}
	entered chan string
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{calls: map[string]int{}, fail: map[string]bool{}}
}

func (f *fakeSubmitter) Submit(ctx context.Context, rec queue.Record) (submit.Result, error) {
	f.mu.Lock()
	f.calls[rec.IdentityKey]++
	fail := f.fail[rec.IdentityKey]
	noID := f.noID
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- rec.IdentityKey
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return submit.Result{}, ctx.Err()
		}
	}
	if fail {
		return submit.Result{}, &submit.Error{Kind: submit.KindTransient, Message: "backend unavailable"}
	}
	if noID {
		return submit.Result{}, nil
	}
	return submit.Result{ID: "srv-" + rec.IdentityKey}, nil
}

func (f *fakeSubmitter) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
	last   notifications.Payload
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.last = payload
	return nil
}

func (r *recordingNotifier) Events() []notifications.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Event(nil), r.events...)
}

func newTestCoordinator(t *testing.T, sub submit.Submitter, opts ...testsupport.ConfigOption) (*Coordinator, *queue.Manager, *recordingNotifier) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	mgr := testsupport.MustOpenManager(t, cfg)
	notifier := &recordingNotifier{}
	return NewCoordinator(cfg, mgr, sub, notifier, nil), mgr, notifier
}

func TestPassFailureIncrementsRetries(t *testing.T) {
	sub := newFakeSubmitter()
	sub.fail[keyR1] = true
	coord, mgr, notifier := newTestCoordinator(t, sub)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyR1, 0)

	result, err := coord.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.Attempted != 1 || result.Failed != 1 || result.Succeeded != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].Retries != 1 {
		t.Fatalf("expected one record with retries=1, got %+v", records)
	}
	if len(notifier.Events()) != 0 {
		t.Fatalf("failed pass must not notify, got %v", notifier.Events())
	}
}

func TestPassRemovesSuccessAndCountsFailure(t *testing.T) {
	sub := newFakeSubmitter()
	sub.fail[keyR1] = true
	coord, mgr, notifier := newTestCoordinator(t, sub, testsupport.WithMaxRetries(3))
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyR1, 2)
	testsupport.MustEnqueue(t, mgr, keyR2, 0)

	result, err := coord.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 || result.Remaining != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].IdentityKey != keyR1 || records[0].Retries != 3 {
		t.Fatalf("expected [R1 retries=3], got %+v", records)
	}
	events := notifier.Events()
	if len(events) != 1 || events[0] != notifications.EventSyncCompleted {
		t.Fatalf("expected one sync notification, got %v", events)
	}
	if notifier.last["succeeded"] != 1 {
		t.Fatalf("expected succeeded=1 in payload, got %v", notifier.last)
	}
}

func TestPassSkipsExhaustedRecords(t *testing.T) {
	sub := newFakeSubmitter()
	coord, mgr, _ := newTestCoordinator(t, sub, testsupport.WithMaxRetries(3))
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyR1, 3)

	result, err := coord.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.Skipped != 1 || result.Attempted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if sub.Calls(keyR1) != 0 {
		t.Fatalf("exhausted record must not be submitted")
	}
	rec, err := mgr.Get(ctx, keyR1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Retries != 3 {
		t.Fatalf("expected retries untouched, got %d", rec.Retries)
	}
}

func TestRetriesClimbToCeilingThenStop(t *testing.T) {
	sub := newFakeSubmitter()
	sub.fail[keyR1] = true
	coord, mgr, _ := newTestCoordinator(t, sub, testsupport.WithMaxRetries(3))
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyR1, 0)
	for pass := 1; pass <= 5; pass++ {
		if _, err := coord.RunPass(ctx); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		rec, err := mgr.Get(ctx, keyR1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		want := min(pass, 3)
		if rec.Retries != want {
			t.Fatalf("pass %d: expected retries %d, got %d", pass, want, rec.Retries)
		}
	}
	if sub.Calls(keyR1) != 3 {
		t.Fatalf("expected 3 submissions, got %d", sub.Calls(keyR1))
	}
}

func TestMissingIdentifierCountsAsFailure(t *testing.T) {
	sub := newFakeSubmitter()
	sub.noID = true
	coord, mgr, _ := newTestCoordinator(t, sub)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyR1, 0)
	result, err := coord.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected failure, got %+v", result)
	}
	rec, _ := mgr.Get(ctx, keyR1)
	if rec.Retries != 1 {
		t.Fatalf("expected retries=1, got %d", rec.Retries)
	}
}

func TestRunPassReturnsBusyWhileLocked(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, newFakeSubmitter())
	ok, err := coord.lock.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	defer coord.lock.Release()

	if _, err := coord.RunPass(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestSyncLockIsSharedAcrossCoordinators(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	first := NewCoordinator(cfg, mgr, newFakeSubmitter(), nil, nil)
	second := NewCoordinator(cfg, mgr, newFakeSubmitter(), nil, nil)

	ok, err := first.lock.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	if _, err := second.RunPass(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected file lock to block second coordinator, got %v", err)
	}
	first.lock.Release()
	if _, err := second.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass after release: %v", err)
	}
}

func TestHandleConnectivityRequiresOnline(t *testing.T) {
	sub := newFakeSubmitter()
	coord, mgr, _ := newTestCoordinator(t, sub)
	ctx := context.Background()
	testsupport.MustEnqueue(t, mgr, keyR1, 0)

	coord.HandleConnectivity(ctx, connectivity.State{IsConnected: true})
	if sub.Calls(keyR1) != 0 {
		t.Fatal("connected without internet must not trigger a pass")
	}
	coord.HandleConnectivity(ctx, connectivity.State{IsConnected: true, IsInternetReachable: true})
	if sub.Calls(keyR1) != 1 {
		t.Fatalf("expected one submission, got %d", sub.Calls(keyR1))
	}
	if status := coord.Status(); status.LastPass == nil || status.LastPass.Succeeded != 1 {
		t.Fatalf("expected last pass recorded, got %+v", status)
	}
}

func TestHandleConnectivityDropsEventsWhileBusy(t *testing.T) {
	sub := newFakeSubmitter()
	sub.block = make(chan struct{})
	sub.entered = make(chan string, 1)
	coord, mgr, _ := newTestCoordinator(t, sub)
	ctx := context.Background()
	testsupport.MustEnqueue(t, mgr, keyR1, 0)

	online := connectivity.State{IsConnected: true, IsInternetReachable: true}
	done := make(chan struct{})
	go func() {
		coord.HandleConnectivity(ctx, online)
		close(done)
	}()
	<-sub.entered

	for i := 0; i < 3; i++ {
		coord.HandleConnectivity(ctx, online)
	}
	close(sub.block)
	<-done

	if sub.Calls(keyR1) != 1 {
		t.Fatalf("expected a single submission, got %d", sub.Calls(keyR1))
	}
}

// The unguarded single-record path run beside a pass submits the same
// record twice; ResubmitOne waits for the lock and sees the record gone.
func TestManualResubmitRacesOnlyWithoutLock(t *testing.T) {
	t.Run("unguarded attempt double submits", func(t *testing.T) {
		sub := newFakeSubmitter()
		sub.block = make(chan struct{})
		sub.entered = make(chan string, 2)
		coord, mgr, _ := newTestCoordinator(t, sub)
		ctx := context.Background()
		rec := testsupport.MustEnqueue(t, mgr, keyR1, 0)

		passDone := make(chan struct{})
		go func() {
			_, _ = coord.RunPass(ctx)
			close(passDone)
		}()
		<-sub.entered

		manualDone := make(chan struct{})
		go func() {
			_, _ = coord.attempt(ctx, rec)
			close(manualDone)
		}()
		<-sub.entered
		close(sub.block)
		<-passDone
		<-manualDone

		if got := sub.Calls(keyR1); got != 2 {
			t.Fatalf("expected the race to submit twice, got %d", got)
		}
	})

	t.Run("guarded resubmit waits and finds record delivered", func(t *testing.T) {
		sub := newFakeSubmitter()
		sub.block = make(chan struct{})
		sub.entered = make(chan string, 2)
		coord, mgr, _ := newTestCoordinator(t, sub)
		ctx := context.Background()
		testsupport.MustEnqueue(t, mgr, keyR1, 0)

		passDone := make(chan struct{})
		go func() {
			_, _ = coord.RunPass(ctx)
			close(passDone)
		}()
		<-sub.entered

		manualErr := make(chan error, 1)
		go func() {
			_, err := coord.ResubmitOne(ctx, keyR1)
			manualErr <- err
		}()

		select {
		case err := <-manualErr:
			t.Fatalf("resubmit must wait for the pass, returned %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		close(sub.block)
		<-passDone

		if err := <-manualErr; !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after pass delivered the record, got %v", err)
		}
		if got := sub.Calls(keyR1); got != 1 {
			t.Fatalf("expected exactly one submission, got %d", got)
		}
	})
}

func TestResubmitOneOutcomes(t *testing.T) {
	sub := newFakeSubmitter()
	sub.fail[keyR1] = true
	coord, mgr, _ := newTestCoordinator(t, sub, testsupport.WithMaxRetries(3))
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyR1, 2)
	testsupport.MustEnqueue(t, mgr, keyR2, 5)

	outcome, err := coord.ResubmitOne(ctx, keyR1)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if submit.KindOf(err) != submit.KindTransient {
		t.Fatalf("expected submit error preserved, got %v", err)
	}
	if outcome.Submitted || outcome.Retries != 3 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	outcome, err = coord.ResubmitOne(ctx, keyR2)
	if err != nil {
		t.Fatalf("exhausted records stay manually resubmittable: %v", err)
	}
	if !outcome.Submitted || outcome.ReportID != "srv-"+keyR2 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if _, err := mgr.Get(ctx, keyR2); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected delivered record removed, got %v", err)
	}

	if _, err := coord.ResubmitOne(ctx, "2030-01-01T00:00:00.000Z"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResubmitOneRespectsContext(t *testing.T) {
	coord, mgr, _ := newTestCoordinator(t, newFakeSubmitter())
	testsupport.MustEnqueue(t, mgr, keyR1, 0)

	ok, _ := coord.lock.TryAcquire()
	if !ok {
		t.Fatal("expected to acquire lock")
	}
	defer coord.lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := coord.ResubmitOne(ctx, keyR1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDeleteAndUpdate(t *testing.T) {
	coord, mgr, _ := newTestCoordinator(t, newFakeSubmitter())
	ctx := context.Background()
	testsupport.MustEnqueue(t, mgr, keyR1, 1)

	rec, err := coord.Update(ctx, testsupport.ReportPayload(t, keyR1, map[string]any{"nearestLandMark": "bridge"}))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Retries != 1 || rec.Summary().NearestLandMark != "bridge" {
		t.Fatalf("unexpected updated record %+v", rec)
	}
	if _, err := coord.Update(ctx, testsupport.ReportPayload(t, keyR2, nil)); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating unknown key, got %v", err)
	}

	if err := coord.Delete(ctx, keyR1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := coord.Delete(ctx, keyR1); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSubmitOrQueue(t *testing.T) {
	t.Run("online success submits directly", func(t *testing.T) {
		sub := newFakeSubmitter()
		coord, mgr, _ := newTestCoordinator(t, sub)
		result, err := coord.SubmitOrQueue(context.Background(), testsupport.ReportPayload(t, keyR1, nil), true)
		if err != nil {
			t.Fatalf("SubmitOrQueue: %v", err)
		}
		if !result.Submitted || result.Queued {
			t.Fatalf("unexpected result %+v", result)
		}
		records, _ := mgr.List(context.Background())
		if len(records) != 0 {
			t.Fatalf("submitted report must not be queued")
		}
	})

	t.Run("offline queues without submitting", func(t *testing.T) {
		sub := newFakeSubmitter()
		coord, mgr, notifier := newTestCoordinator(t, sub)
		result, err := coord.SubmitOrQueue(context.Background(), []byte(`{"useCase":"ambulance"}`), false)
		if err != nil {
			t.Fatalf("SubmitOrQueue: %v", err)
		}
		if !result.Queued || result.Reason != "offline" || result.IdentityKey == "" {
			t.Fatalf("unexpected result %+v", result)
		}
		if sub.Calls(result.IdentityKey) != 0 {
			t.Fatal("offline intake must not submit")
		}
		rec, err := mgr.Get(context.Background(), result.IdentityKey)
		if err != nil || rec.Retries != 0 {
			t.Fatalf("expected queued record with zero retries, got %+v err=%v", rec, err)
		}
		if events := notifier.Events(); len(events) != 1 || events[0] != notifications.EventReportQueued {
			t.Fatalf("expected queued notification, got %v", events)
		}
	})

	t.Run("failed submit queues", func(t *testing.T) {
		sub := newFakeSubmitter()
		sub.fail[keyR1] = true
		coord, mgr, _ := newTestCoordinator(t, sub)
		result, err := coord.SubmitOrQueue(context.Background(), testsupport.ReportPayload(t, keyR1, nil), true)
		if err != nil {
			t.Fatalf("SubmitOrQueue: %v", err)
		}
		if !result.Queued || result.Submitted {
			t.Fatalf("unexpected result %+v", result)
		}
		if _, err := mgr.Get(context.Background(), keyR1); err != nil {
			t.Fatalf("expected report queued: %v", err)
		}
	})

	t.Run("invalid payload is rejected", func(t *testing.T) {
		coord, _, _ := newTestCoordinator(t, newFakeSubmitter())
		if _, err := coord.SubmitOrQueue(context.Background(), []byte(`[1,2]`), true); !errors.Is(err, queue.ErrInvalidReport) {
			t.Fatalf("expected ErrInvalidReport, got %v", err)
		}
	})
}

func TestConcurrentKeylessIntakesAllQueue(t *testing.T) {
	coord, mgr, _ := newTestCoordinator(t, newFakeSubmitter())
	ctx := context.Background()

	const reports = 20
	var wg sync.WaitGroup
	keys := make(chan string, reports)
	errs := make(chan error, reports)
	for range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := coord.SubmitOrQueue(ctx, []byte(`{"accidentTypeLabel":"fall"}`), false)
			if err != nil {
				errs <- err
				return
			}
			keys <- result.IdentityKey
		}()
	}
	wg.Wait()
	close(keys)
	close(errs)
	for err := range errs {
		t.Fatalf("SubmitOrQueue: %v", err)
	}

	seen := map[string]bool{}
	for key := range keys {
		if seen[key] {
			t.Fatalf("identity key %s issued twice", key)
		}
		seen[key] = true
	}
	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != reports || len(seen) != reports {
		t.Fatalf("expected %d queued reports, got %d (%d keys)", reports, len(records), len(seen))
	}
}

func TestStampedKeyCollisionIsRestamped(t *testing.T) {
	coord, mgr, _ := newTestCoordinator(t, newFakeSubmitter())
	ctx := context.Background()

	taken := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	coord.lastKey = taken.Add(-time.Millisecond)
	testsupport.MustEnqueue(t, mgr, queue.NewIdentityKey(taken), 0)

	result, err := coord.SubmitOrQueue(ctx, []byte(`{"accidentTypeLabel":"fall"}`), false)
	if err != nil {
		t.Fatalf("SubmitOrQueue: %v", err)
	}
	want := queue.NewIdentityKey(taken.Add(time.Millisecond))
	if !result.Queued || result.IdentityKey != want || result.Record.IdentityKey != want {
		t.Fatalf("expected report queued under %s, got %+v", want, result)
	}

	if _, err := coord.SubmitOrQueue(ctx, testsupport.ReportPayload(t, want, nil), false); !errors.Is(err, queue.ErrDuplicateKey) {
		t.Fatalf("caller-supplied duplicate key must be rejected, got %v", err)
	}
}

func TestNewCoordinatorUsesConfiguredCeiling(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxRetries(7))
	mgr := testsupport.MustOpenManager(t, cfg)
	coord := NewCoordinator(cfg, mgr, newFakeSubmitter(), nil, nil)
	if coord.MaxRetries() != 7 {
		t.Fatalf("expected ceiling 7, got %d", coord.MaxRetries())
	}
	if cfg.Sync.OnUnreadable != config.OnUnreadableEmpty {
		t.Fatalf("unexpected default policy %q", cfg.Sync.OnUnreadable)
	}
}

func TestUnreadableRecordIsReportedAndSkipped(t *testing.T) {
	sub := newFakeSubmitter()
	coord, mgr, notifier := newTestCoordinator(t, sub)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyR1, 0)
	testsupport.MustEnqueue(t, mgr, keyR2, 0)

	db, err := sql.Open("sqlite", mgr.Store().Path())
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE queued_reports SET payload_json = '[' WHERE identity_key = ?`, keyR1); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	result, err := coord.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if result.Attempted != 1 || result.Succeeded != 1 || sub.Calls(keyR1) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	events := notifier.Events()
	if len(events) == 0 || events[0] != notifications.EventQuarantined {
		t.Fatalf("expected quarantine notification first, got %v", events)
	}
}
