package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"reportq/internal/config"
	"reportq/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenManager opens a store and wraps it in a Manager using the config's policy.
func MustOpenManager(t testing.TB, cfg *config.Config) *queue.Manager {
	t.Helper()
	return queue.NewManager(MustOpenStore(t, cfg), nil, cfg.Sync.OnUnreadable)
}

// ReportPayload builds a report form payload for key. extra fields are merged in.
func ReportPayload(t testing.TB, key string, extra map[string]any) json.RawMessage {
	t.Helper()

	fields := map[string]any{
		"identityKey":             key,
		"createdAt":               key,
		"useCase":                 "ambulance",
		"accidentTypeLabel":       "road traffic collision",
		"accidentTypeDescription": "two vehicles",
		"nearestLandMark":         "central bus station",
	}
	for k, v := range extra {
		fields[k] = v
	}
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

// MustEnqueue queues a report for key and then bumps its retry count to retries.
func MustEnqueue(t testing.TB, mgr *queue.Manager, key string, retries int) queue.Record {
	t.Helper()

	ctx := context.Background()
	if _, err := mgr.Enqueue(ctx, ReportPayload(t, key, nil), false); err != nil {
		t.Fatalf("Enqueue %s: %v", key, err)
	}
	for i := 0; i < retries; i++ {
		if _, err := mgr.IncrementRetries(ctx, key); err != nil {
			t.Fatalf("IncrementRetries %s: %v", key, err)
		}
	}
	rec, err := mgr.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	if rec.Retries != retries {
		t.Fatalf("expected %d retries for %s, got %d", retries, key, rec.Retries)
	}
	return rec
}
