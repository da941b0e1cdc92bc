package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reportq/internal/queue"
	"reportq/internal/testsupport"
)

const (
	keyA = "2024-01-01T00:00:00.000Z"
	keyB = "2024-01-01T00:05:00.000Z"
	keyC = "2024-01-01T00:10:00.000Z"
)

func keysOf(records []queue.Record) []string {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.IdentityKey)
	}
	return keys
}

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	health, err := store.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.TableExists || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.SchemaVersion != 1 {
		t.Fatalf("expected schema version 1, got %d", health.SchemaVersion)
	}
	if health.DBPath != cfg.QueueDBPath() {
		t.Fatalf("expected db path %q, got %q", cfg.QueueDBPath(), health.DBPath)
	}
}

func TestEnqueueAppendsWithZeroRetries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	rec, err := mgr.Enqueue(ctx, testsupport.ReportPayload(t, keyA, nil), false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if rec.IdentityKey != keyA || rec.Retries != 0 || rec.Status != queue.StatusPending {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatalf("expected audit timestamps, got %+v", rec)
	}
	if got := rec.Summary().AccidentTypeLabel; got != "road traffic collision" {
		t.Fatalf("unexpected summary label %q", got)
	}
}

func TestEnqueueRejectsDuplicateKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 0)
	_, err := mgr.Enqueue(ctx, testsupport.ReportPayload(t, keyA, map[string]any{"nearestLandMark": "other"}), false)
	if !errors.Is(err, queue.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single record, got %d", len(records))
	}
	if got := records[0].Summary().NearestLandMark; got != "central bus station" {
		t.Fatalf("duplicate insert must not overwrite payload, got %q", got)
	}
}

func TestEnqueueRejectsInvalidPayloads(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	cases := map[string]string{
		"not an object":  `["x"]`,
		"missing key":    `{"useCase":"ambulance"}`,
		"key not a time": `{"identityKey":"yesterday"}`,
		"broken json":    `{"identityKey":`,
	}
	for name, payload := range cases {
		if _, err := mgr.Enqueue(ctx, json.RawMessage(payload), false); !errors.Is(err, queue.ErrInvalidReport) {
			t.Fatalf("%s: expected ErrInvalidReport, got %v", name, err)
		}
	}
}

func TestEnqueueUpdateReplacesInPlace(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 0)
	original := testsupport.MustEnqueue(t, mgr, keyB, 2)
	testsupport.MustEnqueue(t, mgr, keyC, 0)

	time.Sleep(5 * time.Millisecond)
	updated, err := mgr.Enqueue(ctx, testsupport.ReportPayload(t, keyB, map[string]any{"nearestLandMark": "north gate"}), true)
	if err != nil {
		t.Fatalf("Enqueue update: %v", err)
	}
	if updated.Retries != 2 {
		t.Fatalf("update must keep retries, got %d", updated.Retries)
	}
	if !updated.CreatedAt.Equal(original.CreatedAt) {
		t.Fatalf("update must keep created_at: %v vs %v", updated.CreatedAt, original.CreatedAt)
	}
	if !updated.UpdatedAt.After(original.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}

	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := strings.Join(keysOf(records), ","); got != strings.Join([]string{keyA, keyB, keyC}, ",") {
		t.Fatalf("update must preserve position, got %s", got)
	}
	if got := records[1].Summary().NearestLandMark; got != "north gate" {
		t.Fatalf("expected replaced payload, got %q", got)
	}
}

func TestEnqueueUpdateOfMissingKeyAppends(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)

	rec, err := mgr.Enqueue(context.Background(), testsupport.ReportPayload(t, keyA, nil), true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if rec.Retries != 0 {
		t.Fatalf("expected zero retries, got %d", rec.Retries)
	}
}

func TestUniquenessHoldsAcrossOperations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	keys := []string{keyA, keyB, keyC}
	for round := 0; round < 3; round++ {
		for i, key := range keys {
			isUpdate := (round+i)%2 == 0
			_, err := mgr.Enqueue(ctx, testsupport.ReportPayload(t, key, map[string]any{"round": round}), isUpdate)
			if err != nil && !errors.Is(err, queue.ErrDuplicateKey) {
				t.Fatalf("round %d enqueue %s: %v", round, key, err)
			}
		}
		if _, err := mgr.Remove(ctx, keys[round]); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		records, err := mgr.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		seen := map[string]bool{}
		for _, rec := range records {
			if seen[rec.IdentityKey] {
				t.Fatalf("round %d: duplicate key %s", round, rec.IdentityKey)
			}
			seen[rec.IdentityKey] = true
		}
	}
}

func TestListIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 1)
	testsupport.MustEnqueue(t, mgr, keyB, 0)

	first, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	second, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("length changed between lists: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.IdentityKey != b.IdentityKey || a.Retries != b.Retries || !bytes.Equal(a.Payload, b.Payload) ||
			!a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
			t.Fatalf("record %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestListEmptyQueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)

	records, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty queue, got %d", len(records))
	}
}

func TestRemoveIsTargetedAndIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 2)
	testsupport.MustEnqueue(t, mgr, keyB, 1)

	removed, err := mgr.Remove(ctx, keyB)
	if err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	removed, err = mgr.Remove(ctx, keyB)
	if err != nil || removed {
		t.Fatalf("second Remove: removed=%v err=%v", removed, err)
	}
	rec, err := mgr.Get(ctx, keyA)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Retries != 2 {
		t.Fatalf("remove must leave other records untouched, retries=%d", rec.Retries)
	}
	if _, err := mgr.Get(ctx, keyB); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementRetriesCountsEachFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 0)
	for want := 1; want <= 4; want++ {
		got, err := mgr.IncrementRetries(ctx, keyA)
		if err != nil {
			t.Fatalf("IncrementRetries: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d retries, got %d", want, got)
		}
	}
	if _, err := mgr.IncrementRetries(ctx, keyB); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
}

func TestReplaceAllOverwritesQueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 0)
	replacement := []queue.Record{
		{IdentityKey: keyC, Payload: testsupport.ReportPayload(t, keyC, nil), Retries: 1},
		{IdentityKey: keyB, Payload: testsupport.ReportPayload(t, keyB, nil), Retries: 3},
	}
	if err := mgr.ReplaceAll(ctx, replacement); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := strings.Join(keysOf(records), ","); got != keyC+","+keyB {
		t.Fatalf("unexpected order %s", got)
	}
	if records[1].Retries != 3 {
		t.Fatalf("expected retries preserved, got %d", records[1].Retries)
	}

	dup := append(replacement, replacement[0])
	if err := mgr.ReplaceAll(ctx, dup); !errors.Is(err, queue.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	records, _ = mgr.List(ctx)
	if len(records) != 2 {
		t.Fatalf("failed ReplaceAll must not change the queue, got %d records", len(records))
	}
}

func TestHealthSplitsEligibleAndExhausted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)

	testsupport.MustEnqueue(t, mgr, keyA, 3)
	testsupport.MustEnqueue(t, mgr, keyB, 1)

	health, err := mgr.Health(context.Background(), 3)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 2 || health.Eligible != 1 || health.Exhausted != 1 || health.Quarantined != 0 {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.Oldest == nil {
		t.Fatal("expected oldest timestamp")
	}
}

func TestImportLegacyBlob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 0)
	blob := fmt.Sprintf(`[
		{"identityKey":%q,"payload":{"identityKey":%q},"status":"PENDING","retries":1},
		{"identityKey":%q,"useCase":"fire","status":"PENDING","retries":2,"createdAt":%q}
	]`, keyA, keyA, keyB, keyB)

	result, err := mgr.Import(ctx, strings.NewReader(blob), false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Imported != 1 || result.Duplicates != 1 || result.Unreadable {
		t.Fatalf("unexpected import result %+v", result)
	}
	rec, err := mgr.Get(ctx, keyB)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Retries != 2 || rec.Summary().UseCase != "fire" {
		t.Fatalf("unexpected imported record %+v", rec)
	}
}

func TestImportUnreadableBlobImportsNothing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 0)
	path := filepath.Join(testsupport.BaseDir(cfg), "legacy.json")
	testsupport.WriteFile(t, path, []byte(`[{"identityKey":`))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	result, err := mgr.Import(ctx, f, true)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !result.Unreadable || result.Imported != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	records, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("unreadable import must leave queue untouched, got %d", len(records))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("source blob must be kept: %v", err)
	}
}

func TestExportRoundTripsThroughImport(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := testsupport.MustOpenManager(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, mgr, keyA, 1)
	testsupport.MustEnqueue(t, mgr, keyB, 0)

	var buf bytes.Buffer
	count, err := mgr.Export(ctx, &buf)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 exported, got %d", count)
	}

	other := testsupport.MustOpenManager(t, testsupport.NewConfig(t))
	result, err := other.Import(ctx, &buf, true)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Imported != 2 {
		t.Fatalf("expected 2 imported, got %+v", result)
	}
	records, err := other.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := strings.Join(keysOf(records), ","); got != keyA+","+keyB {
		t.Fatalf("unexpected order %s", got)
	}
	if records[0].Retries != 1 {
		t.Fatalf("expected retries carried over, got %d", records[0].Retries)
	}
}
