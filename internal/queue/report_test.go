package queue_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"reportq/internal/queue"
)

func TestParseReportCompactsPayload(t *testing.T) {
	key, payload, err := queue.ParseReport([]byte("{\n  \"identityKey\": \"2024-01-01T00:00:00.000Z\",\n  \"useCase\": \"ambulance\"\n}"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if key != "2024-01-01T00:00:00.000Z" {
		t.Fatalf("unexpected key %q", key)
	}
	if string(payload) != `{"identityKey":"2024-01-01T00:00:00.000Z","useCase":"ambulance"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestAssignIdentityKeyKeepsExistingKey(t *testing.T) {
	raw := []byte(`{"identityKey":"2024-01-01T00:00:00.000Z"}`)
	out, err := queue.AssignIdentityKey(raw, time.Now())
	if err != nil {
		t.Fatalf("AssignIdentityKey: %v", err)
	}
	if string(out) != string(raw) {
		t.Fatalf("existing key must not be regenerated, got %s", out)
	}
}

func TestAssignIdentityKeyStampsMissingKey(t *testing.T) {
	now := time.Date(2024, 3, 5, 6, 7, 8, 9_000_000, time.FixedZone("EAT", 3*3600))
	out, err := queue.AssignIdentityKey([]byte(`{"useCase":"fire"}`), now)
	if err != nil {
		t.Fatalf("AssignIdentityKey: %v", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["identityKey"] != "2024-03-05T03:07:08.009Z" {
		t.Fatalf("unexpected key %q", fields["identityKey"])
	}
	if fields["createdAt"] != fields["identityKey"] {
		t.Fatalf("createdAt should mirror identityKey, got %q", fields["createdAt"])
	}
	if _, _, err := queue.ParseReport(out); err != nil {
		t.Fatalf("stamped payload should validate: %v", err)
	}
}

func TestAssignIdentityKeyRejectsNonObjects(t *testing.T) {
	if _, err := queue.AssignIdentityKey([]byte(`"text"`), time.Now()); !errors.Is(err, queue.ErrInvalidReport) {
		t.Fatalf("expected ErrInvalidReport, got %v", err)
	}
}

func TestRecordExhausted(t *testing.T) {
	rec := queue.Record{Retries: 3}
	if !rec.Exhausted(3) {
		t.Fatal("expected record at ceiling to be exhausted")
	}
	if rec.Exhausted(4) {
		t.Fatal("expected record below ceiling to be eligible")
	}
	if rec.Exhausted(0) {
		t.Fatal("a zero ceiling disables exhaustion")
	}
}
