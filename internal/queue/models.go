package queue

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a queued report.
type Status string

// StatusPending is the only state a queued report currently has. Delivered
// reports are deleted rather than transitioned.
const StatusPending Status = "PENDING"

// IdentityKeyLayout matches the millisecond ISO-8601 timestamps clients use as identity keys.
const IdentityKeyLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is one queued accident report.
type Record struct {
	// IdentityKey is the caller-supplied creation timestamp and primary key.
	IdentityKey string
	// Payload is the full report form content as a JSON object.
	Payload   json.RawMessage
	Status    Status
	Retries   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary holds the presentation fields read from a report payload.
type Summary struct {
	UseCase                 string `json:"useCase"`
	AccidentTypeLabel       string `json:"accidentTypeLabel"`
	AccidentTypeDescription string `json:"accidentTypeDescription"`
	NearestLandMark         string `json:"nearestLandMark"`
}

// Summary decodes the display fields from the payload. Missing or unreadable
// fields are returned empty.
func (r Record) Summary() Summary {
	var s Summary
	_ = json.Unmarshal(r.Payload, &s)
	s.UseCase = strings.TrimSpace(s.UseCase)
	s.AccidentTypeLabel = strings.TrimSpace(s.AccidentTypeLabel)
	s.AccidentTypeDescription = strings.TrimSpace(s.AccidentTypeDescription)
	s.NearestLandMark = strings.TrimSpace(s.NearestLandMark)
	return s
}

// Exhausted reports whether automatic passes should skip the record.
func (r Record) Exhausted(maxRetries int) bool {
	return maxRetries > 0 && r.Retries >= maxRetries
}

// HealthSummary describes aggregated queue counts.
type HealthSummary struct {
	Total       int
	Eligible    int
	Exhausted   int
	// Unreadable counts queued rows whose payload cannot be decoded and that
	// have not been quarantined yet. They are excluded from Total.
	Unreadable  int
	Quarantined int
	Oldest      *time.Time
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TableExists      bool
	IntegrityCheck   bool
	TotalItems       int
	Error            string
}

// QuarantinedRecord is a row moved aside because its payload could not be decoded.
type QuarantinedRecord struct {
	IdentityKey   string
	RawPayload    string
	Reason        string
	Retries       int
	QuarantinedAt time.Time
}

func validPayloadObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var probe map[string]json.RawMessage
	return json.Unmarshal(trimmed, &probe) == nil
}
