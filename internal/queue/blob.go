package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"reportq/internal/logging"
)

// legacyRecord is one element of the single-key JSON array layout used before
// the queue moved to SQLite.
type legacyRecord struct {
	IdentityKey string          `json:"identityKey"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status,omitempty"`
	Retries     int             `json:"retries"`
	CreatedAt   string          `json:"createdAt,omitempty"`
	UpdatedAt   string          `json:"updatedAt,omitempty"`
}

// DecodeLegacyBlob parses the JSON array layout. Elements without a nested
// payload object are treated as flat report forms and used as the payload.
// Every payload must pass ParseReport and carry the element's identity key.
func DecodeLegacyBlob(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	records := make([]Record, 0, len(raw))
	for i, element := range raw {
		var legacy legacyRecord
		if err := json.Unmarshal(element, &legacy); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrCorruptRecord, i, err)
		}
		payload := legacy.Payload
		if len(payload) == 0 {
			payload = element
		}
		if !validPayloadObject(payload) {
			return nil, fmt.Errorf("%w: element %d payload is not a JSON object", ErrCorruptRecord, i)
		}
		payload, key, err := legacyPayload(payload, strings.TrimSpace(legacy.IdentityKey))
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrCorruptRecord, i, err)
		}
		if legacy.Retries < 0 {
			legacy.Retries = 0
		}
		rec := Record{
			IdentityKey: key,
			Payload:     payload,
			Status:      Status(legacy.Status),
			Retries:     legacy.Retries,
		}
		if rec.Status == "" {
			rec.Status = StatusPending
		}
		if ts, err := time.Parse(time.RFC3339Nano, legacy.CreatedAt); err == nil {
			rec.CreatedAt = ts
		} else if ts, err := time.Parse(time.RFC3339Nano, key); err == nil {
			rec.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, legacy.UpdatedAt); err == nil {
			rec.UpdatedAt = ts
		}
		records = append(records, rec)
	}
	return records, nil
}

// legacyPayload reconciles the element key with the key inside the payload.
// A payload without a key takes the element key; a payload whose key differs
// is rejected. The result is validated and compacted like any queued report.
func legacyPayload(payload json.RawMessage, outer string) (json.RawMessage, string, error) {
	if !HasIdentityKey(payload) {
		if outer == "" {
			return nil, "", errors.New("no identity key")
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, "", err
		}
		key, err := json.Marshal(outer)
		if err != nil {
			return nil, "", err
		}
		fields["identityKey"] = key
		if payload, err = json.Marshal(fields); err != nil {
			return nil, "", err
		}
	}
	key, compact, err := ParseReport(payload)
	if err != nil {
		return nil, "", err
	}
	if outer != "" && key != outer {
		return nil, "", fmt.Errorf("identity key %q does not match payload key %q", outer, key)
	}
	return compact, key, nil
}

// EncodeLegacyBlob renders records in the JSON array layout.
func EncodeLegacyBlob(records []Record) ([]byte, error) {
	out := make([]legacyRecord, 0, len(records))
	for _, rec := range records {
		legacy := legacyRecord{
			IdentityKey: rec.IdentityKey,
			Payload:     rec.Payload,
			Status:      string(rec.Status),
			Retries:     rec.Retries,
		}
		if !rec.CreatedAt.IsZero() {
			legacy.CreatedAt = rec.CreatedAt.UTC().Format(IdentityKeyLayout)
		}
		if !rec.UpdatedAt.IsZero() {
			legacy.UpdatedAt = rec.UpdatedAt.UTC().Format(IdentityKeyLayout)
		}
		out = append(out, legacy)
	}
	return json.MarshalIndent(out, "", "  ")
}

// ImportResult summarizes a legacy blob import.
type ImportResult struct {
	Imported   int
	Duplicates int
	// Unreadable is set when the blob could not be parsed and nothing was imported.
	Unreadable bool
}

// Import loads a legacy blob into the queue. With replace set the queue is
// overwritten in one transaction; otherwise records are appended and keys
// that are already queued are skipped. An unparsable blob imports as an
// empty queue: nothing is written and a warning is logged.
func (m *Manager) Import(ctx context.Context, r io.Reader, replace bool) (ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read legacy blob: %w", err)
	}
	records, err := DecodeLegacyBlob(data)
	if err != nil {
		logging.WarnWithContext(m.logger, "legacy queue blob unreadable; importing empty queue", "legacy_import_unreadable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the source file was left untouched; repair it and import again"),
			logging.String(logging.FieldImpact, "no reports imported"),
		)
		return ImportResult{Unreadable: true}, nil
	}

	if replace {
		deduped := make([]Record, 0, len(records))
		seen := make(map[string]struct{}, len(records))
		result := ImportResult{}
		for _, rec := range records {
			if _, dup := seen[rec.IdentityKey]; dup {
				result.Duplicates++
				continue
			}
			seen[rec.IdentityKey] = struct{}{}
			deduped = append(deduped, rec)
		}
		if err := m.ReplaceAll(ctx, deduped); err != nil {
			return ImportResult{}, err
		}
		result.Imported = len(deduped)
		return result, nil
	}

	var result ImportResult
	for _, rec := range records {
		if err := m.store.insert(ctx, rec); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				result.Duplicates++
				continue
			}
			return result, err
		}
		result.Imported++
	}
	m.logger.Info("legacy queue imported",
		logging.String(logging.FieldEventType, "legacy_import_completed"),
		logging.Int("imported", result.Imported),
		logging.Int("duplicates", result.Duplicates),
	)
	return result, nil
}

// Export writes the readable queue to w in the legacy blob layout.
func (m *Manager) Export(ctx context.Context, w io.Writer) (int, error) {
	records, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	data, err := EncodeLegacyBlob(records)
	if err != nil {
		return 0, fmt.Errorf("encode legacy blob: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("write legacy blob: %w", err)
	}
	return len(records), nil
}
