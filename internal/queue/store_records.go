package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const recordColumns = "seq, identity_key, payload_json, status, retries, created_at, updated_at"

// storedRow is a queued_reports row before its payload has been checked.
type storedRow struct {
	Seq         int64
	IdentityKey string
	Payload     string
	Status      string
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r storedRow) record() (Record, error) {
	if !validPayloadObject([]byte(r.Payload)) {
		return Record{}, fmt.Errorf("%w: %s: payload is not a JSON object", ErrCorruptRecord, r.IdentityKey)
	}
	if r.Retries < 0 {
		return Record{}, fmt.Errorf("%w: %s: negative retry count", ErrCorruptRecord, r.IdentityKey)
	}
	status := Status(r.Status)
	if status == "" {
		status = StatusPending
	}
	return Record{
		IdentityKey: r.IdentityKey,
		Payload:     json.RawMessage(r.Payload),
		Status:      status,
		Retries:     r.Retries,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func scanRow(scanner interface{ Scan(dest ...any) error }) (storedRow, error) {
	var (
		row        storedRow
		payload    sql.NullString
		status     sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&row.Seq, &row.IdentityKey, &payload, &status, &row.Retries, &createdRaw, &updatedRaw); err != nil {
		return storedRow{}, err
	}
	row.Payload = payload.String
	row.Status = status.String
	if created, err := parseTimeString(createdRaw.String); err == nil {
		row.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		row.UpdatedAt = updated
	}
	return row, nil
}

// insert adds a new row. It fails with ErrDuplicateKey when the key is already queued.
func (s *Store) insert(ctx context.Context, rec Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO queued_reports (identity_key, payload_json, status, retries, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		rec.IdentityKey,
		string(rec.Payload),
		string(status),
		rec.Retries,
		formatTime(created),
		formatTime(updated),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.IdentityKey)
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// replacePayload swaps the payload of an existing row in place. The row keeps
// its sequence, retry count and creation time.
func (s *Store) replacePayload(ctx context.Context, key string, payload json.RawMessage) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE queued_reports SET payload_json = ?, updated_at = ? WHERE identity_key = ?`,
		string(payload),
		formatTime(time.Now().UTC()),
		key,
	)
	if err != nil {
		return fmt.Errorf("replace report payload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace report payload: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (storedRow, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+recordColumns+` FROM queued_reports WHERE identity_key = ?`, key)
	stored, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storedRow{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return storedRow{}, fmt.Errorf("get report: %w", err)
	}
	return stored, nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM queued_reports WHERE identity_key = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check report: %w", err)
	}
	return count > 0, nil
}

// all returns every row in enqueue order.
func (s *Store) all(ctx context.Context) ([]storedRow, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+recordColumns+` FROM queued_reports ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		stored, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// delete removes the row for key. The boolean reports whether a row existed.
func (s *Store) delete(ctx context.Context, key string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM queued_reports WHERE identity_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete report: %w", err)
	}
	return affected > 0, nil
}

// incrementRetries bumps the retry counter by exactly one and returns the new value.
func (s *Store) incrementRetries(ctx context.Context, key string) (int, error) {
	ctx = ensureContext(ctx)
	var retries int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`UPDATE queued_reports SET retries = retries + 1, updated_at = ?
             WHERE identity_key = ? RETURNING retries`,
			formatTime(time.Now().UTC()),
			key,
		).Scan(&retries)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return 0, fmt.Errorf("increment retries: %w", err)
	}
	return retries, nil
}

// replaceAll swaps the full queue contents in one transaction.
func (s *Store) replaceAll(ctx context.Context, records []Record) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_reports`); err != nil {
			return fmt.Errorf("clear reports: %w", err)
		}
		for _, rec := range records {
			created := rec.CreatedAt
			if created.IsZero() {
				created = now
			}
			status := rec.Status
			if status == "" {
				status = StatusPending
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO queued_reports (identity_key, payload_json, status, retries, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				rec.IdentityKey,
				string(rec.Payload),
				string(status),
				rec.Retries,
				formatTime(created),
				formatTime(now),
			)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.IdentityKey)
			}
			if err != nil {
				return fmt.Errorf("insert report: %w", err)
			}
		}
		return nil
	})
}

// quarantine moves an unreadable row out of the queue, keeping its raw payload.
// It reports false when the row was already gone, so concurrent readers that
// saw the same row move it once.
func (s *Store) quarantine(ctx context.Context, row storedRow, reason string) (bool, error) {
	moved := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		moved = false
		res, err := tx.ExecContext(ctx, `DELETE FROM queued_reports WHERE seq = ?`, row.Seq)
		if err != nil {
			return fmt.Errorf("remove quarantined report: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove quarantined report: %w", err)
		}
		if affected == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quarantined_reports (identity_key, raw_payload, reason, retries, quarantined_at)
             VALUES (?, ?, ?, ?, ?)`,
			row.IdentityKey,
			nullableString(row.Payload),
			reason,
			row.Retries,
			formatTime(time.Now().UTC()),
		); err != nil {
			return fmt.Errorf("insert quarantined report: %w", err)
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

// Quarantined lists rows moved aside because their payload was unreadable.
func (s *Store) Quarantined(ctx context.Context) ([]QuarantinedRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT identity_key, raw_payload, reason, retries, quarantined_at FROM quarantined_reports ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list quarantined reports: %w", err)
	}
	defer rows.Close()

	var out []QuarantinedRecord
	for rows.Next() {
		var (
			rec     QuarantinedRecord
			raw     sql.NullString
			movedAt sql.NullString
		)
		if err := rows.Scan(&rec.IdentityKey, &raw, &rec.Reason, &rec.Retries, &movedAt); err != nil {
			return nil, fmt.Errorf("scan quarantined report: %w", err)
		}
		rec.RawPayload = raw.String
		if ts, err := parseTimeString(movedAt.String); err == nil {
			rec.QuarantinedAt = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearQuarantine drops every quarantined row and returns how many were removed.
func (s *Store) ClearQuarantine(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM quarantined_reports`)
	if err != nil {
		return 0, fmt.Errorf("clear quarantine: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
