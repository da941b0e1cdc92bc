package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"reportq/internal/config"
	"reportq/internal/logging"
)

// Manager applies queue semantics on top of a Store.
type Manager struct {
	store         *Store
	logger        *slog.Logger
	failOnCorrupt bool
	onQuarantine  func(ctx context.Context, key string, cause error)
}

// NewManager wires a Manager to store. onUnreadable is the configured policy
// for rows whose payload cannot be decoded (config.OnUnreadableEmpty or
// config.OnUnreadableFail).
func NewManager(store *Store, logger *slog.Logger, onUnreadable string) *Manager {
	return &Manager{
		store:         store,
		logger:        logging.NewComponentLogger(logger, "queue"),
		failOnCorrupt: onUnreadable == config.OnUnreadableFail,
	}
}

// OnQuarantine registers fn to run after a row has been moved to quarantine.
// It must be set before the manager is shared between goroutines.
func (m *Manager) OnQuarantine(fn func(ctx context.Context, key string, cause error)) {
	m.onQuarantine = fn
}

// Store exposes the underlying store for diagnostics.
func (m *Manager) Store() *Store {
	return m.store
}

// Enqueue persists a report. When isUpdate is set and the identity key is
// already queued, the payload is replaced in place and the record keeps its
// position, retry count and creation time. Otherwise a new record is appended
// with zero retries; a key that is already queued yields ErrDuplicateKey.
func (m *Manager) Enqueue(ctx context.Context, payload json.RawMessage, isUpdate bool) (Record, error) {
	key, compact, err := ParseReport(payload)
	if err != nil {
		return Record{}, err
	}
	ctx = logging.WithIdentityKey(ctx, key)
	logger := logging.WithContext(ctx, m.logger)

	if isUpdate {
		exists, err := m.store.exists(ctx, key)
		if err != nil {
			m.logEnqueueFailure(logger, err)
			return Record{}, err
		}
		if exists {
			if err := m.store.replacePayload(ctx, key, compact); err != nil {
				m.logEnqueueFailure(logger, err)
				return Record{}, err
			}
			logger.Info("queued report updated in place", logging.String(logging.FieldEventType, "report_updated"))
			return m.Get(ctx, key)
		}
	}

	if err := m.store.insert(ctx, Record{IdentityKey: key, Payload: compact, Status: StatusPending}); err != nil {
		if !errors.Is(err, ErrDuplicateKey) {
			m.logEnqueueFailure(logger, err)
		}
		return Record{}, err
	}
	logger.Info("report queued", logging.String(logging.FieldEventType, "report_queued"))
	return m.Get(ctx, key)
}

func (m *Manager) logEnqueueFailure(logger *slog.Logger, err error) {
	logger.Error("queue write failed",
		logging.String(logging.FieldEventType, "queue_write_failed"),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check free space and permissions on the data directory"),
		logging.String(logging.FieldImpact, "report was not queued"),
	)
}

// List returns every readable record in enqueue order. Unreadable rows are
// quarantined and skipped, or reported as ErrCorruptRecord when the manager
// is configured to fail.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	rows, err := m.store.all(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			if m.failOnCorrupt {
				return nil, err
			}
			m.quarantine(ctx, row, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get returns the record queued under key.
func (m *Manager) Get(ctx context.Context, key string) (Record, error) {
	row, err := m.store.get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	rec, err := row.record()
	if err != nil {
		if !m.failOnCorrupt {
			m.quarantine(ctx, row, err)
		}
		return Record{}, err
	}
	return rec, nil
}

// Remove deletes the record queued under key. Removing an absent key is a
// no-op; the boolean reports whether a record was deleted.
func (m *Manager) Remove(ctx context.Context, key string) (bool, error) {
	removed, err := m.store.delete(ctx, key)
	if err != nil {
		return false, err
	}
	if removed {
		logging.WithContext(logging.WithIdentityKey(ctx, key), m.logger).Debug("queued report removed")
	}
	return removed, nil
}

// ReplaceAll overwrites the whole queue in one transaction.
func (m *Manager) ReplaceAll(ctx context.Context, records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		if rec.IdentityKey == "" {
			return fmt.Errorf("%w: record %d has no identity key", ErrInvalidReport, i)
		}
		if !validPayloadObject(rec.Payload) {
			return fmt.Errorf("%w: record %s payload is not a JSON object", ErrInvalidReport, rec.IdentityKey)
		}
		if rec.Retries < 0 {
			return fmt.Errorf("%w: record %s has negative retries", ErrInvalidReport, rec.IdentityKey)
		}
		if _, dup := seen[rec.IdentityKey]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.IdentityKey)
		}
		seen[rec.IdentityKey] = struct{}{}
	}
	if err := m.store.replaceAll(ctx, records); err != nil {
		return err
	}
	m.logger.Info("queue replaced", logging.Int("records", len(records)))
	return nil
}

// IncrementRetries records one failed submission attempt and returns the new count.
func (m *Manager) IncrementRetries(ctx context.Context, key string) (int, error) {
	return m.store.incrementRetries(ctx, key)
}

// Health summarizes the queue against the retry ceiling.
func (m *Manager) Health(ctx context.Context, maxRetries int) (HealthSummary, error) {
	return m.store.Health(ctx, maxRetries)
}

func (m *Manager) quarantine(ctx context.Context, row storedRow, cause error) {
	moved, err := m.store.quarantine(ctx, row, cause.Error())
	if err != nil {
		logging.WarnWithContext(m.logger, "unreadable queued report could not be quarantined", "report_quarantine_failed",
			logging.String(logging.FieldIdentityKey, row.IdentityKey),
			logging.Error(cause),
			logging.String("quarantine_error", err.Error()),
			logging.String(logging.FieldErrorHint, "check free space and permissions on the data directory"),
			logging.String(logging.FieldImpact, "report excluded from this read; quarantine is retried on the next one"),
		)
		return
	}
	if !moved {
		return
	}
	logging.WarnWithContext(m.logger, "unreadable queued report quarantined", "report_quarantined",
		logging.String(logging.FieldIdentityKey, row.IdentityKey),
		logging.Int(logging.FieldRetries, row.Retries),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "inspect with 'reportq queue health'; the raw payload is kept in quarantined_reports"),
		logging.String(logging.FieldImpact, "report excluded from the queue"),
	)
	if m.onQuarantine != nil {
		m.onQuarantine(ctx, row.IdentityKey, cause)
	}
}
