package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// Health aggregates queue state for diagnostic output. Records at or above
// maxRetries are counted as exhausted rather than eligible. Rows List would
// quarantine are counted as unreadable and left out of the totals.
func (s *Store) Health(ctx context.Context, maxRetries int) (HealthSummary, error) {
	ctx = ensureContext(ctx)
	rows, err := s.all(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	var health HealthSummary
	for _, row := range rows {
		if _, err := row.record(); err != nil {
			health.Unreadable++
			continue
		}
		health.Total++
		if maxRetries > 0 && row.Retries >= maxRetries {
			health.Exhausted++
		} else {
			health.Eligible++
		}
		if !row.CreatedAt.IsZero() && (health.Oldest == nil || row.CreatedAt.Before(*health.Oldest)) {
			created := row.CreatedAt
			health.Oldest = &created
		}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM quarantined_reports`).Scan(&health.Quarantined); err != nil {
		return health, fmt.Errorf("count quarantined reports: %w", err)
	}
	return health, nil
}

// CheckHealth returns diagnostic information about the queue database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}

	if s.path == "" {
		return health, errors.New("queue database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("queue database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	var tableName string
	row := s.db.QueryRowContext(connCtx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'queued_reports'")
	switch err := row.Scan(&tableName); {
	case errors.Is(err, sql.ErrNoRows):
		health.TableExists = false
	case err != nil:
		health.Error = err.Error()
		return health, fmt.Errorf("query table info: %w", err)
	default:
		health.TableExists = true
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = integrity == "ok"
	if !health.IntegrityCheck {
		health.Error = integrity
	}

	if health.TableExists {
		if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(1) FROM queued_reports").Scan(&health.TotalItems); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count reports: %w", err)
		}
	}

	return health, nil
}
