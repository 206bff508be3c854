package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/db"
)

// Run statuses stored in catalog_sync.sync_log.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// SyncEntry represents a row in catalog_sync.sync_log.
type SyncEntry struct {
	ID          int64          `json:"id" yaml:"id"`
	Source      string         `json:"source" yaml:"source"`
	Status      string         `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	RowsSynced  int64          `json:"rows_synced" yaml:"rows_synced"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SyncResult holds the outcome of a run, passed to Complete().
type SyncResult struct {
	RowsSynced int64          `json:"rows_synced"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SyncLog provides read/write access to the catalog_sync.sync_log table.
type SyncLog struct {
	pool db.Pool
}

// NewSyncLog creates a new SyncLog backed by the given connection pool.
func NewSyncLog(pool db.Pool) *SyncLog {
	return &SyncLog{pool: pool}
}

// LastSuccess returns the started_at time of the most recent successful run
// for a source, or nil if there has been none.
func (s *SyncLog) LastSuccess(ctx context.Context, source string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM catalog_sync.sync_log
		 WHERE source = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		source,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "synclog: last success for %s", source)
	}
	return &t, nil
}

// Start records the beginning of a run and returns its ID.
func (s *SyncLog) Start(ctx context.Context, source string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO catalog_sync.sync_log (source, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		source,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "synclog: start run for %s", source)
	}
	return id, nil
}

// Complete marks a run as successfully completed.
func (s *SyncLog) Complete(ctx context.Context, runID int64, result *SyncResult) error {
	rowsSynced, metaJSON, err := encodeResult(result)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE catalog_sync.sync_log
		 SET status = 'complete', completed_at = now(), rows_synced = $1, metadata = $2
		 WHERE id = $3`,
		rowsSynced, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: complete run %d", runID)
	}
	return nil
}

// Fail marks a run as failed. Rows written before the failure and the run
// summary are kept alongside the error.
func (s *SyncLog) Fail(ctx context.Context, runID int64, errMsg string, result *SyncResult) error {
	rowsSynced, metaJSON, err := encodeResult(result)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE catalog_sync.sync_log
		 SET status = 'failed', completed_at = now(), error = $1, rows_synced = $2, metadata = $3
		 WHERE id = $4`,
		errMsg, rowsSynced, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: fail run %d", runID)
	}
	return nil
}

func encodeResult(result *SyncResult) (int64, []byte, error) {
	if result == nil {
		return 0, nil, nil
	}
	if result.Metadata == nil {
		return result.RowsSynced, nil, nil
	}
	metaJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return 0, nil, eris.Wrap(err, "synclog: marshal metadata")
	}
	return result.RowsSynced, metaJSON, nil
}

// ListRecent returns up to limit entries, most recent first. A limit <= 0
// returns every entry.
func (s *SyncLog) ListRecent(ctx context.Context, limit int) ([]SyncEntry, error) {
	query := `SELECT id, source, status, started_at, completed_at, rows_synced, error, metadata
		 FROM catalog_sync.sync_log ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: list")
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		var e SyncEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Source, &e.Status, &e.StartedAt, &e.CompletedAt, &e.RowsSynced, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "synclog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListAll returns all sync log entries ordered by most recent first.
func (s *SyncLog) ListAll(ctx context.Context) ([]SyncEntry, error) {
	return s.ListRecent(ctx, 0)
}
