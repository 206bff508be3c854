// Package journal keeps card batches that could not be written in a local
// SQLite file so they can be inspected and replayed.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-sync/internal/catalogsync/catalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS failed_batches (
	id                TEXT PRIMARY KEY,
	batch_index       INTEGER NOT NULL,
	first_ordinal     INTEGER NOT NULL,
	last_ordinal      INTEGER NOT NULL,
	first_external_id TEXT NOT NULL,
	last_external_id  TEXT NOT NULL,
	row_count         INTEGER NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	rows              TEXT NOT NULL,
	recorded_at       TEXT NOT NULL,
	replay_attempts   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_failed_batches_recorded_at ON failed_batches(recorded_at);
`

// Entry is a journaled batch without its rows.
type Entry struct {
	ID              string    `json:"id" yaml:"id"`
	BatchIndex      int       `json:"batch_index" yaml:"batch_index"`
	FirstOrdinal    int       `json:"first_ordinal" yaml:"first_ordinal"`
	LastOrdinal     int       `json:"last_ordinal" yaml:"last_ordinal"`
	FirstExternalID string    `json:"first_external_id" yaml:"first_external_id"`
	LastExternalID  string    `json:"last_external_id" yaml:"last_external_id"`
	RowCount        int       `json:"row_count" yaml:"row_count"`
	Error           string    `json:"error" yaml:"error"`
	RecordedAt      time.Time `json:"recorded_at" yaml:"recorded_at"`
	ReplayAttempts  int       `json:"replay_attempts" yaml:"replay_attempts"`
}

// ReplayResult counts the outcome of Replay.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Rows     int `json:"rows"`
}

// Journal is a SQLite-backed failed-batch store. It implements catalog.Journal.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal at path and configures WAL mode.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "journal: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "journal: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "journal: migrate")
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record implements catalog.Journal.
func (j *Journal) Record(ctx context.Context, fb catalog.FailedBatch) error {
	rowsJSON, err := json.Marshal(fb.Rows)
	if err != nil {
		return eris.Wrap(err, "journal: marshal rows")
	}
	errMsg := ""
	if fb.Err != nil {
		errMsg = fb.Err.Error()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO failed_batches
		 (id, batch_index, first_ordinal, last_ordinal, first_external_id, last_external_id, row_count, error, rows, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), fb.Index, fb.FirstOrdinal, fb.LastOrdinal, fb.FirstExternalID, fb.LastExternalID,
		len(fb.Rows), errMsg, string(rowsJSON), j.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return eris.Wrapf(err, "journal: record batch %d", fb.Index)
	}
	return nil
}

// List returns every journaled batch, oldest first.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, batch_index, first_ordinal, last_ordinal, first_external_id, last_external_id,
		        row_count, error, recorded_at, replay_attempts
		 FROM failed_batches ORDER BY recorded_at, batch_index`)
	if err != nil {
		return nil, eris.Wrap(err, "journal: list")
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		var recordedAt string
		if err := rows.Scan(&e.ID, &e.BatchIndex, &e.FirstOrdinal, &e.LastOrdinal, &e.FirstExternalID,
			&e.LastExternalID, &e.RowCount, &e.Error, &recordedAt, &e.ReplayAttempts); err != nil {
			return nil, eris.Wrap(err, "journal: scan entry")
		}
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, eris.Wrapf(err, "journal: parse recorded_at of %s", e.ID)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "journal: iterate entries")
}

// Rows returns the card rows of one journaled batch.
func (j *Journal) Rows(ctx context.Context, id string) ([]catalog.CardRow, error) {
	var rowsJSON string
	err := j.db.QueryRowContext(ctx, `SELECT rows FROM failed_batches WHERE id = ?`, id).Scan(&rowsJSON)
	if err != nil {
		return nil, eris.Wrapf(err, "journal: load batch %s", id)
	}
	var out []catalog.CardRow
	if err := json.Unmarshal([]byte(rowsJSON), &out); err != nil {
		return nil, eris.Wrapf(err, "journal: decode rows of %s", id)
	}
	return out, nil
}

// Delete removes a journaled batch.
func (j *Journal) Delete(ctx context.Context, id string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM failed_batches WHERE id = ?`, id); err != nil {
		return eris.Wrapf(err, "journal: delete batch %s", id)
	}
	return nil
}

// Replay writes every journaled batch through w, oldest first. Batches that
// succeed are removed; batches that fail again stay with their attempt count
// and error updated.
func (j *Journal) Replay(ctx context.Context, w catalog.BatchWriter) (ReplayResult, error) {
	log := zap.L().With(zap.String("component", "journal.replay"))
	var res ReplayResult

	entries, err := j.List(ctx)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "journal: replay")
		}

		rows, err := j.Rows(ctx, e.ID)
		if err != nil {
			return res, err
		}

		if _, werr := w.UpsertCards(ctx, rows); werr != nil {
			res.Failed++
			log.Warn("replay failed", zap.String("id", e.ID), zap.Int("batch", e.BatchIndex), zap.Error(werr))
			if _, err := j.db.ExecContext(ctx,
				`UPDATE failed_batches SET replay_attempts = replay_attempts + 1, error = ? WHERE id = ?`,
				werr.Error(), e.ID,
			); err != nil {
				return res, eris.Wrapf(err, "journal: update batch %s", e.ID)
			}
			continue
		}

		if err := j.Delete(ctx, e.ID); err != nil {
			return res, err
		}
		res.Replayed++
		res.Rows += len(rows)
		log.Info("batch replayed", zap.String("id", e.ID), zap.Int("batch", e.BatchIndex), zap.Int("rows", len(rows)))
	}

	return res, nil
}
