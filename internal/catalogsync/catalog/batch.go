package catalog

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/resilience"
)

// DefaultBatchSize is the number of rows written per statement.
const DefaultBatchSize = 200

// BatchWriter writes one batch of rows in a single statement.
type BatchWriter interface {
	UpsertCards(ctx context.Context, rows []CardRow) (int64, error)
}

// Journal keeps batches that could not be written so they can be replayed.
type Journal interface {
	Record(ctx context.Context, fb FailedBatch) error
}

// BatchStats counts what the batcher did.
type BatchStats struct {
	Batches       int   `json:"batches"`
	BatchesFailed int   `json:"batches_failed"`
	RowsWritten   int   `json:"rows_written"`
	RowsFailed    int   `json:"rows_failed"`
	RowsAffected  int64 `json:"rows_affected"`
	Deduplicated  int   `json:"deduplicated"`
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithRetry sets the retry policy for a failed batch.
func WithRetry(cfg resilience.RetryConfig) BatcherOption {
	return func(b *Batcher) {
		b.retry = cfg
	}
}

// WithJournal records failed batches in j.
func WithJournal(j Journal) BatcherOption {
	return func(b *Batcher) {
		b.journal = j
	}
}

// Batcher groups rows into fixed-size windows, in arrival order, and writes
// each window with one statement. A window that still fails after retrying is
// journaled and skipped; the batcher keeps going.
type Batcher struct {
	writer  BatchWriter
	size    int
	retry   resilience.RetryConfig
	journal Journal
	log     *zap.Logger

	rows     []CardRow
	ordinals []int
	byExtID  map[string]int
	index    int

	stats  BatchStats
	failed []FailedBatch
}

// NewBatcher creates a Batcher writing through w.
func NewBatcher(w BatchWriter, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		writer: w,
		size:   DefaultBatchSize,
		retry:  resilience.DefaultRetryConfig(),
		log:    zap.L().With(zap.String("component", "catalog.batcher")),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.retry.ShouldRetry = resilience.AlwaysRetry
	b.retry.OnRetry = resilience.RetryLogger("catalog.batcher", "upsert cards")
	b.reset()
	return b
}

func (b *Batcher) reset() {
	b.rows = make([]CardRow, 0, b.size)
	b.ordinals = make([]int, 0, b.size)
	b.byExtID = make(map[string]int, b.size)
}

// Add buffers a row taken from feed position ordinal and writes the window
// once it is full. A row whose external id is already buffered replaces that
// row's prices instead of taking a new slot. The only error returned is
// context cancellation.
func (b *Batcher) Add(ctx context.Context, ordinal int, row CardRow) error {
	if i, ok := b.byExtID[row.ExternalID]; ok {
		b.rows[i].Price = row.Price
		b.rows[i].FoilPrice = row.FoilPrice
		b.stats.Deduplicated++
		return nil
	}

	b.byExtID[row.ExternalID] = len(b.rows)
	b.rows = append(b.rows, row)
	b.ordinals = append(b.ordinals, ordinal)

	if len(b.rows) >= b.size {
		return b.write(ctx)
	}
	return nil
}

// Flush writes the buffered partial window, if any.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.write(ctx)
}

// Stats returns the counters so far.
func (b *Batcher) Stats() BatchStats {
	return b.stats
}

// Err returns a *BatchWriteError listing every failed window, or nil.
func (b *Batcher) Err() error {
	if len(b.failed) == 0 {
		return nil
	}
	failed := make([]FailedBatch, len(b.failed))
	copy(failed, b.failed)
	return &BatchWriteError{Failed: failed}
}

func (b *Batcher) write(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	rows, ordinals, idx := b.rows, b.ordinals, b.index
	b.index++
	b.reset()

	var affected int64
	err := resilience.Do(ctx, b.retry, func(ctx context.Context) error {
		n, err := b.writer.UpsertCards(ctx, rows)
		affected = n
		return err
	})
	if err == nil {
		b.stats.Batches++
		b.stats.RowsWritten += len(rows)
		b.stats.RowsAffected += affected
		b.log.Debug("batch written", zap.Int("batch", idx), zap.Int("rows", len(rows)), zap.Int64("affected", affected))
		return nil
	}

	fb := FailedBatch{
		Index:           idx,
		FirstOrdinal:    ordinals[0],
		LastOrdinal:     ordinals[len(ordinals)-1],
		FirstExternalID: rows[0].ExternalID,
		LastExternalID:  rows[len(rows)-1].ExternalID,
		Rows:            rows,
		Err:             err,
	}
	b.failed = append(b.failed, fb)
	b.stats.BatchesFailed++
	b.stats.RowsFailed += len(rows)

	b.log.Error("batch write failed; continuing with next batch",
		zap.String("batch", fb.Boundary()),
		zap.Error(err),
	)

	if b.journal != nil {
		if jerr := b.journal.Record(context.WithoutCancel(ctx), fb); jerr != nil {
			b.log.Error("failed to journal batch", zap.Int("batch", idx), zap.Error(jerr))
		}
	}

	return ctx.Err()
}
