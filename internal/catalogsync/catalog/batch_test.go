package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	return cfg
}

func testRow(t *testing.T, externalID string, price string) CardRow {
	t.Helper()
	return CardRow{
		ID:          "id-" + externalID,
		ExternalID:  externalID,
		MarketID:    1,
		ExpansionID: "exp-lea",
		Price:       numeric(t, price),
		FoilPrice:   ZeroPrice(),
	}
}

func addRows(t *testing.T, b *Batcher, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, b.Add(context.Background(), i, testRow(t, fmt.Sprintf("c%04d", i), "1.00")))
	}
}

func TestBatcher_WindowsOfTwoHundred(t *testing.T) {
	for _, n := range []int{0, 1, 199, 200, 201, 450} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			store := newMemStore()
			b := NewBatcher(store, WithRetry(fastRetry()))

			addRows(t, b, n)
			require.NoError(t, b.Flush(context.Background()))

			wantStatements := (n + DefaultBatchSize - 1) / DefaultBatchSize
			require.Len(t, store.statements, wantStatements)
			for i, stmt := range store.statements {
				if i < wantStatements-1 {
					assert.Len(t, stmt, DefaultBatchSize)
				} else {
					assert.Len(t, stmt, n-DefaultBatchSize*(wantStatements-1))
				}
			}
			assert.Equal(t, wantStatements, b.Stats().Batches)
			assert.Equal(t, n, b.Stats().RowsWritten)
			assert.NoError(t, b.Err())
		})
	}
}

func TestBatcher_PreservesOrder(t *testing.T) {
	store := newMemStore()
	b := NewBatcher(store, WithBatchSize(3))

	addRows(t, b, 5)
	require.NoError(t, b.Flush(context.Background()))

	require.Len(t, store.statements, 2)
	assert.Equal(t, "c0000", store.statements[0][0].ExternalID)
	assert.Equal(t, "c0002", store.statements[0][2].ExternalID)
	assert.Equal(t, "c0003", store.statements[1][0].ExternalID)
	assert.Equal(t, "c0004", store.statements[1][1].ExternalID)
}

func TestBatcher_FullWindowWrittenImmediately(t *testing.T) {
	store := newMemStore()
	b := NewBatcher(store, WithBatchSize(2))

	addRows(t, b, 2)
	assert.Len(t, store.statements, 1, "written before Flush")
}

func TestBatcher_DuplicateExternalIDKeepsLatestPrice(t *testing.T) {
	store := newMemStore()
	b := NewBatcher(store)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, 0, testRow(t, "dup", "1.00")))
	require.NoError(t, b.Add(ctx, 1, testRow(t, "other", "2.00")))
	require.NoError(t, b.Add(ctx, 2, testRow(t, "dup", "3.50")))
	require.NoError(t, b.Flush(ctx))

	require.Len(t, store.statements, 1)
	require.Len(t, store.statements[0], 2)
	assert.Equal(t, "dup", store.statements[0][0].ExternalID)
	assert.InDelta(t, 3.50, priceOf(t, store.cards["dup"].Price), 0.0001)
	assert.Equal(t, 1, b.Stats().Deduplicated)
}

func TestBatcher_RetriesOnceThenSucceeds(t *testing.T) {
	store := newMemStore()
	store.upsertErrs = []error{errors.New("deadlock detected")}
	b := NewBatcher(store, WithRetry(fastRetry()))

	addRows(t, b, 3)
	require.NoError(t, b.Flush(context.Background()))

	assert.Len(t, store.statements, 2, "one failed attempt plus one retry")
	assert.Len(t, store.cards, 3)
	assert.Equal(t, 1, b.Stats().Batches)
	assert.NoError(t, b.Err())
}

func TestBatcher_FailedBatchIsJournaledAndRunContinues(t *testing.T) {
	store := newMemStore()
	boom := errors.New("numeric field overflow")
	// Second window fails both attempts.
	store.upsertErrs = []error{nil, boom, boom}
	journal := &memJournal{}
	b := NewBatcher(store, WithBatchSize(2), WithRetry(fastRetry()), WithJournal(journal))

	addRows(t, b, 5)
	require.NoError(t, b.Flush(context.Background()))

	stats := b.Stats()
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 1, stats.BatchesFailed)
	assert.Equal(t, 3, stats.RowsWritten)
	assert.Equal(t, 2, stats.RowsFailed)
	assert.Len(t, store.cards, 3)

	require.Len(t, journal.batches, 1)
	fb := journal.batches[0]
	assert.Equal(t, 1, fb.Index)
	assert.Equal(t, 2, fb.FirstOrdinal)
	assert.Equal(t, 3, fb.LastOrdinal)
	assert.Equal(t, "c0002", fb.FirstExternalID)
	assert.Equal(t, "c0003", fb.LastExternalID)
	assert.Len(t, fb.Rows, 2)

	err := b.Err()
	var bwe *BatchWriteError
	require.ErrorAs(t, err, &bwe)
	require.Len(t, bwe.Failed, 1)
	assert.Contains(t, err.Error(), "batch 1 (records 2-3, c0002..c0003, 2 rows)")
	assert.Contains(t, err.Error(), "numeric field overflow")
}

func TestBatcher_JournalErrorDoesNotStopRun(t *testing.T) {
	store := newMemStore()
	boom := errors.New("boom")
	store.upsertErrs = []error{boom, boom}
	b := NewBatcher(store, WithRetry(fastRetry()), WithJournal(&memJournal{err: errors.New("disk full")}))

	addRows(t, b, 1)
	require.NoError(t, b.Flush(context.Background()))
	assert.Error(t, b.Err())
}

func TestBatcher_CancelledContext(t *testing.T) {
	store := newMemStore()
	b := NewBatcher(store, WithBatchSize(1), WithRetry(fastRetry()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store.upsertErrs = []error{context.Canceled}
	err := b.Add(ctx, 0, testRow(t, "c1", "1.00"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, store.statements, 1, "no retry once the context is done")
}

func TestBatcher_FlushEmptyIsNoop(t *testing.T) {
	store := newMemStore()
	b := NewBatcher(store)
	require.NoError(t, b.Flush(context.Background()))
	assert.Empty(t, store.statements)
}

func TestWithBatchSize_IgnoresNonPositive(t *testing.T) {
	b := NewBatcher(newMemStore(), WithBatchSize(0))
	assert.Equal(t, DefaultBatchSize, b.size)
}
