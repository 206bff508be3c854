package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/catalogsync"
	"github.com/sells-group/catalog-sync/internal/catalogsync/catalog"
	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/monitoring"
)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Start(ctx context.Context, source string) (int64, error) {
	args := m.Called(ctx, source)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRecorder) Complete(ctx context.Context, runID int64, result *catalogsync.SyncResult) error {
	return m.Called(ctx, runID, result).Error(0)
}

func (m *mockRecorder) Fail(ctx context.Context, runID int64, errMsg string, result *catalogsync.SyncResult) error {
	return m.Called(ctx, runID, errMsg, result).Error(0)
}

type stubEngine struct {
	sum   *catalog.Summary
	err   error
	calls atomic.Int32
}

func (s *stubEngine) Run(_ context.Context) (*catalog.Summary, error) {
	s.calls.Add(1)
	return s.sum, s.err
}

func summaryWithRows(rows int) *catalog.Summary {
	return &catalog.Summary{
		CardsSeen:       rows,
		CardsNormalized: rows,
		Skipped:         map[string]int{},
		Batches:         catalog.BatchStats{Batches: 1, RowsWritten: rows},
	}
}

func TestSyncRunner_Success(t *testing.T) {
	rec := new(mockRecorder)
	rec.On("Start", mock.Anything, "scryfall:default_cards").Return(int64(42), nil)
	rec.On("Complete", mock.Anything, int64(42), mock.MatchedBy(func(r *catalogsync.SyncResult) bool {
		return r.RowsSynced == 3 && r.Metadata["cards_seen"] == 3
	})).Return(nil)

	r := &syncRunner{
		source:   "scryfall:default_cards",
		recorder: rec,
		engine:   &stubEngine{sum: summaryWithRows(3)},
		alerter:  monitoring.NewAlerter(config.MonitoringConfig{}),
	}

	sum, err := r.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Batches.RowsWritten)
	rec.AssertExpectations(t)
	rec.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncRunner_FailedBatchesFailRunAndAlert(t *testing.T) {
	var alerts atomic.Int32
	var alertType atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a monitoring.Alert
		_ = json.NewDecoder(r.Body).Decode(&a)
		alertType.Store(string(a.Type))
		alerts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	batchErr := &catalog.BatchWriteError{Failed: []catalog.FailedBatch{{
		Index: 1, FirstOrdinal: 201, LastOrdinal: 400,
		FirstExternalID: "a", LastExternalID: "b",
		Err: errors.New("deadlock detected"),
	}}}

	rec := new(mockRecorder)
	rec.On("Start", mock.Anything, "scryfall:default_cards").Return(int64(7), nil)
	rec.On("Fail", mock.Anything, int64(7), batchErr.Error(), mock.Anything).Return(nil)

	r := &syncRunner{
		source:   "scryfall:default_cards",
		recorder: rec,
		engine:   &stubEngine{sum: summaryWithRows(200), err: batchErr},
		alerter:  monitoring.NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL}),
	}

	sum, err := r.run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, batchErr)
	require.NotNil(t, sum)
	assert.Equal(t, int32(1), alerts.Load())
	assert.Equal(t, string(monitoring.AlertBatchFailure), alertType.Load())
	rec.AssertExpectations(t)
}

func TestSyncRunner_StartFails(t *testing.T) {
	rec := new(mockRecorder)
	rec.On("Start", mock.Anything, "src").Return(int64(0), errors.New("relation does not exist"))

	eng := &stubEngine{}
	r := &syncRunner{source: "src", recorder: rec, engine: eng}

	_, err := r.run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(0), eng.calls.Load())
}

func TestSyncRunner_LogWriteFailureKeepsRunResult(t *testing.T) {
	rec := new(mockRecorder)
	rec.On("Start", mock.Anything, "src").Return(int64(1), nil)
	rec.On("Complete", mock.Anything, int64(1), mock.Anything).Return(errors.New("conn closed"))

	r := &syncRunner{source: "src", recorder: rec, engine: &stubEngine{sum: summaryWithRows(1)}}

	_, err := r.run(context.Background())
	assert.NoError(t, err)
}

func TestSyncRunner_CancelledRunStillRecorded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := new(mockRecorder)
	rec.On("Start", mock.Anything, "src").Return(int64(5), nil)
	rec.On("Fail", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }),
		int64(5), context.Canceled.Error(), mock.Anything).Return(nil)

	r := &syncRunner{source: "src", recorder: rec, engine: &stubEngine{sum: summaryWithRows(0), err: context.Canceled}}

	_, err := r.run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	rec.AssertExpectations(t)
}

func TestFeedSource(t *testing.T) {
	assert.Equal(t, "scryfall:all_cards", feedSource(config.FeedConfig{BulkType: "all_cards"}))
}

func TestNewFeed_UsesConfiguredBaseURL(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/sets", r.URL.Path)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"s1","code":"abc","name":"Alpha","digital":false}],"has_more":false}`))
	}))
	defer ts.Close()

	feed := newFeed(config.FeedConfig{
		BaseURL:     ts.URL,
		BulkType:    "default_cards",
		UserAgent:   "test-agent",
		TimeoutSecs: 5,
		RateLimit:   50,
	})

	sets, err := feed.ListSets(context.Background())
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "abc", sets[0].Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewSyncRunner_WiresJournal(t *testing.T) {
	c := &config.Config{
		Feed: config.FeedConfig{BaseURL: "http://127.0.0.1:1", BulkType: "default_cards"},
		Sync: config.SyncConfig{BatchSize: 200, BatchAttempts: 2, JournalPath: t.TempDir() + "/journal.db"},
	}

	r, closeFn, err := newSyncRunner(context.Background(), nil, c)
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, "scryfall:default_cards", r.source)
	assert.NotNil(t, r.engine)
	assert.NotNil(t, r.alerter)
}
