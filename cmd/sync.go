package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-sync/internal/catalogsync"
	"github.com/sells-group/catalog-sync/internal/catalogsync/catalog"
	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/fetcher"
	"github.com/sells-group/catalog-sync/internal/journal"
	"github.com/sells-group/catalog-sync/internal/monitoring"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/pkg/scryfall"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one catalog sync",
	Long:  "Builds the expansion cache, streams every card from the bulk file and upserts normalized rows. Exits non-zero when the feed fails or any batch could not be written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := openPool(ctx, "sync")
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := catalogsync.Migrate(ctx, pool); err != nil {
			return err
		}

		runner, closeFn, err := newSyncRunner(ctx, pool, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		_, err = runner.run(ctx)
		return err
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// runRecorder persists the lifecycle of a run.
type runRecorder interface {
	Start(ctx context.Context, source string) (int64, error)
	Complete(ctx context.Context, runID int64, result *catalogsync.SyncResult) error
	Fail(ctx context.Context, runID int64, errMsg string, result *catalogsync.SyncResult) error
}

// catalogRunner performs one sync.
type catalogRunner interface {
	Run(ctx context.Context) (*catalog.Summary, error)
}

// syncRunner ties one engine run to the sync log and the alerter.
type syncRunner struct {
	source   string
	recorder runRecorder
	engine   catalogRunner
	alerter  *monitoring.Alerter
}

// newSyncRunner wires the feed, store, journal and alerter from config. The
// returned func closes the journal.
func newSyncRunner(ctx context.Context, pool *pgxpool.Pool, c *config.Config) (*syncRunner, func(), error) {
	j, err := journal.Open(ctx, c.Sync.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := j.Close(); err != nil {
			zap.L().Warn("close journal", zap.Error(err))
		}
	}

	feed := newFeed(c.Feed)
	store := catalog.NewPostgresStore(pool)

	retry := resilience.FromRetryConfig(c.Sync.BatchAttempts, c.Sync.InitialBackoffMs, c.Sync.MaxBackoffMs)
	retry.OnRetry = resilience.RetryLogger("catalog.batch", "upsert cards")

	engine := catalog.NewEngine(store, feed, catalog.WithBatcherOptions(
		catalog.WithBatchSize(c.Sync.BatchSize),
		catalog.WithRetry(retry),
		catalog.WithJournal(j),
	))

	return &syncRunner{
		source:   feedSource(c.Feed),
		recorder: catalogsync.NewSyncLog(pool),
		engine:   engine,
		alerter:  monitoring.NewAlerter(c.Monitoring),
	}, closeFn, nil
}

// newFeed builds the Scryfall client with per-host rate limits.
func newFeed(fc config.FeedConfig) *scryfall.Client {
	limiters := fetcher.DefaultRateLimiters()
	if fc.RateLimit > 0 {
		for host := range limiters {
			limiters[host] = rate.NewLimiter(rate.Limit(fc.RateLimit), fc.RateLimit)
		}
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    fc.UserAgent,
		Timeout:      time.Duration(fc.TimeoutSecs) * time.Second,
		RateLimiters: limiters,
	})
	return scryfall.NewClient(f,
		scryfall.WithBaseURL(fc.BaseURL),
		scryfall.WithBulkType(fc.BulkType),
	)
}

func feedSource(fc config.FeedConfig) string {
	return "scryfall:" + fc.BulkType
}

// run records the run, executes the engine and sends alerts. The run error
// is returned unchanged so the exit status reflects it.
func (r *syncRunner) run(ctx context.Context) (*catalog.Summary, error) {
	log := zap.L().With(zap.String("component", "sync"), zap.String("source", r.source))

	runID, err := r.recorder.Start(ctx, r.source)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.Int64("run_id", runID))
	log.Info("sync started")

	sum, runErr := r.engine.Run(ctx)

	result := &catalogsync.SyncResult{}
	if sum != nil {
		result.RowsSynced = int64(sum.Batches.RowsWritten)
		result.Metadata = sum.Metadata()
	}

	// The log write must land even when the run was interrupted.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if runErr != nil {
		if err := r.recorder.Fail(logCtx, runID, runErr.Error(), result); err != nil {
			log.Error("record failed run", zap.Error(err))
		}
		var batchErr *catalog.BatchWriteError
		if errors.As(runErr, &batchErr) {
			for _, fb := range batchErr.Failed {
				log.Error("batch not written", zap.String("boundary", fb.Boundary()))
			}
		}
		log.Error("sync failed", zap.Error(runErr))
	} else {
		if err := r.recorder.Complete(logCtx, runID, result); err != nil {
			log.Error("record completed run", zap.Error(err))
		}
		log.Info("sync complete", zap.Int64("rows", result.RowsSynced))
	}

	if r.alerter != nil {
		r.alerter.Notify(logCtx, monitoring.RunReport{
			Source:  r.source,
			RunID:   runID,
			Summary: sum,
			Err:     runErr,
		})
	}

	return sum, runErr
}
