package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/pkg/scryfall"
)

// flushTimeout bounds the final write of a cancelled run.
const flushTimeout = 30 * time.Second

// Summary describes one run.
type Summary struct {
	Expansions      ExpansionStats `json:"expansions"`
	CardsSeen       int            `json:"cards_seen"`
	CardsNormalized int            `json:"cards_normalized"`
	ParseErrors     int            `json:"parse_errors"`
	Skipped         map[string]int `json:"skipped"`
	Batches         BatchStats     `json:"batches"`
	Duration        time.Duration  `json:"duration"`
}

// Metadata flattens the summary for the run log.
func (s *Summary) Metadata() map[string]any {
	skipped := make(map[string]any, len(s.Skipped))
	for k, v := range s.Skipped {
		skipped[k] = v
	}
	return map[string]any{
		"expansions_created":   s.Expansions.Created,
		"expansions_recovered": s.Expansions.Recovered,
		"expansions_failed":    s.Expansions.Failed,
		"cards_seen":           s.CardsSeen,
		"cards_normalized":     s.CardsNormalized,
		"parse_errors":         s.ParseErrors,
		"skipped":              skipped,
		"batches":              s.Batches.Batches,
		"batches_failed":       s.Batches.BatchesFailed,
		"rows_written":         s.Batches.RowsWritten,
		"deduplicated":         s.Batches.Deduplicated,
		"duration_ms":          s.Duration.Milliseconds(),
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNormalizer replaces the default Normalizer.
func WithNormalizer(n *Normalizer) EngineOption {
	return func(e *Engine) {
		e.normalizer = n
	}
}

// WithExpansionIDs replaces the id generator for new expansions.
func WithExpansionIDs(fn func() string) EngineOption {
	return func(e *Engine) {
		e.newExpansionID = fn
	}
}

// WithBatcherOptions passes options to the run's Batcher.
func WithBatcherOptions(opts ...BatcherOption) EngineOption {
	return func(e *Engine) {
		e.batchOpts = append(e.batchOpts, opts...)
	}
}

// Engine runs the sync: expansions first, then every card in feed order.
type Engine struct {
	store          Store
	feed           Feed
	normalizer     *Normalizer
	newExpansionID func() string
	batchOpts      []BatcherOption
}

// NewEngine creates an Engine.
func NewEngine(store Store, feed Feed, opts ...EngineOption) *Engine {
	e := &Engine{
		store:          store,
		feed:           feed,
		normalizer:     NewNormalizer(),
		newExpansionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs one sync. The summary is returned even when the run fails.
// Failed batches do not stop the run; they surface as a *BatchWriteError once
// the feed is drained.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	log := zap.L().With(zap.String("component", "catalog.engine"))
	start := time.Now()
	sum := &Summary{Skipped: make(map[string]int)}
	defer func() { sum.Duration = time.Since(start) }()

	expansions, estats, err := buildExpansionMap(ctx, e.store, e.feed, e.newExpansionID)
	sum.Expansions = estats
	if err != nil {
		return sum, err
	}

	stream, err := e.feed.StreamCards(ctx)
	if err != nil {
		log.Error("feed fetch failed", zap.String("op", "stream cards"), zap.Error(err))
		return sum, &FetchError{Op: "stream cards", Err: err}
	}

	batcher := NewBatcher(e.store, e.batchOpts...)
	runErr := e.consume(ctx, log, stream, expansions, batcher, sum)

	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
	}
	if err := batcher.Flush(flushCtx); err != nil && runErr == nil {
		runErr = err
	}
	sum.Batches = batcher.Stats()

	if sum.CardsSeen == 0 && runErr == nil {
		log.Warn("feed returned zero cards")
	}

	log.Info("catalog sync finished",
		zap.Int("cards_seen", sum.CardsSeen),
		zap.Int("cards_normalized", sum.CardsNormalized),
		zap.Int("parse_errors", sum.ParseErrors),
		zap.Any("skipped", sum.Skipped),
		zap.Int("batches", sum.Batches.Batches),
		zap.Int("batches_failed", sum.Batches.BatchesFailed),
		zap.Int("rows_written", sum.Batches.RowsWritten),
		zap.Duration("elapsed", time.Since(start)),
	)

	if runErr != nil {
		return sum, runErr
	}
	if err := batcher.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (e *Engine) consume(
	ctx context.Context,
	log *zap.Logger,
	stream <-chan scryfall.CardResult,
	expansions ExpansionMap,
	batcher *Batcher,
	sum *Summary,
) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			res scryfall.CardResult
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok = <-stream:
		}
		if !ok {
			return nil
		}

		if res.Err != nil {
			var rde *scryfall.RecordDecodeError
			if errors.As(res.Err, &rde) {
				sum.CardsSeen++
				sum.ParseErrors++
				log.Warn("skipping undecodable card", zap.Int("ordinal", res.Ordinal), zap.Error(res.Err))
				continue
			}
			log.Error("feed fetch failed", zap.String("op", "stream cards"), zap.Int("ordinal", res.Ordinal), zap.Error(res.Err))
			return &FetchError{Op: "stream cards", Err: res.Err}
		}
		sum.CardsSeen++

		row, reason, err := e.normalizer.Normalize(res.Card, expansions)
		if err != nil {
			sum.ParseErrors++
			log.Warn("skipping unparseable card", zap.Int("ordinal", res.Ordinal), zap.Error(err))
			continue
		}
		if reason != SkipNone {
			sum.Skipped[reason.String()]++
			continue
		}

		sum.CardsNormalized++
		if err := batcher.Add(ctx, res.Ordinal, row); err != nil {
			return err
		}
	}
}
