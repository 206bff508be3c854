package catalog

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/pkg/scryfall"
)

// Feed is the read side of the catalog source.
type Feed interface {
	ListSets(ctx context.Context) ([]scryfall.Set, error)
	StreamCards(ctx context.Context) (<-chan scryfall.CardResult, error)
}

// ExpansionStats counts what the expansion phase did.
type ExpansionStats struct {
	Preloaded      int `json:"preloaded"`
	Listed         int `json:"listed"`
	DigitalSkipped int `json:"digital_skipped"`
	Created        int `json:"created"`
	Recovered      int `json:"recovered"`
	Failed         int `json:"failed"`
}

// BuildExpansionMap resolves every non-digital feed set to a local expansion
// id, inserting the ones the store does not have yet.
func BuildExpansionMap(ctx context.Context, store Store, feed Feed) (ExpansionMap, ExpansionStats, error) {
	return buildExpansionMap(ctx, store, feed, uuid.NewString)
}

func buildExpansionMap(ctx context.Context, store Store, feed Feed, newID func() string) (ExpansionMap, ExpansionStats, error) {
	log := zap.L().With(zap.String("component", "catalog.expansions"))
	var stats ExpansionStats

	expansions, err := store.PreloadExpansions(ctx)
	if err != nil {
		return nil, stats, err
	}
	if expansions == nil {
		expansions = make(ExpansionMap)
	}
	stats.Preloaded = len(expansions)

	sets, err := feed.ListSets(ctx)
	if err != nil {
		log.Error("feed fetch failed", zap.String("op", "list sets"), zap.Error(err))
		return nil, stats, &FetchError{Op: "list sets", Err: err}
	}
	stats.Listed = len(sets)
	if len(sets) == 0 {
		log.Warn("feed returned zero sets")
	}

	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			return nil, stats, eris.Wrap(err, "catalog: build expansion map")
		}
		if set.Digital {
			stats.DigitalSkipped++
			continue
		}
		if _, ok := expansions[set.Code]; ok {
			continue
		}

		exp := Expansion{ID: newID(), ExternalID: set.ID, Name: set.Name, Code: set.Code}
		inserted, err := store.InsertExpansion(ctx, exp)
		if err != nil {
			stats.Failed++
			log.Warn("expansion insert failed; its cards will be skipped",
				zap.String("code", set.Code), zap.Error(err))
			continue
		}
		if inserted {
			stats.Created++
			expansions[set.Code] = exp.ID
			log.Debug("expansion created", zap.String("code", set.Code), zap.String("id", exp.ID))
			continue
		}

		log.Info("expansion already inserted by another writer; re-reading", zap.String("code", set.Code))
		id, found, err := store.ExpansionIDByCode(ctx, set.Code)
		if err != nil || !found {
			stats.Failed++
			log.Warn("expansion re-read failed; its cards will be skipped",
				zap.String("code", set.Code), zap.Bool("found", found), zap.Error(err))
			continue
		}
		stats.Recovered++
		expansions[set.Code] = id
	}

	log.Info("expansion map ready",
		zap.Int("size", len(expansions)),
		zap.Int("preloaded", stats.Preloaded),
		zap.Int("created", stats.Created),
		zap.Int("recovered", stats.Recovered),
		zap.Int("failed", stats.Failed),
		zap.Int("digital_skipped", stats.DigitalSkipped),
	)
	return expansions, stats, nil
}
