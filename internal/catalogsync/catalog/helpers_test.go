package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/pkg/scryfall"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func ptr[T any](v T) *T { return &v }

// sequentialIDs returns a generator yielding prefix-1, prefix-2, ...
func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func priceOf(t *testing.T, n pgtype.Numeric) float64 {
	t.Helper()
	f, err := n.Float64Value()
	require.NoError(t, err)
	require.True(t, f.Valid)
	return f.Float64
}

func numeric(t *testing.T, s string) pgtype.Numeric {
	t.Helper()
	var n pgtype.Numeric
	require.NoError(t, n.Scan(s))
	return n
}

// paperCard builds a tradable single-faced card.
func paperCard(id, set string, marketID int64, eur, eurFoil *string) scryfall.Card {
	return scryfall.Card{
		ID:              id,
		CardmarketID:    ptr(marketID),
		Name:            "Card " + id,
		ScryfallURI:     "https://scryfall.com/card/" + set + "/" + id,
		Set:             set,
		CollectorNumber: id,
		Prices:          scryfall.Prices{Eur: eur, EurFoil: eurFoil},
		ImageURIs:       map[string]string{"normal": "https://img/" + id + ".jpg"},
	}
}

func streamOf(cards ...scryfall.Card) <-chan scryfall.CardResult {
	ch := make(chan scryfall.CardResult, len(cards))
	for i, c := range cards {
		ch <- scryfall.CardResult{Ordinal: i, Card: c}
	}
	close(ch)
	return ch
}

func streamOfResults(results ...scryfall.CardResult) <-chan scryfall.CardResult {
	ch := make(chan scryfall.CardResult, len(results))
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return ch
}

type mockFeed struct {
	mock.Mock
}

func (m *mockFeed) ListSets(ctx context.Context) ([]scryfall.Set, error) {
	args := m.Called(ctx)
	sets, _ := args.Get(0).([]scryfall.Set)
	return sets, args.Error(1)
}

func (m *mockFeed) StreamCards(ctx context.Context) (<-chan scryfall.CardResult, error) {
	args := m.Called(ctx)
	ch, _ := args.Get(0).(<-chan scryfall.CardResult)
	return ch, args.Error(1)
}

var errDuplicateInStatement = errors.New("ON CONFLICT DO UPDATE command cannot affect row a second time")

// memStore is an in-memory Store with the conflict semantics of the real tables.
type memStore struct {
	mu sync.Mutex

	expansions map[string]Expansion // by code
	cards      map[string]CardRow   // by external id

	preloadErr error
	insertErrs map[string]error  // code -> error from InsertExpansion
	racers     map[string]string // code -> id written by a concurrent writer just before our insert
	lookupErr  error
	upsertErrs []error // consumed one per UpsertCards call

	inserts    int
	statements [][]CardRow
}

func newMemStore() *memStore {
	return &memStore{
		expansions: make(map[string]Expansion),
		cards:      make(map[string]CardRow),
		insertErrs: make(map[string]error),
		racers:     make(map[string]string),
	}
}

func (s *memStore) PreloadExpansions(_ context.Context) (ExpansionMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preloadErr != nil {
		return nil, s.preloadErr
	}
	m := make(ExpansionMap, len(s.expansions))
	for code, e := range s.expansions {
		m[code] = e.ID
	}
	return m, nil
}

func (s *memStore) InsertExpansion(_ context.Context, exp Expansion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertErrs[exp.Code]; err != nil {
		return false, err
	}
	if id, ok := s.racers[exp.Code]; ok {
		s.expansions[exp.Code] = Expansion{ID: id, ExternalID: exp.ExternalID, Name: exp.Name, Code: exp.Code}
	}
	if _, ok := s.expansions[exp.Code]; ok {
		return false, nil
	}
	s.expansions[exp.Code] = exp
	s.inserts++
	return true, nil
}

func (s *memStore) ExpansionIDByCode(_ context.Context, code string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return "", false, s.lookupErr
	}
	e, ok := s.expansions[code]
	return e.ID, ok, nil
}

func (s *memStore) UpsertCards(_ context.Context, rows []CardRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]CardRow, len(rows))
	copy(batch, rows)
	s.statements = append(s.statements, batch)

	if len(s.upsertErrs) > 0 {
		err := s.upsertErrs[0]
		s.upsertErrs = s.upsertErrs[1:]
		if err != nil {
			return 0, err
		}
	}

	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if seen[r.ExternalID] {
			return 0, errDuplicateInStatement
		}
		seen[r.ExternalID] = true
	}

	for _, r := range rows {
		if existing, ok := s.cards[r.ExternalID]; ok {
			existing.Price = r.Price
			existing.FoilPrice = r.FoilPrice
			s.cards[r.ExternalID] = existing
			continue
		}
		s.cards[r.ExternalID] = r
	}
	return int64(len(rows)), nil
}

// memJournal records failed batches.
type memJournal struct {
	batches []FailedBatch
	err     error
}

func (j *memJournal) Record(_ context.Context, fb FailedBatch) error {
	j.batches = append(j.batches, fb)
	return j.err
}
