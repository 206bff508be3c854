package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/db"
)

// Store persists expansions and cards.
type Store interface {
	// PreloadExpansions returns every stored (code, id) pair.
	PreloadExpansions(ctx context.Context) (ExpansionMap, error)
	// InsertExpansion inserts one expansion unless its code already exists.
	// inserted is false when a conflicting row was already present.
	InsertExpansion(ctx context.Context, exp Expansion) (inserted bool, err error)
	// ExpansionIDByCode looks up the id stored for code.
	ExpansionIDByCode(ctx context.Context, code string) (id string, found bool, err error)
	// UpsertCards writes rows in a single statement, updating prices of
	// existing external ids.
	UpsertCards(ctx context.Context, rows []CardRow) (int64, error)
}

// cardUpsert is the "MetaCard" unnest statement. Only prices change on conflict.
var cardUpsert = db.UpsertConfig{
	Table: "MetaCard",
	Columns: []string{
		"id", "scryfallId", "cardmarketId", "name", "scryfallUri", "reserved",
		"expansionId", "collectorsNum", "price", "foilPrice", "imageUri", "backImageUri",
	},
	ColumnTypes: []string{
		"text", "text", "int4", "text", "text", "bool",
		"text", "text", "numeric", "numeric", "text", "text",
	},
	ConflictKeys: []string{"scryfallId"},
	UpdateCols:   []string{"price", "foilPrice"},
}

// PostgresStore implements Store over a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// PreloadExpansions implements Store.
func (s *PostgresStore) PreloadExpansions(ctx context.Context) (ExpansionMap, error) {
	rows, err := s.pool.Query(ctx, `SELECT "id", "code" FROM "Expansion"`)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: preload expansions")
	}
	defer rows.Close()

	m := make(ExpansionMap)
	for rows.Next() {
		var id, code string
		if err := rows.Scan(&id, &code); err != nil {
			return nil, eris.Wrap(err, "catalog: scan expansion")
		}
		m[code] = id
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "catalog: iterate expansions")
	}
	return m, nil
}

// InsertExpansion implements Store. A unique violation is reported as a
// conflict rather than an error.
func (s *PostgresStore) InsertExpansion(ctx context.Context, exp Expansion) (bool, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO "Expansion" ("id", "scryfallId", "name", "code")
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING
		 RETURNING "id"`,
		exp.ID, exp.ExternalID, exp.Name, exp.Code,
	).Scan(&id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		return false, nil
	default:
		return false, eris.Wrapf(err, "catalog: insert expansion %s", exp.Code)
	}
}

// ExpansionIDByCode implements Store.
func (s *PostgresStore) ExpansionIDByCode(ctx context.Context, code string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT "id" FROM "Expansion" WHERE "code" = $1`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, eris.Wrapf(err, "catalog: look up expansion %s", code)
	}
	return id, true, nil
}

// UpsertCards implements Store.
func (s *PostgresStore) UpsertCards(ctx context.Context, rows []CardRow) (int64, error) {
	return db.UnnestUpsert(ctx, s.pool, cardUpsert, cardArrays(rows))
}

// cardArrays splits rows into one array per cardUpsert column, in row order.
func cardArrays(rows []CardRow) []any {
	var (
		ids         = make([]string, len(rows))
		externalIDs = make([]string, len(rows))
		marketIDs   = make([]int32, len(rows))
		names       = make([]string, len(rows))
		uris        = make([]string, len(rows))
		reserved    = make([]bool, len(rows))
		expansions  = make([]string, len(rows))
		collectors  = make([]string, len(rows))
		prices      = make([]pgtype.Numeric, len(rows))
		foilPrices  = make([]pgtype.Numeric, len(rows))
		fronts      = make([]string, len(rows))
		backs       = make([]string, len(rows))
	)
	for i, r := range rows {
		ids[i] = r.ID
		externalIDs[i] = r.ExternalID
		marketIDs[i] = r.MarketID
		names[i] = r.Name
		uris[i] = r.ReferenceURI
		reserved[i] = r.Reserved
		expansions[i] = r.ExpansionID
		collectors[i] = r.CollectorNumber
		prices[i] = r.Price
		foilPrices[i] = r.FoilPrice
		fronts[i] = r.FrontImageURI
		backs[i] = r.BackImageURI
	}
	return []any{ids, externalIDs, marketIDs, names, uris, reserved, expansions, collectors, prices, foilPrices, fronts, backs}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
