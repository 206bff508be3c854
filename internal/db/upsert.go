package db

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for an unnest bulk upsert.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified (e.g., "catalog.cards")
	Columns      []string // all columns being inserted
	ColumnTypes  []string // array element type per column (e.g., "text", "numeric"), parallel to Columns
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// UnnestUpsert writes a whole batch in one statement:
//
//	INSERT INTO t (cols) SELECT * FROM unnest($1::type[], ...) ON CONFLICT (keys) DO UPDATE SET ...
//
// arrays holds one slice per column, all of the same length, in row order.
// The statement is a single round trip regardless of batch size.
func UnnestUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, arrays []any) (int64, error) {
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}
	if len(cfg.ColumnTypes) != len(cfg.Columns) {
		return 0, eris.Errorf("db: upsert: %d column types for %d columns", len(cfg.ColumnTypes), len(cfg.Columns))
	}
	if len(arrays) != len(cfg.Columns) {
		return 0, eris.Errorf("db: upsert: %d arrays for %d columns", len(arrays), len(cfg.Columns))
	}

	rows, err := arrayRows(cfg.Columns, arrays)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, nil
	}

	tag, err := pool.Exec(ctx, buildUnnestSQL(cfg), arrays...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: unnest into %s (%d rows)", cfg.Table, rows)
	}
	return tag.RowsAffected(), nil
}

// buildUnnestSQL renders the INSERT ... SELECT FROM unnest ... ON CONFLICT statement.
func buildUnnestSQL(cfg UpsertConfig) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	params := make([]string, len(cfg.Columns))
	for i, typ := range cfg.ColumnTypes {
		params[i] = fmt.Sprintf("$%d::%s[]", i+1, typ)
	}

	conflict := "DO NOTHING"
	if len(updateCols) > 0 {
		setClauses := make([]string, len(updateCols))
		for i, col := range updateCols {
			quoted := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted)
		}
		conflict = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT * FROM unnest(%s) ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(params, ", "),
		quoteAndJoin(cfg.ConflictKeys),
		conflict,
	)
}

// arrayRows checks that every column array is a slice of the same length and
// returns that length.
func arrayRows(columns []string, arrays []any) (int, error) {
	rows := -1
	for i, a := range arrays {
		v := reflect.ValueOf(a)
		if v.Kind() != reflect.Slice {
			return 0, eris.Errorf("db: upsert: column %s: expected slice, got %T", columns[i], a)
		}
		if rows == -1 {
			rows = v.Len()
			continue
		}
		if v.Len() != rows {
			return 0, eris.Errorf("db: upsert: column %s has %d values, want %d", columns[i], v.Len(), rows)
		}
	}
	return rows, nil
}

// sanitizeTable handles schema-qualified table names like "catalog_sync.sync_log".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
