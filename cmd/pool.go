package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/config"
)

// openPool validates cfg for mode and connects to Postgres.
func openPool(ctx context.Context, mode string) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, eris.New("config not loaded")
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return connect(ctx, cfg.Store)
}

func connect(ctx context.Context, sc config.StoreConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(sc.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse database url")
	}
	if sc.MaxConns > 0 {
		pcfg.MaxConns = sc.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping database")
	}

	zap.L().Debug("connected to database", zap.Int32("max_conns", pcfg.MaxConns))
	return pool, nil
}
