package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"viewsync/internal/config"
	"viewsync/internal/core/tx"
	"viewsync/internal/domain/receipt"
	"viewsync/internal/infrastructure/storage/memory"
	"viewsync/internal/infrastructure/storage/postgres"
	"viewsync/internal/infrastructure/storage/sqlite"
	"viewsync/internal/persistence"
	"viewsync/pkg/logger"
	"viewsync/pkg/numerator"
)

// backend is an opened store with its transaction manager and the sequence
// used for receipt numbers.
type backend struct {
	pc    persistence.Context
	txm   tx.Manager
	seq   numerator.Sequence
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config, m *receipt.Model, log *logger.Logger) (*backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return openSQLite(ctx, cfg, m, log)
	case config.StorePostgres:
		return openPostgres(ctx, cfg, m, log)
	default:
		store := memory.New(m.Metamodel)
		log.Infow("using in-memory store")
		return &backend{
			pc:    store,
			txm:   memory.NewTxManager(store),
			seq:   numerator.NewMemorySequence(),
			close: func() {},
		}, nil
	}
}

func openSQLite(ctx context.Context, cfg *config.Config, m *receipt.Model, log *logger.Logger) (*backend, error) {
	db, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.CreateSchema(ctx, db, m.Metamodel); err != nil {
		db.Close()
		return nil, err
	}
	txm := sqlite.NewTxManager(db)
	seq := sqlite.NewSequence(txm)
	if err := seq.CreateTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	store, err := sqlite.NewStore(m.Metamodel, txm, cfg.Engine.StatementCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infow("sqlite store opened", "path", cfg.SQLite.Path)
	return &backend{pc: store, txm: txm, seq: seq, close: func() { db.Close() }}, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, m *receipt.Model, log *logger.Logger) (*backend, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.Postgres.DSN)
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.Postgres.MaxConnIdleTime

	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := prometheus.Register(pool); err != nil {
		log.Warnw("pool metrics not registered", "error", err)
	}

	txm := postgres.NewTxManager(pool)
	seq := postgres.NewSequence(txm)
	err = txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := postgres.CreateSchema(ctx, txm, m.Metamodel); err != nil {
			return err
		}
		return seq.CreateTable(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}
	store, err := postgres.NewStore(m.Metamodel, txm, cfg.Engine.StatementCacheSize)
	if err != nil {
		pool.Close()
		return nil, err
	}
	pool.LogStats(ctx)
	return &backend{pc: store, txm: txm, seq: seq, close: pool.Close}, nil
}
