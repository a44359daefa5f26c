package postgres

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"viewsync/internal/infrastructure/storage/sqlstore"
	"viewsync/internal/metadata"
)

// NewStore returns the persistence context of the engine for PostgreSQL.
// Statements run in the transaction carried by ctx, or on the pool.
func NewStore(mm *metadata.Metamodel, txm *TxManager, cacheSize int) (*sqlstore.Store, error) {
	return sqlstore.New(mm, sqlstore.Postgres, conn{txm: txm}, txm, cacheSize)
}

type conn struct {
	txm *TxManager
}

func (c conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c conn) Select(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	var rows []map[string]any
	if err := pgxscan.Select(ctx, c.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// ExecBatch sends stmts in one round trip.
func (c conn) ExecBatch(ctx context.Context, stmts []sqlstore.Stmt) error {
	b := &pgx.Batch{}
	for _, s := range stmts {
		b.Queue(s.SQL, s.Args...)
	}
	br := c.txm.GetQuerier(ctx).SendBatch(ctx, b)
	for i := range stmts {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}
