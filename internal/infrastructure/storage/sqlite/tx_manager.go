package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"viewsync/internal/core/tx"
	"viewsync/internal/infrastructure/storage/sqlstore"
	"viewsync/internal/metadata"
	"viewsync/pkg/logger"
)

var tracer = otel.Tracer("viewsync/tx")

var _ tx.Manager = (*TxManager)(nil)

type txKey struct{}

// Tx is an open database transaction and its completion callbacks.
type Tx struct {
	*sql.Tx
	syncs tx.Synchronizations
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	sqlscan.Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TxManager runs functions in SQLite transactions. Nested calls join the
// open transaction.
type TxManager struct {
	db *sql.DB
}

// NewTxManager creates a transaction manager for db.
func NewTxManager(db *sql.DB) *TxManager {
	return &TxManager{db: db}
}

// RunInTransaction implements tx.Manager.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.GetTx(ctx) != nil {
		return fn(ctx)
	}
	ctx, span := tracer.Start(ctx, "transaction", trace.WithAttributes(attribute.String("tx.store", "sqlite")))
	defer span.End()

	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	t := &Tx{Tx: sqlTx}
	txCtx := context.WithValue(ctx, txKey{}, t)

	if err := fn(txCtx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logger.Error(ctx, "rollback failed", "error", rbErr, "original_error", err)
		}
		t.syncs.Fire(ctx, tx.StatusRolledBack)
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		t.syncs.Fire(ctx, tx.StatusRolledBack)
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.syncs.Fire(ctx, tx.StatusCommitted)
	return nil
}

// GetTx returns the current transaction from context, or nil if none.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	t, _ := ctx.Value(txKey{}).(*Tx)
	return t
}

// GetQuerier returns the open transaction or the database.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t.Tx
	}
	return m.db
}

// IsTransactionActive reports whether ctx carries a transaction of m.
func (m *TxManager) IsTransactionActive(ctx context.Context) bool {
	return m.GetTx(ctx) != nil
}

// RegisterCompletionCallback adds s to the transaction in ctx.
func (m *TxManager) RegisterCompletionCallback(ctx context.Context, s tx.Synchronization) error {
	t := m.GetTx(ctx)
	if t == nil {
		return fmt.Errorf("register completion callback: no active transaction")
	}
	t.syncs.Register(s)
	return nil
}

// NewStore returns the persistence context of the engine for SQLite.
func NewStore(mm *metadata.Metamodel, txm *TxManager, cacheSize int) (*sqlstore.Store, error) {
	return sqlstore.New(mm, sqlstore.SQLite, conn{txm: txm}, txm, cacheSize)
}

type conn struct {
	txm *TxManager
}

func (c conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.txm.GetQuerier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c conn) Select(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var rows []map[string]any
	if err := sqlscan.Select(ctx, c.txm.GetQuerier(ctx), &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c conn) ExecBatch(ctx context.Context, stmts []sqlstore.Stmt) error {
	q := c.txm.GetQuerier(ctx)
	for i, s := range stmts {
		if _, err := q.ExecContext(ctx, s.SQL, s.Args...); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}
