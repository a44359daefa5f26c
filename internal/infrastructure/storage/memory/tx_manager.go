package memory

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"viewsync/internal/core/tx"
	"viewsync/pkg/logger"
)

var tracer = otel.Tracer("viewsync/tx")

var _ tx.Manager = (*TxManager)(nil)

// ErrCommitFailed is returned when a commit hook rejects the transaction.
var ErrCommitFailed = errors.New("memory: commit failed")

type txKey struct{}

// Tx is an open in-memory transaction.
type Tx struct {
	syncs tx.Synchronizations
}

func txFrom(ctx context.Context) *Tx {
	t, _ := ctx.Value(txKey{}).(*Tx)
	return t
}

// TxManager runs functions against a Store snapshot: a failing function
// restores the snapshot.
type TxManager struct {
	store *Store
	// BeforeCommit, when set, may fail the commit. Tests use it to force a
	// rollback after the flush succeeded.
	BeforeCommit func(ctx context.Context) error
}

// NewTxManager creates a transaction manager for s.
func NewTxManager(s *Store) *TxManager {
	return &TxManager{store: s}
}

// RunInTransaction implements tx.Manager. Nested calls join the open
// transaction.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	ctx, span := tracer.Start(ctx, "transaction", trace.WithAttributes(attribute.String("tx.store", "memory")))
	defer span.End()

	snap, err := m.store.snapshot()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	t := &Tx{}
	txCtx := context.WithValue(ctx, txKey{}, t)

	if err := fn(txCtx); err != nil {
		m.store.restore(snap)
		t.syncs.Fire(ctx, tx.StatusRolledBack)
		return err
	}
	if m.BeforeCommit != nil {
		if err := m.BeforeCommit(txCtx); err != nil {
			m.store.restore(snap)
			t.syncs.Fire(ctx, tx.StatusRolledBack)
			logger.Warn(ctx, "commit rejected", "error", err)
			return fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
	}
	t.syncs.Fire(ctx, tx.StatusCommitted)
	return nil
}
