// Package persistence defines the contract of the store the flush engine
// writes through, plus the backing-object and statement shapes it exchanges.
package persistence

import (
	"context"

	"viewsync/internal/core/tx"
	"viewsync/internal/metadata"
)

// Context is the persistence collaborator of the flush engine. Calls are
// blocking; a Context is bound to the transaction carried by ctx.
type Context interface {
	// Metamodel exposes identifiers, versions, join tables and mapped-by
	// configuration of the backing entities.
	Metamodel() *metadata.Metamodel

	// LoadByID loads basic values and join-table contents. A missing row
	// is reported as an apperror NotFound.
	LoadByID(ctx context.Context, entity string, id any) (*Entity, error)

	// Lock acquires a pessimistic row lock for the rest of the transaction.
	Lock(ctx context.Context, entity string, id any, mode metadata.LockMode) error

	// Merge inserts a new entity (assigning its id) or writes all basic
	// values and join-table contents of an existing one, checking and
	// incrementing its version.
	Merge(ctx context.Context, e *Entity) (*Entity, error)

	// Remove deletes the entity and its join-table rows.
	Remove(ctx context.Context, e *Entity) error

	// ExecuteUpdate runs a targeted statement and returns the affected rows.
	ExecuteUpdate(ctx context.Context, stmt Statement, params Params) (int64, error)

	// IsTransactionActive reports whether ctx carries an open transaction.
	IsTransactionActive(ctx context.Context) bool

	// RegisterCompletionCallback adds s to the transaction in ctx.
	RegisterCompletionCallback(ctx context.Context, s tx.Synchronization) error
}

// Params binds named statement parameters.
type Params map[string]any
