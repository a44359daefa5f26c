// Package sqlstore renders flush statements to SQL and implements the
// persistence context on top of a relational connection. Driver specific
// packages supply the connection and transaction plumbing.
package sqlstore

import (
	"github.com/Masterminds/squirrel"

	"viewsync/internal/metadata"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name        string
	Placeholder squirrel.PlaceholderFormat
	// Returning is set when INSERT ... RETURNING is available.
	Returning bool
	// RowLocks is set when SELECT ... FOR UPDATE / FOR SHARE is available.
	RowLocks bool
}

// Postgres is the PostgreSQL dialect.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: squirrel.Dollar,
	Returning:   true,
	RowLocks:    true,
}

// SQLite is the SQLite dialect. Write transactions are serialized by the
// database, so row locks are not needed.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: squirrel.Question,
	Returning:   true,
}

// Builder returns a statement builder using the dialect placeholders.
func (d Dialect) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(d.Placeholder)
}

// LockSuffix returns the SELECT suffix acquiring a row lock for mode, or ""
// when the dialect or mode needs none.
func (d Dialect) LockSuffix(mode metadata.LockMode) string {
	if !d.RowLocks {
		return ""
	}
	switch mode {
	case metadata.LockModePessimisticWrite:
		return "FOR UPDATE"
	case metadata.LockModePessimisticRead:
		return "FOR SHARE"
	default:
		return ""
	}
}
