// Package sqlite runs the flush engine against an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"viewsync/internal/metadata"
)

// Open creates or opens the database at path.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// SQLite allows one writer, so the pool holds a single connection.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// CreateSchema creates the tables and join tables of mm when they do not
// exist yet.
func CreateSchema(ctx context.Context, db *sql.DB, mm *metadata.Metamodel) error {
	for _, stmt := range schema(mm) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

func schema(mm *metadata.Metamodel) []string {
	var stmts []string
	for _, et := range mm.Entities() {
		idDef := et.ID.Column + " " + affinity(et.ID.Type) + " PRIMARY KEY"
		if et.Generator == nil && affinity(et.ID.Type) == "INTEGER" {
			idDef += " AUTOINCREMENT"
		}
		cols := []string{idDef}
		if et.Version != nil {
			cols = append(cols, et.Version.Column+" INTEGER NOT NULL DEFAULT 1")
		}
		for _, l := range et.Leaves() {
			cols = append(cols, l.Column+" "+affinity(columnType(mm, l.Attr)))
		}
		stmts = append(stmts, createTable(et.Table, cols))

		for _, a := range et.Plural() {
			if a.MappedBy != "" || a.JoinTable == nil {
				continue
			}
			jt := a.JoinTable
			jcols := []string{
				jt.OwnerColumn + " " + affinity(et.ID.Type) + " NOT NULL",
			}
			switch {
			case jt.IndexColumn != "":
				jcols = append(jcols, jt.IndexColumn+" INTEGER NOT NULL")
			case jt.KeyColumn != "":
				jcols = append(jcols, jt.KeyColumn+" "+affinity(a.KeyType)+" NOT NULL")
			}
			jcols = append(jcols, jt.ElementColumn+" "+affinity(columnType(mm, a)))
			stmts = append(stmts, createTable(jt.Table, jcols))
		}
	}
	return stmts
}

func createTable(name string, cols []string) string {
	s := "CREATE TABLE IF NOT EXISTS " + name + " ("
	for i, c := range cols {
		if i > 0 {
			s += ", "
		}
		s += c
	}
	return s + ")"
}

func columnType(mm *metadata.Metamodel, a *metadata.EntityAttribute) string {
	if a.Type != "" {
		return a.Type
	}
	if t := mm.Entity(a.Target); t != nil {
		return t.ID.Type
	}
	return ""
}

func affinity(typ string) string {
	switch typ {
	case metadata.TypeInt64, metadata.TypeBool:
		return "INTEGER"
	case metadata.TypeFloat64:
		return "REAL"
	case metadata.TypeBytes:
		return "BLOB"
	case metadata.TypeTime:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
