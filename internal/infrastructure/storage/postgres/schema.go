package postgres

import (
	"context"
	"fmt"
	"strings"

	"viewsync/internal/metadata"
)

// CreateSchema creates the tables and join tables of mm when they do not
// exist yet. It runs in the transaction carried by ctx, if any.
func CreateSchema(ctx context.Context, txm *TxManager, mm *metadata.Metamodel) error {
	q := txm.GetQuerier(ctx)
	for _, stmt := range schema(mm) {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

func schema(mm *metadata.Metamodel) []string {
	var stmts []string
	for _, et := range mm.Entities() {
		idDef := et.ID.Column + " " + columnType(et.ID.Type) + " PRIMARY KEY"
		if et.Generator == nil && et.ID.Type == metadata.TypeInt64 {
			idDef = et.ID.Column + " BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
		}
		cols := []string{idDef}
		if et.Version != nil {
			cols = append(cols, et.Version.Column+" BIGINT NOT NULL DEFAULT 1")
		}
		for _, l := range et.Leaves() {
			cols = append(cols, l.Column+" "+columnType(leafType(mm, l.Attr)))
		}
		stmts = append(stmts, createTable(et.Table, cols))

		for _, a := range et.Plural() {
			if a.MappedBy != "" || a.JoinTable == nil {
				continue
			}
			jt := a.JoinTable
			jcols := []string{jt.OwnerColumn + " " + columnType(et.ID.Type) + " NOT NULL REFERENCES " + et.Table + " ON DELETE CASCADE"}
			switch {
			case jt.IndexColumn != "":
				jcols = append(jcols, jt.IndexColumn+" INTEGER NOT NULL")
			case jt.KeyColumn != "":
				jcols = append(jcols, jt.KeyColumn+" "+columnType(a.KeyType)+" NOT NULL")
			}
			jcols = append(jcols, jt.ElementColumn+" "+columnType(leafType(mm, a)))
			stmts = append(stmts, createTable(jt.Table, jcols))
		}
	}
	return stmts
}

func createTable(name string, cols []string) string {
	return "CREATE TABLE IF NOT EXISTS " + name + " (" + strings.Join(cols, ", ") + ")"
}

func leafType(mm *metadata.Metamodel, a *metadata.EntityAttribute) string {
	if a.Type != "" {
		return a.Type
	}
	if t := mm.Entity(a.Target); t != nil {
		return t.ID.Type
	}
	return ""
}

func columnType(typ string) string {
	switch typ {
	case metadata.TypeInt64:
		return "BIGINT"
	case metadata.TypeFloat64:
		return "DOUBLE PRECISION"
	case metadata.TypeBool:
		return "BOOLEAN"
	case metadata.TypeBytes:
		return "BYTEA"
	case metadata.TypeTime:
		return "TIMESTAMPTZ"
	case metadata.TypeDecimal:
		return "NUMERIC"
	case metadata.TypeUUID:
		return "UUID"
	case metadata.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}
