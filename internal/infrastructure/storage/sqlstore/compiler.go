package sqlstore

import (
	"fmt"

	"github.com/Masterminds/squirrel"
	lru "github.com/hashicorp/golang-lru"

	"viewsync/internal/core/apperror"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
)

// DefaultCacheSize bounds the number of compiled statements kept per
// compiler.
const DefaultCacheSize = 1024

// param marks a named parameter while squirrel renders a statement; the
// rendered argument list then gives the binding order.
type param string

// Query is a compiled statement: SQL text plus the parameter names in
// placeholder order.
type Query struct {
	SQL   string
	Names []string
}

// Bind resolves the named parameters of q from params.
func (q *Query) Bind(params persistence.Params) ([]any, error) {
	args := make([]any, len(q.Names))
	for i, name := range q.Names {
		v, ok := params[name]
		if !ok {
			return nil, apperror.NewInternal(fmt.Errorf("statement %q: parameter %s is not bound", q.SQL, name))
		}
		args[i] = v
	}
	return args, nil
}

// Compiler turns persistence statements into SQL for one dialect. It is
// safe for concurrent use.
type Compiler struct {
	metamodel *metadata.Metamodel
	dialect   Dialect
	cache     *lru.Cache
}

// NewCompiler creates a compiler caching up to size statements.
func NewCompiler(mm *metadata.Metamodel, d Dialect, size int) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("statement cache: %w", err)
	}
	return &Compiler{metamodel: mm, dialect: d, cache: cache}, nil
}

// Dialect returns the dialect the compiler renders for.
func (c *Compiler) Dialect() Dialect { return c.dialect }

// Compile renders stmt, reusing an earlier rendering of the same statement.
func (c *Compiler) Compile(stmt persistence.Statement) (*Query, error) {
	key := stmt.String()
	if q, ok := c.cache.Get(key); ok {
		return q.(*Query), nil
	}
	var (
		b   squirrel.Sqlizer
		err error
	)
	switch s := stmt.(type) {
	case *persistence.UpdateStatement:
		b, err = c.update(s)
	case *persistence.CollectionStatement:
		b, err = c.collection(s)
	default:
		err = apperror.NewInternal(fmt.Errorf("unsupported statement %T", stmt))
	}
	if err != nil {
		return nil, err
	}
	q, err := toQuery(b)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", key, err)
	}
	c.cache.Add(key, q)
	return q, nil
}

func toQuery(b squirrel.Sqlizer) (*Query, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	q := &Query{SQL: sql, Names: make([]string, len(args))}
	for i, a := range args {
		p, ok := a.(param)
		if !ok {
			return nil, fmt.Errorf("argument %d is not a named parameter", i)
		}
		q.Names[i] = string(p)
	}
	return q, nil
}

func (c *Compiler) entity(name string) (*metadata.EntityType, error) {
	et := c.metamodel.Entity(name)
	if et == nil {
		return nil, apperror.NewConfiguration("unknown entity %s", name)
	}
	return et, nil
}

func column(et *metadata.EntityType, path string) (string, error) {
	col := et.Column(path)
	if col == "" {
		return "", apperror.NewConfiguration("entity %s has no column for %s", et.Name, path)
	}
	return col, nil
}

func (c *Compiler) update(s *persistence.UpdateStatement) (squirrel.Sqlizer, error) {
	et, err := c.entity(s.EntityName)
	if err != nil {
		return nil, err
	}
	if s.IsEmpty() {
		return nil, apperror.NewInternal(fmt.Errorf("empty update of %s", et.Name))
	}
	q := c.dialect.Builder().Update(et.Table)
	for _, a := range s.Assignments {
		col, err := column(et, a.Path)
		if err != nil {
			return nil, err
		}
		q = q.Set(col, param(a.Param))
	}
	idCol, err := column(et, s.IDPath)
	if err != nil {
		return nil, err
	}
	q = q.Where(squirrel.Eq{idCol: param(persistence.ParamID)})
	if s.VersionPath != "" {
		vCol, err := column(et, s.VersionPath)
		if err != nil {
			return nil, err
		}
		q = q.Where(squirrel.Eq{vCol: param(persistence.ParamVersion)})
	}
	return q, nil
}

func (c *Compiler) joinTable(s *persistence.CollectionStatement) (*metadata.JoinTable, error) {
	et, err := c.entity(s.EntityName)
	if err != nil {
		return nil, err
	}
	a := et.Attribute(s.Attribute)
	if a == nil || a.JoinTable == nil {
		return nil, apperror.NewConfiguration("entity %s attribute %s has no join table", et.Name, s.Attribute)
	}
	jt := a.JoinTable
	if s.Indexed && jt.IndexColumn == "" {
		return nil, apperror.NewConfiguration("join table %s has no index column", jt.Table)
	}
	if s.Keyed && jt.KeyColumn == "" {
		return nil, apperror.NewConfiguration("join table %s has no key column", jt.Table)
	}
	return jt, nil
}

func (c *Compiler) collection(s *persistence.CollectionStatement) (squirrel.Sqlizer, error) {
	jt, err := c.joinTable(s)
	if err != nil {
		return nil, err
	}
	b := c.dialect.Builder()
	owner := squirrel.Eq{jt.OwnerColumn: param(persistence.ParamOwner)}

	switch s.Op {
	case persistence.OpInsert:
		cols := []string{jt.OwnerColumn}
		vals := []any{param(persistence.ParamOwner)}
		switch {
		case s.Indexed:
			cols = append(cols, jt.IndexColumn)
			vals = append(vals, param(persistence.ParamIndex))
		case s.Keyed:
			cols = append(cols, jt.KeyColumn)
			vals = append(vals, param(persistence.ParamKey))
		}
		cols = append(cols, jt.ElementColumn)
		vals = append(vals, param(persistence.ParamElement))
		return b.Insert(jt.Table).Columns(cols...).Values(vals...), nil
	case persistence.OpDeleteElement:
		return b.Delete(jt.Table).Where(owner).
			Where(squirrel.Eq{jt.ElementColumn: param(persistence.ParamElement)}), nil
	case persistence.OpDeleteIndex:
		return b.Delete(jt.Table).Where(owner).
			Where(squirrel.Eq{jt.IndexColumn: param(persistence.ParamIndex)}), nil
	case persistence.OpDeleteKey:
		return b.Delete(jt.Table).Where(owner).
			Where(squirrel.Eq{jt.KeyColumn: param(persistence.ParamKey)}), nil
	case persistence.OpUpdateIndex:
		return b.Update(jt.Table).Set(jt.ElementColumn, param(persistence.ParamElement)).
			Where(owner).Where(squirrel.Eq{jt.IndexColumn: param(persistence.ParamIndex)}), nil
	case persistence.OpUpdateKey:
		return b.Update(jt.Table).Set(jt.ElementColumn, param(persistence.ParamElement)).
			Where(owner).Where(squirrel.Eq{jt.KeyColumn: param(persistence.ParamKey)}), nil
	case persistence.OpShiftIndex:
		return b.Update(jt.Table).
			Set(jt.IndexColumn, squirrel.Expr(jt.IndexColumn+" + ?", param(persistence.ParamDelta))).
			Where(owner).Where(squirrel.GtOrEq{jt.IndexColumn: param(persistence.ParamIndex)}), nil
	case persistence.OpDeleteAll:
		return b.Delete(jt.Table).Where(owner), nil
	default:
		return nil, apperror.NewInternal(fmt.Errorf("unknown collection operation %d", s.Op))
	}
}
