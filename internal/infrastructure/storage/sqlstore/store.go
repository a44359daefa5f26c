package sqlstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/squirrel"

	"viewsync/internal/core/apperror"
	"viewsync/internal/core/tx"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/pkg/logger"
)

// Stmt is a rendered statement with positional arguments.
type Stmt struct {
	SQL  string
	Args []any
}

// Conn executes SQL inside the transaction carried by ctx, or directly
// when there is none.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Select returns every row as a column-name keyed map.
	Select(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	// ExecBatch runs statements in order, stopping at the first error.
	ExecBatch(ctx context.Context, stmts []Stmt) error
}

// Transactions exposes the transaction bound to a context.
type Transactions interface {
	IsTransactionActive(ctx context.Context) bool
	RegisterCompletionCallback(ctx context.Context, s tx.Synchronization) error
}

var _ persistence.Context = (*Store)(nil)

// Store implements persistence.Context over a SQL connection.
type Store struct {
	metamodel *metadata.Metamodel
	compiler  *Compiler
	conn      Conn
	txs       Transactions
}

// New creates a store. cacheSize bounds the compiled statement cache.
func New(mm *metadata.Metamodel, d Dialect, conn Conn, txs Transactions, cacheSize int) (*Store, error) {
	c, err := NewCompiler(mm, d, cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{metamodel: mm, compiler: c, conn: conn, txs: txs}, nil
}

// Metamodel implements persistence.Context.
func (s *Store) Metamodel() *metadata.Metamodel { return s.metamodel }

// Compiler returns the statement compiler.
func (s *Store) Compiler() *Compiler { return s.compiler }

// SupportsCollectionStatements reports that join-table statements are
// executed natively.
func (s *Store) SupportsCollectionStatements() bool { return true }

// IsTransactionActive implements persistence.Context.
func (s *Store) IsTransactionActive(ctx context.Context) bool {
	return s.txs.IsTransactionActive(ctx)
}

// RegisterCompletionCallback implements persistence.Context.
func (s *Store) RegisterCompletionCallback(ctx context.Context, sync tx.Synchronization) error {
	return s.txs.RegisterCompletionCallback(ctx, sync)
}

func (s *Store) builder() squirrel.StatementBuilderType {
	return s.compiler.dialect.Builder()
}

func (s *Store) entity(name string) (*metadata.EntityType, error) {
	et := s.metamodel.Entity(name)
	if et == nil {
		return nil, apperror.NewConfiguration("unknown entity %s", name)
	}
	return et, nil
}

func (s *Store) selectRows(ctx context.Context, q squirrel.Sqlizer) ([]map[string]any, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.conn.Select(ctx, sql, args...)
}

func (s *Store) exec(ctx context.Context, op string, q squirrel.Sqlizer) (int64, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", op, err)
	}
	n, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, apperror.NewDatabase(op, err)
	}
	return n, nil
}

// LoadByID implements persistence.Context.
func (s *Store) LoadByID(ctx context.Context, entity string, id any) (*persistence.Entity, error) {
	et, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	cols := []string{et.ID.Column}
	if et.Version != nil {
		cols = append(cols, et.Version.Column)
	}
	for _, l := range et.Leaves() {
		cols = append(cols, l.Column)
	}
	rows, err := s.selectRows(ctx, s.builder().Select(cols...).From(et.Table).
		Where(squirrel.Eq{et.ID.Column: id}).Limit(1))
	if err != nil {
		return nil, apperror.NewDatabase("load "+et.Name, err)
	}
	if len(rows) == 0 {
		return nil, apperror.NewNotFound(et.Name, id)
	}
	row := rows[0]
	e := &persistence.Entity{
		Type:   et,
		ID:     normalize(et.ID.Type, row[et.ID.Column]),
		Values: make(map[string]any, len(et.Leaves())),
		Plural: make(map[string]any),
	}
	if et.Version != nil {
		e.Version = versionOf(row[et.Version.Column])
	}
	for _, l := range et.Leaves() {
		e.Values[l.Path] = normalize(valueType(s.metamodel, l.Attr), row[l.Column])
	}
	for _, a := range et.Plural() {
		p, err := s.readPlural(ctx, a, e.ID)
		if err != nil {
			return nil, err
		}
		e.Plural[a.Name] = p
	}
	return e, nil
}

func (s *Store) readPlural(ctx context.Context, a *metadata.EntityAttribute, owner any) (any, error) {
	if a.MappedBy != "" {
		target, err := s.entity(a.Target)
		if err != nil {
			return nil, err
		}
		rows, err := s.selectRows(ctx, s.builder().Select(target.ID.Column).From(target.Table).
			Where(squirrel.Eq{target.Column(a.MappedBy): owner}).OrderBy(target.ID.Column))
		if err != nil {
			return nil, apperror.NewDatabase("load "+a.Name, err)
		}
		ids := make([]any, len(rows))
		for i, r := range rows {
			ids[i] = normalize(target.ID.Type, r[target.ID.Column])
		}
		return ids, nil
	}

	jt := a.JoinTable
	elemType := valueType(s.metamodel, a)
	cols := []string{jt.ElementColumn}
	q := s.builder().Select().From(jt.Table).Where(squirrel.Eq{jt.OwnerColumn: owner})
	switch {
	case a.Kind == metadata.EntityMap:
		cols = append(cols, jt.KeyColumn)
		q = q.OrderBy(jt.KeyColumn)
	case jt.IndexColumn != "":
		cols = append(cols, jt.IndexColumn)
		q = q.OrderBy(jt.IndexColumn)
	}
	rows, err := s.selectRows(ctx, q.Columns(cols...))
	if err != nil {
		return nil, apperror.NewDatabase("load "+a.Name, err)
	}
	if a.Kind == metadata.EntityMap {
		pairs := make([]persistence.Pair, len(rows))
		for i, r := range rows {
			pairs[i] = persistence.Pair{
				Key:   normalize(a.KeyType, r[jt.KeyColumn]),
				Value: normalize(elemType, r[jt.ElementColumn]),
			}
		}
		return pairs, nil
	}
	if jt.IndexColumn != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			return versionOf(rows[i][jt.IndexColumn]) < versionOf(rows[j][jt.IndexColumn])
		})
	}
	elems := make([]any, len(rows))
	for i, r := range rows {
		elems[i] = normalize(elemType, r[jt.ElementColumn])
	}
	return elems, nil
}

// Lock implements persistence.Context.
func (s *Store) Lock(ctx context.Context, entity string, id any, mode metadata.LockMode) error {
	et, err := s.entity(entity)
	if err != nil {
		return err
	}
	suffix := s.compiler.dialect.LockSuffix(mode)
	if suffix == "" {
		logger.Debug(ctx, "row lock not needed", "entity", entity, "mode", mode.String(), "dialect", s.compiler.dialect.Name)
		return nil
	}
	rows, err := s.selectRows(ctx, s.builder().Select(et.ID.Column).From(et.Table).
		Where(squirrel.Eq{et.ID.Column: id}).Suffix(suffix))
	if err != nil {
		return apperror.NewDatabase("lock "+et.Name, err)
	}
	if len(rows) == 0 {
		return apperror.NewNotFound(et.Name, id)
	}
	return nil
}

// Merge implements persistence.Context. The returned entity is re-read
// from the database.
func (s *Store) Merge(ctx context.Context, e *persistence.Entity) (*persistence.Entity, error) {
	et, err := s.entity(e.Type.Name)
	if err != nil {
		return nil, err
	}
	var id any
	if e.New {
		id, err = s.insert(ctx, et, e)
	} else {
		id = e.ID
		err = s.update(ctx, et, e)
	}
	if err != nil {
		return nil, err
	}
	if err := s.writePlural(ctx, et, id, e.Plural); err != nil {
		return nil, err
	}
	return s.LoadByID(ctx, et.Name, id)
}

func (s *Store) values(et *metadata.EntityType, e *persistence.Entity) map[string]any {
	data := make(map[string]any, len(e.Values))
	for _, l := range et.Leaves() {
		if v, ok := e.Values[l.Path]; ok {
			data[l.Column] = v
		}
	}
	return data
}

func (s *Store) insert(ctx context.Context, et *metadata.EntityType, e *persistence.Entity) (any, error) {
	id := e.ID
	if id == nil && et.Generator != nil {
		id = et.Generator()
	}
	data := s.values(et, e)
	if id != nil {
		data[et.ID.Column] = id
	}
	if et.Version != nil {
		data[et.Version.Column] = int64(1)
	}
	q := s.builder().Insert(et.Table).SetMap(data)
	if id != nil {
		if _, err := s.exec(ctx, "insert "+et.Name, q); err != nil {
			return nil, err
		}
		return id, nil
	}
	if !s.compiler.dialect.Returning {
		return nil, apperror.NewConfiguration("entity %s needs an id generator on %s", et.Name, s.compiler.dialect.Name)
	}
	rows, err := s.selectRows(ctx, q.Suffix("RETURNING "+et.ID.Column))
	if err != nil {
		return nil, apperror.NewDatabase("insert "+et.Name, err)
	}
	if len(rows) != 1 {
		return nil, apperror.NewDatabase("insert "+et.Name, fmt.Errorf("no generated id returned"))
	}
	return normalize(et.ID.Type, rows[0][et.ID.Column]), nil
}

func (s *Store) update(ctx context.Context, et *metadata.EntityType, e *persistence.Entity) error {
	data := s.values(et, e)
	if len(data) == 0 && et.Version == nil {
		_, found, err := s.current(ctx, et, e.ID)
		if err != nil {
			return err
		}
		if !found {
			return apperror.NewNotFound(et.Name, e.ID)
		}
		return nil
	}
	q := s.builder().Update(et.Table).SetMap(data).Where(squirrel.Eq{et.ID.Column: e.ID})
	if et.Version != nil {
		q = q.Set(et.Version.Column, squirrel.Expr(et.Version.Column+" + 1")).
			Where(squirrel.Eq{et.Version.Column: e.Version})
	}
	n, err := s.exec(ctx, "update "+et.Name, q)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOrStale(ctx, et, e)
}

// missingOrStale explains why a versioned write matched no row.
func (s *Store) missingOrStale(ctx context.Context, et *metadata.EntityType, e *persistence.Entity) error {
	stored, found, err := s.current(ctx, et, e.ID)
	if err != nil {
		return err
	}
	if !found {
		return apperror.NewNotFound(et.Name, e.ID)
	}
	return apperror.NewOptimisticLock(et.Name, e.ID, nil).
		WithDetail("version", e.Version).
		WithDetail("stored_version", stored)
}

// current returns the stored version of id.
func (s *Store) current(ctx context.Context, et *metadata.EntityType, id any) (int64, bool, error) {
	cols := []string{et.ID.Column}
	if et.Version != nil {
		cols = append(cols, et.Version.Column)
	}
	rows, err := s.selectRows(ctx, s.builder().Select(cols...).From(et.Table).Where(squirrel.Eq{et.ID.Column: id}))
	if err != nil {
		return 0, false, apperror.NewDatabase("check "+et.Name, err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	if et.Version == nil {
		return 0, true, nil
	}
	return versionOf(rows[0][et.Version.Column]), true, nil
}

// writePlural replaces the join-table rows of every plural attribute
// present in plural.
func (s *Store) writePlural(ctx context.Context, et *metadata.EntityType, owner any, plural map[string]any) error {
	var stmts []Stmt
	add := func(q squirrel.Sqlizer) error {
		sql, args, err := q.ToSql()
		if err != nil {
			return err
		}
		stmts = append(stmts, Stmt{SQL: sql, Args: args})
		return nil
	}
	for _, a := range et.Plural() {
		v, ok := plural[a.Name]
		if !ok || a.MappedBy != "" {
			continue
		}
		jt := a.JoinTable
		if err := add(s.builder().Delete(jt.Table).Where(squirrel.Eq{jt.OwnerColumn: owner})); err != nil {
			return err
		}
		switch t := v.(type) {
		case []any:
			for i, el := range t {
				q := s.builder().Insert(jt.Table)
				if jt.IndexColumn != "" {
					q = q.Columns(jt.OwnerColumn, jt.IndexColumn, jt.ElementColumn).Values(owner, i, el)
				} else {
					q = q.Columns(jt.OwnerColumn, jt.ElementColumn).Values(owner, el)
				}
				if err := add(q); err != nil {
					return err
				}
			}
		case []persistence.Pair:
			for _, p := range t {
				q := s.builder().Insert(jt.Table).
					Columns(jt.OwnerColumn, jt.KeyColumn, jt.ElementColumn).Values(owner, p.Key, p.Value)
				if err := add(q); err != nil {
					return err
				}
			}
		}
	}
	if len(stmts) == 0 {
		return nil
	}
	if err := s.conn.ExecBatch(ctx, stmts); err != nil {
		return apperror.NewDatabase("write collections of "+et.Name, err)
	}
	return nil
}

// Remove implements persistence.Context. A zero version skips the version
// check.
func (s *Store) Remove(ctx context.Context, e *persistence.Entity) error {
	et, err := s.entity(e.Type.Name)
	if err != nil {
		return err
	}
	var joins []Stmt
	for _, a := range et.Plural() {
		if a.JoinTable == nil || a.MappedBy != "" {
			continue
		}
		sql, args, err := s.builder().Delete(a.JoinTable.Table).
			Where(squirrel.Eq{a.JoinTable.OwnerColumn: e.ID}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		joins = append(joins, Stmt{SQL: sql, Args: args})
	}
	if len(joins) > 0 {
		if err := s.conn.ExecBatch(ctx, joins); err != nil {
			return apperror.NewDatabase("delete collections of "+et.Name, err)
		}
	}
	q := s.builder().Delete(et.Table).Where(squirrel.Eq{et.ID.Column: e.ID})
	if et.Version != nil && e.Version != 0 {
		q = q.Where(squirrel.Eq{et.Version.Column: e.Version})
	}
	n, err := s.exec(ctx, "delete "+et.Name, q)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOrStale(ctx, et, e)
}

// ExecuteUpdate implements persistence.Context.
func (s *Store) ExecuteUpdate(ctx context.Context, stmt persistence.Statement, params persistence.Params) (int64, error) {
	q, err := s.compiler.Compile(stmt)
	if err != nil {
		return 0, err
	}
	args, err := q.Bind(params)
	if err != nil {
		return 0, err
	}
	n, err := s.conn.Exec(ctx, q.SQL, args...)
	if err != nil {
		return 0, apperror.NewDatabase("execute "+stmt.Entity(), err)
	}
	return n, nil
}
