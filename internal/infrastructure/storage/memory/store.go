// Package memory is an in-process Persistence Context. It keeps rows and
// join tables in maps, executes statements the way the SQL adapters do and
// records every statement it receives. Transactions snapshot the whole
// store and restore it on rollback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tiendc/go-deepcopy"

	"viewsync/internal/core/apperror"
	"viewsync/internal/core/tx"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
)

// joinKey and joinRow export their fields so deepcopy can clone them.
type joinKey struct {
	Entity string
	Attr   string
	Owner  any
}

type joinRow struct {
	Index   int
	Key     any
	Element any
}

type table struct {
	rows  map[any]*persistence.Entity
	order []any
}

// Store implements persistence.Context in memory.
type Store struct {
	mu         sync.Mutex
	metamodel  *metadata.Metamodel
	tables     map[string]*table
	joins      map[joinKey][]joinRow
	sequence   int64
	statements []string
	collection bool
}

// Option configures a Store.
type Option func(*Store)

// WithoutCollectionStatements makes the store reject join-table
// statements, so plural attributes are written through merges.
func WithoutCollectionStatements() Option {
	return func(s *Store) { s.collection = false }
}

// New creates an empty store for mm.
func New(mm *metadata.Metamodel, opts ...Option) *Store {
	s := &Store{
		metamodel:  mm,
		tables:     make(map[string]*table),
		joins:      make(map[joinKey][]joinRow),
		collection: true,
	}
	for _, et := range mm.Entities() {
		s.tables[et.Name] = &table{rows: make(map[any]*persistence.Entity)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ persistence.Context = (*Store)(nil)

// Metamodel implements persistence.Context.
func (s *Store) Metamodel() *metadata.Metamodel { return s.metamodel }

// SupportsCollectionStatements reports whether join-table statements are
// executed.
func (s *Store) SupportsCollectionStatements() bool { return s.collection }

// Statements returns the statements received so far.
func (s *Store) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statements...)
}

// ResetStatements clears the statement log.
func (s *Store) ResetStatements() {
	s.mu.Lock()
	s.statements = nil
	s.mu.Unlock()
}

func (s *Store) record(format string, args ...any) {
	s.statements = append(s.statements, fmt.Sprintf(format, args...))
}

func (s *Store) table(entity string) (*table, *metadata.EntityType, error) {
	et := s.metamodel.Entity(entity)
	t := s.tables[entity]
	if et == nil || t == nil {
		return nil, nil, apperror.NewConfiguration("unknown entity %s", entity)
	}
	return t, et, nil
}

// LoadByID implements persistence.Context.
func (s *Store) LoadByID(_ context.Context, entity string, id any) (*persistence.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, et, err := s.table(entity)
	if err != nil {
		return nil, err
	}
	row := t.rows[id]
	if row == nil {
		return nil, apperror.NewNotFound(entity, id)
	}
	e := row.Clone()
	for _, a := range et.Plural() {
		e.Plural[a.Name] = s.readPlural(et, a, id)
	}
	return e, nil
}

func (s *Store) readPlural(et *metadata.EntityType, a *metadata.EntityAttribute, owner any) any {
	if a.MappedBy != "" {
		var children []any
		if t := s.tables[a.Target]; t != nil {
			for _, cid := range t.order {
				if child := t.rows[cid]; child != nil && child.Values[a.MappedBy] == owner {
					children = append(children, cid)
				}
			}
		}
		return children
	}
	rows := append([]joinRow(nil), s.joins[joinKey{et.Name, a.Name, owner}]...)
	if a.Kind == metadata.EntityMap {
		pairs := make([]persistence.Pair, len(rows))
		for i, r := range rows {
			pairs[i] = persistence.Pair{Key: r.Key, Value: r.Element}
		}
		return pairs
	}
	if a.IsIndexed() {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
	}
	elems := make([]any, len(rows))
	for i, r := range rows {
		elems[i] = r.Element
	}
	return elems
}

func (s *Store) writePlural(et *metadata.EntityType, e *persistence.Entity) {
	for _, a := range et.Plural() {
		if a.MappedBy != "" {
			continue
		}
		v, ok := e.Plural[a.Name]
		if !ok {
			continue
		}
		key := joinKey{et.Name, a.Name, e.ID}
		var rows []joinRow
		switch t := v.(type) {
		case []any:
			for i, el := range t {
				rows = append(rows, joinRow{Index: i, Element: el})
			}
		case []persistence.Pair:
			for _, p := range t {
				rows = append(rows, joinRow{Key: p.Key, Element: p.Value})
			}
		}
		s.joins[key] = rows
	}
}

// Lock implements persistence.Context. Rows are not locked; the request is
// recorded.
func (s *Store) Lock(_ context.Context, entity string, id any, mode metadata.LockMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("LOCK %s %v %s", entity, id, mode)
	return nil
}

// Merge implements persistence.Context.
func (s *Store) Merge(_ context.Context, e *persistence.Entity) (*persistence.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, et, err := s.table(e.Type.Name)
	if err != nil {
		return nil, err
	}
	stored := e.Clone()
	stored.Reference = false
	if e.New {
		if stored.ID == nil {
			if et.Generator != nil {
				stored.ID = et.Generator()
			} else {
				s.sequence++
				stored.ID = s.sequence
			}
		}
		if _, dup := t.rows[stored.ID]; dup {
			return nil, apperror.NewDatabase("insert "+et.Name, fmt.Errorf("duplicate id %v", stored.ID))
		}
		if et.Version != nil {
			stored.Version = 1
		}
		stored.New = false
		t.order = append(t.order, stored.ID)
		s.record("INSERT %s %v", et.Name, stored.ID)
	} else {
		current := t.rows[stored.ID]
		if current == nil {
			return nil, apperror.NewNotFound(et.Name, stored.ID)
		}
		if et.Version != nil {
			if current.Version != e.Version {
				return nil, apperror.NewOptimisticLock(et.Name, e.ID, nil).
					WithDetail("version", e.Version).
					WithDetail("stored_version", current.Version)
			}
			stored.Version = current.Version + 1
		}
		for k, v := range current.Values {
			if _, ok := stored.Values[k]; !ok {
				stored.Values[k] = v
			}
		}
		s.record("MERGE %s %v", et.Name, stored.ID)
	}
	s.writePlural(et, stored)
	plural := stored.Plural
	stored.Plural = make(map[string]any)
	t.rows[stored.ID] = stored

	merged := stored.Clone()
	merged.Plural = plural
	for _, a := range et.Plural() {
		if _, ok := merged.Plural[a.Name]; !ok {
			merged.Plural[a.Name] = s.readPlural(et, a, merged.ID)
		}
	}
	return merged, nil
}

// Remove implements persistence.Context.
func (s *Store) Remove(_ context.Context, e *persistence.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, et, err := s.table(e.Type.Name)
	if err != nil {
		return err
	}
	current := t.rows[e.ID]
	if current == nil {
		return apperror.NewNotFound(et.Name, e.ID)
	}
	if et.Version != nil && e.Version != 0 && current.Version != e.Version {
		return apperror.NewOptimisticLock(et.Name, e.ID, nil).
			WithDetail("version", e.Version).
			WithDetail("stored_version", current.Version)
	}
	delete(t.rows, e.ID)
	for i, id := range t.order {
		if id == e.ID {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	for _, a := range et.Plural() {
		delete(s.joins, joinKey{et.Name, a.Name, e.ID})
	}
	s.record("DELETE %s %v", et.Name, e.ID)
	return nil
}

// ExecuteUpdate implements persistence.Context.
func (s *Store) ExecuteUpdate(_ context.Context, stmt persistence.Statement, params persistence.Params) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("%s", stmt.String())
	switch st := stmt.(type) {
	case *persistence.UpdateStatement:
		return s.update(st, params)
	case *persistence.CollectionStatement:
		if !s.collection {
			return 0, apperror.NewInternal(fmt.Errorf("collection statements are disabled: %s", st))
		}
		return s.collectionUpdate(st, params)
	default:
		return 0, apperror.NewInternal(fmt.Errorf("unsupported statement %T", stmt))
	}
}

func (s *Store) update(st *persistence.UpdateStatement, params persistence.Params) (int64, error) {
	t, et, err := s.table(st.EntityName)
	if err != nil {
		return 0, err
	}
	row := t.rows[params[persistence.ParamID]]
	if row == nil {
		return 0, nil
	}
	if st.VersionPath != "" && row.Version != asInt64(params[persistence.ParamVersion]) {
		return 0, nil
	}
	for _, a := range st.Assignments {
		value, ok := params[a.Param]
		if !ok {
			return 0, apperror.NewInternal(fmt.Errorf("parameter %q is not bound", a.Param))
		}
		if et.Version != nil && a.Path == et.Version.Name {
			row.Version = asInt64(value)
			continue
		}
		row.Values[a.Path] = value
	}
	return 1, nil
}

func (s *Store) collectionUpdate(st *persistence.CollectionStatement, params persistence.Params) (int64, error) {
	t, _, err := s.table(st.EntityName)
	if err != nil {
		return 0, err
	}
	owner := params[persistence.ParamOwner]
	if t.rows[owner] == nil {
		return 0, nil
	}
	key := joinKey{st.EntityName, st.Attribute, owner}
	rows := s.joins[key]
	var n int64
	keep := rows[:0:0]
	switch st.Op {
	case persistence.OpInsert:
		rows = append(rows, joinRow{
			Index:   asInt(params[persistence.ParamIndex]),
			Key:     params[persistence.ParamKey],
			Element: params[persistence.ParamElement],
		})
		s.joins[key] = rows
		return 1, nil
	case persistence.OpDeleteAll:
		delete(s.joins, key)
		return int64(len(rows)), nil
	case persistence.OpShiftIndex:
		from, by := asInt(params[persistence.ParamIndex]), asInt(params[persistence.ParamDelta])
		for i := range rows {
			if rows[i].Index >= from {
				rows[i].Index += by
				n++
			}
		}
		return n, nil
	case persistence.OpUpdateIndex, persistence.OpUpdateKey:
		for i := range rows {
			if matches(st.Op, rows[i], params) {
				rows[i].Element = params[persistence.ParamElement]
				n++
			}
		}
		return n, nil
	}
	for _, r := range rows {
		if matches(st.Op, r, params) {
			n++
			continue
		}
		keep = append(keep, r)
	}
	s.joins[key] = keep
	return n, nil
}

func matches(op persistence.CollectionOp, r joinRow, params persistence.Params) bool {
	switch op {
	case persistence.OpDeleteElement:
		return r.Element == params[persistence.ParamElement]
	case persistence.OpDeleteIndex, persistence.OpUpdateIndex:
		return r.Index == asInt(params[persistence.ParamIndex])
	case persistence.OpDeleteKey, persistence.OpUpdateKey:
		return r.Key == params[persistence.ParamKey]
	default:
		return false
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return 0
	}
}

func asInt(v any) int { return int(asInt64(v)) }

// IsTransactionActive implements persistence.Context.
func (s *Store) IsTransactionActive(ctx context.Context) bool {
	return txFrom(ctx) != nil
}

// RegisterCompletionCallback implements persistence.Context.
func (s *Store) RegisterCompletionCallback(ctx context.Context, sync tx.Synchronization) error {
	t := txFrom(ctx)
	if t == nil {
		return apperror.NewValidation("no active transaction")
	}
	t.syncs.Register(sync)
	return nil
}

type snapshot struct {
	tables   map[string]*table
	joins    map[joinKey][]joinRow
	sequence int64
}

func (s *Store) snapshot() (snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{tables: make(map[string]*table, len(s.tables)), sequence: s.sequence}
	for name, t := range s.tables {
		c := &table{rows: make(map[any]*persistence.Entity, len(t.rows)), order: append([]any(nil), t.order...)}
		for id, row := range t.rows {
			c.rows[id] = row.Clone()
		}
		snap.tables[name] = c
	}
	if err := deepcopy.Copy(&snap.joins, s.joins); err != nil {
		return snapshot{}, fmt.Errorf("snapshot join tables: %w", err)
	}
	return snap, nil
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = snap.tables
	s.joins = snap.joins
	if s.joins == nil {
		s.joins = make(map[joinKey][]joinRow)
	}
	s.sequence = snap.sequence
}
