package flush

import (
	"context"
	"fmt"

	"viewsync/internal/core/apperror"
	"viewsync/internal/core/tx"
	"viewsync/internal/listener"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
	"viewsync/pkg/logger"
)

// Context is the state of one flush invocation: backing entities and views
// resolved so far, version checks done, removed objects, queued orphan
// removals and the completion callbacks of the transaction.
//
// A Context is used by one goroutine and discarded after the transaction
// completes.
type Context struct {
	registry  *Registry
	pc        persistence.Context
	listeners *listener.Manager
	resetter  *Resetter
	log       *logger.Logger
	readOnly  bool

	entities   map[persistence.EntityKey]*persistence.Entity
	views      map[persistence.EntityKey]*viewEntry
	versions   map[persistence.EntityKey]int64
	locked     map[persistence.EntityKey]bool
	removed    map[any]struct{}
	persisting map[any]bool
	flushing   map[any]bool
	pending    map[pendingAttr]bool
	orphans    []any
	callbacks  tx.Synchronizations
	statements int
}

type viewEntry struct {
	pre  []*view.Instance
	post []*view.Instance
}

type pendingAttr struct {
	owner *view.Instance
	index int
}

// orphanRef identifies a backing row to delete when no view of it is known.
type orphanRef struct {
	entity string
	id     any
}

// NewContext creates an update context. The resetter is the first
// completion callback.
func NewContext(r *Registry, pc persistence.Context, listeners *listener.Manager, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Default()
	}
	uc := &Context{
		registry:   r,
		pc:         pc,
		listeners:  listeners,
		log:        log.WithComponent("flush"),
		entities:   make(map[persistence.EntityKey]*persistence.Entity),
		views:      make(map[persistence.EntityKey]*viewEntry),
		versions:   make(map[persistence.EntityKey]int64),
		locked:     make(map[persistence.EntityKey]bool),
		removed:    make(map[any]struct{}),
		persisting: make(map[any]bool),
		flushing:   make(map[any]bool),
		pending:    make(map[pendingAttr]bool),
	}
	uc.resetter = newResetter(uc)
	uc.callbacks.Register(uc.resetter)
	return uc
}

// fork returns a fresh read-only context over the same store, used for
// listeners that run after the transaction is gone.
func (uc *Context) fork() *Context {
	f := NewContext(uc.registry, uc.pc, uc.listeners, uc.log)
	f.readOnly = true
	return f
}

// Persistence implements listener.Scope.
func (uc *Context) Persistence() persistence.Context { return uc.pc }

// Registry returns the flusher registry.
func (uc *Context) Registry() *Registry { return uc.registry }

// Resetter returns the initial-state resetter of this context.
func (uc *Context) Resetter() *Resetter { return uc.resetter }

// Statements returns the number of statements sent to the store.
func (uc *Context) Statements() int { return uc.statements }

// RegisterCallback adds a completion callback. Callbacks run in
// registration order after the resetter.
func (uc *Context) RegisterCallback(s tx.Synchronization) {
	uc.callbacks.Register(s)
}

// AfterCompletion implements tx.Synchronization by fanning out to the
// registered callbacks.
func (uc *Context) AfterCompletion(ctx context.Context, status tx.Status) {
	uc.log.Debugw("transaction completed", "status", status.String(), "callbacks", uc.callbacks.Len())
	uc.callbacks.Fire(ctx, status)
}

// AddVersionCheck records that the version of key is checked by this
// flush. It returns false when it already was.
func (uc *Context) AddVersionCheck(key persistence.EntityKey) bool {
	if _, ok := uc.versions[key]; ok {
		return false
	}
	uc.versions[key] = -1
	return true
}

func (uc *Context) recordVersion(key persistence.EntityKey, version int64) {
	uc.versions[key] = version
}

// checkedVersion returns the version written for key earlier in this flush.
func (uc *Context) checkedVersion(key persistence.EntityKey) (int64, bool) {
	v, ok := uc.versions[key]
	return v, ok && v >= 0
}

// AddRemovedObject marks o as logically removed. It returns false when it
// already was. Views are also tracked by their entity key.
func (uc *Context) AddRemovedObject(o any) bool {
	if uc.IsRemoved(o) {
		return false
	}
	uc.removed[o] = struct{}{}
	if k, ok := keyOfObject(o); ok {
		uc.removed[k] = struct{}{}
	}
	return true
}

// IsRemoved reports whether o, or the backing row of o, was removed.
func (uc *Context) IsRemoved(o any) bool {
	if _, ok := uc.removed[o]; ok {
		return true
	}
	if k, ok := keyOfObject(o); ok {
		_, removed := uc.removed[k]
		return removed
	}
	return false
}

// QueueOrphanRemoval schedules the removal of a view or an orphanRef after
// the main write.
func (uc *Context) QueueOrphanRemoval(o any) {
	uc.orphans = append(uc.orphans, o)
}

// RunOrphanRemovals drains the queue. Removals may queue further orphans.
func (uc *Context) RunOrphanRemovals(ctx context.Context) error {
	for len(uc.orphans) > 0 {
		o := uc.orphans[0]
		uc.orphans = uc.orphans[1:]
		if uc.IsRemoved(o) {
			continue
		}
		switch t := o.(type) {
		case *view.Instance:
			if _, err := uc.removeView(ctx, t); err != nil {
				return err
			}
		case orphanRef:
			et := uc.pc.Metamodel().Entity(t.entity)
			if et == nil {
				return apperror.NewConfiguration("orphan of unknown entity %s", t.entity)
			}
			key := persistence.KeyOf(t.entity, t.id)
			uc.AddRemovedObject(key)
			if err := uc.Remove(ctx, persistence.NewReference(et, t.id)); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- store access ---

func (uc *Context) writable() error {
	if uc.readOnly {
		return apperror.NewValidation("update context is read-only")
	}
	return nil
}

// Execute runs a targeted statement.
func (uc *Context) Execute(ctx context.Context, stmt persistence.Statement, params persistence.Params) (int64, error) {
	if err := uc.writable(); err != nil {
		return 0, err
	}
	uc.statements++
	kind := kindUpdate
	if _, ok := stmt.(*persistence.CollectionStatement); ok {
		kind = kindCollection
	}
	statementsTotal.WithLabelValues(kind).Inc()
	uc.log.Debugw("execute", "statement", stmt.String())
	n, err := uc.pc.ExecuteUpdate(ctx, stmt, params)
	if err != nil {
		return 0, fmt.Errorf("execute %s: %w", stmt.String(), err)
	}
	return n, nil
}

// Merge writes e and caches the merged result.
func (uc *Context) Merge(ctx context.Context, e *persistence.Entity) (*persistence.Entity, error) {
	if err := uc.writable(); err != nil {
		return nil, err
	}
	uc.statements++
	statementsTotal.WithLabelValues(kindMerge).Inc()
	merged, err := uc.pc.Merge(ctx, e)
	if err != nil {
		if apperror.IsOptimisticLock(err) {
			optimisticLockTotal.WithLabelValues(e.Type.Name).Inc()
			return nil, err
		}
		return nil, fmt.Errorf("merge %s: %w", e.Type.Name, err)
	}
	uc.entities[merged.Key()] = merged
	return merged, nil
}

// Remove deletes the backing row of e.
func (uc *Context) Remove(ctx context.Context, e *persistence.Entity) error {
	if err := uc.writable(); err != nil {
		return err
	}
	uc.statements++
	statementsTotal.WithLabelValues(kindRemove).Inc()
	if err := uc.pc.Remove(ctx, e); err != nil {
		if apperror.IsOptimisticLock(err) {
			optimisticLockTotal.WithLabelValues(e.Type.Name).Inc()
			return err
		}
		return fmt.Errorf("remove %s: %w", e.Type.Name, err)
	}
	delete(uc.entities, e.Key())
	return nil
}

// LoadEntity returns the backing entity for id, loading it once per
// context. A missing row is a load failure.
func (uc *Context) LoadEntity(ctx context.Context, et *metadata.EntityType, id any) (*persistence.Entity, error) {
	key := persistence.KeyOf(et.Name, id)
	if e, ok := uc.entities[key]; ok {
		return e, nil
	}
	statementsTotal.WithLabelValues(kindLoad).Inc()
	e, err := uc.pc.LoadByID(ctx, et.Name, id)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, apperror.NewLoadFailure(et.Name, id).WithCause(err)
		}
		return nil, fmt.Errorf("load %s: %w", et.Name, err)
	}
	uc.entities[key] = e
	return e, nil
}

// lock acquires a pessimistic lock once per row.
func (uc *Context) lock(ctx context.Context, entity string, id any, mode metadata.LockMode) error {
	key := persistence.KeyOf(entity, id)
	if uc.locked[key] {
		return nil
	}
	if err := uc.pc.Lock(ctx, entity, id, mode); err != nil {
		return fmt.Errorf("lock %s: %w", entity, err)
	}
	uc.locked[key] = true
	return nil
}

// invoke runs pre/post listeners with this context as scope.
func (uc *Context) invoke(ctx context.Context, event listener.Event, v *view.Instance, e *persistence.Entity) (bool, error) {
	if !uc.listeners.Has(event, v.Type().EntityName) {
		return true, nil
	}
	return uc.listeners.Invoke(ctx, event, uc, v, e)
}

func keyOfObject(o any) (persistence.EntityKey, bool) {
	switch t := o.(type) {
	case *view.Instance:
		if t == nil || t.IsNew() || !t.Type().HasIdentity() {
			return persistence.EntityKey{}, false
		}
		return persistence.KeyOf(t.Type().EntityName, t.ID()), true
	case orphanRef:
		return persistence.KeyOf(t.entity, t.id), true
	case persistence.EntityKey:
		return t, true
	default:
		return persistence.EntityKey{}, false
	}
}
