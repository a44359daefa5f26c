package flush

import (
	"context"
	"errors"
	"fmt"

	"viewsync/internal/core/tx"
	"viewsync/internal/listener"
	"viewsync/internal/metadata"
	"viewsync/internal/view"
)

type instanceState struct {
	v        *view.Instance
	initial  []any
	mask     view.Mask
	version  int64
	id       any
	isNew    bool
	parent   view.ParentRef
	readOnly []view.ParentRef
}

type listState struct {
	l *view.List
	s view.ListState
}

type mapState struct {
	m *view.Map
	s view.MapState
}

// Resetter records the in-memory state a flush changes and settles it when
// the transaction completes. Commit re-checks dirty state against what was
// written and rollback puts every recorded snapshot back.
type Resetter struct {
	uc *Context

	states    []instanceState
	seen      map[*view.Instance]bool
	lists     []listState
	seenLists map[*view.List]bool
	maps      []mapState
	seenMaps  map[*view.Map]bool

	persisted []*view.Instance
	updated   []*view.Instance
	removed   []*view.Instance

	errs []error
	done bool
}

func newResetter(uc *Context) *Resetter {
	return &Resetter{
		uc:        uc,
		seen:      make(map[*view.Instance]bool),
		seenLists: make(map[*view.List]bool),
		seenMaps:  make(map[*view.Map]bool),
	}
}

// AddState snapshots v before the flush changes it. Only the first call
// per instance records.
func (r *Resetter) AddState(v *view.Instance) {
	if v == nil || r.seen[v] {
		return
	}
	r.seen[v] = true
	r.states = append(r.states, instanceState{
		v:        v,
		initial:  v.InitialState(),
		mask:     v.DirtyMask(),
		version:  v.Version(),
		id:       v.ID(),
		isNew:    v.IsNew(),
		parent:   v.Parent(),
		readOnly: v.ReadOnlyParents(),
	})
}

// AddList snapshots the flushed elements and action log of l.
func (r *Resetter) AddList(l *view.List) {
	if l == nil || r.seenLists[l] {
		return
	}
	r.seenLists[l] = true
	r.lists = append(r.lists, listState{l: l, s: l.State()})
}

// AddMap snapshots the flushed entries and action log of m.
func (r *Resetter) AddMap(m *view.Map) {
	if m == nil || r.seenMaps[m] {
		return
	}
	r.seenMaps[m] = true
	r.maps = append(r.maps, mapState{m: m, s: m.State()})
}

// AddPersisted records a view inserted by this flush.
func (r *Resetter) AddPersisted(v *view.Instance) {
	r.AddState(v)
	r.persisted = appendOnce(r.persisted, v)
}

// AddUpdated records a view written by this flush.
func (r *Resetter) AddUpdated(v *view.Instance) {
	r.AddState(v)
	r.updated = appendOnce(r.updated, v)
}

// AddRemoved records a view deleted by this flush.
func (r *Resetter) AddRemoved(v *view.Instance) {
	r.AddState(v)
	r.removed = appendOnce(r.removed, v)
}

func appendOnce(list []*view.Instance, v *view.Instance) []*view.Instance {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// Persisted returns the views inserted by this flush.
func (r *Resetter) Persisted() []*view.Instance { return r.persisted }

// Updated returns the views written by this flush.
func (r *Resetter) Updated() []*view.Instance { return r.updated }

// Removed returns the views deleted by this flush.
func (r *Resetter) Removed() []*view.Instance { return r.removed }

// Err returns the errors collected while settling state, joined.
func (r *Resetter) Err() error { return errors.Join(r.errs...) }

// AfterCompletion implements tx.Synchronization. It runs once.
func (r *Resetter) AfterCompletion(ctx context.Context, status tx.Status) {
	if r.done {
		return
	}
	r.done = true
	if status == tx.StatusCommitted {
		r.commit(ctx)
		return
	}
	r.rollback(ctx)
}

func (r *Resetter) commit(ctx context.Context) {
	for _, s := range r.lists {
		s.l.Settle()
	}
	for _, s := range r.maps {
		s.m.Settle()
	}
	for _, s := range r.states {
		s.v.Settle()
	}
	for _, v := range r.removed {
		v.MarkClean()
	}
	for _, v := range r.persisted {
		r.replacePlaceholders(v)
	}
	r.fire(ctx, listener.PostCommit, r.uc)
}

// replacePlaceholders swaps a persisted view held through read-only
// references for a view of the declared element type, which is what a
// fresh load of the parent would hold.
func (r *Resetter) replacePlaceholders(v *view.Instance) {
	refs := v.ReadOnlyParents()
	if len(refs) == 0 {
		return
	}
	for _, ref := range refs {
		declared := declaredElement(ref)
		if declared == nil || declared == v.Type() {
			continue
		}
		replacement := r.uc.convert(v, declared, map[*view.Instance]*view.Instance{})
		if !ref.Parent.ReplaceChild(ref.Index, v, replacement) {
			r.uc.log.Debugw("placeholder no longer referenced", "view_type", v.Type().Name, "id", v.ID())
		}
	}
	v.SetReadOnlyParents(nil)
}

func declaredElement(ref view.ParentRef) *metadata.ViewType {
	switch p := ref.Parent.(type) {
	case *view.Instance:
		if ref.Index < 0 || ref.Index >= len(p.Type().Attributes) {
			return nil
		}
		return p.Type().Attributes[ref.Index].Element()
	case *view.List:
		if a := p.Attribute(); a != nil {
			return a.Element()
		}
	case *view.Map:
		if a := p.Attribute(); a != nil {
			return a.Element()
		}
	}
	return nil
}

func (r *Resetter) rollback(ctx context.Context) {
	for i := len(r.states) - 1; i >= 0; i-- {
		s := r.states[i]
		r.restore(s.v.String(), func() {
			s.v.SetInitialState(s.initial)
			s.v.Restore(s.mask)
			s.v.SetVersion(s.version)
			s.v.SetID(s.id)
			if s.isNew {
				s.v.MarkNew()
			}
			s.v.SetParent(s.parent)
			s.v.SetReadOnlyParents(s.readOnly)
		})
	}
	for i := len(r.lists) - 1; i >= 0; i-- {
		s := r.lists[i]
		r.restore("list", func() { s.l.RestoreState(s.s) })
	}
	for i := len(r.maps) - 1; i >= 0; i-- {
		s := r.maps[i]
		r.restore("map", func() { s.m.RestoreState(s.s) })
	}
	r.fire(ctx, listener.PostRollback, r.uc.fork())
}

// restore runs fn and turns a panic into a collected error so the
// remaining states are still restored.
func (r *Resetter) restore(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			restoreFailures.Inc()
			err := fmt.Errorf("restore %s: %v", what, p)
			r.uc.log.Errorw("rollback restore failed", "target", what, "error", err)
			r.errs = append(r.errs, err)
		}
	}()
	fn()
}

func (r *Resetter) fire(ctx context.Context, event listener.Event, scope *Context) {
	if !r.uc.listeners.HasAny(event) {
		return
	}
	groups := []struct {
		views []*view.Instance
		t     listener.Transition
	}{
		{r.persisted, listener.TransitionPersist},
		{r.updated, listener.TransitionUpdate},
		{r.removed, listener.TransitionRemove},
	}
	for _, g := range groups {
		for _, v := range g.views {
			if err := r.uc.listeners.InvokeTransition(ctx, event, scope, v, g.t); err != nil {
				r.uc.log.Errorw("completion listener failed", "event", event.String(), "view_type", v.Type().Name, "error", err)
				r.errs = append(r.errs, fmt.Errorf("%s listener for %s: %w", event, v, err))
			}
		}
	}
}
