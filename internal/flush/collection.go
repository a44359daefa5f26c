package flush

import (
	"context"
	"fmt"

	"viewsync/internal/core/apperror"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// pluralBase is shared by the collection, indexed list and map flushers.
type pluralBase struct {
	attributeBase
	// statements is set when the store executes join-table statements.
	statements  bool
	cascadeOnly bool
}

func (p *pluralBase) signature() string {
	if p.cascadeOnly {
		return "~"
	}
	return ""
}

func (p *pluralBase) statement(op persistence.CollectionOp) *persistence.CollectionStatement {
	return &persistence.CollectionStatement{
		Op:         op,
		EntityName: p.entityName,
		Attribute:  p.attr.EntityAttribute().Name,
		Indexed:    p.attr.IsIndexed(),
		Keyed:      p.attr.Kind() == metadata.KindMap,
	}
}

func (p *pluralBase) exec(ctx context.Context, uc *Context, op persistence.CollectionOp, params persistence.Params) error {
	_, err := uc.Execute(ctx, p.statement(op), params)
	return err
}

// cascadeElements persists new view elements and cascades updates into
// dirty ones. New elements are skipped when skipNew is set. Elements whose
// persist was vetoed stay new.
func (p *pluralBase) cascadeElements(ctx context.Context, uc *Context, elems []any, skipNew bool) error {
	if !p.desc.IsView() {
		return nil
	}
	for _, e := range elems {
		in, ok := e.(*view.Instance)
		if !ok || in == nil || uc.IsRemoved(in) {
			continue
		}
		if in.IsNew() {
			if skipNew {
				continue
			}
			if !p.desc.CascadePersist {
				return apperror.NewValidation(fmt.Sprintf("%s.%s holds a new %s without cascading persist",
					p.ownerType.Name, p.attr.Name, in.Type().Name))
			}
			if _, err := uc.persist(ctx, in, nil); err != nil {
				return err
			}
			continue
		}
		if !p.desc.CascadeUpdate || !in.Type().Updatable {
			continue
		}
		nested := p.registry.Composite(in.Type()).NestedDirtyFlusher(in, false)
		if nested == nil {
			continue
		}
		if err := uc.cascadeUpdate(ctx, in, nested); err != nil {
			return err
		}
	}
	return nil
}

// elementsNeedFlush reports whether any view element must be persisted or
// carries changes to cascade.
func (p *pluralBase) elementsNeedFlush(elems []any) bool {
	if !p.desc.IsView() {
		return false
	}
	visited := make(map[*view.Instance]bool)
	for _, e := range elems {
		in, ok := e.(*view.Instance)
		if !ok || in == nil {
			continue
		}
		if in.IsNew() {
			return p.desc.CascadePersist
		}
		if p.desc.CascadeUpdate && in.Type().Updatable && graphDirty(in, visited) {
			return true
		}
	}
	return false
}

// queueOrphans schedules removal of view elements that left the
// collection.
func (p *pluralBase) queueOrphans(uc *Context, removed []any) {
	if !p.desc.OrphanRemoval {
		return
	}
	for _, e := range removed {
		if in, ok := e.(*view.Instance); ok && in != nil && !in.IsNew() {
			uc.QueueOrphanRemoval(in)
		} else if e != nil && !p.desc.IsView() {
			uc.QueueOrphanRemoval(orphanRef{entity: p.attr.EntityAttribute().Target, id: e})
		}
	}
}

// queueCascadeDelete schedules removal of every element when the owner is
// removed.
func (p *pluralBase) queueCascadeDelete(uc *Context, elems []any) {
	if !p.desc.CascadeDelete && !p.desc.OrphanRemoval {
		return
	}
	for _, e := range elems {
		if in, ok := e.(*view.Instance); ok && in != nil && !in.IsNew() {
			uc.QueueOrphanRemoval(in)
		}
	}
}

func (p *pluralBase) SupportsQueryFlush() bool {
	return p.cascadeOnly || p.statements
}

func (p *pluralBase) IsOptimisticLockProtected() bool {
	return p.updatable && !p.cascadeOnly && p.lockSafe
}

func (p *pluralBase) RequiresFlushAfterPersist(any) bool { return false }

func (p *pluralBase) storeValues(elems []any) []any {
	out := make([]any, len(elems))
	for i, e := range elems {
		out[i] = p.desc.StoreValue(e)
	}
	return out
}

// delta computes the multiset difference between two element sequences,
// matching elements by view.Key.
func delta(initial, current []any) (removed, added []any) {
	counts := make(map[any]int, len(initial))
	for _, e := range initial {
		counts[view.Key(e)]++
	}
	for _, e := range current {
		k := view.Key(e)
		if counts[k] > 0 {
			counts[k]--
			continue
		}
		added = append(added, e)
	}
	for i := len(initial) - 1; i >= 0; i-- {
		k := view.Key(initial[i])
		if counts[k] > 0 {
			counts[k]--
			removed = append([]any{initial[i]}, removed...)
		}
	}
	return removed, added
}

func sameValues(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if view.Key(a[i]) != view.Key(b[i]) {
			return false
		}
	}
	return true
}

// flushedElements returns the elements last written for a plural
// attribute whose initial state is initial. When the list was replaced,
// those are the elements of the replaced list.
func flushedElements(initial any) []any {
	if old, ok := initial.(*view.List); ok && old != nil {
		return old.InitialElements()
	}
	return nil
}

func currentElements(value any) []any {
	if l, ok := value.(*view.List); ok && l != nil {
		return l.Elements()
	}
	return nil
}

// CollectionFlusher writes an unordered collection through its join table
// or, for mapped-by collections, through the foreign key of the elements.
type CollectionFlusher struct {
	pluralBase
	inverse *inverseFlusher
}

func newCollectionFlusher(r *Registry, owner *metadata.ViewType, a *metadata.Attribute, statements bool) *CollectionFlusher {
	f := &CollectionFlusher{pluralBase: pluralBase{
		attributeBase: newAttributeBase(r, owner, a, "", ""),
		statements:    statements,
	}}
	if a.IsInverse() {
		f.inverse = newInverseFlusher(r, a)
	}
	return f
}

func (f *CollectionFlusher) with(cascadeOnly bool) *CollectionFlusher {
	c := *f
	c.cascadeOnly = cascadeOnly
	return &c
}

// AppendUpdateFragment implements AttributeFlusher. Collections never
// contribute to the owner row.
func (f *CollectionFlusher) AppendUpdateFragment(*persistence.UpdateBuilder) bool { return false }

// SupportsQueryFlush implements AttributeFlusher.
func (f *CollectionFlusher) SupportsQueryFlush() bool {
	return f.cascadeOnly || f.inverse != nil || f.statements
}

// IsOptimisticLockProtected implements AttributeFlusher. Changes on the
// inverse side do not touch the owner row.
func (f *CollectionFlusher) IsOptimisticLockProtected() bool {
	return f.inverse == nil && f.pluralBase.IsOptimisticLockProtected()
}

// RequiresFlushAfterPersist implements AttributeFlusher.
func (f *CollectionFlusher) RequiresFlushAfterPersist(value any) bool {
	return f.inverse != nil && len(currentElements(value)) > 0
}

// FlushQuery implements AttributeFlusher.
func (f *CollectionFlusher) FlushQuery(ctx context.Context, uc *Context, _ persistence.Params, owner *view.Instance, value any) error {
	list, _ := value.(*view.List)
	if err := f.cascadeElements(ctx, uc, currentElements(list), f.inverse != nil); err != nil {
		return err
	}
	if f.cascadeOnly || !f.updatable {
		return nil
	}
	removed, added := delta(f.initialElements(owner, list), currentElements(list))
	if f.inverse != nil {
		if err := f.inverse.apply(ctx, uc, owner, removed, added, false); err != nil {
			return err
		}
	} else {
		added = withoutUnsaved(added)
		for _, e := range removed {
			if err := f.exec(ctx, uc, persistence.OpDeleteElement, persistence.Params{
				persistence.ParamOwner:   owner.ID(),
				persistence.ParamElement: f.desc.StoreValue(e),
			}); err != nil {
				return err
			}
		}
		for _, e := range added {
			if err := f.exec(ctx, uc, persistence.OpInsert, persistence.Params{
				persistence.ParamOwner:   owner.ID(),
				persistence.ParamElement: f.desc.StoreValue(e),
			}); err != nil {
				return err
			}
		}
		f.queueOrphans(uc, removed)
	}
	f.markFlushed(uc, list)
	return nil
}

// FlushEntity implements AttributeFlusher.
func (f *CollectionFlusher) FlushEntity(ctx context.Context, uc *Context, e *persistence.Entity, owner *view.Instance, value any) (bool, error) {
	list, _ := value.(*view.List)
	if err := f.cascadeElements(ctx, uc, currentElements(list), f.inverse != nil); err != nil {
		return false, err
	}
	persisting := e.New || owner.IsNew()
	if f.cascadeOnly || (!f.updatable && !persisting) {
		return false, nil
	}
	initial := f.initialElements(owner, list)
	if persisting {
		initial = nil
	}
	removed, added := delta(initial, currentElements(list))
	if f.inverse != nil {
		err := f.inverse.apply(ctx, uc, owner, removed, added, true)
		f.markFlushed(uc, list)
		return false, err
	}
	values := f.storeValues(withoutUnsaved(currentElements(list)))
	f.queueOrphans(uc, removed)
	f.markFlushed(uc, list)
	if !e.New && sameValues(e.Collection(f.attr.EntityAttribute().Name), values) {
		return false, nil
	}
	e.Plural[f.attr.EntityAttribute().Name] = values
	return true, nil
}

func (f *CollectionFlusher) initialElements(owner *view.Instance, _ *view.List) []any {
	return flushedElements(owner.InitialAt(f.Index()))
}

// markFlushed promotes the written elements to the initial state. View
// elements that are still new were not written and stay pending.
func (f *CollectionFlusher) markFlushed(uc *Context, list *view.List) {
	if list == nil {
		return
	}
	uc.resetter.AddList(list)
	if anyUnsaved(list.Elements()) {
		list.MarkFlushedExcept(unsaved)
		return
	}
	list.MarkFlushed()
}

func withoutUnsaved(elems []any) []any {
	if !anyUnsaved(elems) {
		return elems
	}
	out := make([]any, 0, len(elems))
	for _, e := range elems {
		if !unsaved(e) {
			out = append(out, e)
		}
	}
	return out
}

// Remove implements AttributeFlusher.
func (f *CollectionFlusher) Remove(ctx context.Context, uc *Context, owner *view.Instance, value any) error {
	elems := f.initialElements(owner, asList(value))
	if f.inverse != nil {
		return f.inverse.removeOwner(ctx, uc, elems)
	}
	f.queueCascadeDelete(uc, elems)
	return nil
}

// DirtyFlusher implements AttributeFlusher.
func (f *CollectionFlusher) DirtyFlusher(_ *view.Instance, initial, current any) AttributeFlusher {
	list := asList(current)
	if f.updatable {
		switch f.DirtyKind(initial, current) {
		case DirtyUpdated:
			return f.with(false)
		case DirtyMutated:
			removed, added := delta(list.InitialElements(), list.Elements())
			if len(removed) > 0 || len(added) > 0 {
				return f.with(false)
			}
		}
	}
	if list != nil && f.elementsNeedFlush(list.Elements()) {
		return f.with(true)
	}
	return nil
}

// DirtyKind implements AttributeFlusher.
func (f *CollectionFlusher) DirtyKind(initial, current any) DirtyKind {
	return pluralDirtyKind(initial, current)
}

func pluralDirtyKind(initial, current any) DirtyKind {
	if initial != current {
		return DirtyUpdated
	}
	dirty := false
	switch t := current.(type) {
	case *view.List:
		dirty = t != nil && t.IsDirty()
	case *view.Map:
		dirty = t != nil && t.IsDirty()
	}
	if dirty {
		return DirtyMutated
	}
	return DirtyNone
}

func asList(v any) *view.List {
	l, _ := v.(*view.List)
	return l
}
