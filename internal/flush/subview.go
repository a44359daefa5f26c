package flush

import (
	"context"
	"fmt"

	"viewsync/internal/core/apperror"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// SubviewFlusher writes a reference to another view. The owner row holds
// the foreign key; the referenced view is persisted or updated by cascade.
type SubviewFlusher struct {
	attributeBase
	// cascadeOnly is set on the variant produced for an unchanged reference
	// whose target has pending changes.
	cascadeOnly bool
}

func newSubviewFlusher(r *Registry, owner *metadata.ViewType, a *metadata.Attribute, pathPrefix, paramPrefix string) *SubviewFlusher {
	return &SubviewFlusher{attributeBase: newAttributeBase(r, owner, a, pathPrefix, paramPrefix)}
}

func (f *SubviewFlusher) signature() string {
	if f.cascadeOnly {
		return "~"
	}
	return ""
}

func (f *SubviewFlusher) writesReference() bool { return f.updatable && !f.cascadeOnly }

// AppendUpdateFragment implements AttributeFlusher.
func (f *SubviewFlusher) AppendUpdateFragment(b *persistence.UpdateBuilder) bool {
	if !f.writesReference() {
		return false
	}
	b.Set(f.path, f.param)
	return true
}

// FlushQuery implements AttributeFlusher.
func (f *SubviewFlusher) FlushQuery(ctx context.Context, uc *Context, params persistence.Params, owner *view.Instance, value any) error {
	target, _ := value.(*view.Instance)
	saved, err := f.cascade(ctx, uc, target)
	if err != nil {
		return err
	}
	if !f.writesReference() {
		return nil
	}
	if !saved {
		old, _ := owner.InitialAt(f.Index()).(*view.Instance)
		params[f.param] = idOf(old)
		uc.keepPending(owner, f.Index())
		return nil
	}
	params[f.param] = idOf(target)
	f.queueOrphan(uc, owner, target)
	return nil
}

// FlushEntity implements AttributeFlusher.
func (f *SubviewFlusher) FlushEntity(ctx context.Context, uc *Context, e *persistence.Entity, owner *view.Instance, value any) (bool, error) {
	target, _ := value.(*view.Instance)
	saved, err := f.cascade(ctx, uc, target)
	if err != nil {
		return false, err
	}
	if f.cascadeOnly || (!f.updatable && !e.New) {
		return false, nil
	}
	if !saved {
		uc.keepPending(owner, f.Index())
		return false, nil
	}
	if !e.New {
		f.queueOrphan(uc, owner, target)
	}
	ref := idOf(target)
	if !e.New && view.Key(e.Get(f.path)) == view.Key(ref) {
		return false, nil
	}
	e.Set(f.path, ref)
	return true, nil
}

// cascade persists or updates target. It reports false when target is a
// new view that still has no row afterwards, so the reference cannot be
// written yet.
func (f *SubviewFlusher) cascade(ctx context.Context, uc *Context, target *view.Instance) (bool, error) {
	if target == nil || uc.IsRemoved(target) {
		return true, nil
	}
	if target.IsNew() {
		if !f.desc.CascadePersist {
			return false, apperror.NewValidation(fmt.Sprintf("%s.%s references a new %s without cascading persist",
				f.ownerType.Name, f.attr.Name, target.Type().Name))
		}
		outcome, err := uc.persist(ctx, target, nil)
		if err != nil {
			return false, err
		}
		return outcome != OutcomeVetoed && !target.IsNew(), nil
	}
	if !f.desc.CascadeUpdate || !target.Type().Updatable {
		return true, nil
	}
	nested := f.registry.Composite(target.Type()).NestedDirtyFlusher(target, false)
	if nested == nil {
		return true, nil
	}
	return true, uc.cascadeUpdate(ctx, target, nested)
}

// queueOrphan schedules the removal of the previously referenced view when
// the reference was replaced or cleared. The initial state still holds the
// old reference at this point.
func (f *SubviewFlusher) queueOrphan(uc *Context, owner *view.Instance, target *view.Instance) {
	if !f.desc.OrphanRemoval {
		return
	}
	old, _ := owner.InitialAt(f.Index()).(*view.Instance)
	if old == nil || old.IsNew() || view.Key(old) == view.Key(target) {
		return
	}
	uc.QueueOrphanRemoval(old)
}

// Remove implements AttributeFlusher.
func (f *SubviewFlusher) Remove(_ context.Context, uc *Context, _ *view.Instance, value any) error {
	target, _ := value.(*view.Instance)
	if target == nil || target.IsNew() {
		return nil
	}
	if f.desc.CascadeDelete || f.desc.OrphanRemoval {
		uc.QueueOrphanRemoval(target)
	}
	return nil
}

func (f *SubviewFlusher) SupportsQueryFlush() bool          { return true }
func (f *SubviewFlusher) IsOptimisticLockProtected() bool   { return f.writesReference() && f.lockSafe }
func (f *SubviewFlusher) RequiresFlushAfterPersist(any) bool { return false }

// DirtyFlusher implements AttributeFlusher.
func (f *SubviewFlusher) DirtyFlusher(_ *view.Instance, initial, current any) AttributeFlusher {
	kind := f.DirtyKind(initial, current)
	if f.updatable && kind == DirtyUpdated {
		return f
	}
	target, _ := current.(*view.Instance)
	if target == nil {
		return nil
	}
	if target.IsNew() {
		return f
	}
	if !f.desc.CascadeUpdate || !target.Type().Updatable {
		return nil
	}
	if kind != DirtyMutated && !graphDirty(target, map[*view.Instance]bool{}) {
		return nil
	}
	c := *f
	c.cascadeOnly = true
	return &c
}

// DirtyKind implements AttributeFlusher.
func (f *SubviewFlusher) DirtyKind(initial, current any) DirtyKind {
	if view.Key(initial) != view.Key(current) {
		return DirtyUpdated
	}
	if t, ok := current.(*view.Instance); ok && t.IsDirty() {
		return DirtyMutated
	}
	return DirtyNone
}

func idOf(v *view.Instance) any {
	if v == nil {
		return nil
	}
	return v.ID()
}
