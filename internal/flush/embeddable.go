package flush

import (
	"context"

	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// EmbeddableFlusher writes an embedded composite through a nested composite
// whose flushers carry the "<attribute>." mapping prefix.
type EmbeddableFlusher struct {
	attributeBase
	nested *Composite
}

func newEmbeddableFlusher(r *Registry, owner *metadata.ViewType, a *metadata.Attribute, pathPrefix, paramPrefix string) *EmbeddableFlusher {
	base := newAttributeBase(r, owner, a, pathPrefix, paramPrefix)
	return &EmbeddableFlusher{
		attributeBase: base,
		nested:        r.buildComposite(a.Element(), base.path+".", base.param+"_"),
	}
}

func (f *EmbeddableFlusher) with(nested *Composite) *EmbeddableFlusher {
	c := *f
	c.nested = nested
	return &c
}

func (f *EmbeddableFlusher) signature() string {
	if f.nested.IsFull() {
		return ""
	}
	return "{" + f.nested.Signature() + "}"
}

// IsPassThrough implements AttributeFlusher. An embeddable is visited even
// when its reference is fixed, since its components may be updatable.
func (f *EmbeddableFlusher) IsPassThrough() bool { return false }

// AppendUpdateFragment implements AttributeFlusher.
func (f *EmbeddableFlusher) AppendUpdateFragment(b *persistence.UpdateBuilder) bool {
	return f.nested.appendFragments(b)
}

// FlushQuery implements AttributeFlusher.
func (f *EmbeddableFlusher) FlushQuery(ctx context.Context, uc *Context, params persistence.Params, _ *view.Instance, value any) error {
	emb, _ := value.(*view.Instance)
	if emb == nil {
		f.bindNull(params)
		return nil
	}
	return f.nested.flushQuery(ctx, uc, params, emb)
}

// bindNull binds every component parameter of the full nested composite to
// nil, clearing the composite columns.
func (f *EmbeddableFlusher) bindNull(params persistence.Params) {
	var b persistence.UpdateBuilder
	f.nested.appendFragments(&b)
	for _, a := range b.Build("", "", "").Assignments {
		params[a.Param] = nil
	}
}

// FlushEntity implements AttributeFlusher.
func (f *EmbeddableFlusher) FlushEntity(ctx context.Context, uc *Context, e *persistence.Entity, _ *view.Instance, value any) (bool, error) {
	emb, _ := value.(*view.Instance)
	if emb == nil {
		changed := false
		for _, l := range f.attr.EntityAttribute().Leaves("") {
			path := f.path + l.Path[len(f.attr.EntityAttribute().Name):]
			if e.Get(path) != nil {
				e.Set(path, nil)
				changed = true
			}
		}
		return changed, nil
	}
	changed, _, err := f.nested.flushEntity(ctx, uc, e, emb)
	return changed, err
}

// Remove implements AttributeFlusher.
func (f *EmbeddableFlusher) Remove(ctx context.Context, uc *Context, _ *view.Instance, value any) error {
	emb, _ := value.(*view.Instance)
	if emb == nil {
		return nil
	}
	return f.nested.remove(ctx, uc, emb)
}

func (f *EmbeddableFlusher) SupportsQueryFlush() bool        { return f.nested.SupportsQueryFlush() }
func (f *EmbeddableFlusher) IsOptimisticLockProtected() bool { return f.lockSafe && f.nested.IsOptimisticLockProtected() }

// RequiresFlushAfterPersist implements AttributeFlusher.
func (f *EmbeddableFlusher) RequiresFlushAfterPersist(any) bool { return false }

// DirtyFlusher implements AttributeFlusher.
func (f *EmbeddableFlusher) DirtyFlusher(_ *view.Instance, initial, current any) AttributeFlusher {
	emb, _ := current.(*view.Instance)
	if f.DirtyKind(initial, current) == DirtyUpdated {
		if !f.updatable {
			return nil
		}
		return f.with(f.nested.Full())
	}
	if emb == nil {
		return nil
	}
	nested := f.nested.NestedDirtyFlusher(emb, false)
	switch {
	case nested == nil:
		return nil
	case nested.IsFull():
		return f.with(f.nested.Full())
	default:
		return f.with(nested)
	}
}

// DirtyKind implements AttributeFlusher.
func (f *EmbeddableFlusher) DirtyKind(initial, current any) DirtyKind {
	if initial != current {
		return DirtyUpdated
	}
	if emb, ok := current.(*view.Instance); ok && emb.IsDirty() {
		return DirtyMutated
	}
	return DirtyNone
}
