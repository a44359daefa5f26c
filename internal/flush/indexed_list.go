package flush

import (
	"context"

	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// IndexedListFlusher writes a list with an index column by replaying the
// list's action log as positional statements. A list holding view elements
// without a row is not written at all until they are inserted.
type IndexedListFlusher struct {
	pluralBase
}

func newIndexedListFlusher(r *Registry, owner *metadata.ViewType, a *metadata.Attribute, statements bool) *IndexedListFlusher {
	return &IndexedListFlusher{pluralBase: pluralBase{
		attributeBase: newAttributeBase(r, owner, a, "", ""),
		statements:    statements,
	}}
}

func (f *IndexedListFlusher) with(cascadeOnly bool) *IndexedListFlusher {
	c := *f
	c.cascadeOnly = cascadeOnly
	return &c
}

// AppendUpdateFragment implements AttributeFlusher.
func (f *IndexedListFlusher) AppendUpdateFragment(*persistence.UpdateBuilder) bool { return false }

// FlushQuery implements AttributeFlusher.
func (f *IndexedListFlusher) FlushQuery(ctx context.Context, uc *Context, _ persistence.Params, owner *view.Instance, value any) error {
	list := asList(value)
	if err := f.cascadeElements(ctx, uc, currentElements(list), false); err != nil {
		return err
	}
	if f.cascadeOnly || !f.updatable {
		return nil
	}
	if anyUnsaved(currentElements(list)) {
		uc.keepPending(owner, f.Index())
		return nil
	}
	initial := owner.InitialAt(f.Index())
	flushed := flushedElements(initial)
	if old := asList(initial); old != list || old == nil {
		if err := f.replace(ctx, uc, owner, currentElements(list)); err != nil {
			return err
		}
	} else if err := f.replay(ctx, uc, owner, len(flushed), list.Actions()); err != nil {
		return err
	}
	removed, _ := delta(flushed, currentElements(list))
	f.queueOrphans(uc, removed)
	if list != nil {
		uc.resetter.AddList(list)
		list.MarkFlushed()
	}
	return nil
}

// replace rewrites every row of the owner.
func (f *IndexedListFlusher) replace(ctx context.Context, uc *Context, owner *view.Instance, elems []any) error {
	if err := f.exec(ctx, uc, persistence.OpDeleteAll, persistence.Params{persistence.ParamOwner: owner.ID()}); err != nil {
		return err
	}
	for i, e := range elems {
		if err := f.insert(ctx, uc, owner, i, e); err != nil {
			return err
		}
	}
	return nil
}

// replay turns each recorded action into statements. length tracks the
// row count as the actions are applied.
func (f *IndexedListFlusher) replay(ctx context.Context, uc *Context, owner *view.Instance, length int, actions []view.Action) error {
	for _, a := range actions {
		switch a.Kind {
		case view.ActionAdd:
			if a.Index < length {
				if err := f.shift(ctx, uc, owner, a.Index, 1); err != nil {
					return err
				}
			}
			if err := f.insert(ctx, uc, owner, a.Index, a.Element); err != nil {
				return err
			}
			length++
		case view.ActionRemove:
			if err := f.exec(ctx, uc, persistence.OpDeleteIndex, persistence.Params{
				persistence.ParamOwner: owner.ID(),
				persistence.ParamIndex: a.Index,
			}); err != nil {
				return err
			}
			if a.Index < length-1 {
				if err := f.shift(ctx, uc, owner, a.Index+1, -1); err != nil {
					return err
				}
			}
			length--
		case view.ActionSet:
			if err := f.exec(ctx, uc, persistence.OpUpdateIndex, persistence.Params{
				persistence.ParamOwner:   owner.ID(),
				persistence.ParamIndex:   a.Index,
				persistence.ParamElement: f.desc.StoreValue(a.Element),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *IndexedListFlusher) insert(ctx context.Context, uc *Context, owner *view.Instance, index int, e any) error {
	return f.exec(ctx, uc, persistence.OpInsert, persistence.Params{
		persistence.ParamOwner:   owner.ID(),
		persistence.ParamIndex:   index,
		persistence.ParamElement: f.desc.StoreValue(e),
	})
}

func (f *IndexedListFlusher) shift(ctx context.Context, uc *Context, owner *view.Instance, from, by int) error {
	return f.exec(ctx, uc, persistence.OpShiftIndex, persistence.Params{
		persistence.ParamOwner: owner.ID(),
		persistence.ParamIndex: from,
		persistence.ParamDelta: by,
	})
}

// FlushEntity implements AttributeFlusher.
func (f *IndexedListFlusher) FlushEntity(ctx context.Context, uc *Context, e *persistence.Entity, owner *view.Instance, value any) (bool, error) {
	list := asList(value)
	if err := f.cascadeElements(ctx, uc, currentElements(list), false); err != nil {
		return false, err
	}
	if f.cascadeOnly || (!f.updatable && !e.New) {
		return false, nil
	}
	if anyUnsaved(currentElements(list)) {
		uc.keepPending(owner, f.Index())
		return false, nil
	}
	if !e.New {
		removed, _ := delta(flushedElements(owner.InitialAt(f.Index())), currentElements(list))
		f.queueOrphans(uc, removed)
	}
	values := f.storeValues(currentElements(list))
	if list != nil {
		uc.resetter.AddList(list)
		list.MarkFlushed()
	}
	name := f.attr.EntityAttribute().Name
	if !e.New && sameValues(e.Collection(name), values) {
		return false, nil
	}
	e.Plural[name] = values
	return true, nil
}

// Remove implements AttributeFlusher.
func (f *IndexedListFlusher) Remove(_ context.Context, uc *Context, owner *view.Instance, _ any) error {
	f.queueCascadeDelete(uc, flushedElements(owner.InitialAt(f.Index())))
	return nil
}

// DirtyFlusher implements AttributeFlusher.
func (f *IndexedListFlusher) DirtyFlusher(_ *view.Instance, initial, current any) AttributeFlusher {
	list := asList(current)
	if f.updatable {
		switch f.DirtyKind(initial, current) {
		case DirtyUpdated:
			return f.with(false)
		case DirtyMutated:
			if len(list.Actions()) > 0 {
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
func (f *IndexedListFlusher) DirtyKind(initial, current any) DirtyKind {
	return pluralDirtyKind(initial, current)
}
