package flush

import (
	"context"
	"strings"

	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// BasicFlusher writes a scalar attribute. A composite value without an
// embeddable view (a components map) expands into one fragment per leaf.
type BasicFlusher struct {
	attributeBase
	components []string
}

func newBasicFlusher(r *Registry, owner *metadata.ViewType, a *metadata.Attribute, pathPrefix, paramPrefix string) *BasicFlusher {
	f := &BasicFlusher{attributeBase: newAttributeBase(r, owner, a, pathPrefix, paramPrefix)}
	if ea := a.EntityAttribute(); ea.Kind == metadata.EntityEmbedded {
		for _, l := range ea.Leaves("") {
			f.components = append(f.components, strings.TrimPrefix(l.Path, ea.Name+"."))
		}
	}
	return f
}

func (f *BasicFlusher) leafParam(rel string) string {
	return f.param + "_" + strings.ReplaceAll(rel, ".", "_")
}

// AppendUpdateFragment implements AttributeFlusher.
func (f *BasicFlusher) AppendUpdateFragment(b *persistence.UpdateBuilder) bool {
	if !f.updatable {
		return false
	}
	if f.components == nil {
		b.Set(f.path, f.param)
		return true
	}
	for _, rel := range f.components {
		b.Set(f.path+"."+rel, f.leafParam(rel))
	}
	return true
}

// FlushQuery implements AttributeFlusher.
func (f *BasicFlusher) FlushQuery(_ context.Context, _ *Context, params persistence.Params, _ *view.Instance, value any) error {
	if !f.updatable {
		return nil
	}
	if f.components == nil {
		params[f.param] = value
		return nil
	}
	for _, rel := range f.components {
		params[f.leafParam(rel)] = componentAt(value, rel)
	}
	return nil
}

// FlushEntity implements AttributeFlusher.
func (f *BasicFlusher) FlushEntity(_ context.Context, _ *Context, e *persistence.Entity, _ *view.Instance, value any) (bool, error) {
	if !f.updatable && !e.New {
		return false, nil
	}
	if f.components == nil {
		if !e.New && f.desc.Basic.IsEqual(e.Get(f.path), value) {
			return false, nil
		}
		e.Set(f.path, f.desc.Basic.CloneValue(value))
		return true, nil
	}
	changed := false
	for _, rel := range f.components {
		path := f.path + "." + rel
		v := componentAt(value, rel)
		if e.New || view.Key(e.Get(path)) != view.Key(v) {
			e.Set(path, v)
			changed = true
		}
	}
	return changed, nil
}

// Remove implements AttributeFlusher.
func (f *BasicFlusher) Remove(context.Context, *Context, *view.Instance, any) error { return nil }

func (f *BasicFlusher) SupportsQueryFlush() bool              { return true }
func (f *BasicFlusher) IsOptimisticLockProtected() bool       { return f.updatable && f.lockSafe }
func (f *BasicFlusher) RequiresFlushAfterPersist(_ any) bool { return false }

// DirtyFlusher implements AttributeFlusher.
func (f *BasicFlusher) DirtyFlusher(_ *view.Instance, initial, current any) AttributeFlusher {
	if !f.updatable || f.DirtyKind(initial, current) == DirtyNone {
		return nil
	}
	return f
}

// DirtyKind implements AttributeFlusher.
func (f *BasicFlusher) DirtyKind(initial, current any) DirtyKind {
	if f.desc.Basic.IsEqual(initial, current) {
		return DirtyNone
	}
	return DirtyUpdated
}

// componentAt walks a nested components map along a dotted path.
func componentAt(value any, rel string) any {
	cur := value
	for _, part := range strings.Split(rel, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}
