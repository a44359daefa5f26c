package flush

import (
	"context"
	"fmt"
	"strings"

	"viewsync/internal/core/apperror"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// EntityView implements listener.Scope. It returns a view of type vt for
// idOrView, which is either an identifier or a view of the same entity.
// Views are cached per entity key and phase. A cached view of another type
// is converted; otherwise the view is loaded unless convertOnly is set.
func (uc *Context) EntityView(ctx context.Context, vt *metadata.ViewType, idOrView any, convertOnly, prePhase bool) (*view.Instance, error) {
	if vt == nil {
		return nil, apperror.NewValidation("entity view needs a view type")
	}
	src, isView := idOrView.(*view.Instance)
	if isView && src == nil {
		return nil, nil
	}
	if isView && src.Type() == vt {
		return src, nil
	}
	if isView && src.Type().EntityName != vt.EntityName {
		return nil, apperror.NewValidation(fmt.Sprintf("%s does not map entity %s", vt.Name, src.Type().EntityName))
	}

	var key persistence.EntityKey
	hasKey := true
	switch {
	case isView && src.IsNew():
		hasKey = false
	case isView:
		key = persistence.KeyOf(vt.EntityName, src.ID())
	default:
		key = persistence.KeyOf(vt.EntityName, idOrView)
	}

	if hasKey {
		if cached := uc.cachedView(key, vt, prePhase); cached != nil {
			return cached, nil
		}
	}
	if isView {
		conv := uc.convert(src, vt, map[*view.Instance]*view.Instance{})
		if hasKey {
			uc.cacheView(key, conv, prePhase)
		}
		return conv, nil
	}
	if other := uc.anyCachedView(key, prePhase); other != nil {
		conv := uc.convert(other, vt, map[*view.Instance]*view.Instance{})
		uc.cacheView(key, conv, prePhase)
		return conv, nil
	}
	if convertOnly {
		return nil, nil
	}
	return uc.loadView(ctx, vt, key, prePhase)
}

func (uc *Context) phase(key persistence.EntityKey, prePhase bool) *[]*view.Instance {
	entry := uc.views[key]
	if entry == nil {
		entry = &viewEntry{}
		uc.views[key] = entry
	}
	if prePhase {
		return &entry.pre
	}
	return &entry.post
}

func (uc *Context) cachedView(key persistence.EntityKey, vt *metadata.ViewType, prePhase bool) *view.Instance {
	for _, v := range *uc.phase(key, prePhase) {
		if v.Type() == vt {
			return v
		}
	}
	return nil
}

func (uc *Context) anyCachedView(key persistence.EntityKey, prePhase bool) *view.Instance {
	if list := *uc.phase(key, prePhase); len(list) > 0 {
		return list[0]
	}
	return nil
}

func (uc *Context) cacheView(key persistence.EntityKey, v *view.Instance, prePhase bool) {
	p := uc.phase(key, prePhase)
	*p = append(*p, v)
}

// loadView loads the backing entity of key and builds a clean view of it.
// The view is cached before its references are resolved so that cycles
// resolve to the same instance.
func (uc *Context) loadView(ctx context.Context, vt *metadata.ViewType, key persistence.EntityKey, prePhase bool) (*view.Instance, error) {
	e, err := uc.LoadEntity(ctx, vt.EntityType(), key.ID)
	if err != nil {
		return nil, err
	}
	in := view.Load(vt, e.ID, e.Version, nil)
	uc.cacheView(key, in, prePhase)
	values, err := uc.valuesFromEntity(ctx, vt, e, "", prePhase)
	if err != nil {
		return nil, err
	}
	in.Hydrate(values)
	return in, nil
}

func (uc *Context) valuesFromEntity(ctx context.Context, vt *metadata.ViewType, e *persistence.Entity, prefix string, prePhase bool) (map[string]any, error) {
	values := make(map[string]any, len(vt.Attributes))
	for _, a := range vt.Attributes {
		path := prefix + a.Mapping
		ea := a.EntityAttribute()
		switch a.Kind() {
		case metadata.KindScalar:
			if ea.Kind == metadata.EntityEmbedded {
				values[a.Name] = componentsFromEntity(e, ea, path)
				continue
			}
			values[a.Name] = e.Get(path)
		case metadata.KindEmbedded:
			sub, err := uc.valuesFromEntity(ctx, a.Element(), e, path+".", prePhase)
			if err != nil {
				return nil, err
			}
			values[a.Name] = view.Load(a.Element(), nil, 0, sub)
		case metadata.KindSubview:
			ref := e.Get(path)
			if ref == nil {
				values[a.Name] = nil
				continue
			}
			target, err := uc.EntityView(ctx, a.Element(), ref, false, prePhase)
			if err != nil {
				return nil, err
			}
			values[a.Name] = target
		case metadata.KindCollection:
			elems, err := uc.resolveAll(ctx, a, e.Collection(ea.Name), prePhase)
			if err != nil {
				return nil, err
			}
			values[a.Name] = view.NewList(elems...)
		case metadata.KindMap:
			pairs := e.Pairs(ea.Name)
			kv := make([]any, 0, 2*len(pairs))
			for _, p := range pairs {
				v, err := uc.resolve(ctx, a, p.Value, prePhase)
				if err != nil {
					return nil, err
				}
				kv = append(kv, p.Key, v)
			}
			values[a.Name] = view.NewMap(kv...)
		}
	}
	return values, nil
}

func (uc *Context) resolveAll(ctx context.Context, a *metadata.Attribute, stored []any, prePhase bool) ([]any, error) {
	out := make([]any, len(stored))
	for i, s := range stored {
		v, err := uc.resolve(ctx, a, s, prePhase)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolve maps a stored element to a view for attributes holding views.
func (uc *Context) resolve(ctx context.Context, a *metadata.Attribute, stored any, prePhase bool) (any, error) {
	if a.Element() == nil || stored == nil {
		return stored, nil
	}
	return uc.EntityView(ctx, a.Element(), stored, false, prePhase)
}

// componentsFromEntity rebuilds the nested components map of an embedded
// attribute mapped as a scalar.
func componentsFromEntity(e *persistence.Entity, ea *metadata.EntityAttribute, path string) map[string]any {
	out := make(map[string]any)
	for _, l := range ea.Leaves("") {
		rel := strings.TrimPrefix(l.Path, ea.Name+".")
		parts := strings.Split(rel, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = e.Get(path + "." + rel)
	}
	return out
}

// convert copies src into a view of type vt by matching attribute
// mappings. Owned values (embeddables and collections) are copied; subviews
// of the same type are shared.
func (uc *Context) convert(src *view.Instance, vt *metadata.ViewType, seen map[*view.Instance]*view.Instance) *view.Instance {
	if src.Type() == vt {
		return src
	}
	if done, ok := seen[src]; ok {
		return done
	}
	var out *view.Instance
	if src.IsNew() {
		out = view.New(vt)
	} else {
		out = view.Load(vt, src.ID(), src.Version(), nil)
	}
	seen[src] = out
	values := make(map[string]any, len(vt.Attributes))
	for _, a := range vt.Attributes {
		sa := byMapping(src.Type(), a.Mapping)
		if sa == nil {
			continue
		}
		values[a.Name] = uc.convertValue(a, src.GetAt(sa.Index()), seen)
	}
	if src.IsNew() {
		for name, v := range values {
			out.SetAt(vt.Index(name), v)
		}
		return out
	}
	out.Hydrate(values)
	return out
}

func (uc *Context) convertValue(a *metadata.Attribute, v any, seen map[*view.Instance]*view.Instance) any {
	switch t := v.(type) {
	case *view.Instance:
		if t == nil {
			return nil
		}
		if a.Element() == nil || a.Element() == t.Type() && !t.Type().Embeddable {
			return t
		}
		return uc.convert(t, a.Element(), seen)
	case *view.List:
		elems := t.Elements()
		for i, e := range elems {
			elems[i] = uc.convertElement(a, e, seen)
		}
		return view.NewList(elems...)
	case *view.Map:
		entries := t.Entries()
		kv := make([]any, 0, 2*len(entries))
		for _, e := range entries {
			kv = append(kv, e.Key, uc.convertElement(a, e.Value, seen))
		}
		return view.NewMap(kv...)
	default:
		return v
	}
}

func (uc *Context) convertElement(a *metadata.Attribute, e any, seen map[*view.Instance]*view.Instance) any {
	in, ok := e.(*view.Instance)
	if !ok || in == nil || a.Element() == nil || a.Element() == in.Type() {
		return e
	}
	return uc.convert(in, a.Element(), seen)
}

func byMapping(vt *metadata.ViewType, mapping string) *metadata.Attribute {
	for _, a := range vt.Attributes {
		if a.Mapping == mapping {
			return a
		}
	}
	return nil
}

// --- cascades ---

// persist writes a new view. extra presets backing values, such as the
// foreign key of an inverse collection element. A new view that is still
// new afterwards was vetoed or is being persisted further up the cascade.
func (uc *Context) persist(ctx context.Context, v *view.Instance, extra map[string]any) (Outcome, error) {
	outcome, err := uc.registry.Updater(v.Type()).persist(ctx, uc, v, extra)
	if err == nil && v.IsNew() {
		uc.log.Debugw("cascaded persist left pending", "view_type", v.Type().Name, "outcome", outcome.String())
	}
	return outcome, err
}

// cascadeUpdate flushes a referenced view with its own statement.
func (uc *Context) cascadeUpdate(ctx context.Context, v *view.Instance, nested *Composite) error {
	_, err := uc.registry.Updater(v.Type()).flushView(ctx, uc, v, nested)
	return err
}

// removeView removes a view and cascades into its attributes.
func (uc *Context) removeView(ctx context.Context, v *view.Instance) (Outcome, error) {
	return uc.registry.Updater(v.Type()).Remove(ctx, uc, v)
}

// keepPending marks attribute i of owner as not written by this flush. Its
// initial state is left alone, so the attribute stays dirty after commit.
func (uc *Context) keepPending(owner *view.Instance, i int) {
	uc.pending[pendingAttr{owner: owner, index: i}] = true
}

func (uc *Context) isPending(owner *view.Instance, i int) bool {
	return uc.pending[pendingAttr{owner: owner, index: i}]
}

// unsaved reports whether e is a view element that has no row yet.
func unsaved(e any) bool {
	in, ok := e.(*view.Instance)
	return ok && in != nil && in.IsNew()
}

func anyUnsaved(elems []any) bool {
	for _, e := range elems {
		if unsaved(e) {
			return true
		}
	}
	return false
}
