package flush

import (
	"context"
	"strconv"
	"strings"

	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// Composite flushes a whole view instance. The full composite holds one
// flusher per attribute; NestedDirtyFlusher derives reduced composites that
// only visit what changed.
type Composite struct {
	viewType *metadata.ViewType
	flushers []AttributeFlusher
	// byIndex and eager are only set on the full composite.
	byIndex   []AttributeFlusher
	eager     []bool
	full      *Composite
	signature string
	query     bool
	lockSafe  bool
}

// signed is implemented by flushers whose fragments differ from the full
// variant of the same attribute.
type signed interface {
	signature() string
}

func newComposite(vt *metadata.ViewType, flushers []AttributeFlusher, full *Composite) *Composite {
	c := &Composite{viewType: vt, flushers: flushers, full: full, query: true}
	if full == nil {
		c.full = c
		c.byIndex = flushers
		c.eager = make([]bool, len(flushers))
		for i, f := range flushers {
			c.eager[i] = DescriptorFor(f.Attribute()).Eager
		}
	}
	parts := make([]string, 0, len(flushers))
	for _, f := range flushers {
		if !f.SupportsQueryFlush() {
			c.query = false
		}
		if f.IsOptimisticLockProtected() {
			c.lockSafe = true
		}
		p := strconv.Itoa(f.Index())
		if s, ok := f.(signed); ok {
			p += s.signature()
		}
		parts = append(parts, p)
	}
	c.signature = strings.Join(parts, ",")
	return c
}

// ViewType returns the flushed view type.
func (c *Composite) ViewType() *metadata.ViewType { return c.viewType }

// Flushers returns the participating attribute flushers.
func (c *Composite) Flushers() []AttributeFlusher { return c.flushers }

// IsFull reports whether c visits every attribute.
func (c *Composite) IsFull() bool { return c.full == c }

// Full returns the full composite c was derived from.
func (c *Composite) Full() *Composite { return c.full }

// SupportsQueryFlush reports whether every participating flusher can be
// written through a targeted statement.
func (c *Composite) SupportsQueryFlush() bool { return c.query }

// IsOptimisticLockProtected reports whether flushing c bumps the version.
func (c *Composite) IsOptimisticLockProtected() bool { return c.lockSafe }

// Signature identifies the set of fragments c contributes.
func (c *Composite) Signature() string { return c.signature }

// NestedDirtyFlusher returns nil when v has nothing to flush, the full
// composite when every attribute must be visited, or a reduced composite of
// the dirty attributes.
func (c *Composite) NestedDirtyFlusher(v *view.Instance, forceFull bool) *Composite {
	full := c.full
	vt := full.viewType
	if forceFull || vt.FlushMode == metadata.FlushModeFull || (v.IsNew() && !vt.Embeddable) {
		return full
	}
	mask := v.DirtyMask()
	var dirty []AttributeFlusher
	seen := make(map[int]bool)
	for _, f := range full.byIndex {
		i := f.Index()
		if !mask.Has(i) && !full.eager[i] {
			continue
		}
		initial, current := v.InitialAt(i), v.GetAt(i)
		if vt.FlushMode == metadata.FlushModeLazy && initial == nil && current == nil {
			continue
		}
		df := f.DirtyFlusher(v, initial, current)
		if df == nil {
			continue
		}
		if !df.SupportsQueryFlush() {
			return full
		}
		dirty = append(dirty, df)
		seen[i] = true
	}
	if len(dirty) == 0 {
		return nil
	}
	for _, f := range full.byIndex {
		if f.IsPassThrough() && !seen[f.Index()] {
			dirty = append(dirty, f)
		}
	}
	if len(dirty) == len(full.byIndex) && allSame(dirty, full.byIndex) {
		return full
	}
	return newComposite(vt, dirty, full)
}

func allSame(a, b []AttributeFlusher) bool {
	byIndex := make(map[int]AttributeFlusher, len(b))
	for _, f := range b {
		byIndex[f.Index()] = f
	}
	for _, f := range a {
		if byIndex[f.Index()] != f {
			return false
		}
	}
	return true
}

// appendFragments collects the SET fragments of every flusher.
func (c *Composite) appendFragments(b *persistence.UpdateBuilder) bool {
	appended := false
	for _, f := range c.flushers {
		if f.AppendUpdateFragment(b) {
			appended = true
		}
	}
	return appended
}

// flushQuery binds parameters and runs cascades for v. Each visited
// attribute's current value becomes its initial state unless the flusher
// left it pending.
func (c *Composite) flushQuery(ctx context.Context, uc *Context, params persistence.Params, v *view.Instance) error {
	uc.resetter.AddState(v)
	for _, f := range c.flushers {
		i := f.Index()
		value := v.GetAt(i)
		if err := f.FlushQuery(ctx, uc, params, v, value); err != nil {
			return err
		}
		if !uc.isPending(v, i) {
			v.SetInitialAt(i, value)
		}
	}
	return nil
}

// flushEntity applies v onto e. Flushers needing the owner id are skipped
// while v is new and returned as deferred.
func (c *Composite) flushEntity(ctx context.Context, uc *Context, e *persistence.Entity, v *view.Instance) (bool, []AttributeFlusher, error) {
	uc.resetter.AddState(v)
	changed := false
	var deferred []AttributeFlusher
	for _, f := range c.flushers {
		i := f.Index()
		value := v.GetAt(i)
		if v.IsNew() && !c.viewType.Embeddable && f.RequiresFlushAfterPersist(value) {
			deferred = append(deferred, f)
			continue
		}
		ch, err := f.FlushEntity(ctx, uc, e, v, value)
		if err != nil {
			return false, nil, err
		}
		changed = changed || ch
		if !uc.isPending(v, i) {
			v.SetInitialAt(i, value)
		}
	}
	return changed, deferred, nil
}

// remove cascades the removal of v into every attribute.
func (c *Composite) remove(ctx context.Context, uc *Context, v *view.Instance) error {
	for _, f := range c.full.byIndex {
		if err := f.Remove(ctx, uc, v, v.GetAt(f.Index())); err != nil {
			return err
		}
	}
	return nil
}

// graphDirty reports whether v, or a view it cascades updates into, has
// pending changes. visited breaks reference cycles.
func graphDirty(v *view.Instance, visited map[*view.Instance]bool) bool {
	if v == nil || visited[v] {
		return false
	}
	visited[v] = true
	if v.IsNew() || v.IsDirty() {
		return true
	}
	for _, a := range v.Type().Attributes {
		if !DescriptorFor(a).Eager {
			continue
		}
		for _, e := range elementsOf(v.GetAt(a.Index())) {
			if in, ok := e.(*view.Instance); ok && graphDirty(in, visited) {
				return true
			}
		}
	}
	return false
}

// elementsOf returns the referenced values of a subview, list or map value.
func elementsOf(value any) []any {
	switch t := value.(type) {
	case *view.Instance:
		return []any{t}
	case *view.List:
		return t.Elements()
	case *view.Map:
		entries := t.Entries()
		out := make([]any, len(entries))
		for i, e := range entries {
			out[i] = e.Value
		}
		return out
	default:
		return nil
	}
}
