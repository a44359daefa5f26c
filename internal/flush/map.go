package flush

import (
	"context"

	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// MapFlusher writes a keyed association by diffing the flushed entries
// against the current ones per key.
type MapFlusher struct {
	pluralBase
}

func newMapFlusher(r *Registry, owner *metadata.ViewType, a *metadata.Attribute, statements bool) *MapFlusher {
	return &MapFlusher{pluralBase: pluralBase{
		attributeBase: newAttributeBase(r, owner, a, "", ""),
		statements:    statements,
	}}
}

func (f *MapFlusher) with(cascadeOnly bool) *MapFlusher {
	c := *f
	c.cascadeOnly = cascadeOnly
	return &c
}

type mapDelta struct {
	deleted  []view.Entry
	inserted []view.Entry
	updated  []view.Entry
	// replaced holds the previous values of updated entries.
	replaced []any
}

func (d mapDelta) isEmpty() bool {
	return len(d.deleted) == 0 && len(d.inserted) == 0 && len(d.updated) == 0
}

func diffEntries(initial, current []view.Entry) mapDelta {
	var d mapDelta
	before := make(map[any]view.Entry, len(initial))
	for _, e := range initial {
		before[view.Key(e.Key)] = e
	}
	seen := make(map[any]bool, len(current))
	for _, e := range current {
		k := view.Key(e.Key)
		seen[k] = true
		prev, ok := before[k]
		switch {
		case !ok:
			d.inserted = append(d.inserted, e)
		case view.Key(prev.Value) != view.Key(e.Value):
			d.updated = append(d.updated, e)
			d.replaced = append(d.replaced, prev.Value)
		}
	}
	for _, e := range initial {
		if !seen[view.Key(e.Key)] {
			d.deleted = append(d.deleted, e)
		}
	}
	return d
}

func asMap(v any) *view.Map {
	m, _ := v.(*view.Map)
	return m
}

func flushedEntries(initial any) []view.Entry {
	if m := asMap(initial); m != nil {
		return m.InitialEntries()
	}
	return nil
}

func currentEntries(value any) []view.Entry {
	if m := asMap(value); m != nil {
		return m.Entries()
	}
	return nil
}

func entryValues(entries []view.Entry) []any {
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

func (f *MapFlusher) orphans(d mapDelta) []any {
	return append(entryValues(d.deleted), d.replaced...)
}

// AppendUpdateFragment implements AttributeFlusher.
func (f *MapFlusher) AppendUpdateFragment(*persistence.UpdateBuilder) bool { return false }

// FlushQuery implements AttributeFlusher.
func (f *MapFlusher) FlushQuery(ctx context.Context, uc *Context, _ persistence.Params, owner *view.Instance, value any) error {
	m := asMap(value)
	if err := f.cascadeElements(ctx, uc, entryValues(currentEntries(m)), false); err != nil {
		return err
	}
	if f.cascadeOnly || !f.updatable {
		return nil
	}
	if anyUnsaved(entryValues(currentEntries(m))) {
		uc.keepPending(owner, f.Index())
		return nil
	}
	d := diffEntries(flushedEntries(owner.InitialAt(f.Index())), currentEntries(m))
	for _, e := range d.deleted {
		if err := f.exec(ctx, uc, persistence.OpDeleteKey, persistence.Params{
			persistence.ParamOwner: owner.ID(),
			persistence.ParamKey:   e.Key,
		}); err != nil {
			return err
		}
	}
	for _, e := range d.updated {
		if err := f.exec(ctx, uc, persistence.OpUpdateKey, f.entryParams(owner, e)); err != nil {
			return err
		}
	}
	for _, e := range d.inserted {
		if err := f.exec(ctx, uc, persistence.OpInsert, f.entryParams(owner, e)); err != nil {
			return err
		}
	}
	f.queueOrphans(uc, f.orphans(d))
	f.markFlushed(uc, m)
	return nil
}

func (f *MapFlusher) entryParams(owner *view.Instance, e view.Entry) persistence.Params {
	return persistence.Params{
		persistence.ParamOwner:   owner.ID(),
		persistence.ParamKey:     e.Key,
		persistence.ParamElement: f.desc.StoreValue(e.Value),
	}
}

func (f *MapFlusher) markFlushed(uc *Context, m *view.Map) {
	if m == nil {
		return
	}
	uc.resetter.AddMap(m)
	m.MarkFlushed()
}

// FlushEntity implements AttributeFlusher.
func (f *MapFlusher) FlushEntity(ctx context.Context, uc *Context, e *persistence.Entity, owner *view.Instance, value any) (bool, error) {
	m := asMap(value)
	if err := f.cascadeElements(ctx, uc, entryValues(currentEntries(m)), false); err != nil {
		return false, err
	}
	if f.cascadeOnly || (!f.updatable && !e.New) {
		return false, nil
	}
	if anyUnsaved(entryValues(currentEntries(m))) {
		uc.keepPending(owner, f.Index())
		return false, nil
	}
	if !e.New {
		f.queueOrphans(uc, f.orphans(diffEntries(flushedEntries(owner.InitialAt(f.Index())), currentEntries(m))))
	}
	entries := currentEntries(m)
	pairs := make([]persistence.Pair, len(entries))
	for i, en := range entries {
		pairs[i] = persistence.Pair{Key: en.Key, Value: f.desc.StoreValue(en.Value)}
	}
	f.markFlushed(uc, m)
	name := f.attr.EntityAttribute().Name
	if !e.New && samePairs(e.Pairs(name), pairs) {
		return false, nil
	}
	e.Plural[name] = pairs
	return true, nil
}

func samePairs(a, b []persistence.Pair) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[any]any, len(a))
	for _, p := range a {
		index[view.Key(p.Key)] = view.Key(p.Value)
	}
	for _, p := range b {
		v, ok := index[view.Key(p.Key)]
		if !ok || v != view.Key(p.Value) {
			return false
		}
	}
	return true
}

// Remove implements AttributeFlusher.
func (f *MapFlusher) Remove(_ context.Context, uc *Context, owner *view.Instance, _ any) error {
	f.queueCascadeDelete(uc, entryValues(flushedEntries(owner.InitialAt(f.Index()))))
	return nil
}

// DirtyFlusher implements AttributeFlusher.
func (f *MapFlusher) DirtyFlusher(_ *view.Instance, initial, current any) AttributeFlusher {
	m := asMap(current)
	if f.updatable {
		switch f.DirtyKind(initial, current) {
		case DirtyUpdated:
			return f.with(false)
		case DirtyMutated:
			if !diffEntries(m.InitialEntries(), m.Entries()).isEmpty() {
				return f.with(false)
			}
		}
	}
	if m != nil && f.elementsNeedFlush(entryValues(m.Entries())) {
		return f.with(true)
	}
	return nil
}

// DirtyKind implements AttributeFlusher.
func (f *MapFlusher) DirtyKind(initial, current any) DirtyKind {
	return pluralDirtyKind(initial, current)
}
