package view

import (
	"viewsync/internal/metadata"
)

// MapActionKind is the type of a recorded map mutation.
type MapActionKind int

const (
	MapPut MapActionKind = iota
	MapDelete
)

// MapAction is one entry of a recording map's log.
type MapAction struct {
	Kind        MapActionKind
	Key         any
	Value       any
	Previous    any
	HadPrevious bool
}

// Entry is a key/value pair in insertion order.
type Entry struct {
	Key   any
	Value any
}

// Map is a recording map with insertion-ordered keys.
type Map struct {
	attr    *metadata.Attribute
	entries []Entry
	initial []Entry
	actions []MapAction
	dirty   bool
	parent  ParentRef
}

// NewMap creates a clean map from alternating keys and values.
func NewMap(kv ...any) *Map {
	if len(kv)%2 != 0 {
		panic("view: NewMap needs key/value pairs")
	}
	m := &Map{}
	for i := 0; i < len(kv); i += 2 {
		m.entries = append(m.entries, Entry{Key: kv[i], Value: kv[i+1]})
	}
	m.initial = append([]Entry(nil), m.entries...)
	return m
}

func (m *Map) find(entries []Entry, k any) int {
	key := Key(k)
	for i, e := range entries {
		if Key(e.Key) == key {
			return i
		}
	}
	return -1
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Get returns the value stored under k.
func (m *Map) Get(k any) (any, bool) {
	if i := m.find(m.entries, k); i >= 0 {
		return m.entries[i].Value, true
	}
	return nil, false
}

// Entries returns the current entries in insertion order.
func (m *Map) Entries() []Entry { return append([]Entry(nil), m.entries...) }

// InitialEntries returns the last flushed entries.
func (m *Map) InitialEntries() []Entry { return append([]Entry(nil), m.initial...) }

// Actions returns a copy of the pending action log.
func (m *Map) Actions() []MapAction { return append([]MapAction(nil), m.actions...) }

// Attribute returns the attribute the map is bound to, if any.
func (m *Map) Attribute() *metadata.Attribute { return m.attr }

// Put stores v under k and returns the previous value.
func (m *Map) Put(k, v any) (any, bool) {
	a := MapAction{Kind: MapPut, Key: k, Value: v}
	if i := m.find(m.entries, k); i >= 0 {
		a.Previous, a.HadPrevious = m.entries[i].Value, true
		m.entries[i].Value = v
	} else {
		m.entries = append(m.entries, Entry{Key: k, Value: v})
	}
	m.record(a)
	return a.Previous, a.HadPrevious
}

// Delete removes k and returns the removed value.
func (m *Map) Delete(k any) (any, bool) {
	i := m.find(m.entries, k)
	if i < 0 {
		return nil, false
	}
	prev := m.entries[i].Value
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	m.record(MapAction{Kind: MapDelete, Key: k, Previous: prev, HadPrevious: true})
	return prev, true
}

func (m *Map) record(a MapAction) {
	m.actions = append(m.actions, a)
	m.dirty = !m.sameAsInitial()
	notifyParent(m.parent)
}

func (m *Map) sameAsInitial() bool {
	if len(m.entries) != len(m.initial) {
		return false
	}
	for _, e := range m.entries {
		i := m.find(m.initial, e.Key)
		if i < 0 || Key(m.initial[i].Value) != Key(e.Value) {
			return false
		}
	}
	return true
}

// IsDirty implements Tracker.
func (m *Map) IsDirty() bool { return m.dirty }

// DirtyMask implements Tracker. Bit 0 stands for the whole map.
func (m *Map) DirtyMask() Mask {
	if m.dirty {
		return MaskOf(0)
	}
	return Mask{}
}

// MarkClean implements Tracker.
func (m *Map) MarkClean() Mask {
	prev := m.DirtyMask()
	m.dirty = false
	return prev
}

// Settle recomputes the dirty flag against the initial entries.
func (m *Map) Settle() {
	m.dirty = !m.sameAsInitial()
	notifyParent(m.parent)
}

// Restore implements Tracker.
func (m *Map) Restore(mask Mask) { m.dirty = mask.Has(0) }

// Parent returns the owning container.
func (m *Map) Parent() ParentRef { return m.parent }

// SetParent links the map to its owner.
func (m *Map) SetParent(ref ParentRef) { m.parent = ref }

// ChildChanged implements Container.
func (m *Map) ChildChanged(int) { notifyParent(m.parent) }

// ReplaceChild implements Container; old is located among the values by
// identity.
func (m *Map) ReplaceChild(_ int, old, replacement any) bool {
	found := false
	for i := range m.entries {
		if sameRef(m.entries[i].Value, old) {
			m.entries[i].Value = replacement
			found = true
		}
	}
	for i := range m.initial {
		if sameRef(m.initial[i].Value, old) {
			m.initial[i].Value = replacement
		}
	}
	return found
}

// MapState is a snapshot of the flush-relevant state of a map.
type MapState struct {
	Initial []Entry
	Actions []MapAction
	Dirty   bool
}

// State captures the state a rollback must restore.
func (m *Map) State() MapState {
	return MapState{
		Initial: append([]Entry(nil), m.initial...),
		Actions: append([]MapAction(nil), m.actions...),
		Dirty:   m.dirty,
	}
}

// RestoreState puts a captured state back.
func (m *Map) RestoreState(s MapState) {
	m.initial = append([]Entry(nil), s.Initial...)
	m.actions = append([]MapAction(nil), s.Actions...)
	m.dirty = s.Dirty
}

// MarkFlushed promotes the current entries to the initial state and clears
// the action log.
func (m *Map) MarkFlushed() {
	m.initial = append([]Entry(nil), m.entries...)
	m.actions = nil
}
