package view

import (
	"viewsync/internal/metadata"
)

// ActionKind is the type of a recorded collection mutation.
type ActionKind int

const (
	ActionAdd ActionKind = iota
	ActionRemove
	ActionSet
)

func (k ActionKind) String() string {
	switch k {
	case ActionRemove:
		return "remove"
	case ActionSet:
		return "set"
	default:
		return "add"
	}
}

// Action is one entry of a recording collection's log. Index is the
// position at the time of the mutation; Previous is the replaced or
// removed element.
type Action struct {
	Kind     ActionKind
	Index    int
	Element  any
	Previous any
}

// List is a recording collection. Mutations append to an ordered action log
// that the collection flushers replay and the resetter restores on rollback.
type List struct {
	attr    *metadata.Attribute
	elems   []any
	initial []any
	actions []Action
	dirty   bool
	parent  ParentRef
}

// NewList creates a clean list holding elems.
func NewList(elems ...any) *List {
	return &List{
		elems:   append([]any(nil), elems...),
		initial: append([]any(nil), elems...),
	}
}

// Len returns the number of elements.
func (l *List) Len() int { return len(l.elems) }

// At returns the element at i.
func (l *List) At(i int) any { return l.elems[i] }

// Elements returns a copy of the current elements.
func (l *List) Elements() []any { return append([]any(nil), l.elems...) }

// InitialElements returns a copy of the last flushed elements.
func (l *List) InitialElements() []any { return append([]any(nil), l.initial...) }

// Actions returns a copy of the pending action log.
func (l *List) Actions() []Action { return append([]Action(nil), l.actions...) }

// Attribute returns the attribute the list is bound to, if any.
func (l *List) Attribute() *metadata.Attribute { return l.attr }

// Append adds e at the end.
func (l *List) Append(e any) {
	l.Insert(len(l.elems), e)
}

// Insert adds e at position i.
func (l *List) Insert(i int, e any) {
	l.elems = append(l.elems, nil)
	copy(l.elems[i+1:], l.elems[i:])
	l.elems[i] = e
	l.record(Action{Kind: ActionAdd, Index: i, Element: e})
	l.trackReadOnly(e)
}

// Set replaces the element at i and returns the previous one.
func (l *List) Set(i int, e any) any {
	prev := l.elems[i]
	l.elems[i] = e
	l.record(Action{Kind: ActionSet, Index: i, Element: e, Previous: prev})
	l.trackReadOnly(e)
	return prev
}

// RemoveAt removes and returns the element at i.
func (l *List) RemoveAt(i int) any {
	prev := l.elems[i]
	l.elems = append(l.elems[:i], l.elems[i+1:]...)
	l.record(Action{Kind: ActionRemove, Index: i, Previous: prev})
	return prev
}

// Remove removes the first element matching e by Key.
func (l *List) Remove(e any) bool {
	k := Key(e)
	for i, x := range l.elems {
		if Key(x) == k {
			l.RemoveAt(i)
			return true
		}
	}
	return false
}

// Contains reports whether an element matching e by Key is present.
func (l *List) Contains(e any) bool {
	k := Key(e)
	for _, x := range l.elems {
		if Key(x) == k {
			return true
		}
	}
	return false
}

// Clear removes every element.
func (l *List) Clear() {
	for i := len(l.elems) - 1; i >= 0; i-- {
		l.RemoveAt(i)
	}
}

func (l *List) record(a Action) {
	l.actions = append(l.actions, a)
	l.dirty = !sameElements(l.initial, l.elems)
	notifyParent(l.parent)
}

func (l *List) trackReadOnly(e any) {
	if in, ok := e.(*Instance); ok && in.isNew && l.attr != nil && !l.attr.Updatable {
		in.AddReadOnlyParent(ParentRef{Parent: l, Index: -1})
	}
}

// IsDirty implements Tracker.
func (l *List) IsDirty() bool { return l.dirty }

// DirtyMask implements Tracker. Bit 0 stands for the whole collection.
func (l *List) DirtyMask() Mask {
	if l.dirty {
		return MaskOf(0)
	}
	return Mask{}
}

// MarkClean implements Tracker.
func (l *List) MarkClean() Mask {
	prev := l.DirtyMask()
	l.dirty = false
	return prev
}

// Settle recomputes the dirty flag against the initial elements.
func (l *List) Settle() {
	l.dirty = !sameElements(l.initial, l.elems)
	notifyParent(l.parent)
}

// Restore implements Tracker.
func (l *List) Restore(mask Mask) { l.dirty = mask.Has(0) }

// Parent returns the owning container.
func (l *List) Parent() ParentRef { return l.parent }

// SetParent links the list to its owner.
func (l *List) SetParent(ref ParentRef) { l.parent = ref }

// ChildChanged implements Container.
func (l *List) ChildChanged(int) { notifyParent(l.parent) }

// ReplaceChild implements Container. index is ignored; old is located by
// identity.
func (l *List) ReplaceChild(_ int, old, replacement any) bool {
	found := false
	for i, e := range l.elems {
		if sameRef(e, old) {
			l.elems[i] = replacement
			found = true
		}
	}
	for i, e := range l.initial {
		if sameRef(e, old) {
			l.initial[i] = replacement
		}
	}
	return found
}

// ListState is a snapshot of the flush-relevant state of a list.
type ListState struct {
	Initial []any
	Actions []Action
	Dirty   bool
}

// State captures the state a rollback must restore.
func (l *List) State() ListState {
	return ListState{
		Initial: append([]any(nil), l.initial...),
		Actions: append([]Action(nil), l.actions...),
		Dirty:   l.dirty,
	}
}

// RestoreState puts a captured state back.
func (l *List) RestoreState(s ListState) {
	l.initial = append([]any(nil), s.Initial...)
	l.actions = append([]Action(nil), s.Actions...)
	l.dirty = s.Dirty
}

// MarkFlushed promotes the current elements to the initial state and
// clears the action log. The dirty flag stays until commit.
func (l *List) MarkFlushed() {
	l.initial = append([]any(nil), l.elems...)
	l.actions = nil
}

// MarkFlushedExcept is MarkFlushed for a write that left out the elements
// matched by pending. Those stay outside the initial state, so the next
// flush adds them again.
func (l *List) MarkFlushedExcept(pending func(any) bool) {
	var initial []any
	for _, e := range l.elems {
		if !pending(e) {
			initial = append(initial, e)
		}
	}
	l.initial = initial
	l.actions = nil
}
