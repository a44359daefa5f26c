package view

import (
	"fmt"

	"viewsync/internal/core/apperror"
	"viewsync/internal/core/id"
	"viewsync/internal/metadata"
)

// Instance is a mutable view object. Values are addressed by attribute
// index; the initial state holds the last flushed value of each attribute.
type Instance struct {
	typ     *metadata.ViewType
	id      any
	version int64
	values  []any
	initial []any
	dirty   Mask
	isNew   bool

	parent          ParentRef
	readOnlyParents []ParentRef
}

// New creates an instance that is not persisted yet.
func New(vt *metadata.ViewType) *Instance {
	n := len(vt.Attributes)
	return &Instance{
		typ:     vt,
		values:  make([]any, n),
		initial: make([]any, n),
		isNew:   true,
	}
}

// Load creates a clean instance for an existing backing object. It panics
// on an unknown attribute name.
func Load(vt *metadata.ViewType, ident any, version int64, values map[string]any) *Instance {
	n := len(vt.Attributes)
	in := &Instance{
		typ:     vt,
		id:      ident,
		version: version,
		values:  make([]any, n),
		initial: make([]any, n),
	}
	in.Hydrate(values)
	return in
}

// Hydrate assigns values and takes the result as the clean initial state.
// Loaders use it to fill an instance after it was registered, so that
// cyclic references resolve to the same object.
func (in *Instance) Hydrate(values map[string]any) {
	for name, v := range values {
		a := in.typ.Attribute(name)
		if a == nil {
			panic(fmt.Sprintf("view: %s has no attribute %q", in.typ.Name, name))
		}
		in.values[a.Index()] = v
		in.attach(a.Index(), v)
	}
	for i, a := range in.typ.Attributes {
		in.initial[i] = snapshotValue(a, in.values[i])
	}
	in.dirty = Mask{}
}

func snapshotValue(a *metadata.Attribute, v any) any {
	if a.Kind() == metadata.KindScalar && a.Basic() != nil {
		return a.Basic().CloneValue(v)
	}
	return v
}

// Type returns the view type.
func (in *Instance) Type() *metadata.ViewType { return in.typ }

// ID returns the identifier, nil for new or embeddable instances.
func (in *Instance) ID() any { return in.id }

// Version returns the optimistic-lock version.
func (in *Instance) Version() int64 { return in.version }

// IsNew reports whether the instance has not been persisted yet.
func (in *Instance) IsNew() bool { return in.isNew }

// Get returns the current value of the named attribute.
func (in *Instance) Get(name string) any {
	a := in.typ.Attribute(name)
	if a == nil {
		return nil
	}
	return in.values[a.Index()]
}

// GetAt returns the current value at attribute index i.
func (in *Instance) GetAt(i int) any { return in.values[i] }

// Initial returns the last flushed value of the named attribute.
func (in *Instance) Initial(name string) any {
	a := in.typ.Attribute(name)
	if a == nil {
		return nil
	}
	return in.initial[a.Index()]
}

// InitialAt returns the last flushed value at index i.
func (in *Instance) InitialAt(i int) any { return in.initial[i] }

// Set assigns an attribute and updates its dirty bit.
func (in *Instance) Set(name string, v any) error {
	a := in.typ.Attribute(name)
	if a == nil {
		return apperror.NewValidation(fmt.Sprintf("%s has no attribute %q", in.typ.Name, name))
	}
	if !a.Updatable && !in.isNew && !in.typ.Embeddable {
		return apperror.NewValidation(fmt.Sprintf("attribute %s of %s is not updatable", name, in.typ.Name))
	}
	in.SetAt(a.Index(), v)
	return nil
}

// SetAt assigns attribute i without the updatable check.
func (in *Instance) SetAt(i int, v any) {
	old := in.values[i]
	if o, ok := old.(owned); ok && !sameRef(old, v) && o.Parent().Parent == Container(in) {
		o.SetParent(ParentRef{})
	}
	in.values[i] = v
	in.attach(i, v)
	in.refresh(i)
}

func (in *Instance) attach(i int, v any) {
	a := in.typ.Attributes[i]
	switch t := v.(type) {
	case *List:
		t.attr = a
		t.SetParent(ParentRef{Parent: in, Index: i})
	case *Map:
		t.attr = a
		t.SetParent(ParentRef{Parent: in, Index: i})
	case *Instance:
		if t.typ.Embeddable {
			t.SetParent(ParentRef{Parent: in, Index: i})
		} else if t.isNew && !a.Updatable {
			t.AddReadOnlyParent(ParentRef{Parent: in, Index: i})
		}
	}
}

// refresh recomputes bit i: set iff the value differs from the initial
// state or an owned value is itself dirty.
func (in *Instance) refresh(i int) {
	a := in.typ.Attributes[i]
	cur, init := in.values[i], in.initial[i]
	changed := false
	if a.Kind() == metadata.KindScalar && a.Basic() != nil {
		changed = !a.Basic().IsEqual(init, cur)
	} else {
		changed = !sameRef(init, cur)
	}
	if !changed {
		if o, ok := cur.(owned); ok && o.IsDirty() {
			changed = true
		}
	}
	if changed {
		in.dirty.Set(i)
	} else {
		in.dirty.Clear(i)
	}
	notifyParent(in.parent)
}

// IsDirty implements Tracker.
func (in *Instance) IsDirty() bool { return !in.dirty.IsZero() }

// DirtyMask implements Tracker.
func (in *Instance) DirtyMask() Mask { return in.dirty.Clone() }

// MarkClean implements Tracker.
func (in *Instance) MarkClean() Mask {
	prev := in.dirty
	in.dirty = Mask{}
	return prev
}

// Settle recomputes every bit against the initial state. Values changed
// after the last flush keep their bits.
func (in *Instance) Settle() {
	for i := range in.values {
		in.refresh(i)
	}
}

// Restore implements Tracker.
func (in *Instance) Restore(mask Mask) {
	in.dirty = mask.Clone()
}

// MarkDirty sets bit i regardless of the value.
func (in *Instance) MarkDirty(i int) {
	in.dirty.Set(i)
	notifyParent(in.parent)
}

// ChildChanged implements Container.
func (in *Instance) ChildChanged(index int) {
	if index >= 0 && index < len(in.values) {
		in.refresh(index)
	}
}

// ReplaceChild implements Container.
func (in *Instance) ReplaceChild(index int, old, replacement any) bool {
	if index < 0 || index >= len(in.values) || !sameRef(in.values[index], old) {
		return false
	}
	in.values[index] = replacement
	if sameRef(in.initial[index], old) {
		in.initial[index] = replacement
	}
	return true
}

// Parent returns the owning container of an embeddable instance.
func (in *Instance) Parent() ParentRef { return in.parent }

// SetParent links the instance to its owner.
func (in *Instance) SetParent(ref ParentRef) { in.parent = ref }

// ReadOnlyParents returns containers that reference this new instance
// through non-updatable attributes.
func (in *Instance) ReadOnlyParents() []ParentRef {
	return append([]ParentRef(nil), in.readOnlyParents...)
}

// AddReadOnlyParent registers a read-only reference.
func (in *Instance) AddReadOnlyParent(ref ParentRef) {
	for _, p := range in.readOnlyParents {
		if p == ref {
			return
		}
	}
	in.readOnlyParents = append(in.readOnlyParents, ref)
}

// SetReadOnlyParents replaces the read-only references.
func (in *Instance) SetReadOnlyParents(refs []ParentRef) {
	in.readOnlyParents = append([]ParentRef(nil), refs...)
}

// --- engine state transitions ---

// SetID assigns the identifier.
func (in *Instance) SetID(v any) { in.id = v }

// SetVersion assigns the optimistic-lock version.
func (in *Instance) SetVersion(v int64) { in.version = v }

// MarkPersisted clears the new flag. The identifier must be set.
func (in *Instance) MarkPersisted() error {
	if in.typ.HasIdentity() && id.IsZero(in.id) {
		return apperror.NewValidation(fmt.Sprintf("%s cannot leave the new state without an id", in.typ.Name))
	}
	in.isNew = false
	return nil
}

// MarkNew puts the instance back into the new state.
func (in *Instance) MarkNew() { in.isNew = true }

// InitialState returns a copy of the initial-state array.
func (in *Instance) InitialState() []any {
	return append([]any(nil), in.initial...)
}

// SetInitialState replaces the initial-state array.
func (in *Instance) SetInitialState(state []any) {
	copy(in.initial, state)
}

// SetInitialAt records v as the last flushed value of attribute i.
func (in *Instance) SetInitialAt(i int, v any) {
	in.initial[i] = snapshotValue(in.typ.Attributes[i], v)
}

// String is for logs.
func (in *Instance) String() string {
	if in.isNew {
		return fmt.Sprintf("%s(new)", in.typ.Name)
	}
	return fmt.Sprintf("%s(%v)", in.typ.Name, in.id)
}

func sameRef(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case *Instance:
		y, ok := b.(*Instance)
		return ok && x == y
	case *List:
		y, ok := b.(*List)
		return ok && x == y
	case *Map:
		y, ok := b.(*Map)
		return ok && x == y
	default:
		return false
	}
}
