package flush

import (
	"viewsync/internal/metadata"
	"viewsync/internal/view"
)

// TypeDescriptor is the per-attribute metadata a flusher is built from.
type TypeDescriptor struct {
	Kind metadata.AttributeKind
	// Basic describes scalar values or plural elements holding scalars.
	Basic *metadata.BasicType
	// Element is the view type of subviews, embeddables and view elements.
	Element        *metadata.ViewType
	Mutable        bool
	Identifiable   bool
	CascadePersist bool
	CascadeUpdate  bool
	CascadeDelete  bool
	OrphanRemoval  bool
	// Eager attributes are considered on every flush, even when their dirty
	// bit is clear, because the referenced values carry their own state.
	Eager bool
}

// DescriptorFor classifies an attribute.
func DescriptorFor(a *metadata.Attribute) TypeDescriptor {
	c := a.EffectiveCascade()
	d := TypeDescriptor{
		Kind:           a.Kind(),
		Basic:          a.Basic(),
		Element:        a.Element(),
		CascadePersist: c.Has(metadata.CascadePersist),
		CascadeUpdate:  c.Has(metadata.CascadeUpdate),
		CascadeDelete:  c.Has(metadata.CascadeDelete),
		OrphanRemoval:  a.OrphanRemoval,
	}
	switch {
	case d.Element != nil && d.Element.Embeddable:
		d.Mutable = d.Element.IsMutable()
	case d.Element != nil:
		d.Identifiable = true
		d.Mutable = d.Element.IsMutable()
		d.Eager = d.CascadeUpdate && d.Element.Updatable
	case d.Basic != nil:
		d.Mutable = d.Basic.Mutable
	}
	return d
}

// IsView reports whether values are view instances.
func (d TypeDescriptor) IsView() bool { return d.Element != nil }

// Equal compares two values: by basic type equality for scalars and by
// identity for views.
func (d TypeDescriptor) Equal(a, b any) bool {
	if d.Basic != nil {
		return d.Basic.IsEqual(a, b)
	}
	return view.Key(a) == view.Key(b)
}

// StoreValue converts an element to what a statement binds: the id of a
// view, the value itself otherwise.
func (d TypeDescriptor) StoreValue(v any) any {
	if in, ok := v.(*view.Instance); ok {
		return in.ID()
	}
	return v
}
