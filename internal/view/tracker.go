// Package view holds the mutable view instances the flush engine tracks:
// the per-instance dirty mask and initial-state snapshot, and recording
// collections that keep an ordered action log of their mutations.
package view

// Tracker is the change-tracker contract shared by instances and recording
// collections. Dirty bits are set by mutators, never by the flusher.
type Tracker interface {
	IsDirty() bool
	DirtyMask() Mask
	// MarkClean clears the mask and returns the previous one.
	MarkClean() Mask
	// Settle recomputes the mask from the current and initial state. The
	// initial-state resetter calls it at definite commit time.
	Settle()
	Restore(mask Mask)
}

// IsDirty reports whether t has pending changes.
func IsDirty(t Tracker) bool { return t.IsDirty() }

// DirtyMask returns a copy of t's mask.
func DirtyMask(t Tracker) Mask { return t.DirtyMask() }

// MarkClean clears t and returns the previous mask.
func MarkClean(t Tracker) Mask { return t.MarkClean() }

// Restore puts a previously captured mask back.
func Restore(t Tracker, mask Mask) { t.Restore(mask) }

// Container owns nested trackable values and is told when they change.
type Container interface {
	// ChildChanged is called by an owned value whose dirty state changed.
	ChildChanged(index int)
	// ReplaceChild swaps old for replacement at index. It reports whether
	// old was found there.
	ReplaceChild(index int, old, replacement any) bool
}

// ParentRef is an index reference into a parent container: the owning
// object plus the attribute index (or element position) inside it.
type ParentRef struct {
	Parent Container
	Index  int
}

// IsZero reports whether the reference is unset.
func (p ParentRef) IsZero() bool { return p.Parent == nil }

// owned is implemented by values whose dirtiness propagates to a parent.
type owned interface {
	Tracker
	Parent() ParentRef
	SetParent(ref ParentRef)
}

func notifyParent(ref ParentRef) {
	if ref.Parent != nil {
		ref.Parent.ChildChanged(ref.Index)
	}
}
