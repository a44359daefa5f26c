package metadata

// FlushMode controls which attributes are considered for a flush.
type FlushMode int

const (
	// FlushModePartial flushes only dirty attributes.
	FlushModePartial FlushMode = iota
	// FlushModeLazy is partial, but attributes that were never initialized
	// (nil before and after) are always treated as clean.
	FlushModeLazy
	// FlushModeFull visits every attribute on each flush.
	FlushModeFull
)

func (m FlushMode) String() string {
	switch m {
	case FlushModeLazy:
		return "LAZY"
	case FlushModeFull:
		return "FULL"
	default:
		return "PARTIAL"
	}
}

// FlushStrategy selects between full-entity merge and targeted statements.
type FlushStrategy int

const (
	FlushStrategyQuery FlushStrategy = iota
	FlushStrategyEntity
)

func (s FlushStrategy) String() string {
	if s == FlushStrategyEntity {
		return "ENTITY"
	}
	return "QUERY"
}

// CascadeType is one member of a cascade set.
type CascadeType uint8

const (
	CascadePersist CascadeType = 1 << iota
	CascadeUpdate
	CascadeDelete
	// CascadeAuto resolves to PERSIST when the target view is creatable
	// and UPDATE when it is updatable.
	CascadeAuto
)

// CascadeSet is a bit set of CascadeType values.
type CascadeSet uint8

// Cascades builds a set.
func Cascades(types ...CascadeType) CascadeSet {
	var s CascadeSet
	for _, t := range types {
		s |= CascadeSet(t)
	}
	return s
}

// Has reports whether t is in the set.
func (s CascadeSet) Has(t CascadeType) bool { return s&CascadeSet(t) != 0 }

// InverseRemoveStrategy decides what happens to an element removed from the
// owning side of a mapped-by collection.
type InverseRemoveStrategy int

const (
	InverseRemoveIgnore InverseRemoveStrategy = iota
	InverseRemoveSetNull
	InverseRemoveRemove
)

func (s InverseRemoveStrategy) String() string {
	switch s {
	case InverseRemoveSetNull:
		return "SET_NULL"
	case InverseRemoveRemove:
		return "REMOVE"
	default:
		return "IGNORE"
	}
}

// LockMode is the locking applied when a view is flushed.
type LockMode int

const (
	// LockModeAuto is OPTIMISTIC when the entity has a version, NONE otherwise.
	LockModeAuto LockMode = iota
	LockModeOptimistic
	LockModePessimisticRead
	LockModePessimisticWrite
	LockModeNone
)

func (m LockMode) String() string {
	switch m {
	case LockModeOptimistic:
		return "OPTIMISTIC"
	case LockModePessimisticRead:
		return "PESSIMISTIC_READ"
	case LockModePessimisticWrite:
		return "PESSIMISTIC_WRITE"
	case LockModeNone:
		return "NONE"
	default:
		return "AUTO"
	}
}

// AttributeKind is the closed classification of a view attribute.
type AttributeKind int

const (
	KindScalar AttributeKind = iota
	KindEmbedded
	KindSubview
	KindCollection
	KindMap
)

func (k AttributeKind) String() string {
	switch k {
	case KindEmbedded:
		return "embedded"
	case KindSubview:
		return "subview"
	case KindCollection:
		return "collection"
	case KindMap:
		return "map"
	default:
		return "scalar"
	}
}
