package metadata

// ViewType is the static mapping of one view type onto its backing entity.
// Fields above the blank line are declared by the caller; the rest is
// resolved by Builder.Build and read-only afterwards.
type ViewType struct {
	Name       string
	EntityName string
	// Embeddable views have no identity and map an embedded composite.
	Embeddable bool
	// IDMapping must name the entity id attribute. Empty means the entity id.
	IDMapping     string
	Updatable     bool
	Creatable     bool
	FlushMode     FlushMode
	FlushStrategy FlushStrategy
	LockMode      LockMode
	Attributes    []*Attribute

	entity   *EntityType
	scope    *EntityType
	byName   map[string]*Attribute
	lockMode LockMode
	built    bool
}

// EntityType returns the backing entity.
func (v *ViewType) EntityType() *EntityType { return v.entity }

// Attribute returns the named attribute or nil.
func (v *ViewType) Attribute(name string) *Attribute { return v.byName[name] }

// Index returns the attribute index for name, or -1.
func (v *ViewType) Index(name string) int {
	if a := v.byName[name]; a != nil {
		return a.index
	}
	return -1
}

// HasIdentity reports whether instances carry an identifier.
func (v *ViewType) HasIdentity() bool { return !v.Embeddable }

// IsMutable reports whether instances can be flushed at all.
func (v *ViewType) IsMutable() bool { return v.Updatable || v.Creatable }

// EffectiveLockMode is LockMode with AUTO resolved.
func (v *ViewType) EffectiveLockMode() LockMode { return v.lockMode }

// IsVersioned reports whether flushes carry an optimistic version check.
func (v *ViewType) IsVersioned() bool {
	return v.lockMode == LockModeOptimistic && v.entity != nil && v.entity.Version != nil && !v.Embeddable
}

// Attribute is one view attribute.
type Attribute struct {
	Name string
	// Mapping is the entity attribute path, relative to the embedded
	// composite for attributes of embeddable views.
	Mapping string
	// Type overrides the basic type name inferred from the mapping.
	Type string
	// KeyType overrides the map key basic type.
	KeyType string
	// ElementView names the view type of a subview, an embeddable, or the
	// elements of a plural attribute.
	ElementView   string
	Updatable     bool
	OrphanRemoval bool
	Cascade       CascadeSet
	InverseRemove InverseRemoveStrategy
	// NoLock excludes changes of this attribute from the version increment.
	NoLock bool

	index      int
	kind       AttributeKind
	entityAttr *EntityAttribute
	basic      *BasicType
	keyBasic   *BasicType
	element    *ViewType
	cascade    CascadeSet
}

// Index is the position of the attribute in its view type.
func (a *Attribute) Index() int { return a.index }

// Kind is the closed classification computed at build time.
func (a *Attribute) Kind() AttributeKind { return a.kind }

// EntityAttribute is the mapped backing attribute.
func (a *Attribute) EntityAttribute() *EntityAttribute { return a.entityAttr }

// Basic is the basic type of scalar values or plural elements. Nil when the
// elements are views.
func (a *Attribute) Basic() *BasicType { return a.basic }

// KeyBasic is the basic type of map keys.
func (a *Attribute) KeyBasic() *BasicType { return a.keyBasic }

// Element is the view type of subviews, embeddables and view elements.
func (a *Attribute) Element() *ViewType { return a.element }

// EffectiveCascade is the cascade set with AUTO resolved.
func (a *Attribute) EffectiveCascade() CascadeSet { return a.cascade }

// IsInverse reports whether the attribute is the non-owning side of a
// mapped-by association.
func (a *Attribute) IsInverse() bool {
	return a.entityAttr != nil && a.entityAttr.MappedBy != ""
}

// IsIndexed reports whether the attribute is an indexed list.
func (a *Attribute) IsIndexed() bool {
	return a.entityAttr != nil && a.entityAttr.IsIndexed()
}

// IsOptimisticLockProtected reports whether changes bump the owner version.
func (a *Attribute) IsOptimisticLockProtected() bool { return !a.NoLock }
