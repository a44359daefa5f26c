package metadata

import (
	"fmt"
	"strings"

	"viewsync/internal/core/apperror"
	"viewsync/internal/core/id"
)

// EntityAttributeKind classifies a backing-entity attribute.
type EntityAttributeKind int

const (
	EntityBasic EntityAttributeKind = iota
	EntityEmbedded
	EntityToOne
	EntityCollection
	EntityMap
)

// JoinTable describes the table holding a collection or map association.
type JoinTable struct {
	Table         string
	OwnerColumn   string
	ElementColumn string
	// IndexColumn is set for indexed lists.
	IndexColumn string
	// KeyColumn is set for maps.
	KeyColumn string
}

// EntityAttribute is one mapped attribute of a backing entity.
type EntityAttribute struct {
	Name   string
	Column string
	Kind   EntityAttributeKind
	// Type is the basic type name of a basic column, a collection element or
	// a map value when the association holds scalars.
	Type string
	// KeyType is the basic type of map keys.
	KeyType string
	// Target is the referenced entity of to-one and plural associations
	// holding entities.
	Target string
	// Components of an embedded attribute.
	Components []*EntityAttribute
	JoinTable  *JoinTable
	// MappedBy names the to-one attribute on Target that owns the relation.
	MappedBy string
	Nullable bool
}

// IsPlural reports whether the attribute is a collection or map.
func (a *EntityAttribute) IsPlural() bool {
	return a.Kind == EntityCollection || a.Kind == EntityMap
}

// IsIndexed reports whether the association keeps a list index column.
func (a *EntityAttribute) IsIndexed() bool {
	return a.JoinTable != nil && a.JoinTable.IndexColumn != ""
}

// Leaf is a flattened column-bearing attribute path.
type Leaf struct {
	Path   string
	Column string
	Attr   *EntityAttribute
}

// Leaves flattens embedded components into dotted paths.
func (a *EntityAttribute) Leaves(prefix string) []Leaf {
	path := a.Name
	if prefix != "" {
		path = prefix + "." + a.Name
	}
	switch a.Kind {
	case EntityEmbedded:
		var out []Leaf
		for _, c := range a.Components {
			out = append(out, c.Leaves(path)...)
		}
		return out
	case EntityBasic, EntityToOne:
		return []Leaf{{Path: path, Column: a.Column, Attr: a}}
	default:
		return nil
	}
}

// EntityType is the metamodel of one backing entity.
type EntityType struct {
	Name       string
	Table      string
	ID         *EntityAttribute
	Version    *EntityAttribute
	Attributes []*EntityAttribute
	// Generator assigns ids on insert. Nil means the store generates them.
	Generator id.Generator

	byName map[string]*EntityAttribute
	leaves []Leaf
}

// Attribute resolves a possibly dotted attribute path.
func (e *EntityType) Attribute(path string) *EntityAttribute {
	head, rest, nested := strings.Cut(path, ".")
	a := e.byName[head]
	if a == nil || !nested {
		return a
	}
	for _, part := range strings.Split(rest, ".") {
		if a.Kind != EntityEmbedded {
			return nil
		}
		var next *EntityAttribute
		for _, c := range a.Components {
			if c.Name == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		a = next
	}
	return a
}

// Leaves returns every column-bearing path except id and version.
func (e *EntityType) Leaves() []Leaf {
	return e.leaves
}

// Column returns the column for a leaf path, or "" when unknown.
func (e *EntityType) Column(path string) string {
	if e.ID != nil && path == e.ID.Name {
		return e.ID.Column
	}
	if e.Version != nil && path == e.Version.Name {
		return e.Version.Column
	}
	if a := e.Attribute(path); a != nil {
		return a.Column
	}
	return ""
}

// Plural returns the plural attributes in declaration order.
func (e *EntityType) Plural() []*EntityAttribute {
	var out []*EntityAttribute
	for _, a := range e.Attributes {
		if a.IsPlural() {
			out = append(out, a)
		}
	}
	return out
}

// Metamodel is the set of backing entity types known to a store.
type Metamodel struct {
	entities map[string]*EntityType
	ordered  []*EntityType
}

// NewMetamodel validates and indexes entity types.
func NewMetamodel(types ...*EntityType) (*Metamodel, error) {
	mm := &Metamodel{entities: make(map[string]*EntityType, len(types))}
	for _, et := range types {
		if err := et.init(); err != nil {
			return nil, err
		}
		if _, dup := mm.entities[et.Name]; dup {
			return nil, apperror.NewConfiguration("entity %s registered twice", et.Name)
		}
		mm.entities[et.Name] = et
		mm.ordered = append(mm.ordered, et)
	}
	for _, et := range mm.ordered {
		for _, a := range et.Attributes {
			if err := mm.checkAssociation(et, a); err != nil {
				return nil, err
			}
		}
	}
	return mm, nil
}

// Entity returns the named entity type or nil.
func (m *Metamodel) Entity(name string) *EntityType {
	return m.entities[name]
}

// Entities returns all entity types in registration order.
func (m *Metamodel) Entities() []*EntityType {
	return m.ordered
}

func (e *EntityType) init() error {
	if e.Name == "" || e.Table == "" {
		return apperror.NewConfiguration("entity needs a name and a table")
	}
	if e.ID == nil || e.ID.Column == "" {
		return apperror.NewConfiguration("entity %s has no identifier mapping", e.Name)
	}
	e.byName = make(map[string]*EntityAttribute, len(e.Attributes))
	e.leaves = nil
	for _, a := range e.Attributes {
		if _, dup := e.byName[a.Name]; dup {
			return apperror.NewConfiguration("entity %s: attribute %s declared twice", e.Name, a.Name)
		}
		if a.Name == e.ID.Name || (e.Version != nil && a.Name == e.Version.Name) {
			return apperror.NewConfiguration("entity %s: attribute %s shadows id/version", e.Name, a.Name)
		}
		e.byName[a.Name] = a
		e.leaves = append(e.leaves, a.Leaves("")...)
	}
	for _, l := range e.leaves {
		if l.Column == "" {
			return apperror.NewConfiguration("entity %s: attribute %s has no column", e.Name, l.Path)
		}
	}
	return nil
}

func (m *Metamodel) checkAssociation(owner *EntityType, a *EntityAttribute) error {
	where := fmt.Sprintf("entity %s attribute %s", owner.Name, a.Name)
	if a.Target != "" && m.entities[a.Target] == nil {
		return apperror.NewConfiguration("%s: unknown target entity %s", where, a.Target)
	}
	if !a.IsPlural() {
		if a.Kind == EntityToOne && a.Target == "" {
			return apperror.NewConfiguration("%s: to-one attribute needs a target", where)
		}
		return nil
	}
	if a.MappedBy != "" {
		if a.Kind == EntityMap {
			return apperror.NewConfiguration("%s: mapped-by maps are not supported", where)
		}
		target := m.entities[a.Target]
		if target == nil {
			return apperror.NewConfiguration("%s: mapped-by collection needs a target entity", where)
		}
		inverse := target.Attribute(a.MappedBy)
		if inverse == nil || inverse.Kind != EntityToOne || inverse.Target != owner.Name {
			return apperror.NewConfiguration("%s: %s.%s is not a to-one attribute referencing %s",
				where, target.Name, a.MappedBy, owner.Name)
		}
		return nil
	}
	jt := a.JoinTable
	if jt == nil || jt.Table == "" || jt.OwnerColumn == "" || jt.ElementColumn == "" {
		return apperror.NewConfiguration("%s: plural attribute needs a join table or mapped-by", where)
	}
	if a.Kind == EntityMap && jt.KeyColumn == "" {
		return apperror.NewConfiguration("%s: map needs a key column", where)
	}
	return nil
}
