package persistence

import (
	"viewsync/internal/metadata"
)

// EntityKey identifies one backing row within an update context.
type EntityKey struct {
	Entity string
	ID     any
}

// KeyOf builds an EntityKey.
func KeyOf(entity string, id any) EntityKey {
	return EntityKey{Entity: entity, ID: id}
}

// Pair is one map entry of a plural attribute.
type Pair struct {
	Key   any
	Value any
}

// Entity is a backing object. Values holds basic columns and to-one
// foreign keys by dotted leaf path. Plural holds join-table contents by
// attribute name: []any for collections, []Pair for maps, and referenced
// ids for mapped-by collections.
type Entity struct {
	Type    *metadata.EntityType
	ID      any
	Version int64
	Values  map[string]any
	Plural  map[string]any
	New     bool
	// Reference marks an entity that was not loaded, only identified.
	Reference bool
}

// NewEntity creates an unsaved entity of type et.
func NewEntity(et *metadata.EntityType) *Entity {
	return &Entity{
		Type:   et,
		Values: make(map[string]any),
		Plural: make(map[string]any),
		New:    true,
	}
}

// NewReference identifies an existing row without loading it.
func NewReference(et *metadata.EntityType, id any) *Entity {
	return &Entity{
		Type:      et,
		ID:        id,
		Values:    make(map[string]any),
		Plural:    make(map[string]any),
		Reference: true,
	}
}

// Key returns the EntityKey of e.
func (e *Entity) Key() EntityKey {
	return KeyOf(e.Type.Name, e.ID)
}

// Get returns the value at a leaf path.
func (e *Entity) Get(path string) any { return e.Values[path] }

// Set assigns the value at a leaf path.
func (e *Entity) Set(path string, v any) { e.Values[path] = v }

// Collection returns the elements of a plural attribute.
func (e *Entity) Collection(name string) []any {
	c, _ := e.Plural[name].([]any)
	return c
}

// Pairs returns the entries of a map attribute.
func (e *Entity) Pairs(name string) []Pair {
	p, _ := e.Plural[name].([]Pair)
	return p
}

// Clone returns a shallow copy with independent value maps.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Values = make(map[string]any, len(e.Values))
	for k, v := range e.Values {
		c.Values[k] = v
	}
	c.Plural = make(map[string]any, len(e.Plural))
	for k, v := range e.Plural {
		switch t := v.(type) {
		case []any:
			c.Plural[k] = append([]any(nil), t...)
		case []Pair:
			c.Plural[k] = append([]Pair(nil), t...)
		default:
			c.Plural[k] = v
		}
	}
	return &c
}
