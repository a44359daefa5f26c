package metadata

import (
	"fmt"
	"strings"

	"viewsync/internal/core/apperror"
)

// Registry is the resolved, immutable mapping model shared by every flush.
// It is built once at startup and passed explicitly to the engine.
type Registry struct {
	metamodel *Metamodel
	basics    map[string]*BasicType
	views     map[string]*ViewType
	ordered   []*ViewType
}

// Metamodel returns the backing entity metamodel.
func (r *Registry) Metamodel() *Metamodel { return r.metamodel }

// View returns the named view type or nil.
func (r *Registry) View(name string) *ViewType { return r.views[name] }

// Views returns view types in registration order.
func (r *Registry) Views() []*ViewType { return r.ordered }

// BasicType returns the named basic type or nil.
func (r *Registry) BasicType(name string) *BasicType { return r.basics[name] }

// Builder collects view types and basic types and validates them together.
type Builder struct {
	metamodel *Metamodel
	basics    map[string]*BasicType
	views     []*ViewType
}

// NewBuilder starts a registry over mm with the built-in basic types.
func NewBuilder(mm *Metamodel) *Builder {
	b := &Builder{metamodel: mm, basics: make(map[string]*BasicType)}
	for _, bt := range BuiltinBasicTypes() {
		b.basics[bt.Name] = bt
	}
	return b
}

// RegisterBasicType adds or replaces a basic type.
func (b *Builder) RegisterBasicType(bt *BasicType) *Builder {
	b.basics[bt.Name] = bt
	return b
}

// Register adds view types.
func (b *Builder) Register(types ...*ViewType) *Builder {
	b.views = append(b.views, types...)
	return b
}

// Build resolves every view type. Any inconsistency is a configuration error.
func (b *Builder) Build() (*Registry, error) {
	if b.metamodel == nil {
		return nil, apperror.NewConfiguration("registry needs a metamodel")
	}
	r := &Registry{
		metamodel: b.metamodel,
		basics:    b.basics,
		views:     make(map[string]*ViewType, len(b.views)),
	}
	for _, vt := range b.views {
		if vt.Name == "" {
			return nil, apperror.NewConfiguration("view type without a name")
		}
		if _, dup := r.views[vt.Name]; dup {
			return nil, apperror.NewConfiguration("view type %s registered twice", vt.Name)
		}
		et := b.metamodel.Entity(vt.EntityName)
		if et == nil {
			return nil, apperror.NewConfiguration("view type %s: unknown entity %s", vt.Name, vt.EntityName)
		}
		vt.entity = et
		vt.built = false
		r.views[vt.Name] = vt
		r.ordered = append(r.ordered, vt)
	}

	for _, vt := range r.ordered {
		if vt.Embeddable {
			continue
		}
		if vt.IDMapping == "" {
			vt.IDMapping = vt.entity.ID.Name
		}
		if vt.IDMapping != vt.entity.ID.Name {
			return nil, apperror.NewConfiguration(
				"view type %s: id mapping %q does not match entity id %q",
				vt.Name, vt.IDMapping, vt.entity.ID.Name)
		}
		if err := r.resolve(vt, vt.entity); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) resolve(vt *ViewType, scope *EntityType) error {
	if vt.built {
		return r.checkScope(vt, scope)
	}
	vt.built = true
	vt.scope = scope
	vt.byName = make(map[string]*Attribute, len(vt.Attributes))

	switch {
	case vt.Embeddable:
		vt.lockMode = LockModeNone
	case vt.LockMode == LockModeAuto:
		vt.lockMode = LockModeNone
		if vt.entity.Version != nil {
			vt.lockMode = LockModeOptimistic
		}
	case vt.LockMode == LockModeOptimistic && vt.entity.Version == nil:
		return apperror.NewConfiguration("view type %s: optimistic locking needs a version attribute on %s",
			vt.Name, vt.entity.Name)
	default:
		vt.lockMode = vt.LockMode
	}

	for i, a := range vt.Attributes {
		if _, dup := vt.byName[a.Name]; dup {
			return apperror.NewConfiguration("view type %s: attribute %s declared twice", vt.Name, a.Name)
		}
		a.index = i
		vt.byName[a.Name] = a
		if err := r.resolveAttribute(vt, scope, a); err != nil {
			return err
		}
	}
	return nil
}

// checkScope verifies that an embeddable reused under another composite
// still resolves every mapping.
func (r *Registry) checkScope(vt *ViewType, scope *EntityType) error {
	for _, a := range vt.Attributes {
		ea := scope.Attribute(a.Mapping)
		if ea == nil || ea.Kind != a.entityAttr.Kind {
			return apperror.NewConfiguration("embeddable view %s: mapping %s does not resolve in %s",
				vt.Name, a.Mapping, scope.Name)
		}
	}
	return nil
}

func (r *Registry) resolveAttribute(vt *ViewType, scope *EntityType, a *Attribute) error {
	where := fmt.Sprintf("view type %s attribute %s", vt.Name, a.Name)
	if a.Mapping == "" {
		a.Mapping = a.Name
	}
	ea := scope.Attribute(a.Mapping)
	if ea == nil {
		return apperror.NewConfiguration("%s: mapping %q not found on %s", where, a.Mapping, scope.Name)
	}
	a.entityAttr = ea
	if strings.HasPrefix(a.Name, "_") {
		return apperror.NewConfiguration("%s: names starting with '_' are reserved", where)
	}
	if vt.Embeddable && ea.IsPlural() {
		return apperror.NewConfiguration("%s: embeddable views cannot hold plural attributes", where)
	}
	if a.Updatable && !vt.IsMutable() {
		return apperror.NewConfiguration("%s: updatable attribute in a read-only view type", where)
	}

	var typeName string
	switch ea.Kind {
	case EntityBasic:
		if a.ElementView != "" {
			return apperror.NewConfiguration("%s: basic mapping cannot use a subview", where)
		}
		a.kind = KindScalar
		typeName = coalesce(a.Type, ea.Type)
	case EntityEmbedded:
		if a.ElementView == "" {
			a.kind = KindScalar
			typeName = TypeComponents
			break
		}
		elem, err := r.element(where, a.ElementView)
		if err != nil {
			return err
		}
		if !elem.Embeddable {
			return apperror.NewConfiguration("%s: %s is not an embeddable view", where, elem.Name)
		}
		a.kind = KindEmbedded
		a.element = elem
		if err := r.resolve(elem, componentScope(scope, ea)); err != nil {
			return err
		}
	case EntityToOne:
		if a.ElementView == "" {
			a.kind = KindScalar
			typeName = coalesce(a.Type, ea.Type, r.metamodel.Entity(ea.Target).ID.Type)
			break
		}
		elem, err := r.targetView(where, a.ElementView, ea.Target)
		if err != nil {
			return err
		}
		a.kind = KindSubview
		a.element = elem
	case EntityCollection, EntityMap:
		a.kind = KindCollection
		if ea.Kind == EntityMap {
			a.kind = KindMap
			keyName := coalesce(a.KeyType, ea.KeyType)
			if a.keyBasic = r.basics[keyName]; a.keyBasic == nil {
				return apperror.NewConfiguration("%s: unknown map key type %q", where, keyName)
			}
		}
		if a.ElementView != "" {
			elem, err := r.targetView(where, a.ElementView, ea.Target)
			if err != nil {
				return err
			}
			a.element = elem
			break
		}
		if ea.MappedBy != "" {
			return apperror.NewConfiguration("%s: mapped-by collections must hold views", where)
		}
		typeName = a.Type
		if typeName == "" {
			typeName = ea.Type
		}
		if typeName == "" && ea.Target != "" {
			typeName = r.metamodel.Entity(ea.Target).ID.Type
		}
	}

	if a.element == nil {
		if a.basic = r.basics[typeName]; a.basic == nil {
			return apperror.NewConfiguration("%s: unknown basic type %q", where, typeName)
		}
	}

	if a.OrphanRemoval && a.kind != KindSubview && a.kind != KindCollection && a.kind != KindMap {
		return apperror.NewConfiguration("%s: orphan removal needs an association", where)
	}
	if a.InverseRemove != InverseRemoveIgnore && !a.IsInverse() {
		return apperror.NewConfiguration("%s: inverse remove strategy needs a mapped-by collection", where)
	}

	a.cascade = a.Cascade
	if a.element != nil && !a.element.Embeddable && (a.cascade == 0 || a.cascade.Has(CascadeAuto)) {
		a.cascade &^= CascadeSet(CascadeAuto)
		if a.element.Creatable {
			a.cascade |= CascadeSet(CascadePersist)
		}
		if a.element.Updatable {
			a.cascade |= CascadeSet(CascadeUpdate)
		}
	}
	return nil
}

func (r *Registry) element(where, name string) (*ViewType, error) {
	elem := r.views[name]
	if elem == nil {
		return nil, apperror.NewConfiguration("%s: unknown view type %s", where, name)
	}
	return elem, nil
}

func (r *Registry) targetView(where, name, target string) (*ViewType, error) {
	elem, err := r.element(where, name)
	if err != nil {
		return nil, err
	}
	if elem.Embeddable || elem.EntityName != target {
		return nil, apperror.NewConfiguration("%s: view %s does not map entity %s", where, name, target)
	}
	return elem, nil
}

// componentScope exposes the components of an embedded attribute as a
// pseudo entity so embeddable views resolve relative mappings against it.
func componentScope(owner *EntityType, ea *EntityAttribute) *EntityType {
	scope := &EntityType{
		Name:       owner.Name + "." + ea.Name,
		Attributes: ea.Components,
		byName:     make(map[string]*EntityAttribute, len(ea.Components)),
	}
	for _, c := range ea.Components {
		scope.byName[c.Name] = c
	}
	return scope
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
