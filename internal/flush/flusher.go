package flush

import (
	"context"

	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// DirtyKind classifies the change of one attribute.
type DirtyKind int

const (
	DirtyNone DirtyKind = iota
	// DirtyUpdated means the attribute now holds a different value or
	// identity.
	DirtyUpdated
	// DirtyMutated means the same object was changed in place.
	DirtyMutated
)

// AttributeFlusher is the write-back strategy for one attribute. Flushers
// are built once per view type and shared; they keep no per-instance state.
type AttributeFlusher interface {
	// Attribute is the flushed attribute.
	Attribute() *metadata.Attribute
	// Index is the attribute index in the owning view type.
	Index() int

	// AppendUpdateFragment contributes "e.<path> = :<param>" fragments to a
	// targeted statement and reports whether anything was appended.
	AppendUpdateFragment(b *persistence.UpdateBuilder) bool
	// FlushQuery binds parameters for the appended fragments and runs
	// cascades and join-table statements.
	FlushQuery(ctx context.Context, uc *Context, params persistence.Params, owner *view.Instance, value any) error
	// FlushEntity applies value onto the backing entity and reports whether
	// the entity changed.
	FlushEntity(ctx context.Context, uc *Context, e *persistence.Entity, owner *view.Instance, value any) (bool, error)
	// Remove cascades the removal of owner into value.
	Remove(ctx context.Context, uc *Context, owner *view.Instance, value any) error

	// IsPassThrough is true for attributes that contribute no fragment but
	// are still visited for cascading.
	IsPassThrough() bool
	SupportsQueryFlush() bool
	IsOptimisticLockProtected() bool
	// RequiresFlushAfterPersist reports whether the owner must have an id
	// before value can be flushed.
	RequiresFlushAfterPersist(value any) bool

	// DirtyFlusher returns the flusher needed for the change from initial to
	// current, or nil when there is nothing to flush.
	DirtyFlusher(owner *view.Instance, initial, current any) AttributeFlusher
	// DirtyKind classifies the change from initial to current. DirtyFlusher
	// implementations branch on it.
	DirtyKind(initial, current any) DirtyKind
}

// attributeBase carries what every attribute flusher shares.
type attributeBase struct {
	attr       *metadata.Attribute
	desc       TypeDescriptor
	path       string
	param      string
	updatable  bool
	lockSafe   bool
	registry   *Registry
	ownerType  *metadata.ViewType
	entityName string
}

func newAttributeBase(r *Registry, owner *metadata.ViewType, a *metadata.Attribute, pathPrefix, paramPrefix string) attributeBase {
	return attributeBase{
		attr:       a,
		desc:       DescriptorFor(a),
		path:       pathPrefix + a.Mapping,
		param:      paramPrefix + a.Name,
		updatable:  a.Updatable,
		lockSafe:   a.IsOptimisticLockProtected(),
		registry:   r,
		ownerType:  owner,
		entityName: owner.EntityName,
	}
}

func (b *attributeBase) Attribute() *metadata.Attribute { return b.attr }
func (b *attributeBase) Index() int                     { return b.attr.Index() }
func (b *attributeBase) IsPassThrough() bool            { return !b.updatable }
