package flush

import (
	"context"
	"fmt"

	"viewsync/internal/core/apperror"
	"viewsync/internal/listener"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// inverseFlusher maintains a mapped-by collection by writing the foreign
// key held by each element.
type inverseFlusher struct {
	child         *metadata.EntityType
	fkPath        string
	strategy      metadata.InverseRemoveStrategy
	cascadeDelete bool
	// link is UPDATE <Child> e SET e.<fk> = :_owner WHERE e.<id> = :_id.
	link *persistence.UpdateStatement
}

func newInverseFlusher(r *Registry, a *metadata.Attribute) *inverseFlusher {
	ea := a.EntityAttribute()
	child := r.metadata.Metamodel().Entity(ea.Target)
	var b persistence.UpdateBuilder
	b.Set(ea.MappedBy, persistence.ParamOwner)
	strategy := a.InverseRemove
	if a.OrphanRemoval {
		strategy = metadata.InverseRemoveRemove
	}
	return &inverseFlusher{
		child:         child,
		fkPath:        ea.MappedBy,
		strategy:      strategy,
		cascadeDelete: a.EffectiveCascade().Has(metadata.CascadeDelete) || a.OrphanRemoval,
		link:          b.Build(child.Name, child.ID.Name, ""),
	}
}

// apply links added elements to owner and handles removed ones according
// to the remove strategy. entityMode writes through merges instead of
// targeted statements. A new element whose persist is vetoed stays new and
// unlinked.
func (f *inverseFlusher) apply(ctx context.Context, uc *Context, owner *view.Instance, removed, added []any, entityMode bool) error {
	for _, e := range removed {
		child, ok := e.(*view.Instance)
		if !ok || child == nil || child.IsNew() {
			continue
		}
		if err := f.unlink(ctx, uc, child, entityMode); err != nil {
			return err
		}
	}
	for _, e := range added {
		child, ok := e.(*view.Instance)
		if !ok || child == nil {
			continue
		}
		if child.IsNew() {
			if _, err := uc.persist(ctx, child, map[string]any{f.fkPath: owner.ID()}); err != nil {
				return err
			}
			continue
		}
		if err := f.setOwner(ctx, uc, child, owner.ID(), entityMode); err != nil {
			return err
		}
	}
	return nil
}

func (f *inverseFlusher) unlink(ctx context.Context, uc *Context, child *view.Instance, entityMode bool) error {
	switch f.strategy {
	case metadata.InverseRemoveSetNull:
		return f.setOwner(ctx, uc, child, nil, entityMode)
	case metadata.InverseRemoveRemove:
		return f.removeChild(ctx, uc, child, entityMode)
	default:
		return nil
	}
}

// removeChild deletes child. When a listener may veto the removal, a
// vetoed child is unlinked instead so that it no longer references the
// owner.
func (f *inverseFlusher) removeChild(ctx context.Context, uc *Context, child *view.Instance, entityMode bool) error {
	outcome, err := uc.removeView(ctx, child)
	if err != nil {
		return err
	}
	if outcome != OutcomeVetoed || !uc.listeners.HasPossiblyCancelling(listener.PreRemove, f.child.Name) {
		return nil
	}
	if fk := f.child.Attribute(f.fkPath); fk != nil && !fk.Nullable {
		return apperror.NewValidation(fmt.Sprintf("removal of %s(%v) was vetoed but %s.%s cannot be cleared",
			f.child.Name, child.ID(), f.child.Name, f.fkPath))
	}
	uc.log.Debugw("element removal vetoed, unlinking", "entity", f.child.Name, "id", child.ID())
	return f.setOwner(ctx, uc, child, nil, entityMode)
}

func (f *inverseFlusher) setOwner(ctx context.Context, uc *Context, child *view.Instance, ownerID any, entityMode bool) error {
	if uc.IsRemoved(child) {
		return nil
	}
	if entityMode {
		loaded, err := uc.LoadEntity(ctx, f.child, child.ID())
		if err != nil {
			return err
		}
		e := loaded.Clone()
		e.Set(f.fkPath, ownerID)
		merged, err := uc.Merge(ctx, e)
		if err != nil {
			return err
		}
		if f.child.Version != nil {
			uc.resetter.AddState(child)
			child.SetVersion(merged.Version)
		}
		return nil
	}
	n, err := uc.Execute(ctx, f.link, persistence.Params{
		persistence.ParamOwner: ownerID,
		persistence.ParamID:    child.ID(),
	})
	if err != nil {
		return err
	}
	if n != 1 {
		return apperror.NewOptimisticLock(f.child.Name, child.ID(), child.Type().Name)
	}
	return nil
}

// removeOwner runs before the owner row is deleted so that no element
// keeps referencing it.
func (f *inverseFlusher) removeOwner(ctx context.Context, uc *Context, elems []any) error {
	for _, e := range elems {
		child, ok := e.(*view.Instance)
		if !ok || child == nil || child.IsNew() {
			continue
		}
		var err error
		switch {
		case f.cascadeDelete || f.strategy == metadata.InverseRemoveRemove:
			err = f.removeChild(ctx, uc, child, false)
		case f.strategy == metadata.InverseRemoveSetNull:
			err = f.setOwner(ctx, uc, child, nil, false)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
