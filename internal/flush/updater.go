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

// Updater is the update plan builder of one view type. It decides between
// a targeted statement and a merge of the backing entity, and runs the
// persist and remove plans.
type Updater struct {
	registry  *Registry
	viewType  *metadata.ViewType
	entity    *metadata.EntityType
	composite *Composite
	version   *VersionFlusher

	// Full statements are built once; reduced ones go through the
	// registry's template cache.
	fullPlain     *persistence.UpdateStatement
	fullVersioned *persistence.UpdateStatement
}

func newUpdater(r *Registry, vt *metadata.ViewType) (*Updater, error) {
	et := vt.EntityType()
	if vt.IDMapping != et.ID.Name {
		return nil, apperror.NewConfiguration("view type %s: id mapping %q does not match entity id %q",
			vt.Name, vt.IDMapping, et.ID.Name)
	}
	u := &Updater{
		registry:  r,
		viewType:  vt,
		entity:    et,
		composite: r.Composite(vt),
		version:   newVersionFlusher(vt),
	}
	u.fullPlain = u.build(u.composite, false)
	if u.version != nil {
		u.fullVersioned = u.build(u.composite, true)
	}
	return u, nil
}

// ViewType returns the flushed view type.
func (u *Updater) ViewType() *metadata.ViewType { return u.viewType }

// Composite returns the full composite of the view type.
func (u *Updater) Composite() *Composite { return u.composite }

// build renders the statement for c. It returns nil when there is nothing
// to set.
func (u *Updater) build(c *Composite, versioned bool) *persistence.UpdateStatement {
	var b persistence.UpdateBuilder
	c.appendFragments(&b)
	versionPath := ""
	if versioned {
		u.version.AppendUpdateFragment(&b)
		versionPath = u.version.Path()
	}
	if b.Len() == 0 {
		return nil
	}
	return b.Build(u.entity.Name, u.entity.ID.Name, versionPath)
}

// Statement returns the targeted statement for c.
func (u *Updater) Statement(c *Composite, versioned bool) *persistence.UpdateStatement {
	versioned = versioned && u.version != nil
	if c.IsFull() {
		if versioned {
			return u.fullVersioned
		}
		return u.fullPlain
	}
	key := templateKey{viewType: u.viewType.Name, signature: c.Signature(), versioned: versioned}
	return u.registry.template(key, func() *persistence.UpdateStatement {
		return u.build(c, versioned)
	})
}

func (u *Updater) check(v *view.Instance) error {
	if v == nil {
		return apperror.NewValidation("cannot flush a nil view")
	}
	if v.Type() != u.viewType {
		return apperror.NewValidation(fmt.Sprintf("updater of %s cannot flush a %s", u.viewType.Name, v.Type().Name))
	}
	return nil
}

// Update flushes v. New views are persisted; otherwise only what changed
// since the last flush is written unless forceFull is set.
func (u *Updater) Update(ctx context.Context, uc *Context, v *view.Instance, forceFull bool) (Outcome, error) {
	if err := u.check(v); err != nil {
		return OutcomeNoop, err
	}
	if uc.IsRemoved(v) {
		return OutcomeNoop, nil
	}
	if v.IsNew() {
		return u.persist(ctx, uc, v, nil)
	}
	nested := u.composite.NestedDirtyFlusher(v, forceFull)
	if nested == nil {
		uc.log.Debugw("nothing to flush", "view_type", u.viewType.Name, "id", v.ID())
		return OutcomeNoop, nil
	}
	return u.flushView(ctx, uc, v, nested)
}

// flushView writes nested for an existing view. A view already being
// flushed further up the cascade is skipped.
func (u *Updater) flushView(ctx context.Context, uc *Context, v *view.Instance, nested *Composite) (Outcome, error) {
	if uc.flushing[v] {
		return OutcomeNoop, nil
	}
	uc.flushing[v] = true
	defer delete(uc.flushing, v)

	if v.IsNew() {
		return u.persist(ctx, uc, v, nil)
	}
	if err := u.lockPessimistic(ctx, uc, v); err != nil {
		return OutcomeNoop, err
	}
	if u.viewType.FlushStrategy == metadata.FlushStrategyEntity || !nested.SupportsQueryFlush() {
		return u.flushEntity(ctx, uc, v, nested, nil)
	}
	return u.flushQuery(ctx, uc, v, nested)
}

func (u *Updater) lockPessimistic(ctx context.Context, uc *Context, v *view.Instance) error {
	switch mode := u.viewType.EffectiveLockMode(); mode {
	case metadata.LockModePessimisticRead, metadata.LockModePessimisticWrite:
		return uc.lock(ctx, u.entity.Name, v.ID(), mode)
	default:
		return nil
	}
}

func (u *Updater) flushQuery(ctx context.Context, uc *Context, v *view.Instance, nested *Composite) (Outcome, error) {
	ok, err := uc.invoke(ctx, listener.PreUpdate, v, nil)
	if err != nil {
		return OutcomeNoop, err
	}
	if !ok {
		return OutcomeVetoed, nil
	}

	key := persistence.KeyOf(u.entity.Name, v.ID())
	versioned := u.version != nil && nested.IsOptimisticLockProtected() && uc.AddVersionCheck(key)
	params := persistence.Params{persistence.ParamID: v.ID()}
	if err := nested.flushQuery(ctx, uc, params, v); err != nil {
		return OutcomeNoop, err
	}

	if stmt := u.Statement(nested, versioned); stmt != nil {
		if versioned {
			u.version.Bind(params, v)
		}
		uc.log.Debugw("flush query", "view_type", u.viewType.Name, "id", v.ID(), "statement", stmt.String())
		n, err := uc.Execute(ctx, stmt, params)
		if err != nil {
			return OutcomeNoop, err
		}
		if n != 1 {
			optimisticLockTotal.WithLabelValues(u.entity.Name).Inc()
			uc.log.Warnw("optimistic lock conflict", "view_type", u.viewType.Name, "entity", u.entity.Name, "id", v.ID(), "rows", n)
			return OutcomeNoop, apperror.NewOptimisticLock(u.entity.Name, v.ID(), u.viewType.Name).
				WithDetail("version", v.Version())
		}
		if versioned {
			next := u.version.Next(v)
			v.SetVersion(next)
			uc.recordVersion(key, next)
		}
	} else if rec, ok := uc.checkedVersion(key); ok && rec != v.Version() {
		v.SetVersion(rec)
	}

	uc.resetter.AddUpdated(v)
	if _, err := uc.invoke(ctx, listener.PostUpdate, v, nil); err != nil {
		return OutcomeNoop, err
	}
	return OutcomeUpdated, nil
}

// flushEntity applies nested onto the backing entity and merges it. When
// target is nil the entity is loaded; otherwise target is written instead.
func (u *Updater) flushEntity(ctx context.Context, uc *Context, v *view.Instance, nested *Composite, target *persistence.Entity) (Outcome, error) {
	key := persistence.KeyOf(u.entity.Name, v.ID())
	work := target
	if work == nil {
		loaded, err := uc.LoadEntity(ctx, u.entity, v.ID())
		if err != nil {
			if apperror.IsLoadFailure(err) {
				optimisticLockTotal.WithLabelValues(u.entity.Name).Inc()
				return OutcomeNoop, apperror.NewOptimisticLock(u.entity.Name, v.ID(), u.viewType.Name).WithCause(err)
			}
			return OutcomeNoop, err
		}
		work = loaded.Clone()
	}
	if u.version != nil && uc.AddVersionCheck(key) && work.Version != v.Version() {
		optimisticLockTotal.WithLabelValues(u.entity.Name).Inc()
		return OutcomeNoop, apperror.NewOptimisticLock(u.entity.Name, v.ID(), u.viewType.Name).
			WithDetail("version", v.Version()).
			WithDetail("stored_version", work.Version)
	}

	ok, err := uc.invoke(ctx, listener.PreUpdate, v, work)
	if err != nil {
		return OutcomeNoop, err
	}
	if !ok {
		return OutcomeVetoed, nil
	}

	changed, _, err := nested.flushEntity(ctx, uc, work, v)
	if err != nil {
		return OutcomeNoop, err
	}
	merged := work
	if changed || target != nil {
		uc.log.Debugw("flush entity", "view_type", u.viewType.Name, "id", v.ID())
		if merged, err = uc.Merge(ctx, work); err != nil {
			return OutcomeNoop, err
		}
		if u.version != nil {
			v.SetVersion(merged.Version)
			uc.recordVersion(key, merged.Version)
		}
	}

	uc.resetter.AddUpdated(v)
	if _, err := uc.invoke(ctx, listener.PostUpdate, v, merged); err != nil {
		return OutcomeNoop, err
	}
	return OutcomeMerged, nil
}

// persist inserts a new view. extra presets backing values before the
// attributes are applied. Flushers that need the owner id run after the
// insert and may cause a second merge.
func (u *Updater) persist(ctx context.Context, uc *Context, v *view.Instance, extra map[string]any) (Outcome, error) {
	return u.persistInto(ctx, uc, v, persistence.NewEntity(u.entity), extra)
}

func (u *Updater) persistInto(ctx context.Context, uc *Context, v *view.Instance, e *persistence.Entity, extra map[string]any) (Outcome, error) {
	if err := u.check(v); err != nil {
		return OutcomeNoop, err
	}
	if uc.persisting[v] || !v.IsNew() {
		return OutcomeNoop, nil
	}
	if !u.viewType.Creatable {
		return OutcomeNoop, apperror.NewValidation(fmt.Sprintf("%s is not creatable", u.viewType.Name))
	}
	uc.persisting[v] = true
	defer delete(uc.persisting, v)

	for path, value := range extra {
		e.Set(path, value)
	}
	ok, err := uc.invoke(ctx, listener.PrePersist, v, e)
	if err != nil {
		return OutcomeNoop, err
	}
	if !ok {
		return OutcomeVetoed, nil
	}

	_, deferred, err := u.composite.flushEntity(ctx, uc, e, v)
	if err != nil {
		return OutcomeNoop, err
	}
	merged, err := uc.Merge(ctx, e)
	if err != nil {
		return OutcomeNoop, err
	}
	v.SetID(merged.ID)
	if u.version != nil {
		v.SetVersion(merged.Version)
	}
	if err := v.MarkPersisted(); err != nil {
		return OutcomeNoop, err
	}
	key := merged.Key()
	uc.AddVersionCheck(key)
	uc.recordVersion(key, merged.Version)
	uc.resetter.AddPersisted(v)
	uc.log.Debugw("persisted", "view_type", u.viewType.Name, "id", merged.ID)

	if len(deferred) > 0 {
		if merged, err = u.flushDeferred(ctx, uc, v, merged, deferred); err != nil {
			return OutcomeNoop, err
		}
	}

	if _, err := uc.invoke(ctx, listener.PostPersist, v, merged); err != nil {
		return OutcomeNoop, err
	}
	return OutcomePersisted, nil
}

func (u *Updater) flushDeferred(ctx context.Context, uc *Context, v *view.Instance, merged *persistence.Entity, deferred []AttributeFlusher) (*persistence.Entity, error) {
	work := merged.Clone()
	work.New = false
	changed := false
	for _, f := range deferred {
		value := v.GetAt(f.Index())
		ch, err := f.FlushEntity(ctx, uc, work, v, value)
		if err != nil {
			return nil, err
		}
		changed = changed || ch
		if !uc.isPending(v, f.Index()) {
			v.SetInitialAt(f.Index(), value)
		}
	}
	if !changed {
		return merged, nil
	}
	again, err := uc.Merge(ctx, work)
	if err != nil {
		return nil, err
	}
	if u.version != nil {
		v.SetVersion(again.Version)
		uc.recordVersion(again.Key(), again.Version)
	}
	return again, nil
}

// FlushTo writes every attribute of v onto e and saves e. New views are
// inserted through e.
func (u *Updater) FlushTo(ctx context.Context, uc *Context, v *view.Instance, e *persistence.Entity) (Outcome, error) {
	if err := u.check(v); err != nil {
		return OutcomeNoop, err
	}
	if e == nil || e.Type != u.entity {
		return OutcomeNoop, apperror.NewValidation(fmt.Sprintf("%s must be flushed onto a %s", u.viewType.Name, u.entity.Name))
	}
	if v.IsNew() {
		e.New = true
		return u.persistInto(ctx, uc, v, e, nil)
	}
	if e.ID == nil {
		e.ID = v.ID()
	}
	if e.Version == 0 {
		e.Version = v.Version()
	}
	if view.Key(e.ID) != view.Key(v.ID()) {
		return OutcomeNoop, apperror.NewValidation(fmt.Sprintf("%s(%v) cannot be flushed onto %s(%v)",
			u.viewType.Name, v.ID(), u.entity.Name, e.ID))
	}
	if err := u.lockPessimistic(ctx, uc, v); err != nil {
		return OutcomeNoop, err
	}
	return u.flushEntity(ctx, uc, v, u.composite, e)
}

// Remove deletes the backing row of v after cascading into its attributes.
func (u *Updater) Remove(ctx context.Context, uc *Context, v *view.Instance) (Outcome, error) {
	if err := u.check(v); err != nil {
		return OutcomeNoop, err
	}
	if v.IsNew() || uc.IsRemoved(v) {
		return OutcomeNoop, nil
	}
	ok, err := uc.invoke(ctx, listener.PreRemove, v, nil)
	if err != nil {
		return OutcomeNoop, err
	}
	if !ok {
		return OutcomeVetoed, nil
	}
	uc.AddRemovedObject(v)
	if err := u.lockPessimistic(ctx, uc, v); err != nil {
		return OutcomeNoop, err
	}
	uc.resetter.AddState(v)

	if err := u.composite.remove(ctx, uc, v); err != nil {
		return OutcomeNoop, err
	}
	ref := persistence.NewReference(u.entity, v.ID())
	if u.version != nil {
		key := ref.Key()
		ref.Version = v.Version()
		if rec, ok := uc.checkedVersion(key); ok {
			ref.Version = rec
		}
	}
	uc.log.Debugw("remove", "view_type", u.viewType.Name, "id", v.ID())
	if err := uc.Remove(ctx, ref); err != nil {
		if apperror.IsNotFound(err) {
			return OutcomeNoop, apperror.NewOptimisticLock(u.entity.Name, v.ID(), u.viewType.Name).WithCause(err)
		}
		return OutcomeNoop, err
	}
	uc.resetter.AddRemoved(v)

	if _, err := uc.invoke(ctx, listener.PostRemove, v, nil); err != nil {
		return OutcomeNoop, err
	}
	return OutcomeRemoved, nil
}

// RemoveByID loads the view of id and removes it.
func (u *Updater) RemoveByID(ctx context.Context, uc *Context, id any) (Outcome, error) {
	v, err := uc.EntityView(ctx, u.viewType, id, false, true)
	if err != nil {
		return OutcomeNoop, err
	}
	return u.Remove(ctx, uc, v)
}
