// Package engine is the entry point of the flush engine: it opens or joins
// a transaction, runs one flush or remove through an update context and
// settles in-memory state when the transaction completes.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"viewsync/internal/core/apperror"
	"viewsync/internal/core/tx"
	"viewsync/internal/flush"
	"viewsync/internal/listener"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
	"viewsync/pkg/logger"
)

var tracer = otel.Tracer("viewsync/flush")

// CollectionStatementer is implemented by stores that execute join-table
// statements.
type CollectionStatementer interface {
	SupportsCollectionStatements() bool
}

// Engine flushes and removes views. It is safe for concurrent use; each
// call gets its own update context.
type Engine struct {
	metadata  *metadata.Registry
	registry  *flush.Registry
	pc        persistence.Context
	txm       tx.Manager
	listeners *listener.Manager
	log       *logger.Logger

	flushOpts flush.Options
	optsSet   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithListeners installs lifecycle listeners.
func WithListeners(m *listener.Manager) Option {
	return func(e *Engine) { e.listeners = m }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithFlushOptions overrides the flusher registry options. By default
// collection statements are used when the store supports them.
func WithFlushOptions(o flush.Options) Option {
	return func(e *Engine) {
		e.flushOpts = o
		e.optsSet = true
	}
}

// New builds the flushers of every view type in md. Mapping problems are
// reported as configuration errors.
func New(md *metadata.Registry, pc persistence.Context, txm tx.Manager, opts ...Option) (*Engine, error) {
	if pc == nil || txm == nil {
		return nil, apperror.NewConfiguration("engine needs a persistence context and a transaction manager")
	}
	e := &Engine{metadata: md, pc: pc, txm: txm}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Default()
	}
	e.log = e.log.WithComponent("engine")
	if e.listeners == nil {
		e.listeners = listener.NewManager()
	}
	if !e.optsSet {
		if cs, ok := pc.(CollectionStatementer); ok {
			e.flushOpts.CollectionStatements = cs.SupportsCollectionStatements()
		}
	}
	r, err := flush.NewRegistry(md, e.flushOpts)
	if err != nil {
		return nil, err
	}
	e.registry = r
	return e, nil
}

// Registry returns the flusher registry.
func (e *Engine) Registry() *flush.Registry { return e.registry }

// Listeners returns the listener manager.
func (e *Engine) Listeners() *listener.Manager { return e.listeners }

// Save flushes the changes of v. A new view is persisted.
func (e *Engine) Save(ctx context.Context, v *view.Instance) (*flush.Result, error) {
	return e.save(ctx, "save", v, false)
}

// SaveFull flushes every attribute of v regardless of its dirty state.
func (e *Engine) SaveFull(ctx context.Context, v *view.Instance) (*flush.Result, error) {
	return e.save(ctx, "save_full", v, true)
}

func (e *Engine) save(ctx context.Context, op string, v *view.Instance, full bool) (*flush.Result, error) {
	u, err := e.updater(v)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, op, v.Type(), v, func(ctx context.Context, uc *flush.Context) (flush.Outcome, error) {
		return u.Update(ctx, uc, v, full)
	})
}

// SaveTo writes every attribute of v onto the backing entity target and
// saves it.
func (e *Engine) SaveTo(ctx context.Context, v *view.Instance, target *persistence.Entity) (*flush.Result, error) {
	u, err := e.updater(v)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "save_to", v.Type(), v, func(ctx context.Context, uc *flush.Context) (flush.Outcome, error) {
		return u.FlushTo(ctx, uc, v, target)
	})
}

// Remove deletes the backing row of v and cascades to its references.
func (e *Engine) Remove(ctx context.Context, v *view.Instance) (*flush.Result, error) {
	u, err := e.updater(v)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "remove", v.Type(), v, func(ctx context.Context, uc *flush.Context) (flush.Outcome, error) {
		return u.Remove(ctx, uc, v)
	})
}

// RemoveByID loads the view of id and removes it.
func (e *Engine) RemoveByID(ctx context.Context, vt *metadata.ViewType, id any) (*flush.Result, error) {
	if vt == nil || e.registry.Updater(vt) == nil {
		return nil, apperror.NewValidation("remove by id needs a registered, non-embeddable view type")
	}
	u := e.registry.Updater(vt)
	return e.run(ctx, "remove_by_id", vt, nil, func(ctx context.Context, uc *flush.Context) (flush.Outcome, error) {
		return u.RemoveByID(ctx, uc, id)
	})
}

// Find loads the view of vt for id. References reachable from the view are
// loaded once each, so shared and cyclic references resolve to the same
// instance. A missing row is a load failure.
func (e *Engine) Find(ctx context.Context, vt *metadata.ViewType, id any) (*view.Instance, error) {
	if vt == nil || !vt.HasIdentity() {
		return nil, apperror.NewValidation("find needs a view type with identity")
	}
	ctx, span := tracer.Start(ctx, "find", trace.WithAttributes(attribute.String("view.type", vt.Name)))
	defer span.End()

	uc := flush.NewContext(e.registry, e.pc, e.listeners, e.log)
	v, err := uc.EntityView(ctx, vt, id, false, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v, nil
}

func (e *Engine) updater(v *view.Instance) (*flush.Updater, error) {
	if v == nil {
		return nil, apperror.NewValidation("cannot flush a nil view")
	}
	u := e.registry.Updater(v.Type())
	if u == nil {
		return nil, apperror.NewValidation(fmt.Sprintf("view type %s is not registered or is embeddable", v.Type().Name))
	}
	return u, nil
}

type operation func(ctx context.Context, uc *flush.Context) (flush.Outcome, error)

// run executes op inside the active transaction of ctx, or inside a new
// one. The update context is registered for completion before any write,
// so its resetter settles state on commit and rollback alike.
func (e *Engine) run(ctx context.Context, op string, vt *metadata.ViewType, v *view.Instance, fn operation) (*flush.Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("view.type", vt.Name),
		attribute.String("view.entity", vt.EntityName),
	))
	defer span.End()

	dirty := v != nil && (v.IsDirty() || v.IsNew())
	res := flush.NewResult(vt.Name, dirty)
	var uc *flush.Context

	body := func(ctx context.Context) error {
		uc = flush.NewContext(e.registry, e.pc, e.listeners, e.log)
		uc.RegisterCallback(res)
		if err := e.pc.RegisterCompletionCallback(ctx, uc); err != nil {
			return fmt.Errorf("register completion callback: %w", err)
		}
		outcome, err := fn(ctx, uc)
		if err == nil {
			err = uc.RunOrphanRemovals(ctx)
		}
		res.SetStatements(uc.Statements())
		if err != nil {
			res.Fail(ctx)
			return err
		}
		res.Record(ctx, outcome)
		return nil
	}

	joined := e.pc.IsTransactionActive(ctx)
	var err error
	if joined {
		err = body(ctx)
	} else {
		err = e.txm.RunInTransaction(ctx, body)
	}

	log := logger.FromContext(ctx).WithComponent("engine")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		flush.RecordFlush(vt.Name, "failed", time.Since(start))
		if apperror.IsOptimisticLock(err) {
			log.Warnw("flush conflict", "op", op, "view_type", vt.Name, "error", err)
		} else {
			log.Errorw("flush failed", "op", op, "view_type", vt.Name, "error", err)
		}
		if !joined && uc != nil {
			if rerr := uc.Resetter().Err(); rerr != nil {
				return res, fmt.Errorf("%w; restore: %w", err, rerr)
			}
		}
		return res, err
	}

	span.SetAttributes(
		attribute.String("flush.outcome", res.Outcome().String()),
		attribute.Int("flush.statements", res.Statements()),
	)
	flush.RecordFlush(vt.Name, res.Outcome().String(), time.Since(start))
	log.Debugw("flush done", "op", op, "view_type", vt.Name, "outcome", res.Outcome().String(),
		"statements", res.Statements(), "state", res.State())
	if !joined && uc != nil {
		if rerr := uc.Resetter().Err(); rerr != nil {
			return res, fmt.Errorf("settle flush state: %w", rerr)
		}
	}
	return res, nil
}
