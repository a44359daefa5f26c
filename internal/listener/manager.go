// Package listener dispatches lifecycle callbacks around view flushes.
// Listeners are registered for a view type and fire for every flushed view
// of the same backing entity; the flushed view is converted to the
// registered type before the call.
package listener

import (
	"context"
	"fmt"

	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// Event is a lifecycle point.
type Event int

const (
	PrePersist Event = iota
	PostPersist
	PreUpdate
	PostUpdate
	PreRemove
	PostRemove
	PostCommit
	PostRollback
)

func (e Event) String() string {
	return [...]string{
		"pre_persist", "post_persist", "pre_update", "post_update",
		"pre_remove", "post_remove", "post_commit", "post_rollback",
	}[e]
}

func (e Event) isPre() bool {
	return e == PrePersist || e == PreUpdate || e == PreRemove
}

// Transition tags post-commit and post-rollback callbacks.
type Transition int

const (
	TransitionPersist Transition = iota
	TransitionUpdate
	TransitionRemove
)

func (t Transition) String() string {
	return [...]string{"PERSIST", "UPDATE", "REMOVE"}[t]
}

// Scope is what a listener can reach: the store and view resolution within
// the current update context.
type Scope interface {
	Persistence() persistence.Context
	EntityView(ctx context.Context, vt *metadata.ViewType, idOrView any, convertOnly, prePhase bool) (*view.Instance, error)
}

// Invocation is passed to every listener.
type Invocation struct {
	Scope Scope
	// View is the flushed view converted to the listener's view type.
	View *view.Instance
	// Entity is the backing object when the flush went through a merge.
	Entity     *persistence.Entity
	Transition Transition
}

// Listener is a callback. Returning an error aborts the flush.
type Listener func(ctx context.Context, inv *Invocation) error

// Veto is a pre-listener that may cancel the operation by returning false.
type Veto func(ctx context.Context, inv *Invocation) (bool, error)

type registration struct {
	viewType    *metadata.ViewType
	listener    Listener
	veto        Veto
	transitions map[Transition]bool
}

func (r registration) accepts(t Transition) bool {
	return len(r.transitions) == 0 || r.transitions[t]
}

// Manager holds listener registrations keyed by backing entity.
type Manager struct {
	byEntity map[string]map[Event][]registration
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{byEntity: make(map[string]map[Event][]registration)}
}

func (m *Manager) add(event Event, r registration) {
	entity := r.viewType.EntityName
	events := m.byEntity[entity]
	if events == nil {
		events = make(map[Event][]registration)
		m.byEntity[entity] = events
	}
	events[event] = append(events[event], r)
}

// On registers l for event on views of vt's entity.
func (m *Manager) On(event Event, vt *metadata.ViewType, l Listener) {
	m.add(event, registration{viewType: vt, listener: l})
}

// OnVeto registers a cancelling pre-listener. Only pre events accept vetoes.
func (m *Manager) OnVeto(event Event, vt *metadata.ViewType, v Veto) error {
	if !event.isPre() {
		return fmt.Errorf("listener: %s cannot veto", event)
	}
	m.add(event, registration{viewType: vt, veto: v})
	return nil
}

// OnPostCommit registers l for the given transitions, all when none given.
func (m *Manager) OnPostCommit(vt *metadata.ViewType, l Listener, transitions ...Transition) {
	m.add(PostCommit, registration{viewType: vt, listener: l, transitions: transitionSet(transitions)})
}

// OnPostRollback registers l for the given transitions, all when none given.
func (m *Manager) OnPostRollback(vt *metadata.ViewType, l Listener, transitions ...Transition) {
	m.add(PostRollback, registration{viewType: vt, listener: l, transitions: transitionSet(transitions)})
}

func transitionSet(ts []Transition) map[Transition]bool {
	if len(ts) == 0 {
		return nil
	}
	set := make(map[Transition]bool, len(ts))
	for _, t := range ts {
		set[t] = true
	}
	return set
}

// Has reports whether any listener is registered for event on entity.
func (m *Manager) Has(event Event, entity string) bool {
	if m == nil {
		return false
	}
	return len(m.byEntity[entity][event]) > 0
}

// HasAny reports whether any listener for event exists on any entity.
func (m *Manager) HasAny(event Event) bool {
	if m == nil {
		return false
	}
	for _, events := range m.byEntity {
		if len(events[event]) > 0 {
			return true
		}
	}
	return false
}

// HasPossiblyCancelling reports whether a veto is registered for event on
// entity. Cascaded deletes must then visit elements one by one.
func (m *Manager) HasPossiblyCancelling(event Event, entity string) bool {
	if m == nil {
		return false
	}
	for _, r := range m.byEntity[entity][event] {
		if r.veto != nil {
			return true
		}
	}
	return false
}

// Invoke runs the listeners of event for v. It returns false when a veto
// cancelled the operation; that is not an error.
func (m *Manager) Invoke(ctx context.Context, event Event, scope Scope, v *view.Instance, e *persistence.Entity) (bool, error) {
	return m.dispatch(ctx, event, scope, v, e, TransitionUpdate, false)
}

// InvokeTransition runs post-commit or post-rollback listeners accepting t.
func (m *Manager) InvokeTransition(ctx context.Context, event Event, scope Scope, v *view.Instance, t Transition) error {
	_, err := m.dispatch(ctx, event, scope, v, nil, t, true)
	return err
}

func (m *Manager) dispatch(ctx context.Context, event Event, scope Scope, v *view.Instance, e *persistence.Entity, t Transition, filter bool) (bool, error) {
	if m == nil {
		return true, nil
	}
	for _, r := range m.byEntity[v.Type().EntityName][event] {
		if filter && !r.accepts(t) {
			continue
		}
		target := v
		if r.viewType != v.Type() {
			converted, err := scope.EntityView(ctx, r.viewType, v, false, event.isPre())
			if err != nil {
				return false, fmt.Errorf("resolve %s for %s listener: %w", r.viewType.Name, event, err)
			}
			if converted == nil {
				continue
			}
			target = converted
		}
		inv := &Invocation{Scope: scope, View: target, Entity: e, Transition: t}
		if r.veto != nil {
			ok, err := r.veto(ctx, inv)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			continue
		}
		if err := r.listener(ctx, inv); err != nil {
			return false, err
		}
	}
	return true, nil
}
