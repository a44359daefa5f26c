package flush

import (
	"context"
	"sync"

	"github.com/looplab/fsm"

	"viewsync/internal/core/tx"
)

// Outcome is what a flush did to the root view.
type Outcome int

const (
	OutcomeNoop Outcome = iota
	// OutcomeUpdated means the view was written through targeted statements.
	OutcomeUpdated
	// OutcomeMerged means the backing entity was loaded, changed and merged.
	OutcomeMerged
	OutcomePersisted
	OutcomeRemoved
	// OutcomeVetoed means a pre-listener cancelled the operation.
	OutcomeVetoed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeMerged:
		return "merged"
	case OutcomePersisted:
		return "persisted"
	case OutcomeRemoved:
		return "removed"
	case OutcomeVetoed:
		return "vetoed"
	default:
		return "noop"
	}
}

// Flush lifecycle states.
const (
	StateClean      = "clean"
	StateDirty      = "dirty"
	StateUpdated    = "updated"
	StateMerged     = "merged"
	StateFailed     = "failed"
	StateCommitted  = "committed"
	StateRolledBack = "rolled_back"
)

// Flush lifecycle events.
const (
	EventFlushQuery  = "flush_query"
	EventFlushEntity = "flush_entity"
	EventFail        = "fail"
	EventCommit      = "commit"
	EventRollback    = "rollback"
)

// Result reports one flush invocation and tracks its lifecycle until the
// transaction completes.
type Result struct {
	mu         sync.Mutex
	lifecycle  *fsm.FSM
	viewType   string
	outcome    Outcome
	statements int
}

// NewResult starts the lifecycle of a flush of viewType in the clean or
// dirty state.
func NewResult(viewType string, dirty bool) *Result {
	initial := StateClean
	if dirty {
		initial = StateDirty
	}
	return &Result{
		viewType: viewType,
		lifecycle: fsm.NewFSM(
			initial,
			fsm.Events{
				{Name: EventFlushQuery, Src: []string{StateClean, StateDirty}, Dst: StateUpdated},
				{Name: EventFlushEntity, Src: []string{StateClean, StateDirty}, Dst: StateMerged},
				{Name: EventFail, Src: []string{StateClean, StateDirty, StateUpdated, StateMerged}, Dst: StateFailed},
				{Name: EventCommit, Src: []string{StateUpdated, StateMerged}, Dst: StateCommitted},
				{Name: EventRollback, Src: []string{StateDirty, StateUpdated, StateMerged, StateFailed}, Dst: StateRolledBack},
			},
			fsm.Callbacks{},
		),
	}
}

// State returns the current lifecycle state.
func (r *Result) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle.Current()
}

// Outcome returns what the flush did.
func (r *Result) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Vetoed reports whether a listener cancelled the flush.
func (r *Result) Vetoed() bool { return r.Outcome() == OutcomeVetoed }

// Statements returns how many statements the flush sent to the store.
func (r *Result) Statements() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statements
}

// ViewType names the flushed view type.
func (r *Result) ViewType() string { return r.viewType }

// SetStatements records the statement count.
func (r *Result) SetStatements(n int) {
	r.mu.Lock()
	r.statements = n
	r.mu.Unlock()
}

// Record stores the outcome and advances the lifecycle.
func (r *Result) Record(ctx context.Context, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = o
	switch o {
	case OutcomeUpdated:
		r.fire(ctx, EventFlushQuery)
	case OutcomeMerged, OutcomePersisted, OutcomeRemoved:
		r.fire(ctx, EventFlushEntity)
	}
}

// Fail moves the lifecycle to failed.
func (r *Result) Fail(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fire(ctx, EventFail)
}

// AfterCompletion implements tx.Synchronization.
func (r *Result) AfterCompletion(ctx context.Context, status tx.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == tx.StatusCommitted {
		r.fire(ctx, EventCommit)
		return
	}
	r.fire(ctx, EventRollback)
}

// fire ignores events the current state does not accept: a clean flush
// stays clean through commit.
func (r *Result) fire(ctx context.Context, event string) {
	if r.lifecycle.Can(event) {
		_ = r.lifecycle.Event(ctx, event)
	}
}
