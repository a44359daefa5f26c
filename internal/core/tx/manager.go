// Package tx provides transaction management abstractions.
// Storage adapters implement Manager; the flush engine only sees these contracts.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Status is the outcome of a completed transaction.
type Status int

const (
	StatusCommitted Status = iota
	StatusRolledBack
)

func (s Status) String() string {
	if s == StatusCommitted {
		return "committed"
	}
	return "rolled_back"
}

// Synchronization is notified by whatever component ends the transaction.
// Callbacks run synchronously after COMMIT or ROLLBACK has been issued.
type Synchronization interface {
	AfterCompletion(ctx context.Context, status Status)
}

// SynchronizationFunc adapts a function to Synchronization.
type SynchronizationFunc func(ctx context.Context, status Status)

// AfterCompletion implements Synchronization.
func (f SynchronizationFunc) AfterCompletion(ctx context.Context, status Status) {
	f(ctx, status)
}

// Synchronizations is an ordered callback list owned by one transaction.
type Synchronizations struct {
	list []Synchronization
}

// Register appends s.
func (s *Synchronizations) Register(sync Synchronization) {
	s.list = append(s.list, sync)
}

// Len returns the number of registered callbacks.
func (s *Synchronizations) Len() int { return len(s.list) }

// Fire invokes every callback in registration order and clears the list.
func (s *Synchronizations) Fire(ctx context.Context, status Status) {
	list := s.list
	s.list = nil
	for _, sync := range list {
		sync.AfterCompletion(ctx, status)
	}
}
