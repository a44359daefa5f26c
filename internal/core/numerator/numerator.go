// Package numerator holds the contracts of document auto-numbering.
package numerator

import (
	"context"
	"time"
)

// Generator issues document numbers per configuration and period. The
// receipt numbering listener calls it from PrePersist, so a failing
// Generator aborts the insert.
type Generator interface {
	// GetNextNumber reserves and formats the next number of the period,
	// for example GR-2026-00001.
	GetNextNumber(ctx context.Context, cfg Config, opts *Options, period time.Time) (string, error)
	// SetNextNumber records value as the last number issued in the period.
	SetNextNumber(ctx context.Context, cfg Config, period time.Time, value int64) error
}
