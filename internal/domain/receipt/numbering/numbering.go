// Package numbering assigns document numbers to goods receipts when they
// are first persisted.
package numbering

import (
	"context"
	"fmt"
	"time"

	"viewsync/internal/core/numerator"
	"viewsync/internal/domain/receipt"
	"viewsync/internal/listener"
)

// Numbering is a pre-persist listener for receipts without a number.
type Numbering struct {
	Generator numerator.Generator
	Config    numerator.Config
	Options   *numerator.Options
	// Now returns the numbering period; time.Now when nil.
	Now func() time.Time
}

// New numbers receipts with gen using the default "GR" configuration.
func New(gen numerator.Generator) *Numbering {
	return &Numbering{Generator: gen, Config: numerator.DefaultConfig("GR")}
}

// Register installs n on mgr for every view of the receipt entity.
func (n *Numbering) Register(mgr *listener.Manager, m *receipt.Model) {
	mgr.On(listener.PrePersist, m.Receipt, n.assign)
}

func (n *Numbering) assign(ctx context.Context, inv *listener.Invocation) error {
	if current, _ := inv.View.Get("number").(string); current != "" {
		return nil
	}
	period := time.Now()
	if n.Now != nil {
		period = n.Now()
	}
	num, err := n.Generator.GetNextNumber(ctx, n.Config, n.Options, period)
	if err != nil {
		return fmt.Errorf("number receipt: %w", err)
	}
	return inv.View.Set("number", num)
}
