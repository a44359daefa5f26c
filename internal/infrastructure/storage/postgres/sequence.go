package postgres

import (
	"context"
	"fmt"

	"viewsync/pkg/numerator"
)

const sequenceSchema = `CREATE TABLE IF NOT EXISTS sys_sequences (
	key TEXT PRIMARY KEY,
	current_val BIGINT NOT NULL
)`

// Sequence keeps numbering counters in sys_sequences. Counters advance in
// the transaction carried by ctx.
type Sequence struct {
	txm *TxManager
}

var _ numerator.Sequence = (*Sequence)(nil)

// NewSequence creates a sequence over the databases of txm.
func NewSequence(txm *TxManager) *Sequence {
	return &Sequence{txm: txm}
}

// CreateTable creates sys_sequences when it does not exist yet.
func (s *Sequence) CreateTable(ctx context.Context) error {
	if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sequenceSchema); err != nil {
		return fmt.Errorf("create sys_sequences: %w", err)
	}
	return nil
}

// Advance implements numerator.Sequence.
func (s *Sequence) Advance(ctx context.Context, key string, n int64) (int64, error) {
	var val int64
	err := s.txm.GetQuerier(ctx).QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET current_val = sys_sequences.current_val + $2
		RETURNING current_val
	`, key, n).Scan(&val)
	if err != nil {
		return 0, fmt.Errorf("advance %s: %w", key, err)
	}
	return val, nil
}

// Reset implements numerator.Sequence.
func (s *Sequence) Reset(ctx context.Context, key string, value int64) error {
	_, err := s.txm.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET current_val = $2
	`, key, value)
	if err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}
