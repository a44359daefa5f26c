package numbering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/core/numerator"
	"viewsync/internal/domain/receipt"
	"viewsync/internal/engine"
	"viewsync/internal/infrastructure/storage/memory"
	"viewsync/internal/listener"
	"viewsync/internal/view"
	"viewsync/pkg/logger"
	pkgnumerator "viewsync/pkg/numerator"
)

// fixedGenerator issues numbers from next and ignores SetNextNumber.
type fixedGenerator struct {
	next func() (string, error)
}

func (g fixedGenerator) GetNextNumber(context.Context, numerator.Config, *numerator.Options, time.Time) (string, error) {
	return g.next()
}

func (fixedGenerator) SetNextNumber(context.Context, numerator.Config, time.Time, int64) error { return nil }

func setup(t *testing.T, gen numerator.Generator) (*engine.Engine, *receipt.Model) {
	t.Helper()
	m, err := receipt.New()
	require.NoError(t, err)
	store := memory.New(m.Metamodel)

	n := New(gen)
	n.Now = func() time.Time { return time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC) }
	mgr := listener.NewManager()
	n.Register(mgr, m)

	e, err := engine.New(m.Registry, store, memory.NewTxManager(store),
		engine.WithLogger(logger.NewNop()), engine.WithListeners(mgr))
	require.NoError(t, err)
	return e, m
}

func TestNumbering_AssignsOnPersist(t *testing.T) {
	e, m := setup(t, pkgnumerator.New(pkgnumerator.NewMemorySequence()))
	ctx := context.Background()

	for _, want := range []string{"GR-2026-00001", "GR-2026-00002"} {
		r := view.New(m.Receipt)
		require.NoError(t, r.Set("currency", "RUB"))
		_, err := e.Save(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, want, r.Get("number"))

		loaded, err := e.Find(ctx, m.Receipt, r.ID())
		require.NoError(t, err)
		assert.Equal(t, want, loaded.Get("number"))
	}
}

func TestNumbering_KeepsExplicitNumberAndSkipsUpdates(t *testing.T) {
	calls := 0
	gen := fixedGenerator{next: func() (string, error) {
		calls++
		return "GR-2026-00099", nil
	}}
	e, m := setup(t, gen)
	ctx := context.Background()

	r := view.New(m.Receipt)
	require.NoError(t, r.Set("number", "MANUAL-1"))
	_, err := e.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "MANUAL-1", r.Get("number"))

	require.NoError(t, r.Set("number", ""))
	_, err = e.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "", r.Get("number"), "updates are not numbered")
	assert.Zero(t, calls)
}

func TestNumbering_GeneratorErrorAbortsPersist(t *testing.T) {
	boom := errors.New("sequence unavailable")
	gen := fixedGenerator{next: func() (string, error) { return "", boom }}
	e, m := setup(t, gen)

	_, err := e.Save(context.Background(), view.New(m.Receipt))
	assert.ErrorIs(t, err, boom)
}
