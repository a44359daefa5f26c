package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/core/apperror"
	"viewsync/internal/domain/receipt"
	"viewsync/internal/engine"
	"viewsync/internal/flush"
	"viewsync/internal/view"
	"viewsync/pkg/logger"
)

func TestSchema(t *testing.T) {
	m, err := receipt.New()
	require.NoError(t, err)
	stmts := schema(m.Metamodel)

	joined := strings.Join(stmts, "\n")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS goods_receipts (id INTEGER PRIMARY KEY AUTOINCREMENT, version INTEGER NOT NULL DEFAULT 1")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS counterparties (id TEXT PRIMARY KEY, version INTEGER NOT NULL DEFAULT 1, name TEXT, inn TEXT)")
	assert.Contains(t, joined, "delivery_street TEXT, delivery_city TEXT")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS goods_receipt_notes (receipt_id INTEGER NOT NULL, position INTEGER NOT NULL, note TEXT)")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS goods_receipt_properties (receipt_id INTEGER NOT NULL, name TEXT NOT NULL, value TEXT)")
	assert.Contains(t, joined, "product TEXT, quantity INTEGER, receipt_id INTEGER)")
	assert.Len(t, stmts, 6, "mapped-by collections have no join table")
}

func openEngine(t *testing.T) (*engine.Engine, *receipt.Model) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "viewsync.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := receipt.New()
	require.NoError(t, err)
	require.NoError(t, CreateSchema(ctx, db, m.Metamodel))

	txm := NewTxManager(db)
	store, err := NewStore(m.Metamodel, txm, 64)
	require.NoError(t, err)
	e, err := engine.New(m.Registry, store, txm, engine.WithLogger(logger.NewNop()))
	require.NoError(t, err)
	return e, m
}

func TestEngine_RoundTrip(t *testing.T) {
	e, m := openEngine(t)
	ctx := context.Background()

	supplier := view.New(m.Counterparty)
	require.NoError(t, supplier.Set("name", "ACME"))
	addr := view.New(m.Address)
	require.NoError(t, addr.Set("city", "Moscow"))
	line := view.New(m.Line)
	require.NoError(t, line.Set("product", "bolt"))
	require.NoError(t, line.Set("quantity", int64(3)))

	r := view.New(m.Receipt)
	for name, v := range map[string]any{
		"number":     "GR-001",
		"total":      decimal.RequireFromString("99.90"),
		"supplier":   supplier,
		"delivery":   addr,
		"tags":       view.NewList("a", "b"),
		"notes":      view.NewList("first"),
		"properties": view.NewMap("color", "red"),
		"lines":      view.NewList(line),
	} {
		require.NoError(t, r.Set(name, v))
	}

	res, err := e.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, flush.OutcomePersisted, res.Outcome())
	require.NotNil(t, r.ID())

	list := func(v *view.Instance, name string) []any { return v.Get(name).(*view.List).Elements() }

	loaded, err := e.Find(ctx, m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, "GR-001", loaded.Get("number"))
	assert.True(t, decimal.RequireFromString("99.9").Equal(loaded.Get("total").(decimal.Decimal)))
	assert.Equal(t, "ACME", loaded.Get("supplier").(*view.Instance).Get("name"))
	assert.Equal(t, "Moscow", loaded.Get("delivery").(*view.Instance).Get("city"))
	assert.ElementsMatch(t, []any{"a", "b"}, list(loaded, "tags"))
	assert.Equal(t, []any{"first"}, list(loaded, "notes"))
	require.Len(t, list(loaded, "lines"), 1)

	require.NoError(t, loaded.Set("number", "GR-002"))
	loaded.Get("tags").(*view.List).Remove("a")
	loaded.Get("notes").(*view.List).Insert(0, "zero")
	loaded.Get("properties").(*view.Map).Put("size", "L")
	res, err = e.Save(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, flush.OutcomeUpdated, res.Outcome())
	assert.Equal(t, int64(2), loaded.Version())

	again, err := e.Find(ctx, m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, "GR-002", again.Get("number"))
	assert.Equal(t, []any{"b"}, list(again, "tags"))
	assert.Equal(t, []any{"zero", "first"}, list(again, "notes"))
	size, ok := again.Get("properties").(*view.Map).Get("size")
	assert.True(t, ok)
	assert.Equal(t, "L", size)

	require.NoError(t, r.Set("comment", "stale copy"))
	require.NoError(t, r.Set("number", "GR-003"))
	_, err = e.Save(ctx, r)
	assert.True(t, apperror.IsOptimisticLock(err))

	_, err = e.Remove(ctx, again)
	require.NoError(t, err)
	_, err = e.Find(ctx, m.Receipt, r.ID())
	assert.True(t, apperror.IsLoadFailure(err))
}
