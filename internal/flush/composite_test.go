package flush

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/core/tx"
	"viewsync/internal/domain/receipt"
	"viewsync/internal/view"
)

func newTestRegistry(t *testing.T, collectionStatements bool) (*receipt.Model, *Registry) {
	t.Helper()
	m, err := receipt.New()
	require.NoError(t, err)
	r, err := NewRegistry(m.Registry, Options{CollectionStatements: collectionStatements})
	require.NoError(t, err)
	return m, r
}

func loadedReceipt(m *receipt.Model) *view.Instance {
	supplier := view.Load(m.Counterparty, "c-1", 1, map[string]any{"name": "ACME"})
	addr := view.Load(m.Address, nil, 0, map[string]any{"street": "Lenina 1", "city": "Moscow"})
	line := view.Load(m.Line, int64(2), 1, map[string]any{"product": "bolt", "quantity": int64(1)})
	return view.Load(m.Receipt, int64(1), 1, map[string]any{
		"number":     "GR-001",
		"supplier":   supplier,
		"delivery":   addr,
		"tags":       view.NewList("a"),
		"notes":      view.NewList("n"),
		"properties": view.NewMap("k", "v"),
		"lines":      view.NewList(line),
	})
}

func TestNestedDirtyFlusher_Signatures(t *testing.T) {
	m, reg := newTestRegistry(t, true)
	full := reg.Composite(m.Receipt)
	require.NotNil(t, full)
	assert.True(t, full.IsFull())
	assert.Equal(t, "0,1,2,3,4,5,6,7,8,9", full.Signature())

	tests := []struct {
		name      string
		mutate    func(t *testing.T, r *view.Instance)
		signature string
		locked    bool
	}{
		{"scalar", func(t *testing.T, r *view.Instance) {
			require.NoError(t, r.Set("number", "GR-002"))
		}, "0", true},
		{"unlocked scalar", func(t *testing.T, r *view.Instance) {
			require.NoError(t, r.Set("comment", "note"))
		}, "1", false},
		{"embeddable component", func(t *testing.T, r *view.Instance) {
			require.NoError(t, r.Get("delivery").(*view.Instance).Set("city", "Kazan"))
		}, "5{1}", true},
		{"referenced view only", func(t *testing.T, r *view.Instance) {
			require.NoError(t, r.Get("supplier").(*view.Instance).Set("name", "Globex"))
		}, "4~", false},
		{"collection", func(t *testing.T, r *view.Instance) {
			r.Get("tags").(*view.List).Append("b")
		}, "6", true},
		{"mapped-by collection", func(t *testing.T, r *view.Instance) {
			r.Get("lines").(*view.List).RemoveAt(0)
		}, "9", false},
		{"element of mapped-by collection", func(t *testing.T, r *view.Instance) {
			line := r.Get("lines").(*view.List).At(0).(*view.Instance)
			require.NoError(t, line.Set("quantity", int64(5)))
		}, "9~", false},
		{"two attributes", func(t *testing.T, r *view.Instance) {
			require.NoError(t, r.Set("currency", "EUR"))
			r.Get("properties").(*view.Map).Put("k", "w")
		}, "2,8", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := loadedReceipt(m)
			tt.mutate(t, r)
			c := full.NestedDirtyFlusher(r, false)
			require.NotNil(t, c)
			assert.False(t, c.IsFull())
			assert.Same(t, full, c.Full())
			assert.Equal(t, tt.signature, c.Signature())
			assert.True(t, c.SupportsQueryFlush())
			assert.Equal(t, tt.locked, c.IsOptimisticLockProtected())
		})
	}
}

func TestNestedDirtyFlusher_CleanNewAndForced(t *testing.T) {
	m, reg := newTestRegistry(t, true)
	full := reg.Composite(m.Receipt)

	r := loadedReceipt(m)
	assert.Nil(t, full.NestedDirtyFlusher(r, false))
	assert.Same(t, full, full.NestedDirtyFlusher(r, true))

	require.NoError(t, r.Set("number", "x"))
	require.NoError(t, r.Set("number", "GR-001"))
	assert.Nil(t, full.NestedDirtyFlusher(r, false), "reverted change is clean")

	assert.Same(t, full, full.NestedDirtyFlusher(view.New(m.Receipt), false))
}

func TestNestedDirtyFlusher_PassThroughAttributes(t *testing.T) {
	m, reg := newTestRegistry(t, true)
	full := reg.Composite(m.Header)

	h := view.Load(m.Header, int64(1), 1, map[string]any{
		"number":   "GR-001",
		"supplier": view.Load(m.CounterpartyRef, "c-1", 1, map[string]any{"name": "ACME"}),
		"tags":     view.NewList(),
	})
	require.NoError(t, h.Set("comment", "x"))
	c := full.NestedDirtyFlusher(h, false)
	require.NotNil(t, c)
	assert.Equal(t, "1,0,2", c.Signature())
}

func TestNestedDirtyFlusher_WithoutCollectionStatementsFallsBackToFull(t *testing.T) {
	m, reg := newTestRegistry(t, false)
	full := reg.Composite(m.Receipt)

	r := loadedReceipt(m)
	r.Get("tags").(*view.List).Append("b")
	c := full.NestedDirtyFlusher(r, false)
	assert.Same(t, full, c)
	assert.False(t, c.SupportsQueryFlush())

	r = loadedReceipt(m)
	require.NoError(t, r.Set("number", "x"))
	assert.Equal(t, "0", full.NestedDirtyFlusher(r, false).Signature())
}

func TestUpdater_StatementTemplates(t *testing.T) {
	m, reg := newTestRegistry(t, true)
	u := reg.Updater(m.Receipt)
	require.NotNil(t, u)
	assert.Nil(t, reg.Updater(m.Address), "embeddables have no updater")

	a, b := loadedReceipt(m), loadedReceipt(m)
	require.NoError(t, a.Set("number", "A"))
	require.NoError(t, b.Set("number", "B"))

	ca := u.Composite().NestedDirtyFlusher(a, false)
	cb := u.Composite().NestedDirtyFlusher(b, false)
	require.NotSame(t, ca, cb)

	sa := u.Statement(ca, true)
	assert.Same(t, sa, u.Statement(cb, true), "same signature shares one template")
	assert.Equal(t, "UPDATE GoodsReceipt e SET e.number = :number, e.version = :_nextVersion WHERE e.id = :_id AND e.version = :_version", sa.String())

	plain := u.Statement(ca, false)
	assert.NotSame(t, sa, plain)
	assert.Equal(t, "UPDATE GoodsReceipt e SET e.number = :number WHERE e.id = :_id", plain.String())

	assert.Same(t, u.Statement(u.Composite(), true), u.Statement(u.Composite(), true))

	c := loadedReceipt(m)
	c.Get("tags").(*view.List).Append("b")
	assert.Nil(t, u.Statement(u.Composite().NestedDirtyFlusher(c, false), false),
		"collections contribute no owner fragments")
}

func TestDescriptorFor(t *testing.T) {
	m, _ := newTestRegistry(t, true)

	supplier := DescriptorFor(m.Receipt.Attribute("supplier"))
	assert.True(t, supplier.IsView())
	assert.True(t, supplier.Identifiable)
	assert.True(t, supplier.CascadePersist)
	assert.True(t, supplier.Eager)

	delivery := DescriptorFor(m.Receipt.Attribute("delivery"))
	assert.False(t, delivery.Identifiable)
	assert.False(t, delivery.Eager)
	assert.True(t, delivery.Mutable)

	ref := DescriptorFor(m.Header.Attribute("supplier"))
	assert.False(t, ref.Eager)
	assert.False(t, ref.CascadePersist)

	lines := DescriptorFor(m.Receipt.Attribute("lines"))
	assert.True(t, lines.OrphanRemoval)
	in := view.Load(m.Line, int64(3), 1, nil)
	assert.Equal(t, int64(3), lines.StoreValue(in))
	assert.True(t, lines.Equal(in, view.Load(m.Line, int64(3), 2, nil)))

	number := DescriptorFor(m.Receipt.Attribute("number"))
	assert.Equal(t, "x", number.StoreValue("x"))
	assert.True(t, number.Equal("x", "x"))
}

func TestResult_Lifecycle(t *testing.T) {
	ctx := context.Background()

	r := NewResult("ReceiptView", true)
	assert.Equal(t, StateDirty, r.State())
	r.Record(ctx, OutcomeUpdated)
	assert.Equal(t, StateUpdated, r.State())
	r.AfterCompletion(ctx, tx.StatusCommitted)
	assert.Equal(t, StateCommitted, r.State())
	assert.Equal(t, "ReceiptView", r.ViewType())

	r = NewResult("ReceiptView", true)
	r.Record(ctx, OutcomePersisted)
	assert.Equal(t, StateMerged, r.State())
	r.AfterCompletion(ctx, tx.StatusRolledBack)
	assert.Equal(t, StateRolledBack, r.State())

	r = NewResult("ReceiptView", true)
	r.Fail(ctx)
	assert.Equal(t, StateFailed, r.State())
	r.AfterCompletion(ctx, tx.StatusRolledBack)
	assert.Equal(t, StateRolledBack, r.State())

	r = NewResult("ReceiptView", false)
	r.Record(ctx, OutcomeNoop)
	r.AfterCompletion(ctx, tx.StatusCommitted)
	assert.Equal(t, StateClean, r.State())
	assert.Equal(t, OutcomeNoop, r.Outcome())

	r = NewResult("ReceiptView", true)
	r.Record(ctx, OutcomeVetoed)
	r.SetStatements(0)
	assert.True(t, r.Vetoed())
	assert.Equal(t, StateDirty, r.State())
	assert.Equal(t, "vetoed", OutcomeVetoed.String())
}
