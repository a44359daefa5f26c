package view

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/core/apperror"
	"viewsync/internal/domain/receipt"
)

func loadReceipt(t *testing.T, m *receipt.Model) *Instance {
	t.Helper()
	supplier := Load(m.Counterparty, "c-1", 1, map[string]any{"name": "ACME", "inn": "7701"})
	addr := Load(m.Address, nil, 0, map[string]any{"street": "Lenina 1", "city": "Moscow"})
	return Load(m.Receipt, int64(1), 1, map[string]any{
		"number":     "GR-001",
		"currency":   "RUB",
		"total":      decimal.RequireFromString("10.00"),
		"supplier":   supplier,
		"delivery":   addr,
		"tags":       NewList("a", "b"),
		"notes":      NewList("first"),
		"properties": NewMap("color", "red"),
		"lines":      NewList(),
	})
}

func model(t *testing.T) *receipt.Model {
	t.Helper()
	m, err := receipt.New()
	require.NoError(t, err)
	return m
}

func TestMask(t *testing.T) {
	m := MaskOf(0, 3, 70)
	assert.True(t, m.Has(3))
	assert.True(t, m.Has(70))
	assert.False(t, m.Has(1))
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, "{0,3,70}", m.String())

	m.Clear(70)
	assert.Equal(t, []int{0, 3}, m.Indexes())
	assert.True(t, m.Equal(MaskOf(0, 3)))

	u := MaskOf(1).Union(MaskOf(65))
	assert.Equal(t, []int{1, 65}, u.Indexes())

	c := u.Clone()
	c.Set(2)
	assert.False(t, u.Has(2))

	var zero Mask
	assert.True(t, zero.IsZero())
	assert.Equal(t, "{}", zero.String())
	assert.True(t, zero.Equal(Mask{words: []uint64{0, 0}}))
}

func TestInstance_SetTracksDirtyBits(t *testing.T) {
	m := model(t)
	r := loadReceipt(t, m)
	assert.False(t, r.IsDirty())

	require.NoError(t, r.Set("number", "GR-002"))
	assert.True(t, r.IsDirty())
	assert.Equal(t, []int{0}, r.DirtyMask().Indexes())
	assert.Equal(t, "GR-001", r.Initial("number"))

	require.NoError(t, r.Set("number", "GR-001"))
	assert.False(t, r.IsDirty())

	require.NoError(t, r.Set("total", decimal.RequireFromString("10")))
	assert.False(t, r.IsDirty(), "numerically equal decimals are not a change")

	err := r.Set("missing", 1)
	assert.True(t, apperror.IsValidation(err))
}

func TestInstance_ReadOnlyAttributes(t *testing.T) {
	m := model(t)
	h := Load(m.Header, int64(1), 1, map[string]any{"number": "GR-001", "comment": ""})
	assert.True(t, apperror.IsValidation(h.Set("number", "x")))
	assert.NoError(t, h.Set("comment", "x"))

	fresh := New(m.Header)
	assert.NoError(t, fresh.Set("number", "x"))
}

func TestInstance_EmbeddablePropagatesToOwner(t *testing.T) {
	m := model(t)
	r := loadReceipt(t, m)
	addr := r.Get("delivery").(*Instance)
	delivery := m.Receipt.Attribute("delivery").Index()

	require.NoError(t, addr.Set("city", "Kazan"))
	assert.True(t, addr.IsDirty())
	assert.True(t, r.DirtyMask().Has(delivery))

	require.NoError(t, addr.Set("city", "Moscow"))
	assert.False(t, addr.IsDirty())
	assert.False(t, r.IsDirty())
}

func TestInstance_SubviewDoesNotPropagate(t *testing.T) {
	m := model(t)
	r := loadReceipt(t, m)
	supplier := r.Get("supplier").(*Instance)

	require.NoError(t, supplier.Set("name", "Globex"))
	assert.True(t, supplier.IsDirty())
	assert.False(t, r.IsDirty())

	other := Load(m.Counterparty, "c-2", 1, map[string]any{"name": "Initech"})
	require.NoError(t, r.Set("supplier", other))
	assert.True(t, r.DirtyMask().Has(m.Receipt.Attribute("supplier").Index()))
}

func TestInstance_ReplacingOwnedValueDetachesOld(t *testing.T) {
	m := model(t)
	r := loadReceipt(t, m)
	old := r.Get("tags").(*List)

	require.NoError(t, r.Set("tags", NewList("a", "b")))
	assert.True(t, old.Parent().IsZero())
	assert.True(t, r.IsDirty())

	old.Append("c")
	assert.Equal(t, []int{m.Receipt.Attribute("tags").Index()}, r.DirtyMask().Indexes())
}

func TestInstance_MarkCleanAndRestore(t *testing.T) {
	m := model(t)
	r := loadReceipt(t, m)
	require.NoError(t, r.Set("comment", "x"))

	prev := MarkClean(r)
	assert.False(t, IsDirty(r))
	Restore(r, prev)
	assert.True(t, IsDirty(r))
	assert.True(t, DirtyMask(r).Equal(prev))
}

func TestInstance_MarkPersistedNeedsID(t *testing.T) {
	m := model(t)
	r := New(m.Receipt)
	assert.True(t, apperror.IsValidation(r.MarkPersisted()))

	r.SetID(int64(5))
	require.NoError(t, r.MarkPersisted())
	assert.False(t, r.IsNew())
	assert.Equal(t, "ReceiptView(5)", r.String())
}

func TestInstance_ReadOnlyParentsForNewReferences(t *testing.T) {
	m := model(t)
	ref := New(m.CounterpartyRef)
	h := New(m.Header)
	require.NoError(t, h.Set("supplier", ref))

	parents := ref.ReadOnlyParents()
	require.Len(t, parents, 1)
	assert.Same(t, h, parents[0].Parent)
	assert.Equal(t, m.Header.Attribute("supplier").Index(), parents[0].Index)
}

func TestList_ActionsAndDirtyState(t *testing.T) {
	l := NewList("a", "b", "c")
	assert.False(t, l.IsDirty())

	require.True(t, l.Remove("b"))
	l.Insert(0, "z")
	assert.True(t, l.IsDirty())
	assert.Equal(t, []any{"z", "a", "c"}, l.Elements())
	assert.Equal(t, []any{"a", "b", "c"}, l.InitialElements())

	actions := l.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, ActionRemove, actions[0].Kind)
	assert.Equal(t, "b", actions[0].Previous)
	assert.Equal(t, ActionAdd, actions[1].Kind)
	assert.Equal(t, 0, actions[1].Index)

	assert.False(t, l.Remove("missing"))
	assert.True(t, l.Contains("z"))
}

func TestList_RevertingMutationsIsClean(t *testing.T) {
	l := NewList("a", "b")
	l.Append("c")
	l.RemoveAt(2)
	assert.False(t, l.IsDirty())
	assert.Len(t, l.Actions(), 2)

	prev := l.Set(0, "x")
	assert.Equal(t, "a", prev)
	assert.True(t, l.IsDirty())
	l.Clear()
	assert.Zero(t, l.Len())
}

func TestList_FlushAndRestoreState(t *testing.T) {
	l := NewList("a")
	l.Append("b")
	saved := l.State()

	l.MarkFlushed()
	assert.Empty(t, l.Actions())
	assert.Equal(t, []any{"a", "b"}, l.InitialElements())
	assert.True(t, l.IsDirty())

	MarkClean(l)
	assert.False(t, l.IsDirty())

	l.RestoreState(saved)
	assert.True(t, l.IsDirty())
	assert.Equal(t, []any{"a"}, l.InitialElements())
	assert.Len(t, l.Actions(), 1)
}

func TestList_ReplaceChild(t *testing.T) {
	m := model(t)
	draft := New(m.Line)
	persisted := Load(m.Line, int64(9), 1, map[string]any{"product": "bolt"})
	l := NewList(draft)

	assert.True(t, l.ReplaceChild(-1, draft, persisted))
	assert.Same(t, persisted, l.At(0))
	assert.Same(t, persisted, l.InitialElements()[0])
	assert.False(t, l.ReplaceChild(-1, draft, persisted))
}

func TestMap_PutDeleteAndRestore(t *testing.T) {
	mp := NewMap("color", "red", "size", "M")
	prev, had := mp.Put("color", "blue")
	assert.True(t, had)
	assert.Equal(t, "red", prev)
	assert.True(t, mp.IsDirty())

	_, had = mp.Put("weight", "1kg")
	assert.False(t, had)
	removed, ok := mp.Delete("size")
	assert.True(t, ok)
	assert.Equal(t, "M", removed)
	_, ok = mp.Delete("size")
	assert.False(t, ok)

	assert.Equal(t, []Entry{{Key: "color", Value: "blue"}, {Key: "weight", Value: "1kg"}}, mp.Entries())
	require.Len(t, mp.Actions(), 3)
	assert.Equal(t, MapDelete, mp.Actions()[2].Kind)

	saved := mp.State()
	mp.MarkFlushed()
	assert.Empty(t, mp.Actions())
	mp.RestoreState(saved)
	assert.Len(t, mp.Actions(), 3)
	assert.Len(t, mp.InitialEntries(), 2)
}

func TestMap_RevertingIsClean(t *testing.T) {
	mp := NewMap("color", "red")
	mp.Put("color", "blue")
	mp.Put("color", "red")
	assert.False(t, mp.IsDirty())

	assert.Panics(t, func() { NewMap("odd") })
}

func TestMap_PropagatesToOwner(t *testing.T) {
	m := model(t)
	r := loadReceipt(t, m)
	props := r.Get("properties").(*Map)
	assert.Same(t, m.Receipt.Attribute("properties"), props.Attribute())

	props.Put("size", "L")
	assert.True(t, r.DirtyMask().Has(m.Receipt.Attribute("properties").Index()))
	props.Delete("size")
	assert.False(t, r.IsDirty())
}

func TestKey(t *testing.T) {
	m := model(t)
	a := Load(m.Counterparty, "c-1", 1, nil)
	b := Load(m.CounterpartyRef, "c-1", 3, nil)
	assert.Equal(t, Key(a), Key(b), "persisted views match by entity and id")

	n1, n2 := New(m.Counterparty), New(m.Counterparty)
	assert.NotEqual(t, Key(n1), Key(n2))
	assert.Equal(t, Key(n1), Key(n1))

	assert.Equal(t, Key(decimal.RequireFromString("1.50")), Key(decimal.RequireFromString("1.5")))
	assert.Equal(t, Key([]byte("x")), Key("x"))
	assert.Nil(t, Key(nil))
	assert.Equal(t, Key([]int{1, 2}), Key([]int{1, 2}))
}

func TestInstance_SettleKeepsChangesAfterFlush(t *testing.T) {
	m := model(t)
	r := loadReceipt(t, m)
	number := m.Receipt.Index("number")

	require.NoError(t, r.Set("number", "GR-002"))
	r.SetInitialAt(number, "GR-002")
	r.MarkDirty(m.Receipt.Index("currency"))
	require.NoError(t, r.Set("comment", "late"))

	addr := r.Get("delivery").(*Instance)
	require.NoError(t, addr.Set("city", "Kazan"))
	addr.SetInitialAt(m.Address.Index("city"), "Kazan")
	addr.Settle()
	assert.False(t, addr.IsDirty())

	r.Settle()
	assert.Equal(t, []int{m.Receipt.Index("comment")}, r.DirtyMask().Indexes())
}

func TestList_Settle(t *testing.T) {
	l := NewList("a")
	l.Append("b")
	l.MarkFlushed()
	assert.True(t, l.IsDirty())
	l.Settle()
	assert.False(t, l.IsDirty())

	l.Append("c")
	l.MarkFlushed()
	l.Append("d")
	l.Settle()
	assert.True(t, l.IsDirty())
	assert.Equal(t, []any{"a", "b", "c"}, l.InitialElements())
}

func TestList_MarkFlushedExcept(t *testing.T) {
	l := NewList("a")
	l.Append("pending")
	l.Append("b")
	l.MarkFlushedExcept(func(e any) bool { return e == "pending" })

	assert.Equal(t, []any{"a", "b"}, l.InitialElements())
	assert.Empty(t, l.Actions())
	l.Settle()
	assert.True(t, l.IsDirty())
}

func TestMap_Settle(t *testing.T) {
	m := NewMap("k", "v")
	m.Put("k", "w")
	m.MarkFlushed()
	m.Settle()
	assert.False(t, m.IsDirty())

	m.Put("k", "x")
	m.Settle()
	assert.True(t, m.IsDirty())
}
