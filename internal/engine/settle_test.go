package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/domain/receipt"
	"viewsync/internal/flush"
	"viewsync/internal/infrastructure/storage/memory"
	"viewsync/internal/listener"
	"viewsync/internal/metadata"
	"viewsync/internal/view"
)

const lineLinkUpdate = "UPDATE GoodsReceiptLine e SET e.receipt = :_owner WHERE e.id = :_id"

// customFixture builds a fixture over the receipt view types after tweak
// adjusted them.
func customFixture(t *testing.T, tweak func(vt *metadata.ViewType)) *fixture {
	t.Helper()
	mm, err := metadata.NewMetamodel(receipt.Entities()...)
	require.NoError(t, err)
	views := receipt.ViewTypes()
	for _, vt := range views {
		tweak(vt)
	}
	md, err := metadata.NewBuilder(mm).Register(views...).Build()
	require.NoError(t, err)

	m := &receipt.Model{
		Metamodel:       mm,
		Registry:        md,
		Address:         md.View(receipt.ViewAddress),
		Counterparty:    md.View(receipt.ViewCounterparty),
		CounterpartyRef: md.View(receipt.ViewCounterpartyRef),
		Line:            md.View(receipt.ViewLine),
		Receipt:         md.View(receipt.ViewReceipt),
		Header:          md.View(receipt.ViewHeader),
	}
	f := &fixture{m: m}
	f.store = memory.New(mm)
	f.txm = memory.NewTxManager(f.store)
	f.engine = f.build(t, md)
	return f
}

func receiptLines(tweak func(a *metadata.Attribute)) func(vt *metadata.ViewType) {
	return func(vt *metadata.ViewType) {
		if vt.Name != receipt.ViewReceipt {
			return
		}
		for _, a := range vt.Attributes {
			if a.Name == "lines" {
				tweak(a)
			}
		}
	}
}

func (f *fixture) listen(t *testing.T, register func(lm *listener.Manager)) {
	t.Helper()
	lm := listener.NewManager()
	register(lm)
	f.engine = f.build(t, f.m.Registry, WithListeners(lm))
}

func TestSave_ChangeAfterFlushSurvivesCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.persisted(t)
	tags := list(r, "tags")

	err := f.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		set(t, r, "number", "GR-tx")
		tags.Append("d")
		if _, err := f.engine.Save(ctx, r); err != nil {
			return err
		}
		set(t, r, "number", "GR-late")
		tags.Append("e")
		return nil
	})
	require.NoError(t, err)

	assert.True(t, r.IsDirty())
	assert.True(t, tags.IsDirty())
	assert.Equal(t, "GR-tx", r.Initial("number"))
	assert.ElementsMatch(t, []int{f.m.Receipt.Index("number"), f.m.Receipt.Index("tags")}, r.DirtyMask().Indexes())
	assert.Equal(t, int64(2), r.Version())

	f.store.ResetStatements()
	_, err = f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"INSERT INTO GoodsReceipt.tags (owner, element) VALUES (:_owner, :_element)",
		versionedNumberUpdate,
	}, f.store.Statements())
	assert.False(t, r.IsDirty())
	assert.Equal(t, int64(3), r.Version())

	loaded, err := f.engine.Find(ctx, f.m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, "GR-late", loaded.Get("number"))
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, list(loaded, "tags").Elements())
}

func TestSave_RevertedChangeAfterFlushIsClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.persisted(t)

	err := f.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		set(t, r, "number", "GR-tx")
		if _, err := f.engine.Save(ctx, r); err != nil {
			return err
		}
		set(t, r, "number", "GR-other")
		set(t, r, "number", "GR-tx")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, r.IsDirty())
}

func TestSave_VetoedReferenceStaysPending(t *testing.T) {
	f := newFixture(t)
	allow := false
	f.listen(t, func(lm *listener.Manager) {
		require.NoError(t, lm.OnVeto(listener.PrePersist, f.m.Counterparty, func(context.Context, *listener.Invocation) (bool, error) {
			return allow, nil
		}))
	})
	ctx := context.Background()
	r := newReceipt(t, f.m)
	supplier := r.Get("supplier").(*view.Instance)

	res, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, flush.OutcomePersisted, res.Outcome())
	assert.True(t, supplier.IsNew())
	assert.Equal(t, []string{
		"INSERT GoodsReceipt 1",
		"INSERT GoodsReceiptLine 2",
		"INSERT GoodsReceiptLine 3",
	}, f.store.Statements())
	assert.Equal(t, []int{f.m.Receipt.Index("supplier")}, r.DirtyMask().Indexes())

	stored, err := f.store.LoadByID(ctx, receipt.EntityReceipt, r.ID())
	require.NoError(t, err)
	assert.Nil(t, stored.Get("supplier"))

	allow = true
	f.store.ResetStatements()
	res, err = f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, flush.OutcomeUpdated, res.Outcome())
	assert.False(t, supplier.IsNew())
	assert.Equal(t, []string{
		fmt.Sprintf("INSERT Counterparty %v", supplier.ID()),
		"UPDATE GoodsReceipt e SET e.supplier = :supplier, e.version = :_nextVersion WHERE e.id = :_id AND e.version = :_version",
	}, f.store.Statements())
	assert.False(t, r.IsDirty())

	stored, err = f.store.LoadByID(ctx, receipt.EntityReceipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, supplier.ID(), stored.Get("supplier"))
}

func TestSave_VetoedReplacementKeepsStoredReference(t *testing.T) {
	f := newFixture(t)
	f.listen(t, func(lm *listener.Manager) {
		require.NoError(t, lm.OnVeto(listener.PrePersist, f.m.Counterparty, func(context.Context, *listener.Invocation) (bool, error) {
			return false, nil
		}))
	})
	ctx := context.Background()
	r := newReceipt(t, f.m)
	set(t, r, "supplier", nil)
	_, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	f.store.ResetStatements()

	other := view.New(f.m.Counterparty)
	set(t, other, "name", "Globex")
	set(t, r, "supplier", other, "number", "GR-002")

	_, err = f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"UPDATE GoodsReceipt e SET e.number = :number, e.supplier = :supplier, e.version = :_nextVersion WHERE e.id = :_id AND e.version = :_version",
	}, f.store.Statements())
	assert.Equal(t, []int{f.m.Receipt.Index("supplier")}, r.DirtyMask().Indexes())

	stored, err := f.store.LoadByID(ctx, receipt.EntityReceipt, r.ID())
	require.NoError(t, err)
	assert.Nil(t, stored.Get("supplier"))
	assert.Equal(t, "GR-002", stored.Get("number"))
}

func TestSave_VetoedLineStaysInCollection(t *testing.T) {
	f := newFixture(t)
	allow := false
	f.listen(t, func(lm *listener.Manager) {
		require.NoError(t, lm.OnVeto(listener.PrePersist, f.m.Line, func(_ context.Context, inv *listener.Invocation) (bool, error) {
			return allow || inv.View.Get("product") != "nut", nil
		}))
	})
	ctx := context.Background()
	r := newReceipt(t, f.m)
	lines := list(r, "lines")
	nut := lines.At(1).(*view.Instance)

	_, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	supplier := r.Get("supplier").(*view.Instance)
	assert.Equal(t, []string{
		fmt.Sprintf("INSERT Counterparty %v", supplier.ID()),
		"INSERT GoodsReceipt 1",
		"INSERT GoodsReceiptLine 2",
	}, f.store.Statements())
	assert.True(t, nut.IsNew())
	assert.True(t, lines.IsDirty())
	assert.Equal(t, []int{f.m.Receipt.Index("lines")}, r.DirtyMask().Indexes())

	loaded, err := f.engine.Find(ctx, f.m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, list(loaded, "lines").Len())

	allow = true
	f.store.ResetStatements()
	_, err = f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{"INSERT GoodsReceiptLine 3"}, f.store.Statements())
	assert.False(t, nut.IsNew())
	assert.False(t, r.IsDirty())

	stored, err := f.store.LoadByID(ctx, receipt.EntityLine, nut.ID())
	require.NoError(t, err)
	assert.Equal(t, r.ID(), stored.Get("receipt"))
}

func TestRemove_VetoedLineIsUnlinked(t *testing.T) {
	f := newFixture(t)
	f.listen(t, func(lm *listener.Manager) {
		require.NoError(t, lm.OnVeto(listener.PreRemove, f.m.Line, func(_ context.Context, inv *listener.Invocation) (bool, error) {
			return inv.View.Get("product") != "bolt", nil
		}))
	})
	ctx := context.Background()
	r := f.persisted(t)
	bolt := list(r, "lines").At(0).(*view.Instance)

	res, err := f.engine.Remove(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, flush.OutcomeRemoved, res.Outcome())
	assert.Equal(t, []string{
		lineLinkUpdate,
		"DELETE GoodsReceiptLine 3",
		"DELETE GoodsReceipt 1",
	}, f.store.Statements())

	stored, err := f.store.LoadByID(ctx, receipt.EntityLine, bolt.ID())
	require.NoError(t, err)
	assert.Nil(t, stored.Get("receipt"))
}

func TestSave_VetoedOrphanRemovalUnlinksLine(t *testing.T) {
	f := newFixture(t)
	f.listen(t, func(lm *listener.Manager) {
		require.NoError(t, lm.OnVeto(listener.PreRemove, f.m.Line, func(context.Context, *listener.Invocation) (bool, error) {
			return false, nil
		}))
	})
	ctx := context.Background()
	r := f.persisted(t)

	removed := list(r, "lines").RemoveAt(0).(*view.Instance)
	_, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{lineLinkUpdate}, f.store.Statements())

	stored, err := f.store.LoadByID(ctx, receipt.EntityLine, removed.ID())
	require.NoError(t, err)
	assert.Nil(t, stored.Get("receipt"))
}

func TestSave_InverseRemoveSetNull(t *testing.T) {
	f := customFixture(t, receiptLines(func(a *metadata.Attribute) {
		a.OrphanRemoval = false
		a.InverseRemove = metadata.InverseRemoveSetNull
	}))
	ctx := context.Background()
	r := f.persisted(t)

	removed := list(r, "lines").RemoveAt(0).(*view.Instance)
	_, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{lineLinkUpdate}, f.store.Statements())
	assert.Equal(t, int64(1), r.Version())
	assert.False(t, r.IsDirty())

	stored, err := f.store.LoadByID(ctx, receipt.EntityLine, removed.ID())
	require.NoError(t, err)
	assert.Nil(t, stored.Get("receipt"))

	loaded, err := f.engine.Find(ctx, f.m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, list(loaded, "lines").Len())
}

func TestSave_InverseRemoveIgnore(t *testing.T) {
	f := customFixture(t, receiptLines(func(a *metadata.Attribute) {
		a.OrphanRemoval = false
		a.InverseRemove = metadata.InverseRemoveIgnore
	}))
	ctx := context.Background()
	r := f.persisted(t)

	removed := list(r, "lines").RemoveAt(0).(*view.Instance)
	_, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Empty(t, f.store.Statements())
	assert.False(t, r.IsDirty())
	assert.False(t, list(r, "lines").IsDirty())

	stored, err := f.store.LoadByID(ctx, receipt.EntityLine, removed.ID())
	require.NoError(t, err)
	assert.Equal(t, r.ID(), stored.Get("receipt"))

	loaded, err := f.engine.Find(ctx, f.m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, list(loaded, "lines").Len())
}

func TestSave_FullFlushMode(t *testing.T) {
	f := customFixture(t, func(vt *metadata.ViewType) {
		if vt.Name == receipt.ViewReceipt {
			vt.FlushMode = metadata.FlushModeFull
		}
	})
	r := f.persisted(t)

	set(t, r, "comment", "only this changed")
	_, err := f.engine.Save(context.Background(), r)
	require.NoError(t, err)
	stmts := f.store.Statements()
	require.NotEmpty(t, stmts)
	assert.Equal(t, "UPDATE GoodsReceipt e SET e.number = :number, e.comment = :comment, e.currency = :currency, "+
		"e.total = :total, e.supplier = :supplier, e.delivery.street = :delivery_street, e.delivery.city = :delivery_city, "+
		"e.version = :_nextVersion WHERE e.id = :_id AND e.version = :_version", stmts[len(stmts)-1])
	assert.Equal(t, int64(2), r.Version())
	assert.False(t, r.IsDirty())
}

func TestSave_LazyFlushModeSkipsUninitialized(t *testing.T) {
	f := customFixture(t, func(vt *metadata.ViewType) {
		if vt.Name == receipt.ViewReceipt {
			vt.FlushMode = metadata.FlushModeLazy
		}
	})
	ctx := context.Background()
	r := f.persisted(t)
	comment := f.m.Receipt.Index("comment")
	require.Nil(t, r.Get("comment"))

	r.MarkDirty(comment)
	res, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, flush.OutcomeNoop, res.Outcome())
	assert.Empty(t, f.store.Statements())

	set(t, r, "number", "GR-lazy")
	_, err = f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{versionedNumberUpdate}, f.store.Statements())
	assert.False(t, r.IsDirty())
}

func TestSave_IndexedListRemoveReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.persisted(t)
	notes := list(r, "notes")

	notes.RemoveAt(0)
	_, err := f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"DELETE FROM GoodsReceipt.notes WHERE owner = :_owner AND index = :_index",
		"UPDATE GoodsReceipt.notes SET index = index + :_delta WHERE owner = :_owner AND index >= :_index",
		"UPDATE GoodsReceipt e SET e.version = :_nextVersion WHERE e.id = :_id AND e.version = :_version",
	}, f.store.Statements())

	loaded, err := f.engine.Find(ctx, f.m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Equal(t, []any{"second"}, list(loaded, "notes").Elements())

	f.store.ResetStatements()
	notes.RemoveAt(0)
	_, err = f.engine.Save(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"DELETE FROM GoodsReceipt.notes WHERE owner = :_owner AND index = :_index",
		"UPDATE GoodsReceipt e SET e.version = :_nextVersion WHERE e.id = :_id AND e.version = :_version",
	}, f.store.Statements())

	loaded, err = f.engine.Find(ctx, f.m.Receipt, r.ID())
	require.NoError(t, err)
	assert.Zero(t, list(loaded, "notes").Len())
}
