package metadata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/core/apperror"
)

func orderEntities() []*EntityType {
	customer := &EntityType{
		Name:    "Customer",
		Table:   "customers",
		ID:      &EntityAttribute{Name: "id", Column: "id", Type: TypeInt64},
		Version: &EntityAttribute{Name: "version", Column: "version", Type: TypeInt64},
		Attributes: []*EntityAttribute{
			{Name: "name", Column: "name", Type: TypeString},
		},
	}
	order := &EntityType{
		Name:  "Order",
		Table: "orders",
		ID:    &EntityAttribute{Name: "id", Column: "id", Type: TypeInt64},
		Attributes: []*EntityAttribute{
			{Name: "amount", Column: "amount", Type: TypeDecimal},
			{Name: "customer", Column: "customer_id", Kind: EntityToOne, Target: "Customer"},
			{
				Name: "address",
				Kind: EntityEmbedded,
				Components: []*EntityAttribute{
					{Name: "city", Column: "address_city", Type: TypeString},
					{
						Name: "geo",
						Kind: EntityEmbedded,
						Components: []*EntityAttribute{
							{Name: "lat", Column: "address_lat", Type: TypeFloat64},
						},
					},
				},
			},
			{
				Name: "labels",
				Kind: EntityCollection,
				Type: TypeString,
				JoinTable: &JoinTable{
					Table: "order_labels", OwnerColumn: "order_id", ElementColumn: "label", IndexColumn: "pos",
				},
			},
			{
				Name: "attrs", Kind: EntityMap, Type: TypeString, KeyType: TypeString,
				JoinTable: &JoinTable{
					Table: "order_attrs", OwnerColumn: "order_id", ElementColumn: "value", KeyColumn: "name",
				},
			},
		},
	}
	return []*EntityType{customer, order}
}

func orderMetamodel(t *testing.T) *Metamodel {
	t.Helper()
	mm, err := NewMetamodel(orderEntities()...)
	require.NoError(t, err)
	return mm
}

func TestMetamodel_Leaves(t *testing.T) {
	mm := orderMetamodel(t)
	order := mm.Entity("Order")

	var paths []string
	for _, l := range order.Leaves() {
		paths = append(paths, l.Path)
	}
	assert.Equal(t, []string{"amount", "customer", "address.city", "address.geo.lat"}, paths)
	assert.Equal(t, "address_lat", order.Column("address.geo.lat"))
	assert.Equal(t, "id", order.Column("id"))
	assert.Empty(t, order.Column("address.missing"))
	assert.Nil(t, order.Attribute("amount.x"))

	plural := order.Plural()
	require.Len(t, plural, 2)
	assert.True(t, plural[0].IsIndexed())
	assert.False(t, plural[1].IsIndexed())
}

func TestNewMetamodel_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(es []*EntityType)
	}{
		{"missing id", func(es []*EntityType) { es[0].ID = nil }},
		{"duplicate attribute", func(es []*EntityType) {
			es[0].Attributes = append(es[0].Attributes, &EntityAttribute{Name: "name", Column: "n2"})
		}},
		{"shadowed version", func(es []*EntityType) {
			es[0].Attributes = append(es[0].Attributes, &EntityAttribute{Name: "version", Column: "v2"})
		}},
		{"missing column", func(es []*EntityType) { es[1].Attributes[0].Column = "" }},
		{"unknown target", func(es []*EntityType) { es[1].Attributes[1].Target = "Nope" }},
		{"collection without join table", func(es []*EntityType) { es[1].Attributes[3].JoinTable = nil }},
		{"map without key column", func(es []*EntityType) { es[1].Attributes[4].JoinTable.KeyColumn = "" }},
		{"bad mapped-by", func(es []*EntityType) {
			es[0].Attributes = append(es[0].Attributes, &EntityAttribute{
				Name: "orders", Kind: EntityCollection, Target: "Order", MappedBy: "amount",
			})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			es := orderEntities()
			tt.mutate(es)
			_, err := NewMetamodel(es...)
			assert.True(t, apperror.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestBuild_ResolvesAttributes(t *testing.T) {
	mm := orderMetamodel(t)
	geo := &ViewType{Name: "Geo", EntityName: "Order", Embeddable: true, Updatable: true,
		Attributes: []*Attribute{{Name: "lat", Updatable: true}}}
	addr := &ViewType{Name: "Address", EntityName: "Order", Embeddable: true, Updatable: true,
		Attributes: []*Attribute{{Name: "city", Updatable: true}, {Name: "geo", ElementView: "Geo", Updatable: true}}}
	customer := &ViewType{Name: "CustomerView", EntityName: "Customer", Updatable: true, Creatable: true,
		Attributes: []*Attribute{{Name: "name", Updatable: true}}}
	order := &ViewType{Name: "OrderView", EntityName: "Order", Updatable: true,
		Attributes: []*Attribute{
			{Name: "total", Mapping: "amount", Updatable: true},
			{Name: "customer", ElementView: "CustomerView"},
			{Name: "customerId", Mapping: "customer"},
			{Name: "address", ElementView: "Address", Updatable: true},
			{Name: "labels", Updatable: true},
			{Name: "attrs"},
		}}

	r, err := NewBuilder(mm).Register(geo, addr, customer, order).Build()
	require.NoError(t, err)
	assert.Equal(t, []*ViewType{geo, addr, customer, order}, r.Views())

	assert.Equal(t, "id", order.IDMapping)
	assert.Equal(t, LockModeNone, order.EffectiveLockMode(), "no version attribute")
	assert.False(t, order.IsVersioned())
	assert.Equal(t, LockModeOptimistic, customer.EffectiveLockMode())
	assert.True(t, customer.IsVersioned())

	total := order.Attribute("total")
	assert.Equal(t, KindScalar, total.Kind())
	assert.True(t, total.Basic().IsEqual(decimal.RequireFromString("1.0"), decimal.RequireFromString("1")))

	sub := order.Attribute("customer")
	assert.Equal(t, KindSubview, sub.Kind())
	assert.Same(t, customer, sub.Element())
	assert.True(t, sub.EffectiveCascade().Has(CascadePersist))
	assert.True(t, sub.EffectiveCascade().Has(CascadeUpdate))

	assert.Equal(t, KindScalar, order.Attribute("customerId").Kind())
	assert.Equal(t, TypeInt64, order.Attribute("customerId").Basic().Name)

	assert.Equal(t, KindEmbedded, order.Attribute("address").Kind())
	assert.Equal(t, "geo", addr.Attribute("geo").EntityAttribute().Name)
	assert.Equal(t, KindEmbedded, addr.Attribute("geo").Kind())
	assert.Equal(t, "lat", geo.Attribute("lat").EntityAttribute().Name)

	labels := order.Attribute("labels")
	assert.Equal(t, KindCollection, labels.Kind())
	assert.True(t, labels.IsIndexed())
	attrs := order.Attribute("attrs")
	assert.Equal(t, KindMap, attrs.Kind())
	assert.Equal(t, TypeString, attrs.KeyBasic().Name)

	assert.Equal(t, 3, order.Index("address"))
	assert.Equal(t, -1, order.Index("missing"))
}

func TestBuild_CascadeAutoFollowsElementCapabilities(t *testing.T) {
	mm := orderMetamodel(t)
	readOnly := &ViewType{Name: "CustomerRef", EntityName: "Customer",
		Attributes: []*Attribute{{Name: "name"}}}
	createOnly := &ViewType{Name: "CustomerDraft", EntityName: "Customer", Creatable: true,
		Attributes: []*Attribute{{Name: "name"}}}
	order := &ViewType{Name: "OrderView", EntityName: "Order", Updatable: true,
		Attributes: []*Attribute{
			{Name: "ref", Mapping: "customer", ElementView: "CustomerRef"},
			{Name: "draft", Mapping: "customer", ElementView: "CustomerDraft", Cascade: Cascades(CascadeAuto, CascadeDelete)},
		}}
	_, err := NewBuilder(mm).Register(readOnly, createOnly, order).Build()
	require.NoError(t, err)

	assert.Zero(t, order.Attribute("ref").EffectiveCascade())
	draft := order.Attribute("draft").EffectiveCascade()
	assert.True(t, draft.Has(CascadePersist))
	assert.False(t, draft.Has(CascadeUpdate))
	assert.True(t, draft.Has(CascadeDelete))
	assert.False(t, draft.Has(CascadeAuto))
}

func TestBuild_Errors(t *testing.T) {
	customer := func() *ViewType {
		return &ViewType{Name: "CustomerView", EntityName: "Customer", Updatable: true,
			Attributes: []*Attribute{{Name: "name", Updatable: true}}}
	}
	tests := []struct {
		name  string
		views func() []*ViewType
	}{
		{"unknown entity", func() []*ViewType {
			return []*ViewType{{Name: "X", EntityName: "Nope"}}
		}},
		{"duplicate view", func() []*ViewType { return []*ViewType{customer(), customer()} }},
		{"unknown mapping", func() []*ViewType {
			v := customer()
			v.Attributes[0].Mapping = "nickname"
			return []*ViewType{v}
		}},
		{"reserved name", func() []*ViewType {
			v := customer()
			v.Attributes = append(v.Attributes, &Attribute{Name: "_name", Mapping: "name"})
			return []*ViewType{v}
		}},
		{"updatable in read-only view", func() []*ViewType {
			v := customer()
			v.Updatable = false
			return []*ViewType{v}
		}},
		{"id mapping mismatch", func() []*ViewType {
			v := customer()
			v.IDMapping = "name"
			return []*ViewType{v}
		}},
		{"optimistic without version", func() []*ViewType {
			return []*ViewType{{Name: "O", EntityName: "Order", LockMode: LockModeOptimistic,
				Attributes: []*Attribute{{Name: "amount"}}}}
		}},
		{"subview of wrong entity", func() []*ViewType {
			return []*ViewType{customer(), {Name: "O", EntityName: "Order",
				Attributes: []*Attribute{{Name: "labels", ElementView: "CustomerView"}}}}
		}},
		{"orphan removal on scalar", func() []*ViewType {
			return []*ViewType{{Name: "O", EntityName: "Order",
				Attributes: []*Attribute{{Name: "amount", OrphanRemoval: true}}}}
		}},
		{"inverse strategy without mapped-by", func() []*ViewType {
			return []*ViewType{{Name: "O", EntityName: "Order",
				Attributes: []*Attribute{{Name: "labels", InverseRemove: InverseRemoveSetNull}}}}
		}},
		{"subview on basic mapping", func() []*ViewType {
			return []*ViewType{customer(), {Name: "O", EntityName: "Order",
				Attributes: []*Attribute{{Name: "amount", ElementView: "CustomerView"}}}}
		}},
		{"embeddable used as subview", func() []*ViewType {
			return []*ViewType{{Name: "E", EntityName: "Order", Embeddable: true,
				Attributes: []*Attribute{{Name: "city"}}}, {Name: "O", EntityName: "Order",
				Attributes: []*Attribute{{Name: "customer", ElementView: "E"}}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(orderMetamodel(t)).Register(tt.views()...).Build()
			assert.True(t, apperror.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestBasicTypes(t *testing.T) {
	var bytesType, jsonType *BasicType
	for _, bt := range BuiltinBasicTypes() {
		switch bt.Name {
		case TypeBytes:
			bytesType = bt
		case TypeJSON:
			jsonType = bt
		}
	}
	require.NotNil(t, bytesType)
	require.NotNil(t, jsonType)

	b := []byte("abc")
	c := bytesType.CloneValue(b).([]byte)
	b[0] = 'x'
	assert.Equal(t, "abc", string(c))
	assert.False(t, bytesType.IsEqual(b, c))

	doc := map[string]any{"a": "b"}
	snap := jsonType.CloneValue(doc).(map[string]any)
	doc["c"] = "d"
	assert.False(t, jsonType.IsEqual(doc, snap))
	assert.True(t, jsonType.IsEqual(snap, map[string]any{"a": "b"}))

	assert.True(t, bytesType.IsEqual(nil, nil))
	assert.False(t, bytesType.IsEqual(nil, []byte{}))
}

func TestDeepClone_NestedValuesAreCopied(t *testing.T) {
	doc := map[string]any{
		"lines": []any{map[string]any{"sku": "bolt"}},
		"meta":  map[string]any{"source": "edi"},
	}
	snap := deepClone(doc).(map[string]any)
	doc["meta"].(map[string]any)["source"] = "manual"
	doc["lines"].([]any)[0].(map[string]any)["sku"] = "nut"

	assert.Equal(t, "edi", snap["meta"].(map[string]any)["source"])
	assert.Equal(t, "bolt", snap["lines"].([]any)[0].(map[string]any)["sku"])

	arr := []any{"a", map[string]any{"k": 1}}
	arrSnap := deepClone(arr).([]any)
	arr[1].(map[string]any)["k"] = 2
	assert.Equal(t, 1, arrSnap[1].(map[string]any)["k"])

	assert.Equal(t, "plain", deepClone("plain"))
}

func TestCloneTree(t *testing.T) {
	src := map[string]any{"a": []any{map[string]any{"b": "c"}}}
	out := cloneTree(src).(map[string]any)
	src["a"].([]any)[0].(map[string]any)["b"] = "x"
	assert.Equal(t, "c", out["a"].([]any)[0].(map[string]any)["b"])
}
