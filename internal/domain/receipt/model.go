// Package receipt maps goods receipts onto the flush engine: a receipt
// header with a supplier reference, an embedded delivery address, tag,
// note and property collections, and lines owned through a foreign key.
//
// The model is used by the demo command and by the engine and store tests.
package receipt

import (
	"viewsync/internal/core/id"
	"viewsync/internal/metadata"
)

// Entity names.
const (
	EntityCounterparty = "Counterparty"
	EntityReceipt      = "GoodsReceipt"
	EntityLine         = "GoodsReceiptLine"
)

// View type names.
const (
	ViewAddress         = "DeliveryAddress"
	ViewCounterparty    = "CounterpartyView"
	ViewCounterpartyRef = "CounterpartyRef"
	ViewLine            = "ReceiptLineView"
	ViewReceipt         = "ReceiptView"
	ViewHeader          = "ReceiptHeader"
)

// Model is a resolved receipt mapping.
type Model struct {
	Metamodel *metadata.Metamodel
	Registry  *metadata.Registry

	Address         *metadata.ViewType
	Counterparty    *metadata.ViewType
	CounterpartyRef *metadata.ViewType
	Line            *metadata.ViewType
	Receipt         *metadata.ViewType
	// Header is flushed by merging the backing entity.
	Header *metadata.ViewType
}

// New builds the metamodel and view types. Every call returns fresh,
// independent types.
func New() (*Model, error) {
	mm, err := metadata.NewMetamodel(Entities()...)
	if err != nil {
		return nil, err
	}
	views := ViewTypes()
	reg, err := metadata.NewBuilder(mm).Register(views...).Build()
	if err != nil {
		return nil, err
	}
	return &Model{
		Metamodel:       mm,
		Registry:        reg,
		Address:         reg.View(ViewAddress),
		Counterparty:    reg.View(ViewCounterparty),
		CounterpartyRef: reg.View(ViewCounterpartyRef),
		Line:            reg.View(ViewLine),
		Receipt:         reg.View(ViewReceipt),
		Header:          reg.View(ViewHeader),
	}, nil
}

func idAttr(typ string) *metadata.EntityAttribute {
	return &metadata.EntityAttribute{Name: "id", Column: "id", Type: typ}
}

func versionAttr() *metadata.EntityAttribute {
	return &metadata.EntityAttribute{Name: "version", Column: "version", Type: metadata.TypeInt64}
}

func basic(name, column, typ string) *metadata.EntityAttribute {
	return &metadata.EntityAttribute{Name: name, Column: column, Kind: metadata.EntityBasic, Type: typ}
}

// Entities returns the backing entity types.
func Entities() []*metadata.EntityType {
	counterparty := &metadata.EntityType{
		Name:      EntityCounterparty,
		Table:     "counterparties",
		ID:        idAttr(metadata.TypeUUID),
		Version:   versionAttr(),
		Generator: id.UUIDv7(),
		Attributes: []*metadata.EntityAttribute{
			basic("name", "name", metadata.TypeString),
			basic("inn", "inn", metadata.TypeString),
		},
	}

	receipt := &metadata.EntityType{
		Name:    EntityReceipt,
		Table:   "goods_receipts",
		ID:      idAttr(metadata.TypeInt64),
		Version: versionAttr(),
		Attributes: []*metadata.EntityAttribute{
			basic("number", "number", metadata.TypeString),
			basic("comment", "comment", metadata.TypeString),
			basic("currency", "currency", metadata.TypeString),
			basic("total", "total", metadata.TypeDecimal),
			{Name: "supplier", Column: "supplier_id", Kind: metadata.EntityToOne, Target: EntityCounterparty, Nullable: true},
			{
				Name: "delivery",
				Kind: metadata.EntityEmbedded,
				Components: []*metadata.EntityAttribute{
					basic("street", "delivery_street", metadata.TypeString),
					basic("city", "delivery_city", metadata.TypeString),
				},
			},
			{
				Name: "tags",
				Kind: metadata.EntityCollection,
				Type: metadata.TypeString,
				JoinTable: &metadata.JoinTable{
					Table:         "goods_receipt_tags",
					OwnerColumn:   "receipt_id",
					ElementColumn: "tag",
				},
			},
			{
				Name: "notes",
				Kind: metadata.EntityCollection,
				Type: metadata.TypeString,
				JoinTable: &metadata.JoinTable{
					Table:         "goods_receipt_notes",
					OwnerColumn:   "receipt_id",
					ElementColumn: "note",
					IndexColumn:   "position",
				},
			},
			{
				Name:    "properties",
				Kind:    metadata.EntityMap,
				Type:    metadata.TypeString,
				KeyType: metadata.TypeString,
				JoinTable: &metadata.JoinTable{
					Table:         "goods_receipt_properties",
					OwnerColumn:   "receipt_id",
					ElementColumn: "value",
					KeyColumn:     "name",
				},
			},
			{Name: "lines", Kind: metadata.EntityCollection, Target: EntityLine, MappedBy: "receipt"},
		},
	}

	line := &metadata.EntityType{
		Name:    EntityLine,
		Table:   "goods_receipt_lines",
		ID:      idAttr(metadata.TypeInt64),
		Version: versionAttr(),
		Attributes: []*metadata.EntityAttribute{
			basic("product", "product", metadata.TypeString),
			basic("quantity", "quantity", metadata.TypeInt64),
			{Name: "receipt", Column: "receipt_id", Kind: metadata.EntityToOne, Target: EntityReceipt, Nullable: true},
		},
	}

	return []*metadata.EntityType{counterparty, receipt, line}
}

// ViewTypes returns unresolved view types ready for a metadata.Builder.
func ViewTypes() []*metadata.ViewType {
	address := &metadata.ViewType{
		Name:       ViewAddress,
		EntityName: EntityReceipt,
		Embeddable: true,
		Updatable:  true,
		Attributes: []*metadata.Attribute{
			{Name: "street", Updatable: true},
			{Name: "city", Updatable: true},
		},
	}
	counterparty := &metadata.ViewType{
		Name:       ViewCounterparty,
		EntityName: EntityCounterparty,
		Updatable:  true,
		Creatable:  true,
		Attributes: []*metadata.Attribute{
			{Name: "name", Updatable: true},
			{Name: "inn", Updatable: true},
		},
	}
	counterpartyRef := &metadata.ViewType{
		Name:       ViewCounterpartyRef,
		EntityName: EntityCounterparty,
		Attributes: []*metadata.Attribute{
			{Name: "name"},
		},
	}
	line := &metadata.ViewType{
		Name:       ViewLine,
		EntityName: EntityLine,
		Updatable:  true,
		Creatable:  true,
		Attributes: []*metadata.Attribute{
			{Name: "product", Updatable: true},
			{Name: "quantity", Updatable: true},
		},
	}
	receipt := &metadata.ViewType{
		Name:       ViewReceipt,
		EntityName: EntityReceipt,
		Updatable:  true,
		Creatable:  true,
		Attributes: []*metadata.Attribute{
			{Name: "number", Updatable: true},
			{Name: "comment", Updatable: true, NoLock: true},
			{Name: "currency", Updatable: true},
			{Name: "total", Updatable: true},
			{Name: "supplier", ElementView: ViewCounterparty, Updatable: true},
			{Name: "delivery", ElementView: ViewAddress, Updatable: true},
			{Name: "tags", Updatable: true},
			{Name: "notes", Updatable: true},
			{Name: "properties", Updatable: true},
			{Name: "lines", ElementView: ViewLine, Updatable: true, OrphanRemoval: true},
		},
	}
	header := &metadata.ViewType{
		Name:          ViewHeader,
		EntityName:    EntityReceipt,
		Updatable:     true,
		FlushStrategy: metadata.FlushStrategyEntity,
		Attributes: []*metadata.Attribute{
			{Name: "number"},
			{Name: "comment", Updatable: true},
			{Name: "supplier", ElementView: ViewCounterpartyRef},
			{Name: "tags", Updatable: true},
		},
	}
	return []*metadata.ViewType{address, counterparty, counterpartyRef, line, receipt, header}
}
