package metadata

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tiendc/go-deepcopy"

	"viewsync/pkg/logger"
)

// Built-in basic type names.
const (
	TypeString  = "string"
	TypeInt64   = "int64"
	TypeFloat64 = "float64"
	TypeBool    = "bool"
	TypeBytes   = "bytes"
	TypeTime    = "time"
	TypeDecimal = "decimal"
	TypeUUID    = "uuid"
	TypeJSON    = "json"
	// TypeComponents is the value type of an embedded composite exposed as a
	// plain attribute: map[string]any keyed by component name.
	TypeComponents = "components"
)

// BasicType describes equality and copy semantics of a scalar value type.
// Mutable types are compared deeply and snapshotted by deep copy.
type BasicType struct {
	Name    string
	Mutable bool
	Equal   func(a, b any) bool
	Clone   func(v any) any
}

// IsEqual compares two values of this type, treating nil as a distinct value.
func (t *BasicType) IsEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if t.Equal == nil {
		return a == b
	}
	return t.Equal(a, b)
}

// CloneValue returns a snapshot copy of v. Immutable values are returned as is.
func (t *BasicType) CloneValue(v any) any {
	if v == nil || t.Clone == nil {
		return v
	}
	return t.Clone(v)
}

func plainType(name string) *BasicType {
	return &BasicType{Name: name}
}

// deepClone snapshots JSON-like values. When deepcopy fails the value is
// copied structurally, so a snapshot never shares nested maps or slices
// with the live value.
func deepClone(v any) any {
	var (
		out any
		err error
	)
	switch t := v.(type) {
	case map[string]any:
		var m map[string]any
		err = deepcopy.Copy(&m, t)
		out = m
	case []any:
		var s []any
		err = deepcopy.Copy(&s, t)
		out = s
	default:
		return v
	}
	if err != nil {
		logger.Default().Warnw("deep copy failed, copying structurally", "type", fmt.Sprintf("%T", v), "error", err)
		return cloneTree(v)
	}
	return out
}

func cloneTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneTree(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneTree(e)
		}
		return out
	default:
		return v
	}
}

// BuiltinBasicTypes returns the basic types every registry starts with.
func BuiltinBasicTypes() []*BasicType {
	return []*BasicType{
		plainType(TypeString),
		plainType(TypeInt64),
		plainType(TypeFloat64),
		plainType(TypeBool),
		{
			Name: TypeUUID,
			Equal: func(a, b any) bool {
				ua, okA := a.(uuid.UUID)
				ub, okB := b.(uuid.UUID)
				return okA && okB && ua == ub
			},
		},
		{
			Name: TypeTime,
			Equal: func(a, b any) bool {
				ta, okA := a.(time.Time)
				tb, okB := b.(time.Time)
				return okA && okB && ta.Equal(tb)
			},
		},
		{
			Name: TypeDecimal,
			Equal: func(a, b any) bool {
				da, okA := a.(decimal.Decimal)
				db, okB := b.(decimal.Decimal)
				return okA && okB && da.Equal(db)
			},
		},
		{
			Name:    TypeBytes,
			Mutable: true,
			Equal: func(a, b any) bool {
				ba, okA := a.([]byte)
				bb, okB := b.([]byte)
				return okA && okB && bytes.Equal(ba, bb)
			},
			Clone: func(v any) any {
				b, ok := v.([]byte)
				if !ok {
					return v
				}
				return append([]byte(nil), b...)
			},
		},
		{
			Name:    TypeJSON,
			Mutable: true,
			Equal:   func(a, b any) bool { return cmp.Equal(a, b) },
			Clone:   deepClone,
		},
		{
			Name:    TypeComponents,
			Mutable: true,
			Equal:   func(a, b any) bool { return cmp.Equal(a, b) },
			Clone:   deepClone,
		},
	}
}
