package view

import (
	"fmt"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
)

type instanceKey struct {
	entity string
	id     any
}

// Key returns the identity used to match collection elements and map keys:
// (entity, id) for persisted views, the pointer for new views, and a
// comparable rendering of the value otherwise.
func Key(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *Instance:
		if t.typ.HasIdentity() && !t.isNew && t.id != nil {
			return instanceKey{entity: t.typ.EntityName, id: t.id}
		}
		return t
	case []byte:
		return string(t)
	case decimal.Decimal:
		return "decimal:" + t.String()
	case time.Time:
		return t.UTC()
	}
	if reflect.TypeOf(v).Comparable() {
		return v
	}
	return fmt.Sprintf("%T:%v", v, v)
}

func sameElements(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if Key(a[i]) != Key(b[i]) {
			return false
		}
	}
	return true
}
