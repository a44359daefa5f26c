package sqlstore

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"viewsync/internal/metadata"
)

// normalize converts a scanned driver value to the Go type the views hold
// for basic type name typ. Unknown combinations are returned unchanged.
func normalize(typ string, v any) any {
	if v == nil {
		return nil
	}
	switch typ {
	case metadata.TypeUUID:
		return toUUID(v)
	case metadata.TypeInt64:
		return toInt64(v)
	case metadata.TypeFloat64:
		switch t := v.(type) {
		case float32:
			return float64(t)
		case int64:
			return float64(t)
		}
	case metadata.TypeBool:
		if n, ok := v.(int64); ok {
			return n != 0
		}
	case metadata.TypeDecimal:
		return toDecimal(v)
	case metadata.TypeString:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	case metadata.TypeTime:
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return v
}

func toUUID(v any) any {
	switch t := v.(type) {
	case uuid.UUID:
		return t
	case [16]byte:
		return uuid.UUID(t)
	case []byte:
		if u, err := uuid.FromBytes(t); err == nil {
			return u
		}
		if u, err := uuid.ParseBytes(t); err == nil {
			return u
		}
	case string:
		if u, err := uuid.Parse(t); err == nil {
			return u
		}
	}
	return v
}

func toInt64(v any) any {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case uint32:
		return int64(t)
	case float64:
		return int64(t)
	}
	return v
}

func toDecimal(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		return t
	case string:
		if d, err := decimal.NewFromString(t); err == nil {
			return d
		}
	case []byte:
		if d, err := decimal.NewFromString(string(t)); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	case int64:
		return decimal.NewFromInt(t)
	case driver.Valuer:
		// pgtype.Numeric and friends render as text.
		if dv, err := t.Value(); err == nil && dv != nil {
			if d, err := decimal.NewFromString(fmt.Sprint(dv)); err == nil {
				return d
			}
		}
	}
	return v
}

func versionOf(v any) int64 {
	n, _ := toInt64(v).(int64)
	return n
}

// valueType returns the basic type name of the values stored for a, using
// the target identifier type for references.
func valueType(mm *metadata.Metamodel, a *metadata.EntityAttribute) string {
	if a.Type != "" {
		return a.Type
	}
	if a.Target != "" {
		if t := mm.Entity(a.Target); t != nil && t.ID != nil {
			return t.ID.Type
		}
	}
	return ""
}
