// Package id provides identifier generation for backing objects created by a flush.
package id

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ID is the default identifier type of generated keys.
type ID = uuid.UUID

// New generates a new UUIDv7 (time-ordered UUID).
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Generator produces identifiers for new backing objects.
type Generator func() any

// UUIDv7 returns a generator of time-ordered UUIDs.
func UUIDv7() Generator {
	return func() any { return New() }
}

// Sequence returns a generator of increasing int64 values starting after start.
func Sequence(start int64) Generator {
	var n atomic.Int64
	n.Store(start)
	return func() any { return n.Add(1) }
}

// IsZero reports whether v is an unset identifier.
func IsZero(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case uuid.UUID:
		return t == uuid.Nil
	case int64:
		return t == 0
	case int:
		return t == 0
	case string:
		return t == ""
	default:
		return false
	}
}
