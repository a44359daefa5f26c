package view

import (
	"math/bits"
	"strconv"
	"strings"
)

// Mask is a dirty bit set with one bit per attribute index.
// The zero value is an empty mask.
type Mask struct {
	words []uint64
}

// MaskOf returns a mask with the given bits set.
func MaskOf(indexes ...int) Mask {
	var m Mask
	for _, i := range indexes {
		m.Set(i)
	}
	return m
}

// Set sets bit i.
func (m *Mask) Set(i int) {
	w := i / 64
	for len(m.words) <= w {
		m.words = append(m.words, 0)
	}
	m.words[w] |= 1 << (uint(i) % 64)
}

// Clear clears bit i.
func (m *Mask) Clear(i int) {
	w := i / 64
	if w < len(m.words) {
		m.words[w] &^= 1 << (uint(i) % 64)
	}
}

// Has reports whether bit i is set.
func (m Mask) Has(i int) bool {
	w := i / 64
	return w < len(m.words) && m.words[w]&(1<<(uint(i)%64)) != 0
}

// IsZero reports whether no bit is set.
func (m Mask) IsZero() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (m Mask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Clone returns an independent copy.
func (m Mask) Clone() Mask {
	if len(m.words) == 0 {
		return Mask{}
	}
	return Mask{words: append([]uint64(nil), m.words...)}
}

// Union returns m | o.
func (m Mask) Union(o Mask) Mask {
	out := m.Clone()
	for i, w := range o.words {
		if i < len(out.words) {
			out.words[i] |= w
		} else {
			out.words = append(out.words, w)
		}
	}
	return out
}

// Equal reports whether both masks have the same bits set.
func (m Mask) Equal(o Mask) bool {
	n := max(len(m.words), len(o.words))
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(m.words) {
			a = m.words[i]
		}
		if i < len(o.words) {
			b = o.words[i]
		}
		if a != b {
			return false
		}
	}
	return true
}

// Indexes returns the set bits in ascending order.
func (m Mask) Indexes() []int {
	var out []int
	for wi, w := range m.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, wi*64+b)
			w &^= 1 << uint(b)
		}
	}
	return out
}

// String renders the set bits, e.g. "{0,3}". It doubles as a cache key.
func (m Mask) String() string {
	idx := m.Indexes()
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
