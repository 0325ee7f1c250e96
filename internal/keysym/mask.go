package keysym

import (
	"fmt"
	"strings"
)

// Mask is a bit vector keyed by keysym codes. Any key may be combined
// into a mask, not only the traditional modifiers; the mask is the
// bitwise OR of the keysyms it was built from.
type Mask uint32

// EmptyMask returns the all-zero mask.
func EmptyMask() Mask {
	return 0
}

// MaskOf returns the union of keys.
func MaskOf(keys ...Key) Mask {
	var m Mask
	for _, k := range keys {
		m = m.Union(k)
	}
	return m
}

// IsEmpty reports whether no bit is set.
func (m Mask) IsEmpty() bool {
	return m == 0
}

// Union returns m with every bit of k set.
func (m Mask) Union(k Key) Mask {
	return m | Mask(k)
}

// Intersect returns the bits of m that are also set in k.
func (m Mask) Intersect(k Key) Mask {
	return m & Mask(k)
}

// Complement returns the bitwise inverse of m.
func (m Mask) Complement() Mask {
	return ^m
}

// Without returns m with every bit of k cleared.
func (m Mask) Without(k Key) Mask {
	return m &^ Mask(k)
}

// Contains reports whether every bit of k is set in m.
func (m Mask) Contains(k Key) bool {
	return m.Intersect(k) == Mask(k)
}

// String formats m as a hex literal.
func (m Mask) String() string {
	return fmt.Sprintf("0x%x", uint32(m))
}

// MarshalText encodes m as a hex literal.
func (m Mask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts either a numeric literal or a "+"-separated list
// of key names ("Caps_Lock+Shift_L"), which is folded with Union.
func (m *Mask) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*m = 0
		return nil
	}

	var out Mask
	for _, part := range strings.Split(s, "+") {
		k, err := Parse(part)
		if err != nil {
			return fmt.Errorf("mask: %w", err)
		}
		out = out.Union(k)
	}
	*m = out
	return nil
}
