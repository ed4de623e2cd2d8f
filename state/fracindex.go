package state

import (
	"bytes"
	"math/rand/v2"
)

/*
Between returns a fractional index strictly between a and b in byte
order. An empty a is the lowest bound, an empty b means no upper bound.
Keys are base-256 digit strings that never end in a zero byte, so
there is always room between two of them. A b that is not above a, or
that only extends a with zero bytes, leaves no room; it is ignored and
the result is just above a.

	Between(nil, nil)              -> 80
	Between([]byte{0x80}, nil)     -> c0
	Between([]byte{0x80}, {0x81})  -> 80 80
*/
func Between(a, b []byte) []byte {
	if len(b) > 0 && bytes.Compare(a, b) >= 0 {
		b = nil
	}
	var ret []byte
	lower, upper := true, len(b) > 0
	for i := 0; ; i++ {
		lo, hi := 0, 256
		if lower && i < len(a) {
			lo = int(a[i])
		}
		if upper && i >= len(b) {
			upper = false
		}
		if upper {
			hi = int(b[i])
		}
		switch {
		case hi-lo >= 2:
			return append(ret, byte((lo+hi)/2))
		case hi-lo == 1:
			ret = append(ret, byte(lo))
			upper = false
		default:
			ret = append(ret, byte(lo))
		}
		if i >= len(a) {
			lower = false
		}
	}
}

// BetweenJitter appends n random non-zero bytes to Between(a, b). The
// result stays within the bounds; concurrent peers placing an item at
// the same slot are unlikely to pick equal keys.
// ValidKey tells whether a decoded position key can take part in
// Between.
func ValidKey(key []byte) bool {
	return len(key) == 0 || key[len(key)-1] != 0
}

func BetweenJitter(a, b []byte, n int) []byte {
	ret := Between(a, b)
	for i := 0; i < n; i++ {
		ret = append(ret, byte(rand.IntN(255)+1))
	}
	return ret
}
