package rdx

import (
	"math"
	"math/bits"
)

// width is the number of little-endian bytes a zipped pair half takes.
func width(n uint64) int {
	switch {
	case n == 0:
		return 0
	case n <= math.MaxUint8:
		return 1
	case n <= math.MaxUint16:
		return 2
	case n <= math.MaxUint32:
		return 4
	}
	return 8
}

// pairWidths maps a zipped pair length to the widths of its halves.
var pairWidths = map[int][2]int{
	0: {0, 0}, 1: {1, 0}, 2: {1, 1}, 3: {2, 1},
	4: {2, 2}, 5: {4, 1}, 6: {4, 2}, 8: {4, 4},
	9: {8, 1}, 10: {8, 2}, 12: {8, 4}, 16: {8, 8},
}

func putLE(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v)
		v >>= 8
	}
}

func getLE(buf []byte) (v uint64) {
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return
}

// ZipUint64Pair packs two uints so that small values take few bytes.
// The first half is never narrower than the second; once it takes two
// bytes or more, the second takes at least one.
func ZipUint64Pair(big, lil uint64) []byte {
	wb, wl := width(big), width(lil)
	if wl > wb {
		wb = wl
	}
	if wb >= 2 && wl == 0 {
		wl = 1
	}
	ret := make([]byte, wb+wl)
	putLE(ret[:wb], big)
	putLE(ret[wb:], lil)
	return ret
}

// UnzipUint64Pair reverses ZipUint64Pair; a length no pair can have
// reads as zeros.
func UnzipUint64Pair(buf []byte) (big, lil uint64) {
	w, ok := pairWidths[len(buf)]
	if !ok {
		return 0, 0
	}
	return getLE(buf[:w[0]]), getLE(buf[w[0]:])
}

func ValidZipPairLen(n int) bool {
	_, ok := pairWidths[n]
	return ok
}

// ZipUint64 drops the high zero bytes of a little-endian uint.
func ZipUint64(v uint64) []byte {
	ret := make([]byte, (bits.Len64(v)+7)/8)
	putLE(ret, v)
	return ret
}

func UnzipUint64(zip []byte) uint64 {
	return getLE(zip)
}

func ZigZagInt64(i int64) uint64 {
	return uint64(i<<1) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func ZipInt64(v int64) []byte {
	return ZipUint64(ZigZagInt64(v))
}

func UnzipInt64(zip []byte) int64 {
	return ZagZigUint64(UnzipUint64(zip))
}

// ZipFloat64 bit-reverses the float first, so round numbers with
// zero low mantissa bits zip short.
func ZipFloat64(f float64) []byte {
	return ZipUint64(bits.Reverse64(math.Float64bits(f)))
}

func UnzipFloat64(zip []byte) float64 {
	return math.Float64frombits(bits.Reverse64(UnzipUint64(zip)))
}
