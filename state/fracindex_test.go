package state

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBetween(t *testing.T) {
	assert.Equal(t, []byte{0x80}, Between(nil, nil))
	assert.Equal(t, []byte{0xc0}, Between([]byte{0x80}, nil))
	assert.Equal(t, []byte{0x40}, Between(nil, []byte{0x80}))
	assert.Equal(t, []byte{0x80, 0x80}, Between([]byte{0x80}, []byte{0x81}))
	assert.Equal(t, []byte{0x00, 0x80}, Between(nil, []byte{0x01}))
	assert.Equal(t, []byte{0x80, 0xff, 0x80}, Between([]byte{0x80, 0xff}, []byte{0x81}))

}

func TestBetween_NoRoom(t *testing.T) {
	// nothing fits, the upper bound is dropped
	assert.Equal(t, []byte{0x80, 0x00, 0x80}, Between([]byte{0x80}, []byte{0x80, 0x00}))
	assert.Equal(t, []byte{0xc0}, Between([]byte{0x80}, []byte{0x80}))
	assert.Equal(t, []byte{0xc0}, Between([]byte{0x80}, []byte{0x40}))

	assert.True(t, ValidKey(nil))
	assert.True(t, ValidKey([]byte{0x80}))
	assert.False(t, ValidKey([]byte{0x80, 0x00}))
}

func TestBetween_Random(t *testing.T) {
	keys := [][]byte{Between(nil, nil)}
	for i := 0; i < 500; i++ {
		at := rand.IntN(len(keys) + 1)
		var lo, hi []byte
		if at > 0 {
			lo = keys[at-1]
		}
		if at < len(keys) {
			hi = keys[at]
		}
		k := BetweenJitter(lo, hi, i%3)
		assert.NotZero(t, k[len(k)-1])
		if lo != nil {
			assert.Less(t, bytes.Compare(lo, k), 0)
		}
		if hi != nil {
			assert.Less(t, bytes.Compare(k, hi), 0)
		}
		keys = append(keys[:at], append([][]byte{k}, keys[at:]...)...)
	}
}
