package rdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVVMerge(t *testing.T) {
	a := VV{1: 5, 2: 3}
	b := VV{2: 7, 3: 0}
	a.Merge(b)
	assert.Equal(t, VV{1: 5, 2: 7, 3: 0}, a)
	assert.True(t, a.Includes(NewID(3, 0)))
	assert.False(t, a.Includes(NewID(3, 1)))
	assert.False(t, a.Includes(NewID(4, 0)))
	assert.Equal(t, int32(8), a.End(2))
	assert.Equal(t, int32(0), a.End(9))
}

func TestVVCompare(t *testing.T) {
	a := VV{1: 5, 2: 3}
	assert.Equal(t, Equal, a.Compare(a.Clone()))
	assert.Equal(t, Greater, a.Compare(VV{1: 4}))
	assert.Equal(t, Less, VV{1: 4}.Compare(a))
	assert.Equal(t, Concurrent, a.Compare(VV{1: 6}))
	assert.Equal(t, Greater, a.Compare(VV{}))
}

func TestVVDiff(t *testing.T) {
	a := VV{1: 5, 2: 3}
	b := VV{1: 2}
	assert.Equal(t, []IDSpan{
		{Peer: 1, Counter: CounterSpan{3, 6}},
		{Peer: 2, Counter: CounterSpan{0, 4}},
	}, a.Diff(b))
	assert.Empty(t, b.Diff(a))
}

func TestVVTLV(t *testing.T) {
	a := VV{0xbeef: 300, 1: 0, 7: 1 << 20}
	b, err := VVFromTLV(a.TLV())
	assert.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, "{0@1,1048576@7,300@beef}", a.String())

	empty, err := VVFromTLV(nil)
	assert.NoError(t, err)
	assert.Empty(t, empty)

	_, err = VVFromTLV([]byte{'v', 20, 1})
	assert.Error(t, err)
}

func TestVVSetEnd(t *testing.T) {
	vv := NewVV()
	vv.SetEnd(1, 3)
	assert.Equal(t, int32(2), vv[1])
	vv.SetEnd(1, 0)
	_, ok := vv.Get(1)
	assert.False(t, ok)
}
