package rdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseID(t *testing.T) {
	ids := []string{
		"0@0",
		"3@1",
		"57@fa3",
		"2147483647@ffffffffffffffff",
		"none",
	}
	for _, str := range ids {
		id, err := ParseID(str)
		assert.NoError(t, err)
		assert.Equal(t, str, id.String())
	}
	for _, bad := range []string{"", "1", "x@1", "1@zz", "-1@1"} {
		_, err := ParseID(bad)
		assert.ErrorIs(t, err, ErrBadID)
	}
}

func TestIDBytes(t *testing.T) {
	id := NewID(0x1234, 77)
	assert.Equal(t, id, IDFromBytes(id.Bytes()))
	assert.Equal(t, NoID, IDFromBytes([]byte{1, 2}))
}

func TestIDOrder(t *testing.T) {
	a := NewID(1, 5)
	b := NewID(1, 6)
	c := NewID(2, 0)
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, b, a.Inc(1))

	x := IDLp{Lamport: 3, Peer: 9}
	y := IDLp{Lamport: 4, Peer: 1}
	z := IDLp{Lamport: 4, Peer: 2}
	assert.True(t, x.Less(y))
	assert.True(t, y.Less(z))
	assert.False(t, z.Less(z))
}

func TestIDSpans(t *testing.T) {
	var spans []IDSpan
	spans = AppendIDSpan(spans, NewID(1, 0))
	spans = AppendIDSpan(spans, NewID(1, 1))
	spans = AppendIDSpan(spans, NewID(1, 2))
	spans = AppendIDSpan(spans, NewID(2, 0))
	spans = AppendIDSpan(spans, NewID(1, 5))
	assert.Len(t, spans, 3)
	assert.Equal(t, int32(3), spans[0].Len())
	assert.True(t, spans[0].Contains(NewID(1, 2)))
	assert.False(t, spans[0].Contains(NewID(1, 3)))
	assert.Equal(t, NewID(1, 2), spans[0].Last())
	assert.Equal(t, NewID(1, 5), spans[2].Start())
}

func TestFrontiers(t *testing.T) {
	f := NewFrontiers(NewID(2, 1), NewID(1, 4), NewID(2, 1))
	assert.Equal(t, Frontiers{NewID(1, 4), NewID(2, 1)}, f)
	assert.True(t, f.Contains(NewID(2, 1)))
	f = f.Without(NewID(1, 4))
	assert.Equal(t, "[1@2]", f.String())

	f2, err := FrontiersFromTLV(NewFrontiers(NewID(7, 0), NewID(3, 3)).TLV())
	assert.NoError(t, err)
	assert.Equal(t, NewFrontiers(NewID(3, 3), NewID(7, 0)), f2)

	_, err = FrontiersFromTLV([]byte{'f', 9, 1})
	assert.Error(t, err)
}

func TestContainerID(t *testing.T) {
	cids := []ContainerID{
		RootContainerID("text", ContainerText),
		RootContainerID("a:b", ContainerMap),
		NormalContainerID(NewID(0xfe, 3), ContainerTree),
		NormalContainerID(NewID(1, 0), ContainerMovableList),
	}
	for _, cid := range cids {
		parsed, err := ParseContainerID(cid.String())
		assert.NoError(t, err)
		assert.Equal(t, cid, parsed)

		dec, rest, err := ContainerIDFromTLV(cid.TLV())
		assert.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, cid, dec)
	}
	assert.Equal(t, "cid:root-text:Text", cids[0].String())
	assert.Equal(t, "cid:3@fe:Tree", cids[2].String())

	_, err := ParseContainerID("cid:root-x:Blob")
	assert.ErrorIs(t, err, ErrBadContainerID)
	_, err = ParseContainerID("nope")
	assert.ErrorIs(t, err, ErrBadContainerID)
}
