package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
)

func TestChangeCodec(t *testing.T) {
	mapID := rdx.NormalContainerID(id(peerB, 4), rdx.ContainerMap)
	listID := rdx.RootContainerID("list", rdx.ContainerMovableList)
	treeID := rdx.RootContainerID("tree", rdx.ContainerTree)
	counterID := rdx.RootContainerID("hits", rdx.ContainerCounter)
	c := &Change{
		ID:        id(peerA, 7),
		Lamport:   42,
		Deps:      rdx.NewFrontiers(id(peerB, 5), id(peerC, 0)),
		Timestamp: 1700000000,
		Message:   "edit",
		Ops: []Op{
			{Container: textID, Content: &TextInsert{Left: id(peerB, 1), Right: rdx.NoID, Text: "héllo"}},
			{Container: textID, Content: &SeqDelete{Span: rdx.NewIDSpan(id(peerB, 0), 2)}},
			{Container: textID, Content: &TextMark{Start: id(peerA, 7), End: id(peerA, 9), Key: "bold", Value: rdx.Bool(true)}},
			{Container: textID, Content: &TextUnmark{Mark: id(peerC, 3)}},
			{Container: listID, Content: &ListInsert{Left: rdx.NoID, Right: id(peerC, 1), Values: []rdx.Value{rdx.I64(1), rdx.Null()}}},
			{Container: listID, Content: &MovableMove{Elem: id(peerA, 12), Left: rdx.NoID, Right: rdx.NoID}},
			{Container: listID, Content: &MovableSet{Elem: id(peerA, 12), Value: rdx.String("x")}},
			{Container: mapID, Content: &MapSet{Key: "k", Value: rdx.ContainerRef(rdx.NormalContainerID(id(peerA, 20), rdx.ContainerText))}},
			{Container: mapID, Content: &MapDelete{Key: "gone"}},
			{Container: treeID, Content: &TreeMove{Target: id(peerA, 22), Parent: TreeRoot, Position: []byte{0x80}}},
			{Container: treeID, Content: &TreeMove{Target: id(peerA, 22), Parent: TreeNodeParent(id(peerB, 2))}},
			{Container: treeID, Content: &TreeMove{Target: id(peerA, 22), Parent: TreeDeleted}},
			{Container: counterID, Content: &CounterInc{Delta: -2.5}},
		},
	}
	c.Fill()
	assert.Equal(t, int32(5+1+1+1+2+1+1+1+1+1+1+1+1), c.Len())
	assert.Equal(t, id(peerA, 17), c.Ops[5].ID)
	assert.Equal(t, rdx.Lamport(42+10), c.Ops[5].Lamport)

	changes, err := ChangesFromTLV(AppendChanges(nil, []*Change{c, mkChange(peerB, 0, 0, "z")}))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, c, changes[0])
	assert.Equal(t, "z", changes[1].Ops[0].Content.(*TextInsert).Text)
}

func TestChangeCodec_Malformed(t *testing.T) {
	good := mkChange(peerA, 0, 0, "abc").TLV()

	_, err := ChangesFromTLV(good[:len(good)-2])
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)

	_, err = ChangesFromTLV(protocol.Record('Q', []byte("junk")))
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)

	wrongType := &Change{
		ID: id(peerA, 0),
		Ops: []Op{{
			Container: rdx.RootContainerID("m", rdx.ContainerMap),
			Content:   &CounterInc{Delta: 1},
		}},
	}
	_, err = ChangesFromTLV(wrongType.TLV())
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)

	empty := &Change{ID: id(peerA, 0)}
	_, err = ChangesFromTLV(empty.TLV())
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)

	zeroTail := &Change{
		ID: id(peerA, 0),
		Ops: []Op{{
			Container: rdx.RootContainerID("tree", rdx.ContainerTree),
			Content:   &TreeMove{Target: id(peerA, 0), Parent: TreeRoot, Position: []byte{0x80, 0x00}},
		}},
	}
	zeroTail.Fill()
	_, err = ChangesFromTLV(zeroTail.TLV())
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)
}

func TestChangeSlice(t *testing.T) {
	c := &Change{
		ID:      id(peerA, 10),
		Lamport: 100,
		Deps:    rdx.NewFrontiers(id(peerB, 3)),
		Ops: []Op{
			{Container: textID, Content: &TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: "abc"}},
			{Container: textID, Content: &SeqDelete{Span: rdx.NewIDSpan(id(peerB, 0), 1)}},
			{Container: textID, Content: &TextInsert{Left: id(peerA, 12), Right: rdx.NoID, Text: "de"}},
		},
	}
	c.Fill()
	assert.Equal(t, int32(16), c.End())

	mid := c.Slice(11, 15)
	require.NotNil(t, mid)
	assert.Equal(t, id(peerA, 11), mid.ID)
	assert.Equal(t, rdx.Lamport(101), mid.Lamport)
	assert.Equal(t, rdx.NewFrontiers(id(peerA, 10)), mid.Deps)
	require.Len(t, mid.Ops, 3)
	assert.Equal(t, "bc", mid.Ops[0].Content.(*TextInsert).Text)
	assert.Equal(t, id(peerA, 10), mid.Ops[0].Content.(*TextInsert).Left)
	assert.Equal(t, id(peerA, 13), mid.Ops[1].ID)
	assert.Equal(t, "d", mid.Ops[2].Content.(*TextInsert).Text)
	assert.Equal(t, int32(4), mid.Len())

	assert.Same(t, c, c.Slice(0, 100))
	assert.Nil(t, c.Slice(20, 30))
}
