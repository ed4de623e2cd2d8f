package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/rdx"
)

const (
	peerA = uint64(0xa)
	peerB = uint64(0xb)
	peerC = uint64(0xc)
)

var textID = rdx.RootContainerID("text", rdx.ContainerText)

func id(peer uint64, counter int32) rdx.ID {
	return rdx.NewID(peer, counter)
}

func mkChange(peer uint64, counter int32, lamport rdx.Lamport, text string, deps ...rdx.ID) *Change {
	c := &Change{
		ID:      id(peer, counter),
		Lamport: lamport,
		Deps:    rdx.NewFrontiers(deps...),
		Ops: []Op{{
			Container: textID,
			Content:   &TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: text},
		}},
	}
	c.Fill()
	return c
}

func TestOpLog_Append(t *testing.T) {
	l := New()
	assert.True(t, l.IsEmpty())

	require.NoError(t, l.Append(mkChange(peerA, 0, 0, "abc")))
	require.NoError(t, l.Append(mkChange(peerB, 0, 0, "12")))
	assert.Equal(t, rdx.NewFrontiers(id(peerA, 2), id(peerB, 1)), l.Frontiers())
	assert.Equal(t, rdx.Lamport(3), l.NextLamport())

	require.NoError(t, l.Append(mkChange(peerA, 3, 3, "d", id(peerA, 2), id(peerB, 1))))
	assert.Equal(t, rdx.NewFrontiers(id(peerA, 3)), l.Frontiers())
	assert.Equal(t, rdx.VV{peerA: 3, peerB: 1}, l.VersionVector())
	assert.Equal(t, rdx.Lamport(4), l.NextLamport())
	assert.Equal(t, 3, l.ChangeCount())

	lamport, ok := l.LamportOf(id(peerA, 1))
	assert.True(t, ok)
	assert.Equal(t, rdx.Lamport(1), lamport)
	assert.Nil(t, l.GetChange(id(peerC, 0)))
	assert.Equal(t, id(peerA, 3), l.GetChange(id(peerA, 3)).ID)
}

func TestOpLog_MissingAncestor(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(mkChange(peerA, 0, 0, "abc")))

	err := l.Append(mkChange(peerB, 0, 9, "x", id(peerA, 7)))
	assert.ErrorIs(t, err, kniga_errors.ErrMissingAncestor)

	err = l.Append(mkChange(peerA, 5, 5, "gap"))
	assert.ErrorIs(t, err, kniga_errors.ErrMissingAncestor)

	assert.Equal(t, 1, l.ChangeCount())
	assert.Equal(t, rdx.VV{peerA: 2}, l.VersionVector())
}

func TestOpLog_Idempotent(t *testing.T) {
	l := New()
	c := mkChange(peerA, 0, 0, "abc")
	require.NoError(t, l.Append(c))
	require.NoError(t, l.Append(c))
	assert.Equal(t, 1, l.ChangeCount())

	// overlapping change: only the unknown tail is kept
	require.NoError(t, l.Append(mkChange(peerA, 0, 0, "abcde")))
	assert.Equal(t, 2, l.ChangeCount())
	tail := l.GetChange(id(peerA, 4))
	require.NotNil(t, tail)
	assert.Equal(t, id(peerA, 3), tail.ID)
	assert.Equal(t, rdx.Lamport(3), tail.Lamport)
	assert.Equal(t, rdx.NewFrontiers(id(peerA, 2)), tail.Deps)
	ins := tail.Ops[0].Content.(*TextInsert)
	assert.Equal(t, "de", ins.Text)
	assert.Equal(t, id(peerA, 2), ins.Left)
}

func TestOpLog_Prepare(t *testing.T) {
	l := New()
	batch := []*Change{
		mkChange(peerB, 0, 3, "later", id(peerA, 2)),
		mkChange(peerA, 0, 0, "abc"),
	}
	ready, err := l.Prepare(batch)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, peerA, ready[0].Peer())
	assert.True(t, l.IsEmpty())

	bad := append(batch, mkChange(peerC, 0, 9, "x", id(peerB, 40)))
	_, err = l.Prepare(bad)
	assert.ErrorIs(t, err, kniga_errors.ErrMissingAncestor)

	for _, c := range ready {
		require.NoError(t, l.Append(c))
	}
	assert.Equal(t, rdx.NewFrontiers(id(peerB, 4)), l.Frontiers())
}

func TestOpLog_ChangesSince(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(mkChange(peerA, 0, 0, "abc")))
	require.NoError(t, l.Append(mkChange(peerB, 0, 3, "xy", id(peerA, 2))))
	require.NoError(t, l.Append(mkChange(peerA, 3, 5, "d", id(peerB, 1))))

	all := l.ChangesSince(rdx.NewVV())
	require.Len(t, all, 3)
	assert.Equal(t, peerA, all[0].Peer())
	assert.Equal(t, peerB, all[1].Peer())

	part := l.ChangesSince(rdx.VV{peerA: 0})
	require.Len(t, part, 3)
	assert.Equal(t, id(peerA, 1), part[0].ID)
	assert.Equal(t, "bc", part[0].Ops[0].Content.(*TextInsert).Text)

	spans := l.ChangesInSpans([]rdx.IDSpan{rdx.NewIDSpan(id(peerB, 1), 1)})
	require.Len(t, spans, 1)
	assert.Equal(t, "y", spans[0].Ops[0].Content.(*TextInsert).Text)

	assert.Empty(t, l.ChangesSince(l.VersionVector()))
}

func TestOpLog_DAG(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(mkChange(peerA, 0, 0, "abc")))
	require.NoError(t, l.Append(mkChange(peerB, 0, 3, "xy", id(peerA, 1))))
	require.NoError(t, l.Append(mkChange(peerC, 0, 1, "q")))

	vv, err := l.FrontiersToVV(rdx.NewFrontiers(id(peerB, 0)))
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{peerA: 1, peerB: 0}, vv)

	// cached result is a copy
	vv[peerC] = 100
	vv2, err := l.FrontiersToVV(rdx.NewFrontiers(id(peerB, 0)))
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{peerA: 1, peerB: 0}, vv2)

	_, err = l.FrontiersToVV(rdx.NewFrontiers(id(peerB, 9)))
	assert.ErrorIs(t, err, kniga_errors.ErrUnknownFrontiers)

	f, err := l.VVToFrontiers(rdx.VV{peerA: 1, peerB: 1})
	require.NoError(t, err)
	assert.Equal(t, rdx.NewFrontiers(id(peerB, 1)), f)

	f, err = l.VVToFrontiers(rdx.VV{peerA: 2, peerB: 1})
	require.NoError(t, err)
	assert.Equal(t, rdx.NewFrontiers(id(peerA, 2), id(peerB, 1)), f)

	ord, err := l.CmpFrontiers(rdx.NewFrontiers(id(peerA, 0)), rdx.NewFrontiers(id(peerB, 1)))
	require.NoError(t, err)
	assert.Equal(t, rdx.Less, ord)
	ord, err = l.CmpFrontiers(rdx.NewFrontiers(id(peerC, 0)), rdx.NewFrontiers(id(peerB, 1)))
	require.NoError(t, err)
	assert.Equal(t, rdx.Concurrent, ord)
}

func TestOpLog_TravelAncestors(t *testing.T) {
	l := New()
	require.NoError(t, l.Append(mkChange(peerA, 0, 0, "a")))
	require.NoError(t, l.Append(mkChange(peerB, 0, 1, "b", id(peerA, 0))))
	require.NoError(t, l.Append(mkChange(peerA, 1, 2, "c", id(peerB, 0))))
	require.NoError(t, l.Append(mkChange(peerC, 0, 0, "z")))

	var visited []rdx.ID
	err := l.TravelAncestors([]rdx.ID{id(peerA, 1)}, func(c *Change) bool {
		visited = append(visited, c.ID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []rdx.ID{id(peerA, 1), id(peerB, 0), id(peerA, 0)}, visited)

	visited = nil
	err = l.TravelAncestors([]rdx.ID{id(peerA, 1)}, func(c *Change) bool {
		visited = append(visited, c.ID)
		return false
	})
	require.NoError(t, err)
	assert.Len(t, visited, 1)
}

func TestOpLog_Shallow(t *testing.T) {
	root := ShallowRoot{
		Frontiers: rdx.NewFrontiers(id(peerA, 2), id(peerB, 0)),
		VV:        rdx.VV{peerA: 2, peerB: 0},
	}
	l := NewShallow(root, 10)
	assert.True(t, l.IsShallow())
	assert.Equal(t, root.Frontiers, l.Frontiers())
	assert.Equal(t, rdx.Lamport(10), l.NextLamport())

	err := l.Append(mkChange(peerC, 0, 10, "x", id(peerA, 2)))
	assert.ErrorIs(t, err, kniga_errors.ErrShallowHistory)
	err = l.Append(mkChange(peerC, 0, 10, "x", id(peerA, 1), id(peerB, 0)))
	assert.ErrorIs(t, err, kniga_errors.ErrShallowHistory)

	require.NoError(t, l.Append(mkChange(peerC, 0, 10, "x", id(peerA, 2), id(peerB, 0))))
	require.NoError(t, l.Append(mkChange(peerB, 1, 11, "y", id(peerC, 0))))
	assert.Equal(t, rdx.NewFrontiers(id(peerB, 1)), l.Frontiers())

	vv, err := l.FrontiersToVV(rdx.NewFrontiers(id(peerC, 0)))
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{peerA: 2, peerB: 0, peerC: 0}, vv)

	vv, err = l.FrontiersToVV(root.Frontiers)
	require.NoError(t, err)
	assert.Equal(t, root.VV, vv)
	_, err = l.FrontiersToVV(rdx.NewFrontiers(id(peerA, 1)))
	assert.ErrorIs(t, err, kniga_errors.ErrShallowHistory)

	assert.Len(t, l.ChangesSince(root.VV), 2)
}
