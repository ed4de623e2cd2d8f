package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/utils"
)

var counterID = rdx.RootContainerID("clicks", rdx.ContainerCounter)

func change(peer uint64, counter int32, lamport rdx.Lamport, n int, deps ...rdx.ID) *oplog.Change {
	c := &oplog.Change{
		ID:      rdx.NewID(peer, counter),
		Lamport: lamport,
		Deps:    rdx.NewFrontiers(deps...),
	}
	for i := 0; i < n; i++ {
		c.Ops = append(c.Ops, oplog.Op{Container: counterID, Content: &oplog.CounterInc{Delta: 1}})
	}
	c.Fill()
	return c
}

func TestChangeKey(t *testing.T) {
	id := rdx.NewID(0xabc, 77)
	key := ChangeKey(id)
	assert.Len(t, key, changeKeyLen)
	back, ok := ChangeKeyID(key)
	assert.True(t, ok)
	assert.Equal(t, id, back)

	_, ok = ChangeKeyID([]byte("V"))
	assert.False(t, ok)
}

func TestStore_Changes(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, utils.NewNopLogger())
	require.NoError(t, err)

	a0 := change(0xa, 0, 0, 2)
	b0 := change(0xb, 0, 0, 1)
	a2 := change(0xa, 2, 2, 3, rdx.NewID(0xa, 1), rdx.NewID(0xb, 0))
	require.NoError(t, s.PutChanges([]*oplog.Change{a0, b0}))
	require.NoError(t, s.PutChanges([]*oplog.Change{a2}))
	assert.EqualValues(t, 3, s.Written())

	vv, err := s.VersionVector()
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{0xa: 4, 0xb: 0}, vv)

	root, err := s.Root()
	require.NoError(t, err)
	assert.Nil(t, root)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Changes()
	assert.ErrorIs(t, err, ErrClosed)

	s, err = Open(dir, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	changes, err := s.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, a0.ID, changes[0].ID)
	assert.Equal(t, a2.ID, changes[1].ID)
	assert.Equal(t, b0.ID, changes[2].ID)
	assert.Equal(t, a2.Deps, changes[1].Deps)
	assert.Len(t, changes[1].Ops, 3)

	vv, err = s.VersionVector()
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{0xa: 4, 0xb: 0}, vv)
}

func TestStore_Root(t *testing.T) {
	s, err := Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutChanges([]*oplog.Change{change(0xa, 0, 0, 5)}))
	rootVV := rdx.VV{0xa: 4}
	tail := change(0xa, 5, 5, 1, rdx.NewID(0xa, 4))
	require.NoError(t, s.PutRoot([]byte("state"), rootVV, []*oplog.Change{tail}))

	root, err := s.Root()
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), root)
	changes, err := s.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, tail.ID, changes[0].ID)

	vv, err := s.VersionVector()
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{0xa: 5}, vv)

	require.NoError(t, s.PutChanges([]*oplog.Change{change(0xb, 0, 7, 1)}))
	vv, err = s.VersionVector()
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{0xa: 5, 0xb: 0}, vv)
}

func TestVVMerger(t *testing.T) {
	m, err := merger(vvKey, rdx.VV{1: 5}.TLV())
	require.NoError(t, err)
	require.NoError(t, m.MergeNewer(rdx.VV{1: 3, 2: 9}.TLV()))
	require.NoError(t, m.MergeOlder(rdx.VV{3: 0}.TLV()))
	res, closer, err := m.Finish(true)
	require.NoError(t, err)
	assert.Nil(t, closer)
	vv, err := rdx.VVFromTLV(res)
	require.NoError(t, err)
	assert.Equal(t, rdx.VV{1: 5, 2: 9, 3: 0}, vv)

	bad := &vvMerger{}
	assert.Error(t, bad.MergeNewer([]byte{'V', 0xff}))
	_, _, err = bad.Finish(false)
	assert.Error(t, err)
}

func TestPebbleCollector(t *testing.T) {
	s, err := Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutChanges([]*oplog.Change{change(0xa, 0, 0, 1)}))
	pc := NewPebbleCollector(s)
	assert.Equal(t, 1+len(pc.metrics), testutil.CollectAndCount(pc))
	require.NoError(t, s.Close())
	assert.Equal(t, 0, testutil.CollectAndCount(pc))
}
