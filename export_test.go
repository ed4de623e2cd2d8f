package kniga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
)

// editedDocs makes three replicas with concurrent edits and returns
// their update payloads.
func editedDocs(t *testing.T) []*Doc {
	a, b, c := newDoc(t, 0xa), newDoc(t, 0xb), newDoc(t, 0xc)
	require.NoError(t, a.GetText("t").Insert(0, "alpha"))
	require.NoError(t, a.GetMap("m").Set("x", rdx.I64(1)))
	require.NoError(t, b.GetText("t").Insert(0, "beta"))
	require.NoError(t, b.GetList("l").Push(rdx.String("b")))
	require.NoError(t, c.GetCounter("n").Increment(3))
	require.NoError(t, c.GetMap("m").Set("x", rdx.I64(3)))
	return []*Doc{a, b, c}
}

func snapshot(t *testing.T, d *Doc) []byte {
	data, err := d.Export(ExportSnapshot())
	require.NoError(t, err)
	return data
}

func TestImport_Commutative(t *testing.T) {
	docs := editedDocs(t)
	pa, pb, pc := snapshot(t, docs[0]), snapshot(t, docs[1]), snapshot(t, docs[2])

	orders := [][][]byte{
		{pa, pb, pc},
		{pc, pb, pa},
		{pb, pa, pc},
	}
	var replicas []*Doc
	for i, order := range orders {
		d := newDoc(t, uint64(0x10+i))
		for _, p := range order {
			_, err := d.Import(p)
			require.NoError(t, err)
		}
		replicas = append(replicas, d)
	}
	assertConverged(t, replicas...)
}

func TestImport_AssociativeAndIdempotent(t *testing.T) {
	docs := editedDocs(t)
	pa, pb, pc := snapshot(t, docs[0]), snapshot(t, docs[1]), snapshot(t, docs[2])

	// (a+b)+c
	ab := newDoc(t, 0x10)
	_, err := ab.ImportBatch([][]byte{pa, pb})
	require.NoError(t, err)
	_, err = ab.Import(pc)
	require.NoError(t, err)

	// a+(b+c)
	bc := newDoc(t, 0x11)
	_, err = bc.ImportBatch([][]byte{pb, pc})
	require.NoError(t, err)
	left := newDoc(t, 0x12)
	_, err = left.Import(pa)
	require.NoError(t, err)
	_, err = left.Import(snapshot(t, bc))
	require.NoError(t, err)
	assertConverged(t, ab, left)

	vv := ab.VersionVector()
	val := ab.GetDeepValue()
	status, err := ab.ImportBatch([][]byte{pa, pb, pc, snapshot(t, ab)})
	require.NoError(t, err)
	assert.Empty(t, status.Success)
	assert.Equal(t, vv, ab.VersionVector())
	assert.True(t, val.Equal(ab.GetDeepValue()))
}

func TestImport_Status(t *testing.T) {
	a := newDoc(t, 0xa)
	b := newDoc(t, 0xb)
	require.NoError(t, a.GetText("t").Insert(0, "abc"))
	status, err := b.Import(snapshot(t, a))
	require.NoError(t, err)
	assert.Equal(t, []rdx.IDSpan{rdx.NewIDSpan(rdx.NewID(0xa, 0), 3)}, status.Success)
	assert.Empty(t, status.Pending)
}

func TestImport_MissingAncestor(t *testing.T) {
	a := newDoc(t, 0xa)
	require.NoError(t, a.GetText("t").Insert(0, "one"))
	require.NoError(t, a.Commit())
	vv := a.VersionVector()
	require.NoError(t, a.GetText("t").Insert(3, " two"))
	tail, err := a.Export(ExportUpdates(vv))
	require.NoError(t, err)

	b := newDoc(t, 0xb)
	_, err = b.Import(tail)
	assert.ErrorIs(t, err, kniga_errors.ErrMissingAncestor)
	assert.Empty(t, b.VersionVector())
	assert.Equal(t, "", b.GetText("t").ToString())

	// a batch fails as a whole
	good := snapshot(t, newDocWithText(t, 0xc, "c"))
	_, err = b.ImportBatch([][]byte{good, tail})
	assert.ErrorIs(t, err, kniga_errors.ErrMissingAncestor)
	assert.Empty(t, b.VersionVector())
}

func newDocWithText(t *testing.T, peer uint64, s string) *Doc {
	d := newDoc(t, peer)
	require.NoError(t, d.GetText("t").Insert(0, s))
	require.NoError(t, d.Commit())
	return d
}

func TestImport_Origin(t *testing.T) {
	a := newDocWithText(t, 0xa, "hi")
	b := newDoc(t, 0xb)
	var events []*event.DiffEvent
	b.SubscribeRoot(func(e *event.DiffEvent) { events = append(events, e) })
	const origin = "  sync/peer:a é "
	_, err := b.ImportWith(snapshot(t, a), origin)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TriggerImport, events[0].TriggeredBy)
	assert.Equal(t, origin, events[0].Origin)
	assert.Equal(t, a.OplogFrontiers(), events[0].To)
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	a := newDocWithText(t, 0xa, "payload")
	data := snapshot(t, a)
	b := newDoc(t, 0xb)

	_, err := b.Import(nil)
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)
	_, err = b.Import([]byte("not a payload"))
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)
	_, err = b.Import(data[:len(data)-2])
	assert.ErrorIs(t, err, kniga_errors.ErrMalformedPayload)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = b.Import(flipped)
	assert.ErrorIs(t, err, kniga_errors.ErrChecksum)

	future := protocol.Record('K',
		protocol.Record('V', rdx.ZipUint64(FormatVersion+1)),
		protocol.Record('M', []byte{byte(modeSnapshot)}),
	)
	_, err = b.Import(future)
	assert.ErrorIs(t, err, kniga_errors.ErrIncompatibleVersion)

	assert.Empty(t, b.VersionVector())
}

func TestExport_UpdatesInRange(t *testing.T) {
	a := newDocWithText(t, 0xa, "ab")
	require.NoError(t, a.GetText("t").Insert(2, "cd"))
	require.NoError(t, a.Commit())

	data, err := a.Export(ExportUpdatesInRange(rdx.NewIDSpan(rdx.NewID(0xa, 0), 1)))
	require.NoError(t, err)
	b := newDoc(t, 0xb)
	_, err = b.Import(data)
	require.NoError(t, err)
	assert.Equal(t, "ab", b.GetText("t").ToString())
}

func TestExport_SnapshotAt(t *testing.T) {
	a := newDocWithText(t, 0xa, "v1")
	f := a.OplogFrontiers()
	require.NoError(t, a.GetText("t").Insert(2, " v2"))
	require.NoError(t, a.Commit())

	data, err := a.Export(ExportSnapshotAt(f))
	require.NoError(t, err)
	b := newDoc(t, 0xb)
	_, err = b.Import(data)
	require.NoError(t, err)
	assert.Equal(t, "v1", b.GetText("t").ToString())
	assert.Equal(t, f, b.OplogFrontiers())

	_, err = a.Export(ExportSnapshotAt(rdx.NewFrontiers(rdx.NewID(0xdead, 9))))
	assert.Error(t, err)
}

func TestExport_ShallowSnapshot(t *testing.T) {
	a := newDocWithText(t, 0xa, "old")
	require.NoError(t, a.GetMap("m").Set("k", rdx.String("v")))
	require.NoError(t, a.Commit())
	f := a.OplogFrontiers()
	require.NoError(t, a.GetText("t").Insert(3, " new"))
	require.NoError(t, a.Commit())

	data, err := a.Export(ExportShallowSnapshot(f))
	require.NoError(t, err)

	b := newDoc(t, 0xb)
	_, err = b.Import(data)
	require.NoError(t, err)
	assertConverged(t, a, b)

	// the trimmed history is gone
	err = b.Checkout(rdx.NewFrontiers(rdx.NewID(0xa, 0)))
	assert.ErrorIs(t, err, kniga_errors.ErrShallowHistory)

	// a shallow replica keeps syncing forward
	require.NoError(t, b.GetText("t").Insert(0, ">"))
	exchange(t, a, b)
	assertConverged(t, a, b)
	assert.Equal(t, ">old new", a.GetText("t").ToString())

	// but takes nothing concurrent with its root
	c := newDocWithText(t, 0xc, "other")
	_, err = b.Import(snapshot(t, c))
	assert.ErrorIs(t, err, kniga_errors.ErrShallowHistory)
	fresh := newDocWithText(t, 0xd, "x")
	_, err = fresh.Import(data)
	assert.ErrorIs(t, err, kniga_errors.ErrShallowHistory)
}

func TestExport_ShallowConcurrent(t *testing.T) {
	a := newDocWithText(t, 0xa, "a")
	b := newDoc(t, 0xb)
	exchange(t, a, b)
	// 0@b and 1@a are concurrent
	require.NoError(t, b.GetText("t").Insert(0, "b"))
	require.NoError(t, b.Commit())
	require.NoError(t, a.GetText("t").Insert(0, "!"))
	require.NoError(t, a.Commit())
	exchange(t, a, b)

	_, err := a.Export(ExportShallowSnapshot(rdx.NewFrontiers(rdx.NewID(0xa, 0))))
	require.NoError(t, err)
	_, err = a.Export(ExportShallowSnapshot(rdx.NewFrontiers(rdx.NewID(0xb, 0))))
	assert.ErrorIs(t, err, kniga_errors.ErrShallowHistory)
	_, err = a.Export(ExportShallowSnapshot(a.OplogFrontiers()))
	require.NoError(t, err)
}

func TestExport_StateOnly(t *testing.T) {
	a := newDocWithText(t, 0xa, "state")
	require.NoError(t, a.GetCounter("c").Increment(5))
	require.NoError(t, a.Commit())
	data, err := a.Export(ExportStateOnly(a.OplogFrontiers()))
	require.NoError(t, err)

	b := newDoc(t, 0xb)
	_, err = b.Import(data)
	require.NoError(t, err)
	assertConverged(t, a, b)
	assert.Zero(t, b.ChangeCount())
}

func TestExportMode_String(t *testing.T) {
	assert.Equal(t, "snapshot", ExportSnapshot().String())
	assert.Equal(t, "updates", ExportUpdates(nil).String())
	assert.Equal(t, "updates-in-range", ExportUpdatesInRange().String())
	assert.Equal(t, "shallow-snapshot", ExportShallowSnapshot(nil).String())
	assert.Equal(t, "state-only", ExportStateOnly(nil).String())
	assert.Equal(t, "snapshot-at", ExportSnapshotAt(nil).String())
}
