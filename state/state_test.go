package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

const (
	peerA = uint64(0xa)
	peerB = uint64(0xb)
)

var (
	textID    = rdx.RootContainerID("text", rdx.ContainerText)
	listID    = rdx.RootContainerID("list", rdx.ContainerList)
	movID     = rdx.RootContainerID("mov", rdx.ContainerMovableList)
	mapID     = rdx.RootContainerID("map", rdx.ContainerMap)
	treeID    = rdx.RootContainerID("tree", rdx.ContainerTree)
	counterID = rdx.RootContainerID("hits", rdx.ContainerCounter)
)

func id(peer uint64, counter int32) rdx.ID {
	return rdx.NewID(peer, counter)
}

func mkOp(peer uint64, counter int32, lamport rdx.Lamport, cid rdx.ContainerID, content oplog.Content) *oplog.Op {
	return &oplog.Op{ID: id(peer, counter), Lamport: lamport, Container: cid, Content: content}
}

func applyAll(ops ...*oplog.Op) *DocState {
	s := New()
	for _, op := range ops {
		s.Apply(op)
	}
	return s
}

func TestText_ConcurrentInsert(t *testing.T) {
	base := mkOp(peerA, 0, 0, textID, &oplog.TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: "a"})
	a := mkOp(peerA, 1, 1, textID, &oplog.TextInsert{Left: id(peerA, 0), Right: rdx.NoID, Text: "bc"})
	b := mkOp(peerB, 0, 1, textID, &oplog.TextInsert{Left: id(peerA, 0), Right: rdx.NoID, Text: "123"})

	s1 := applyAll(base, a, b)
	s2 := applyAll(base, b, a)
	assert.Equal(t, "abc123", s1.Text(textID).String())
	assert.Equal(t, "abc123", s2.Text(textID).String())
	assert.Equal(t, 6, s1.Text(textID).Len())

	// same op twice is a no-op
	s1.Apply(a)
	assert.Equal(t, "abc123", s1.Text(textID).String())
}

func TestText_InsertDelete(t *testing.T) {
	s := applyAll(mkOp(peerA, 0, 0, textID, &oplog.TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: "hello"}))
	text := s.Text(textID)

	ins, err := text.InsertOp(5, " world")
	require.NoError(t, err)
	assert.Equal(t, id(peerA, 4), ins.Left)
	assert.Equal(t, rdx.NoID, ins.Right)
	s.Apply(mkOp(peerA, 5, 5, textID, ins))

	ins, err = text.InsertOp(0, ">")
	require.NoError(t, err)
	assert.Equal(t, rdx.NoID, ins.Left)
	assert.Equal(t, id(peerA, 0), ins.Right)
	s.Apply(mkOp(peerA, 11, 11, textID, ins))
	assert.Equal(t, ">hello world", text.String())

	dels, err := text.DeleteOps(1, 5)
	require.NoError(t, err)
	require.Len(t, dels, 1)
	assert.Equal(t, rdx.NewIDSpan(id(peerA, 0), 5), dels[0].(*oplog.SeqDelete).Span)
	s.Apply(mkOp(peerA, 12, 12, textID, dels[0]))
	assert.Equal(t, "> world", text.String())

	pos, alive, ok := text.Position(id(peerA, 2))
	assert.True(t, ok)
	assert.False(t, alive)
	assert.Equal(t, 1, pos)
	ch, ok := text.Char(id(peerA, 2))
	assert.True(t, ok)
	assert.Equal(t, 'l', ch)

	_, err = text.InsertOp(9, "x")
	assert.ErrorIs(t, err, kniga_errors.ErrOutOfBound)
	_, err = text.DeleteOps(5, 5)
	assert.ErrorIs(t, err, kniga_errors.ErrOutOfBound)
}

func TestText_Marks(t *testing.T) {
	s := applyAll(mkOp(peerA, 0, 0, textID, &oplog.TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: "hello world"}))
	text := s.Text(textID)

	mk, err := text.MarkOp(0, 5, "bold", rdx.Bool(true))
	require.NoError(t, err)
	assert.Equal(t, id(peerA, 0), mk.Start)
	assert.Equal(t, id(peerA, 4), mk.End)
	s.Apply(mkOp(peerA, 11, 11, textID, mk))

	bold := map[string]rdx.Value{"bold": rdx.Bool(true)}
	assert.Equal(t, []event.TextDelta{
		{Insert: "hello", Attributes: bold},
		{Insert: " world"},
	}, text.Delta())

	// a concurrent insert inside the range is covered
	s.Apply(mkOp(peerB, 0, 5, textID, &oplog.TextInsert{Left: id(peerA, 1), Right: id(peerA, 2), Text: "X"}))
	assert.Equal(t, []event.TextDelta{
		{Insert: "heXllo", Attributes: bold},
		{Insert: " world"},
	}, text.Delta())

	// a newer Null mark clears the key
	clr, err := text.MarkOp(0, 2, "bold", rdx.Null())
	require.NoError(t, err)
	s.Apply(mkOp(peerA, 12, 12, textID, clr))
	assert.Equal(t, []event.TextDelta{
		{Insert: "he"},
		{Insert: "Xllo", Attributes: bold},
		{Insert: " world"},
	}, text.Delta())

	unmarks, err := text.UnmarkOps(0, 6, "bold")
	require.NoError(t, err)
	require.Len(t, unmarks, 1)
	assert.Equal(t, id(peerA, 11), unmarks[0].(*oplog.TextUnmark).Mark)
	s.Apply(mkOp(peerA, 13, 13, textID, unmarks[0]))
	assert.Equal(t, []event.TextDelta{{Insert: "heXllo world"}}, text.Delta())
	assert.False(t, text.MarkLive(id(peerA, 11)))

	_, err = text.UnmarkOps(0, 6, "bold")
	assert.ErrorIs(t, err, kniga_errors.ErrMarkNotFound)
	_, err = text.MarkOp(0, 2, "", rdx.Bool(true))
	assert.ErrorIs(t, err, kniga_errors.ErrEmptyKey)
}

func TestText_Recording(t *testing.T) {
	s := applyAll(mkOp(peerA, 0, 0, textID, &oplog.TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: "hello"}))
	s.StartRecording()
	s.Apply(mkOp(peerA, 5, 5, textID, &oplog.TextInsert{Left: id(peerA, 4), Right: rdx.NoID, Text: " world"}))
	s.Apply(mkOp(peerA, 11, 11, textID, &oplog.TextMark{Start: id(peerA, 0), End: id(peerA, 4), Key: "bold", Value: rdx.Bool(true)}))
	diffs := s.EndRecording()
	require.Len(t, diffs, 1)
	assert.Equal(t, textID, diffs[0].Target)
	assert.Empty(t, diffs[0].Path)
	assert.Equal(t, []event.TextDelta{
		{Retain: 5, Attributes: map[string]rdx.Value{"bold": rdx.Bool(true)}},
		{Insert: " world"},
	}, diffs[0].Diff.(*event.TextDiff).Deltas)

	s.StartRecording()
	s.Apply(mkOp(peerA, 12, 12, textID, &oplog.SeqDelete{Span: rdx.NewIDSpan(id(peerA, 1), 2)}))
	diffs = s.EndRecording()
	require.Len(t, diffs, 1)
	assert.Equal(t, []event.TextDelta{{Retain: 1}, {Delete: 2}}, diffs[0].Diff.(*event.TextDiff).Deltas)

	// ops that change nothing visible produce no diff
	s.StartRecording()
	s.Apply(mkOp(peerB, 0, 13, textID, &oplog.SeqDelete{Span: rdx.NewIDSpan(id(peerA, 1), 1)}))
	assert.Empty(t, s.EndRecording())
}

func TestList(t *testing.T) {
	ins := mkOp(peerA, 0, 0, listID, &oplog.ListInsert{Left: rdx.NoID, Right: rdx.NoID, Values: []rdx.Value{rdx.I64(1), rdx.I64(2)}})
	s := applyAll(ins)
	list := s.List(listID)
	assert.Equal(t, 2, list.Len())

	push, err := list.InsertOp(2, rdx.String("x"))
	require.NoError(t, err)
	s.StartRecording()
	s.Apply(mkOp(peerA, 2, 2, listID, push))
	dels, err := list.DeleteOps(0, 1)
	require.NoError(t, err)
	s.Apply(mkOp(peerA, 3, 3, listID, dels[0]))
	diffs := s.EndRecording()

	assert.Equal(t, []rdx.Value{rdx.I64(2), rdx.String("x")}, list.Values())
	v, err := list.Get(1)
	require.NoError(t, err)
	assert.Equal(t, rdx.String("x"), v)
	_, err = list.Get(2)
	assert.ErrorIs(t, err, kniga_errors.ErrOutOfBound)

	require.Len(t, diffs, 1)
	assert.Equal(t, []event.ListDelta{
		{Delete: 1},
		{Retain: 1},
		{Insert: []rdx.Value{rdx.String("x")}},
	}, diffs[0].Diff.(*event.ListDiff).Deltas)
}

func movableBase() *oplog.Op {
	return mkOp(peerA, 0, 0, movID, &oplog.ListInsert{
		Left: rdx.NoID, Right: rdx.NoID,
		Values: []rdx.Value{rdx.I64(1), rdx.I64(2), rdx.I64(3)},
	})
}

func TestMovableList_Move(t *testing.T) {
	s := applyAll(movableBase())
	list := s.MovableList(movID)

	mv, err := list.MoveOp(0, 2)
	require.NoError(t, err)
	assert.Equal(t, id(peerA, 0), mv.Elem)

	s.StartRecording()
	s.Apply(mkOp(peerA, 3, 3, movID, mv))
	diffs := s.EndRecording()
	assert.Equal(t, []rdx.Value{rdx.I64(2), rdx.I64(3), rdx.I64(1)}, list.Values())
	require.Len(t, diffs, 1)
	ld := diffs[0].Diff.(*event.ListDiff)
	assert.True(t, ld.Movable)
	assert.Equal(t, []event.ListDelta{
		{Delete: 1},
		{Retain: 2},
		{Insert: []rdx.Value{rdx.I64(1)}},
	}, ld.Deltas)

	set, err := list.SetOp(2, rdx.String("one"))
	require.NoError(t, err)
	s.Apply(mkOp(peerA, 4, 4, movID, set))
	v, pos, alive, ok := list.Elem(id(peerA, 0))
	assert.True(t, ok)
	assert.True(t, alive)
	assert.Equal(t, 2, pos)
	assert.Equal(t, rdx.String("one"), v)

	_, err = list.MoveOp(0, 3)
	assert.ErrorIs(t, err, kniga_errors.ErrOutOfBound)
}

func TestMovableList_Concurrent(t *testing.T) {
	base := movableBase()
	planner := applyAll(base).MovableList(movID)

	mvA, err := planner.MoveOp(0, 2)
	require.NoError(t, err)
	mvB, err := planner.MoveOp(0, 1)
	require.NoError(t, err)
	a := mkOp(peerA, 3, 3, movID, mvA)
	b := mkOp(peerB, 0, 3, movID, mvB)

	// the move with the higher (Lamport, Peer) wins
	want := []rdx.Value{rdx.I64(2), rdx.I64(1), rdx.I64(3)}
	assert.Equal(t, want, applyAll(base, a, b).MovableList(movID).Values())
	assert.Equal(t, want, applyAll(base, b, a).MovableList(movID).Values())

	// delete beats a concurrent move
	del := mkOp(peerB, 0, 3, movID, &oplog.SeqDelete{Span: rdx.NewIDSpan(id(peerA, 0), 1)})
	want = []rdx.Value{rdx.I64(2), rdx.I64(3)}
	assert.Equal(t, want, applyAll(base, a, del).MovableList(movID).Values())
	assert.Equal(t, want, applyAll(base, del, a).MovableList(movID).Values())

	// concurrent sets: last writer wins
	setA := mkOp(peerA, 3, 3, movID, &oplog.MovableSet{Elem: id(peerA, 1), Value: rdx.String("a")})
	setB := mkOp(peerB, 0, 3, movID, &oplog.MovableSet{Elem: id(peerA, 1), Value: rdx.String("b")})
	want = []rdx.Value{rdx.I64(1), rdx.String("b"), rdx.I64(3)}
	assert.Equal(t, want, applyAll(base, setA, setB).MovableList(movID).Values())
	assert.Equal(t, want, applyAll(base, setB, setA).MovableList(movID).Values())
}

func TestMap_LWW(t *testing.T) {
	red := mkOp(peerA, 0, 0, mapID, &oplog.MapSet{Key: "color", Value: rdx.String("red")})
	blue := mkOp(peerB, 0, 0, mapID, &oplog.MapSet{Key: "color", Value: rdx.String("blue")})

	for _, s := range []*DocState{applyAll(red, blue), applyAll(blue, red)} {
		v, ok := s.Map(mapID).Get("color")
		assert.True(t, ok)
		assert.Equal(t, rdx.String("blue"), v)
	}

	del := mkOp(peerA, 1, 1, mapID, &oplog.MapDelete{Key: "color"})
	s := applyAll(red, blue)
	s.StartRecording()
	s.Apply(del)
	diffs := s.EndRecording()
	_, ok := s.Map(mapID).Get("color")
	assert.False(t, ok)
	assert.Empty(t, s.Map(mapID).Keys())
	require.Len(t, diffs, 1)
	assert.Equal(t, event.MapUpdate{Before: rdx.String("blue"), After: rdx.Null(), Existed: true},
		diffs[0].Diff.(*event.MapDiff).Updated["color"])
}

func TestCounter(t *testing.T) {
	a := mkOp(peerA, 0, 0, counterID, &oplog.CounterInc{Delta: 5})
	b := mkOp(peerB, 0, 0, counterID, &oplog.CounterInc{Delta: 3})
	assert.Equal(t, 8.0, applyAll(a, b).Counter(counterID).Sum())
	assert.Equal(t, 8.0, applyAll(b, a).Counter(counterID).Sum())

	s := applyAll(a)
	s.StartRecording()
	s.Apply(b)
	diffs := s.EndRecording()
	require.Len(t, diffs, 1)
	assert.Equal(t, 3.0, diffs[0].Diff.(*event.CounterDiff).Delta)
}

func treeCreate(peer uint64, counter int32, lamport rdx.Lamport, parent oplog.TreeParent, pos []byte) *oplog.Op {
	return mkOp(peer, counter, lamport, treeID, &oplog.TreeMove{Target: id(peer, counter), Parent: parent, Position: pos})
}

func TestTree_ConcurrentCycle(t *testing.T) {
	x := treeCreate(peerA, 0, 0, oplog.TreeRoot, Between(nil, nil))
	y := treeCreate(peerA, 1, 1, oplog.TreeRoot, Between([]byte{0x80}, nil))
	xUnderY := mkOp(peerA, 2, 2, treeID, &oplog.TreeMove{Target: id(peerA, 0), Parent: oplog.TreeNodeParent(id(peerA, 1))})
	yUnderX := mkOp(peerB, 0, 2, treeID, &oplog.TreeMove{Target: id(peerA, 1), Parent: oplog.TreeNodeParent(id(peerA, 0))})

	for _, s := range []*DocState{applyAll(x, y, xUnderY, yUnderX), applyAll(x, y, yUnderX, xUnderY)} {
		tree := s.Tree(treeID)
		p, ok := tree.Parent(id(peerA, 0))
		assert.True(t, ok)
		assert.Equal(t, oplog.TreeNodeParent(id(peerA, 1)), p)
		p, _ = tree.Parent(id(peerA, 1))
		assert.Equal(t, oplog.TreeRoot, p)
		assert.Equal(t, []rdx.ID{id(peerA, 1), id(peerA, 0)}, tree.Nodes())
	}

	s := applyAll(x, y, xUnderY)
	_, err := s.Tree(treeID).MoveOps(id(peerA, 1), false, oplog.TreeNodeParent(id(peerA, 0)), 0)
	assert.ErrorIs(t, err, kniga_errors.ErrTreeCycle)
}

func TestTree_DeleteAndMeta(t *testing.T) {
	x := treeCreate(peerA, 0, 0, oplog.TreeRoot, Between(nil, nil))
	child := treeCreate(peerA, 1, 1, oplog.TreeNodeParent(id(peerA, 0)), Between(nil, nil))
	meta := mkOp(peerA, 2, 2, Meta(id(peerA, 1)), &oplog.MapSet{Key: "name", Value: rdx.String("leaf")})
	s := applyAll(x, child, meta)
	tree := s.Tree(treeID)

	assert.False(t, s.IsDeleted(Meta(id(peerA, 1))))
	assert.Equal(t, []rdx.ContainerID{treeID}, s.Path(Meta(id(peerA, 1))))

	del, err := tree.DeleteOp(id(peerA, 0))
	require.NoError(t, err)
	s.StartRecording()
	s.Apply(mkOp(peerA, 3, 3, treeID, del))
	diffs := s.EndRecording()

	assert.True(t, tree.IsDeleted(id(peerA, 1)))
	assert.True(t, tree.Contains(id(peerA, 1)))
	assert.Empty(t, tree.Nodes())
	assert.True(t, s.IsDeleted(Meta(id(peerA, 1))))
	require.Len(t, diffs, 1)
	items := diffs[0].Diff.(*event.TreeDiff).Items
	require.Len(t, items, 2)
	assert.Equal(t, id(peerA, 1), items[0].Target)
	assert.Equal(t, event.TreeDelete, items[0].Action)
	assert.Equal(t, id(peerA, 0), items[0].OldParent)
	assert.Equal(t, id(peerA, 0), items[1].Target)

	_, err = tree.DeleteOp(id(peerA, 1))
	assert.ErrorIs(t, err, kniga_errors.ErrNotFound)
}

func TestTree_FractionalIndexCollision(t *testing.T) {
	a := treeCreate(peerA, 0, 0, oplog.TreeRoot, Between(nil, nil))
	b := treeCreate(peerB, 0, 0, oplog.TreeRoot, Between(nil, nil))
	s := applyAll(a, b)
	tree := s.Tree(treeID)
	assert.Equal(t, []rdx.ID{id(peerA, 0), id(peerB, 0)}, tree.Roots())

	moves, err := tree.MoveOps(id(peerA, 1), true, oplog.TreeRoot, 1)
	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, id(peerB, 0), moves[1].Target)

	s.StartRecording()
	for i, m := range moves {
		s.Apply(mkOp(peerA, 1+int32(i), 1+rdx.Lamport(i), treeID, m))
	}
	diffs := s.EndRecording()
	assert.Equal(t, []rdx.ID{id(peerA, 0), id(peerA, 1), id(peerB, 0)}, tree.Roots())
	idx, ok := tree.Index(id(peerA, 1))
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	require.Len(t, diffs, 1)
	items := diffs[0].Diff.(*event.TreeDiff).Items
	require.Len(t, items, 2)
	assert.Equal(t, event.TreeCreate, items[0].Action)
	assert.Equal(t, rdx.NoID, items[0].Parent)
	assert.Equal(t, 1, items[0].Index)
	assert.Equal(t, event.TreeMove, items[1].Action)
	assert.Equal(t, id(peerB, 0), items[1].Target)

	tree.DisableFractionalIndex()
	moves, err = tree.MoveOps(id(peerA, 9), true, oplog.TreeRoot, -1)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Empty(t, moves[0].Position)
}

func TestTree_NoRoomBetweenKeys(t *testing.T) {
	s := applyAll(
		treeCreate(peerA, 0, 0, oplog.TreeRoot, []byte{0x80}),
		treeCreate(peerB, 0, 0, oplog.TreeRoot, []byte{0x80, 0x00}),
	)
	tree := s.Tree(treeID)
	var moves []*oplog.TreeMove
	assert.NotPanics(t, func() {
		var err error
		moves, err = tree.MoveOps(id(peerA, 1), true, oplog.TreeRoot, 1)
		require.NoError(t, err)
	})
	require.NotEmpty(t, moves)
	assert.True(t, ValidKey(moves[0].Position))
}

func TestDocState_ChildContainers(t *testing.T) {
	child := rdx.NormalContainerID(id(peerA, 0), rdx.ContainerText)
	s := applyAll(
		mkOp(peerA, 0, 0, mapID, &oplog.MapSet{Key: "note", Value: rdx.ContainerRef(child)}),
		mkOp(peerA, 1, 1, child, &oplog.TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: "hi"}),
	)
	assert.Equal(t, []rdx.ContainerID{mapID}, s.Path(child))
	assert.False(t, s.IsDeleted(child))

	deep := s.DeepValue()
	m, _ := deep.AsMap()
	note, _ := m["map"].AsMap()
	assert.Equal(t, rdx.String("hi"), note["note"])
	shallow, _ := s.Value().AsMap()
	ref, _ := shallow["map"].AsMap()
	assert.Equal(t, rdx.ContainerRef(child), ref["note"])

	s.StartRecording()
	s.Apply(mkOp(peerA, 3, 3, child, &oplog.TextInsert{Left: id(peerA, 2), Right: rdx.NoID, Text: "!"}))
	s.Apply(mkOp(peerA, 4, 4, mapID, &oplog.MapSet{Key: "seen", Value: rdx.Bool(true)}))
	diffs := s.EndRecording()
	require.Len(t, diffs, 2)
	assert.Equal(t, mapID, diffs[0].Target)
	assert.Equal(t, child, diffs[1].Target)
	assert.Equal(t, []rdx.ContainerID{mapID}, diffs[1].Path)

	s.Apply(mkOp(peerA, 5, 5, mapID, &oplog.MapDelete{Key: "note"}))
	assert.True(t, s.IsDeleted(child))
}

func TestDiff(t *testing.T) {
	ins := mkOp(peerA, 0, 0, textID, &oplog.TextInsert{Left: rdx.NoID, Right: rdx.NoID, Text: "ab"})
	inc := mkOp(peerA, 2, 2, counterID, &oplog.CounterInc{Delta: 2})
	old := applyAll(ins)
	cur := applyAll(ins, inc, mkOp(peerA, 3, 3, textID, &oplog.SeqDelete{Span: rdx.NewIDSpan(id(peerA, 0), 1)}))

	diffs := Diff(old, cur)
	require.Len(t, diffs, 2)
	assert.Equal(t, counterID, diffs[0].Target)
	assert.Equal(t, 2.0, diffs[0].Diff.(*event.CounterDiff).Delta)
	assert.Equal(t, []event.TextDelta{{Delete: 1}}, diffs[1].Diff.(*event.TextDiff).Deltas)

	assert.Empty(t, Diff(cur, cur))
}
