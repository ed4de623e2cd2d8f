package state

import (
	"bytes"
	"encoding/hex"
	"slices"
	"sort"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

type treeNode struct {
	id       rdx.ID
	parent   oplog.TreeParent
	position []byte
}

// treeMove is one entry of the move log, with what it overwrote so that
// it can be undone when an older move arrives.
type treeMove struct {
	lp       rdx.IDLp
	op       rdx.ID
	target   rdx.ID
	parent   oplog.TreeParent
	position []byte

	applied   bool
	existed   bool
	oldParent oplog.TreeParent
	oldPos    []byte
}

/*
Tree is a move-op tree. The move log is kept sorted by (Lamport, Peer);
a move that arrives out of order undoes the later moves, applies, then
redoes them. A move that would make a node its own ancestor is skipped,
so every replica skips the same moves. Deleting moves the node under
the deleted root, where its subtree stays addressable.

Siblings are ordered by fractional index, then by node id.
*/
type Tree struct {
	cid   rdx.ContainerID
	nodes map[rdx.ID]*treeNode
	moves []*treeMove
	seen  map[rdx.ID]bool

	fractional bool
	jitter     int
}

func newTree(cid rdx.ContainerID) *Tree {
	return &Tree{
		cid:        cid,
		nodes:      make(map[rdx.ID]*treeNode),
		seen:       make(map[rdx.ID]bool),
		fractional: true,
	}
}

func (t *Tree) ID() rdx.ContainerID     { return t.cid }
func (t *Tree) Type() rdx.ContainerType { return rdx.ContainerTree }

// EnableFractionalIndex turns on position keys for local moves, with
// jitter random bytes appended to every new key.
func (t *Tree) EnableFractionalIndex(jitter int) {
	t.fractional = true
	t.jitter = max(jitter, 0)
}

// DisableFractionalIndex makes local moves carry no position; such
// siblings are ordered by node id only.
func (t *Tree) DisableFractionalIndex() {
	t.fractional = false
}

func (t *Tree) FractionalIndexEnabled() bool {
	return t.fractional
}

func (t *Tree) apply(op *oplog.Op) {
	c, ok := op.Content.(*oplog.TreeMove)
	if !ok || t.seen[op.ID] {
		return
	}
	t.seen[op.ID] = true
	m := &treeMove{
		lp:       op.IDLp(),
		op:       op.ID,
		target:   c.Target,
		parent:   c.Parent,
		position: c.Position,
	}
	i := sort.Search(len(t.moves), func(i int) bool {
		return m.lp.Less(t.moves[i].lp)
	})
	for k := len(t.moves) - 1; k >= i; k-- {
		t.undo(t.moves[k])
	}
	t.do(m)
	for k := i; k < len(t.moves); k++ {
		t.do(t.moves[k])
	}
	t.moves = slices.Insert(t.moves, i, m)
}

func (t *Tree) do(m *treeMove) {
	m.applied = false
	if m.parent.Kind == oplog.TreeParentNode {
		if _, ok := t.nodes[m.parent.Node]; !ok {
			return
		}
		if m.parent.Node == m.target || t.isAncestor(m.target, m.parent.Node) {
			return
		}
	}
	n, ok := t.nodes[m.target]
	if !ok && m.target != m.op {
		return
	}
	m.existed = ok
	if ok {
		m.oldParent, m.oldPos = n.parent, n.position
	} else {
		n = &treeNode{id: m.target}
		t.nodes[m.target] = n
	}
	n.parent, n.position = m.parent, m.position
	m.applied = true
}

func (t *Tree) undo(m *treeMove) {
	if !m.applied {
		return
	}
	if !m.existed {
		delete(t.nodes, m.target)
	} else {
		n := t.nodes[m.target]
		n.parent, n.position = m.oldParent, m.oldPos
	}
	m.applied = false
}

// isAncestor tells whether anc is on the parent chain of node.
func (t *Tree) isAncestor(anc, node rdx.ID) bool {
	for {
		n := t.nodes[node]
		if n == nil || n.parent.Kind != oplog.TreeParentNode {
			return false
		}
		if n.parent.Node == anc {
			return true
		}
		node = n.parent.Node
	}
}

// Contains tells whether the node was ever created, deleted or not.
func (t *Tree) Contains(id rdx.ID) bool {
	_, ok := t.nodes[id]
	return ok
}

// IsDeleted tells whether the node or one of its ancestors is deleted.
func (t *Tree) IsDeleted(id rdx.ID) bool {
	for {
		n := t.nodes[id]
		if n == nil {
			return true
		}
		switch n.parent.Kind {
		case oplog.TreeParentDeleted:
			return true
		case oplog.TreeParentRoot:
			return false
		}
		id = n.parent.Node
	}
}

func (t *Tree) alive(id rdx.ID) bool {
	return t.Contains(id) && !t.IsDeleted(id)
}

func (t *Tree) Parent(id rdx.ID) (oplog.TreeParent, bool) {
	n := t.nodes[id]
	if n == nil {
		return oplog.TreeRoot, false
	}
	return n.parent, true
}

func (t *Tree) PositionKey(id rdx.ID) []byte {
	if n := t.nodes[id]; n != nil {
		return n.position
	}
	return nil
}

func (t *Tree) siblings(parent oplog.TreeParent) []*treeNode {
	var ret []*treeNode
	for _, n := range t.nodes {
		if n.parent == parent {
			ret = append(ret, n)
		}
	}
	slices.SortFunc(ret, func(a, b *treeNode) int {
		if c := bytes.Compare(a.position, b.position); c != 0 {
			return c
		}
		return a.id.Compare(b.id)
	})
	return ret
}

// Children lists the children of the parent in sibling order.
func (t *Tree) Children(parent oplog.TreeParent) []rdx.ID {
	sibs := t.siblings(parent)
	ids := make([]rdx.ID, len(sibs))
	for i, n := range sibs {
		ids[i] = n.id
	}
	return ids
}

// Roots lists the top level nodes.
func (t *Tree) Roots() []rdx.ID {
	return t.Children(oplog.TreeRoot)
}

// Nodes lists the alive nodes, parents before children.
func (t *Tree) Nodes() (ret []rdx.ID) {
	queue := t.Roots()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ret = append(ret, id)
		queue = append(queue, t.Children(oplog.TreeNodeParent(id))...)
	}
	return
}

// Index is the position of the node among its siblings.
func (t *Tree) Index(id rdx.ID) (int, bool) {
	n := t.nodes[id]
	if n == nil {
		return 0, false
	}
	for i, s := range t.siblings(n.parent) {
		if s.id == id {
			return i, true
		}
	}
	return 0, false
}

// MoveOps plans moving target under parent at the sibling index, -1
// meaning last. The node is created when create is set. When the
// neighbour keys leave no room (equal keys from concurrent moves) the
// following siblings get new keys by extra moves, returned after the
// move of the target.
func (t *Tree) MoveOps(target rdx.ID, create bool, parent oplog.TreeParent, index int) ([]*oplog.TreeMove, error) {
	if parent.Kind == oplog.TreeParentNode {
		if !t.Contains(parent.Node) {
			return nil, kniga_errors.ErrNotFound
		}
		if t.IsDeleted(parent.Node) {
			return nil, kniga_errors.ErrContainerDeleted
		}
		if !create && (parent.Node == target || t.isAncestor(target, parent.Node)) {
			return nil, kniga_errors.ErrTreeCycle
		}
	}
	if !create && !t.alive(target) {
		return nil, kniga_errors.ErrNotFound
	}
	var sibs []*treeNode
	for _, s := range t.siblings(parent) {
		if s.id != target {
			sibs = append(sibs, s)
		}
	}
	if index < 0 {
		index = len(sibs)
	}
	if index > len(sibs) {
		return nil, kniga_errors.OutOfBound(index, len(sibs))
	}
	move := &oplog.TreeMove{Target: target, Parent: parent}
	if !t.fractional {
		return []*oplog.TreeMove{move}, nil
	}
	var left []byte
	if index > 0 {
		left = sibs[index-1].position
	}
	j := index
	for j < len(sibs) && bytes.Compare(sibs[j].position, left) <= 0 {
		j++
	}
	var upper []byte
	if j < len(sibs) {
		upper = sibs[j].position
	}
	move.Position = BetweenJitter(left, upper, t.jitter)
	ret := []*oplog.TreeMove{move}
	prev := move.Position
	for _, s := range sibs[index:j] {
		key := BetweenJitter(prev, upper, t.jitter)
		ret = append(ret, &oplog.TreeMove{Target: s.id, Parent: parent, Position: key})
		prev = key
	}
	return ret, nil
}

// DeleteOp moves the node under the deleted root.
func (t *Tree) DeleteOp(target rdx.ID) (*oplog.TreeMove, error) {
	if !t.alive(target) {
		return nil, kniga_errors.ErrNotFound
	}
	return &oplog.TreeMove{Target: target, Parent: oplog.TreeDeleted}, nil
}

// RestoreOp moves a node, dead or alive, back under parent with the
// position key it had there.
func (t *Tree) RestoreOp(target rdx.ID, parent oplog.TreeParent, position []byte) (*oplog.TreeMove, error) {
	if !t.Contains(target) {
		return nil, kniga_errors.ErrNotFound
	}
	if parent.Kind == oplog.TreeParentNode {
		if !t.alive(parent.Node) {
			return nil, kniga_errors.ErrContainerDeleted
		}
		if parent.Node == target || t.isAncestor(target, parent.Node) {
			return nil, kniga_errors.ErrTreeCycle
		}
	}
	return &oplog.TreeMove{Target: target, Parent: parent, Position: position}, nil
}

// Meta is the id of the node's attribute map.
func Meta(node rdx.ID) rdx.ContainerID {
	return rdx.NormalContainerID(node, rdx.ContainerMap)
}

func (t *Tree) Value() rdx.Value {
	return t.value(func(v rdx.Value) rdx.Value { return v })
}

// value lists the top level nodes as maps with nested children.
func (t *Tree) value(resolve func(rdx.Value) rdx.Value) rdx.Value {
	var walk func(parent oplog.TreeParent) []rdx.Value
	walk = func(parent oplog.TreeParent) []rdx.Value {
		var ret []rdx.Value
		for i, n := range t.siblings(parent) {
			p := rdx.Null()
			if parent.Kind == oplog.TreeParentNode {
				p = rdx.String(parent.Node.String())
			}
			ret = append(ret, rdx.MapOf(map[string]rdx.Value{
				"id":               rdx.String(n.id.String()),
				"parent":           p,
				"index":            rdx.I64(int64(i)),
				"fractional_index": rdx.String(hex.EncodeToString(n.position)),
				"meta":             resolve(rdx.ContainerRef(Meta(n.id))),
				"children":         rdx.ListOf(walk(oplog.TreeNodeParent(n.id))...),
			}))
		}
		return ret
	}
	return rdx.ListOf(walk(oplog.TreeRoot)...)
}

func (t *Tree) children() []rdx.ContainerID {
	nodes := t.Nodes()
	ret := make([]rdx.ContainerID, len(nodes))
	for i, id := range nodes {
		ret[i] = Meta(id)
	}
	return ret
}

type treeViewNode struct {
	parent   rdx.ID
	index    int
	position []byte
	depth    int
}

type treeView map[rdx.ID]treeViewNode

func (t *Tree) view() view {
	v := make(treeView)
	var walk func(parent oplog.TreeParent, pid rdx.ID, depth int)
	walk = func(parent oplog.TreeParent, pid rdx.ID, depth int) {
		for i, n := range t.siblings(parent) {
			v[n.id] = treeViewNode{parent: pid, index: i, position: n.position, depth: depth}
			walk(oplog.TreeNodeParent(n.id), n.id, depth+1)
		}
	}
	walk(oplog.TreeRoot, rdx.NoID, 0)
	return v
}

// diff lists deletes (deepest first), then creates (parents first),
// then moves.
func (v treeView) diff(after view) event.Diff {
	a := after.(treeView)
	var dels, creates, moves []event.TreeDiffItem
	depth := make(map[rdx.ID]int)
	for id, b := range v {
		if n, ok := a[id]; !ok {
			dels = append(dels, event.TreeDiffItem{
				Target: id, Action: event.TreeDelete,
				Parent: rdx.NoID, OldParent: b.parent, OldIndex: b.index,
			})
			depth[id] = b.depth
		} else if n.parent != b.parent || !bytes.Equal(n.position, b.position) {
			moves = append(moves, event.TreeDiffItem{
				Target: id, Action: event.TreeMove,
				Parent: n.parent, Index: n.index, Position: n.position,
				OldParent: b.parent, OldIndex: b.index,
			})
			depth[id] = n.depth
		}
	}
	for id, n := range a {
		if _, ok := v[id]; !ok {
			creates = append(creates, event.TreeDiffItem{
				Target: id, Action: event.TreeCreate,
				Parent: n.parent, Index: n.index, Position: n.position,
				OldParent: rdx.NoID,
			})
			depth[id] = n.depth
		}
	}
	slices.SortFunc(dels, func(x, y event.TreeDiffItem) int {
		if depth[x.Target] != depth[y.Target] {
			return depth[y.Target] - depth[x.Target]
		}
		if x.OldIndex != y.OldIndex {
			return y.OldIndex - x.OldIndex
		}
		return x.Target.Compare(y.Target)
	})
	byDepth := func(x, y event.TreeDiffItem) int {
		if depth[x.Target] != depth[y.Target] {
			return depth[x.Target] - depth[y.Target]
		}
		if x.Index != y.Index {
			return x.Index - y.Index
		}
		return x.Target.Compare(y.Target)
	}
	slices.SortFunc(creates, byDepth)
	slices.SortFunc(moves, byDepth)
	items := slices.Concat(dels, creates, moves)
	return &event.TreeDiff{Items: items}
}
