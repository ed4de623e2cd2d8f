package kniga

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/state"
)

// Handler is a typed accessor of one container of a document. The
// concrete types are Text, List, MovableList, Map, Tree and Counter.
type Handler interface {
	ID() rdx.ContainerID
	Type() rdx.ContainerType
	Doc() *Doc
	isHandler()
}

type handler struct {
	doc *Doc
	cid rdx.ContainerID
}

func (h handler) ID() rdx.ContainerID     { return h.cid }
func (h handler) Type() rdx.ContainerType { return h.cid.Type }
func (h handler) Doc() *Doc               { return h.doc }
func (h handler) isHandler()              {}

// IsDeleted tells whether the container is unreachable from the roots.
func (h handler) IsDeleted() bool {
	return h.doc.IsDeleted(h.cid)
}

// DeepValue is the value with nested containers resolved.
func (h handler) DeepValue() (v rdx.Value) {
	h.doc.read(func() { v = h.doc.state.ContainerDeepValue(h.cid) })
	return
}

type (
	Text        struct{ handler }
	List        struct{ handler }
	MovableList struct{ handler }
	Map         struct{ handler }
	Tree        struct{ handler }
	Counter     struct{ handler }
)

func (d *Doc) GetText(name string) *Text {
	return &Text{handler{d, rdx.RootContainerID(name, rdx.ContainerText)}}
}

func (d *Doc) GetList(name string) *List {
	return &List{handler{d, rdx.RootContainerID(name, rdx.ContainerList)}}
}

func (d *Doc) GetMovableList(name string) *MovableList {
	return &MovableList{handler{d, rdx.RootContainerID(name, rdx.ContainerMovableList)}}
}

func (d *Doc) GetMap(name string) *Map {
	return &Map{handler{d, rdx.RootContainerID(name, rdx.ContainerMap)}}
}

func (d *Doc) GetTree(name string) *Tree {
	return &Tree{handler{d, rdx.RootContainerID(name, rdx.ContainerTree)}}
}

func (d *Doc) GetCounter(name string) *Counter {
	return &Counter{handler{d, rdx.RootContainerID(name, rdx.ContainerCounter)}}
}

// Handler returns the accessor matching the type of the container id.
func (d *Doc) Handler(cid rdx.ContainerID) (Handler, error) {
	h := handler{d, cid}
	switch cid.Type {
	case rdx.ContainerText:
		return &Text{h}, nil
	case rdx.ContainerList:
		return &List{h}, nil
	case rdx.ContainerMovableList:
		return &MovableList{h}, nil
	case rdx.ContainerMap:
		return &Map{h}, nil
	case rdx.ContainerTree:
		return &Tree{h}, nil
	case rdx.ContainerCounter:
		return &Counter{h}, nil
	}
	return nil, errors.Wrapf(rdx.ErrBadContainerID, "%s", cid.String())
}

func expectType(cid rdx.ContainerID, t rdx.ContainerType) error {
	if cid.Type != t {
		return &kniga_errors.ContainerTypeError{ID: cid, Expected: t, Actual: cid.Type}
	}
	return nil
}

func (d *Doc) TextByID(cid rdx.ContainerID) (*Text, error) {
	if err := expectType(cid, rdx.ContainerText); err != nil {
		return nil, err
	}
	return &Text{handler{d, cid}}, nil
}

func (d *Doc) ListByID(cid rdx.ContainerID) (*List, error) {
	if err := expectType(cid, rdx.ContainerList); err != nil {
		return nil, err
	}
	return &List{handler{d, cid}}, nil
}

func (d *Doc) MovableListByID(cid rdx.ContainerID) (*MovableList, error) {
	if err := expectType(cid, rdx.ContainerMovableList); err != nil {
		return nil, err
	}
	return &MovableList{handler{d, cid}}, nil
}

func (d *Doc) MapByID(cid rdx.ContainerID) (*Map, error) {
	if err := expectType(cid, rdx.ContainerMap); err != nil {
		return nil, err
	}
	return &Map{handler{d, cid}}, nil
}

func (d *Doc) TreeByID(cid rdx.ContainerID) (*Tree, error) {
	if err := expectType(cid, rdx.ContainerTree); err != nil {
		return nil, err
	}
	return &Tree{handler{d, cid}}, nil
}

func (d *Doc) CounterByID(cid rdx.ContainerID) (*Counter, error) {
	if err := expectType(cid, rdx.ContainerCounter); err != nil {
		return nil, err
	}
	return &Counter{handler{d, cid}}, nil
}

func (h handler) pushAll(ops []oplog.Content) {
	for _, op := range ops {
		h.doc.push(h.cid, op)
	}
}

// newChild plans a child container created by the next op.
func (h handler) newChild(t rdx.ContainerType) (Handler, rdx.Value, error) {
	child := rdx.NormalContainerID(h.doc.nextID(), t)
	hh, err := h.doc.Handler(child)
	return hh, rdx.ContainerRef(child), err
}

// Text

func (t *Text) st() *state.Text {
	return t.doc.state.Peek(t.cid).(*state.Text)
}

// Insert puts s before the code point at pos.
func (t *Text) Insert(pos int, s string) error {
	return t.doc.mutate(t.cid, func() error {
		op, err := t.st().InsertOp(pos, s)
		if err != nil || s == "" {
			return err
		}
		t.doc.push(t.cid, op)
		return nil
	})
}

// Delete removes n code points starting at pos.
func (t *Text) Delete(pos, n int) error {
	return t.doc.mutate(t.cid, func() error {
		ops, err := t.st().DeleteOps(pos, n)
		if err != nil {
			return err
		}
		t.pushAll(ops)
		return nil
	})
}

// Splice replaces n code points at pos with s and returns the removed
// text.
func (t *Text) Splice(pos, n int, s string) (deleted string, err error) {
	err = t.doc.mutate(t.cid, func() error {
		st := t.st()
		ids, err := st.IDsAt(pos, n)
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, id := range ids {
			r, _ := st.Char(id)
			sb.WriteRune(r)
		}
		deleted = sb.String()
		t.pushAll(state.DeleteIDs(ids))
		if s == "" {
			return nil
		}
		op, err := st.InsertOp(pos, s)
		if err != nil {
			return err
		}
		t.doc.push(t.cid, op)
		return nil
	})
	return deleted, err
}

// Mark sets the attribute on the code points [start, end).
func (t *Text) Mark(start, end int, key string, value rdx.Value) error {
	return t.doc.mutate(t.cid, func() error {
		op, err := t.st().MarkOp(start, end, key, value)
		if err != nil {
			return err
		}
		t.doc.push(t.cid, op)
		return nil
	})
}

// Unmark removes the marks of the key made over exactly [start, end).
func (t *Text) Unmark(start, end int, key string) error {
	return t.doc.mutate(t.cid, func() error {
		ops, err := t.st().UnmarkOps(start, end, key)
		if err != nil {
			return err
		}
		t.pushAll(ops)
		return nil
	})
}

func (t *Text) ToString() (s string) {
	t.doc.read(func() { s = t.st().String() })
	return
}

// ToDelta is the content as insert runs with their attributes.
func (t *Text) ToDelta() (delta []event.TextDelta) {
	t.doc.read(func() { delta = t.st().Delta() })
	return
}

// Len counts code points.
func (t *Text) Len() (n int) {
	t.doc.read(func() { n = t.st().Len() })
	return
}

// List

func (l *List) st() *state.List {
	return l.doc.state.Peek(l.cid).(*state.List)
}

func (l *List) Insert(pos int, values ...rdx.Value) error {
	return l.doc.mutate(l.cid, func() error {
		op, err := l.st().InsertOp(pos, values...)
		if err != nil || len(values) == 0 {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
}

func (l *List) Push(values ...rdx.Value) error {
	return l.doc.mutate(l.cid, func() error {
		st := l.st()
		op, err := st.InsertOp(st.Len(), values...)
		if err != nil || len(values) == 0 {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
}

// InsertContainer inserts a new child container at pos.
func (l *List) InsertContainer(pos int, t rdx.ContainerType) (child Handler, err error) {
	err = l.doc.mutate(l.cid, func() error {
		var ref rdx.Value
		if child, ref, err = l.newChild(t); err != nil {
			return err
		}
		op, err := l.st().InsertOp(pos, ref)
		if err != nil {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

func (l *List) Delete(pos, n int) error {
	return l.doc.mutate(l.cid, func() error {
		ops, err := l.st().DeleteOps(pos, n)
		if err != nil {
			return err
		}
		l.pushAll(ops)
		return nil
	})
}

func (l *List) Get(pos int) (v rdx.Value, err error) {
	l.doc.read(func() { v, err = l.st().Get(pos) })
	return
}

func (l *List) Len() (n int) {
	l.doc.read(func() { n = l.st().Len() })
	return
}

// ToSlice is the shallow content; child containers are references.
func (l *List) ToSlice() (vals []rdx.Value) {
	l.doc.read(func() { vals = l.st().Values() })
	return
}

// MovableList

func (l *MovableList) st() *state.MovableList {
	return l.doc.state.Peek(l.cid).(*state.MovableList)
}

func (l *MovableList) Insert(pos int, values ...rdx.Value) error {
	return l.doc.mutate(l.cid, func() error {
		op, err := l.st().InsertOp(pos, values...)
		if err != nil || len(values) == 0 {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
}

func (l *MovableList) Push(values ...rdx.Value) error {
	return l.doc.mutate(l.cid, func() error {
		st := l.st()
		op, err := st.InsertOp(st.Len(), values...)
		if err != nil || len(values) == 0 {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
}

func (l *MovableList) InsertContainer(pos int, t rdx.ContainerType) (child Handler, err error) {
	err = l.doc.mutate(l.cid, func() error {
		var ref rdx.Value
		if child, ref, err = l.newChild(t); err != nil {
			return err
		}
		op, err := l.st().InsertOp(pos, ref)
		if err != nil {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

func (l *MovableList) Delete(pos, n int) error {
	return l.doc.mutate(l.cid, func() error {
		ops, err := l.st().DeleteOps(pos, n)
		if err != nil {
			return err
		}
		l.pushAll(ops)
		return nil
	})
}

// Move moves the element at from so that it ends up at index to.
func (l *MovableList) Move(from, to int) error {
	return l.doc.mutate(l.cid, func() error {
		if from == to {
			if _, err := l.st().ElemAt(from); err != nil {
				return err
			}
			return nil
		}
		op, err := l.st().MoveOp(from, to)
		if err != nil {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
}

// Set replaces the value at pos keeping the element identity.
func (l *MovableList) Set(pos int, v rdx.Value) error {
	return l.doc.mutate(l.cid, func() error {
		op, err := l.st().SetOp(pos, v)
		if err != nil {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
}

// SetContainer replaces the value at pos with a new child container.
func (l *MovableList) SetContainer(pos int, t rdx.ContainerType) (child Handler, err error) {
	err = l.doc.mutate(l.cid, func() error {
		var ref rdx.Value
		if child, ref, err = l.newChild(t); err != nil {
			return err
		}
		op, err := l.st().SetOp(pos, ref)
		if err != nil {
			return err
		}
		l.doc.push(l.cid, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

func (l *MovableList) Get(pos int) (v rdx.Value, err error) {
	l.doc.read(func() { v, err = l.st().Get(pos) })
	return
}

func (l *MovableList) Len() (n int) {
	l.doc.read(func() { n = l.st().Len() })
	return
}

func (l *MovableList) ToSlice() (vals []rdx.Value) {
	l.doc.read(func() { vals = l.st().Values() })
	return
}

// Map

func (m *Map) st() *state.Map {
	return m.doc.state.Peek(m.cid).(*state.Map)
}

// Set writes the key; rdx.Null() is a value like any other.
func (m *Map) Set(key string, v rdx.Value) error {
	if key == "" {
		return kniga_errors.ErrEmptyKey
	}
	return m.doc.mutate(m.cid, func() error {
		m.doc.push(m.cid, &oplog.MapSet{Key: key, Value: v})
		return nil
	})
}

// Delete removes the key; a missing key is not an error.
func (m *Map) Delete(key string) error {
	return m.doc.mutate(m.cid, func() error {
		if _, ok := m.st().Get(key); !ok {
			return nil
		}
		m.doc.push(m.cid, &oplog.MapDelete{Key: key})
		return nil
	})
}

// SetContainer writes a new child container under the key.
func (m *Map) SetContainer(key string, t rdx.ContainerType) (child Handler, err error) {
	if key == "" {
		return nil, kniga_errors.ErrEmptyKey
	}
	err = m.doc.mutate(m.cid, func() error {
		child, err = m.setContainer(key, t)
		return err
	})
	return
}

func (m *Map) setContainer(key string, t rdx.ContainerType) (Handler, error) {
	child, ref, err := m.newChild(t)
	if err != nil {
		return nil, err
	}
	m.doc.push(m.cid, &oplog.MapSet{Key: key, Value: ref})
	return child, nil
}

// GetOrCreateContainer returns the child container under the key,
// creating it when the key holds no container.
func (m *Map) GetOrCreateContainer(key string, t rdx.ContainerType) (child Handler, err error) {
	if key == "" {
		return nil, kniga_errors.ErrEmptyKey
	}
	err = m.doc.mutate(m.cid, func() error {
		if v, ok := m.st().Get(key); ok {
			if cid, ok := v.AsContainer(); ok {
				if err := expectType(cid, t); err != nil {
					return err
				}
				child, err = m.doc.Handler(cid)
				return err
			}
		}
		child, err = m.setContainer(key, t)
		return err
	})
	return
}

func (m *Map) Get(key string) (v rdx.Value, ok bool) {
	m.doc.read(func() { v, ok = m.st().Get(key) })
	return
}

// Keys lists the live keys, sorted.
func (m *Map) Keys() (keys []string) {
	m.doc.read(func() { keys = m.st().Keys() })
	return
}

func (m *Map) Len() (n int) {
	m.doc.read(func() { n = m.st().Len() })
	return
}

// Value is the shallow content; child containers are references.
func (m *Map) Value() (v rdx.Value) {
	m.doc.read(func() { v = m.st().Value() })
	return
}

// Tree

func (t *Tree) st() *state.Tree {
	st := t.doc.state.Peek(t.cid).(*state.Tree)
	if jitter, ok := t.doc.trees[t.cid]; ok {
		if jitter < 0 {
			st.DisableFractionalIndex()
		} else {
			st.EnableFractionalIndex(jitter)
		}
	}
	return st
}

func treeParent(parent rdx.ID) oplog.TreeParent {
	if parent.IsNone() {
		return oplog.TreeRoot
	}
	return oplog.TreeNodeParent(parent)
}

// EnableFractionalIndex orders the siblings by generated position keys;
// jitter adds that many random bytes to every key. It is on by default
// with no jitter. The setting is local to this document.
func (t *Tree) EnableFractionalIndex(jitter int) {
	t.doc.read(func() { t.doc.trees[t.cid] = max(jitter, 0) })
}

// DisableFractionalIndex makes local moves carry no position keys.
func (t *Tree) DisableFractionalIndex() {
	t.doc.read(func() { t.doc.trees[t.cid] = -1 })
}

func (t *Tree) IsFractionalIndexEnabled() (on bool) {
	t.doc.read(func() { on = t.st().FractionalIndexEnabled() })
	return
}

// Create makes a node as the last child of parent, rdx.NoID being the
// root.
func (t *Tree) Create(parent rdx.ID) (rdx.ID, error) {
	return t.CreateAt(parent, -1)
}

// CreateAt makes a node at the sibling index; -1 means last.
func (t *Tree) CreateAt(parent rdx.ID, index int) (node rdx.ID, err error) {
	err = t.doc.mutate(t.cid, func() error {
		node = t.doc.nextID()
		moves, err := t.st().MoveOps(node, true, treeParent(parent), index)
		if err != nil {
			return err
		}
		for _, m := range moves {
			t.doc.push(t.cid, m)
		}
		return nil
	})
	if err != nil {
		return rdx.NoID, err
	}
	return node, nil
}

// Mov moves the node to the end of the children of parent.
func (t *Tree) Mov(target, parent rdx.ID) error {
	return t.MovTo(target, parent, -1)
}

// MovTo moves the node to the sibling index under parent.
func (t *Tree) MovTo(target, parent rdx.ID, index int) error {
	return t.doc.mutate(t.cid, func() error {
		return t.move(target, treeParent(parent), index)
	})
}

func (t *Tree) move(target rdx.ID, parent oplog.TreeParent, index int) error {
	moves, err := t.st().MoveOps(target, false, parent, index)
	if err != nil {
		return err
	}
	for _, m := range moves {
		t.doc.push(t.cid, m)
	}
	return nil
}

// MoveAfter makes the node the next sibling of other.
func (t *Tree) MoveAfter(target, other rdx.ID) error {
	return t.moveNextTo(target, other, 1)
}

// MoveBefore makes the node the previous sibling of other.
func (t *Tree) MoveBefore(target, other rdx.ID) error {
	return t.moveNextTo(target, other, 0)
}

func (t *Tree) moveNextTo(target, other rdx.ID, offset int) error {
	return t.doc.mutate(t.cid, func() error {
		st := t.st()
		if target == other || !st.Contains(other) || st.IsDeleted(other) {
			return errors.Wrapf(kniga_errors.ErrNotFound, "node %s", other.String())
		}
		parent, _ := st.Parent(other)
		index := 0
		for _, id := range st.Children(parent) {
			if id == other {
				break
			}
			if id != target {
				index++
			}
		}
		return t.move(target, parent, index+offset)
	})
}

// Delete hides the node and its subtree.
func (t *Tree) Delete(target rdx.ID) error {
	return t.doc.mutate(t.cid, func() error {
		op, err := t.st().DeleteOp(target)
		if err != nil {
			return err
		}
		t.doc.push(t.cid, op)
		return nil
	})
}

// Parent returns the parent node, rdx.NoID for a top level node.
func (t *Tree) Parent(target rdx.ID) (parent rdx.ID, err error) {
	t.doc.read(func() {
		st := t.st()
		p, ok := st.Parent(target)
		switch {
		case !ok:
			err = errors.Wrapf(kniga_errors.ErrNotFound, "node %s", target.String())
		case st.IsDeleted(target):
			err = errors.Wrapf(kniga_errors.ErrContainerDeleted, "node %s", target.String())
		case p.Kind == oplog.TreeParentNode:
			parent = p.Node
		default:
			parent = rdx.NoID
		}
	})
	return
}

// Children lists the children of parent in sibling order, rdx.NoID
// being the root.
func (t *Tree) Children(parent rdx.ID) (ids []rdx.ID, err error) {
	t.doc.read(func() {
		st := t.st()
		if !parent.IsNone() && (!st.Contains(parent) || st.IsDeleted(parent)) {
			err = errors.Wrapf(kniga_errors.ErrNotFound, "node %s", parent.String())
			return
		}
		ids = st.Children(treeParent(parent))
	})
	return
}

// Nodes lists the live nodes, parents before children.
func (t *Tree) Nodes() (ids []rdx.ID) {
	t.doc.read(func() { ids = t.st().Nodes() })
	return
}

// Contains tells whether the node was ever created here.
func (t *Tree) Contains(target rdx.ID) (ok bool) {
	t.doc.read(func() { ok = t.st().Contains(target) })
	return
}

// IsNodeDeleted tells whether the node or one of its ancestors was
// deleted.
func (t *Tree) IsNodeDeleted(target rdx.ID) (deleted bool, err error) {
	t.doc.read(func() {
		st := t.st()
		if !st.Contains(target) {
			err = errors.Wrapf(kniga_errors.ErrNotFound, "node %s", target.String())
			return
		}
		deleted = st.IsDeleted(target)
	})
	return
}

// Index is the position of the node among its siblings.
func (t *Tree) Index(target rdx.ID) (index int, err error) {
	t.doc.read(func() {
		var ok bool
		if index, ok = t.st().Index(target); !ok {
			err = errors.Wrapf(kniga_errors.ErrNotFound, "node %s", target.String())
		}
	})
	return
}

// FractionalIndex is the position key of the node, nil when moves
// carried none.
func (t *Tree) FractionalIndex(target rdx.ID) (key []byte) {
	t.doc.read(func() { key = t.st().PositionKey(target) })
	return
}

// GetMeta returns the attribute map of the node.
func (t *Tree) GetMeta(target rdx.ID) (*Map, error) {
	if !t.Contains(target) {
		return nil, errors.Wrapf(kniga_errors.ErrNotFound, "node %s", target.String())
	}
	return &Map{handler{t.doc, state.Meta(target)}}, nil
}

// Counter

func (c *Counter) st() *state.Counter {
	return c.doc.state.Peek(c.cid).(*state.Counter)
}

func (c *Counter) Increment(delta float64) error {
	return c.doc.mutate(c.cid, func() error {
		if delta != 0 {
			c.doc.push(c.cid, &oplog.CounterInc{Delta: delta})
		}
		return nil
	})
}

func (c *Counter) Decrement(delta float64) error {
	return c.Increment(-delta)
}

func (c *Counter) Value() (v float64) {
	c.doc.read(func() { v = c.st().Sum() })
	return
}
