package state

import (
	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

// movElem is an element of a movable list: its identity is the id of
// the insert, its value and its position are registers of their own.
type movElem struct {
	id      rdx.ID
	value   rdx.Value
	valueLp rdx.IDLp
	pos     *seqItem
	deleted bool
}

/*
MovableList keeps elements apart from their positions. Positions are
items of a YATA sequence whose payload is the element id; an insert
makes an element together with its first position item (same id), a
move adds a position item (the move op id). Of all the position items
of an element the one with the highest (Lamport, Peer) is current and
the rest are dead. A deleted element stays deleted, concurrent moves
notwithstanding.
*/
type MovableList struct {
	cid   rdx.ContainerID
	seq   *seq
	elems map[rdx.ID]*movElem
}

func newMovableList(cid rdx.ContainerID) *MovableList {
	return &MovableList{
		cid:   cid,
		seq:   newSeq(),
		elems: make(map[rdx.ID]*movElem),
	}
}

func (l *MovableList) ID() rdx.ContainerID     { return l.cid }
func (l *MovableList) Type() rdx.ContainerType { return rdx.ContainerMovableList }

func (l *MovableList) apply(op *oplog.Op) {
	switch c := op.Content.(type) {
	case *oplog.ListInsert:
		left := c.Left
		for k, v := range c.Values {
			id := op.ID.Inc(int32(k))
			it := &seqItem{
				id:      id,
				lamport: op.Lamport + uint32(k),
				left:    left,
				right:   c.Right,
				elem:    id,
			}
			if l.seq.integrate(it) {
				l.elems[id] = &movElem{id: id, value: v, valueLp: it.idlp(), pos: it}
			}
			left = id
		}
	case *oplog.MovableMove:
		it := &seqItem{
			id:      op.ID,
			lamport: op.Lamport,
			left:    c.Left,
			right:   c.Right,
			elem:    c.Elem,
			deleted: true,
		}
		if !l.seq.integrate(it) {
			return
		}
		e := l.elems[c.Elem]
		if e == nil || !e.pos.idlp().Less(it.idlp()) {
			return
		}
		l.seq.setDeleted(e.pos, true)
		e.pos = it
		l.seq.setDeleted(it, e.deleted)
	case *oplog.MovableSet:
		e := l.elems[c.Elem]
		if e != nil && e.valueLp.Less(op.IDLp()) {
			e.value = c.Value
			e.valueLp = op.IDLp()
		}
	case *oplog.SeqDelete:
		start := c.Span.Start()
		for k := int32(0); k < c.Span.Len(); k++ {
			if e := l.elems[start.Inc(k)]; e != nil && !e.deleted {
				e.deleted = true
				l.seq.setDeleted(e.pos, true)
			}
		}
	}
}

func (l *MovableList) Len() int {
	return l.seq.Len()
}

func (l *MovableList) elemAt(pos int) *movElem {
	it := l.seq.visibleAt(pos)
	if it == nil {
		return nil
	}
	return l.elems[it.elem]
}

func (l *MovableList) Get(pos int) (rdx.Value, error) {
	e := l.elemAt(pos)
	if e == nil {
		return rdx.Null(), kniga_errors.OutOfBound(pos, l.Len())
	}
	return e.value, nil
}

// ElemAt returns the element id at the index.
func (l *MovableList) ElemAt(pos int) (rdx.ID, error) {
	e := l.elemAt(pos)
	if e == nil {
		return rdx.NoID, kniga_errors.OutOfBound(pos, l.Len())
	}
	return e.id, nil
}

func (l *MovableList) Values() []rdx.Value {
	ret := make([]rdx.Value, 0, l.seq.Len())
	for _, it := range l.seq.items {
		if !it.deleted {
			ret = append(ret, l.elems[it.elem].value)
		}
	}
	return ret
}

func (l *MovableList) Value() rdx.Value {
	return rdx.ListOf(l.Values()...)
}

func (l *MovableList) value(resolve func(rdx.Value) rdx.Value) rdx.Value {
	vals := l.Values()
	for i := range vals {
		vals[i] = resolve(vals[i])
	}
	return rdx.ListOf(vals...)
}

func (l *MovableList) children() (ret []rdx.ContainerID) {
	for _, e := range l.elems {
		if cid, ok := e.value.AsContainer(); ok && !e.deleted {
			ret = append(ret, cid)
		}
	}
	return
}

// Elem returns the value of an element, its index and whether it is
// alive. A deleted element reports the index of its last position.
func (l *MovableList) Elem(id rdx.ID) (v rdx.Value, pos int, alive bool, ok bool) {
	e := l.elems[id]
	if e == nil {
		return rdx.Null(), 0, false, false
	}
	return e.value, l.seq.visibleIndex(e.pos), !e.deleted, true
}

func (l *MovableList) InsertOp(pos int, values ...rdx.Value) (*oplog.ListInsert, error) {
	if pos < 0 || pos > l.Len() {
		return nil, kniga_errors.OutOfBound(pos, l.Len())
	}
	left, right := l.seq.anchors(pos)
	return &oplog.ListInsert{Left: left, Right: right, Values: values}, nil
}

// InsertBeforeOp inserts values right in front of where an element
// stands or stood.
func (l *MovableList) InsertBeforeOp(elem rdx.ID, values ...rdx.Value) (*oplog.ListInsert, bool) {
	e := l.elems[elem]
	if e == nil {
		return nil, false
	}
	left, right := l.seq.before(e.pos)
	return &oplog.ListInsert{Left: left, Right: right, Values: values}, true
}

func (l *MovableList) DeleteOps(pos, n int) ([]oplog.Content, error) {
	if pos < 0 || n < 0 || pos+n > l.Len() {
		return nil, kniga_errors.OutOfBound(pos+n, l.Len())
	}
	items := l.seq.visibleRange(pos, pos+n)
	ids := make([]rdx.ID, len(items))
	for i, it := range items {
		ids[i] = it.elem
	}
	return DeleteIDs(ids), nil
}

// MoveOp moves the element at from so that it ends up at index to.
func (l *MovableList) MoveOp(from, to int) (*oplog.MovableMove, error) {
	e := l.elemAt(from)
	if e == nil {
		return nil, kniga_errors.OutOfBound(from, l.Len())
	}
	if to < 0 || to >= l.Len() {
		return nil, kniga_errors.OutOfBound(to, l.Len())
	}
	return l.moveElemOp(e, to), nil
}

// MoveElemOp moves an alive element to the index.
func (l *MovableList) MoveElemOp(id rdx.ID, to int) (*oplog.MovableMove, error) {
	e := l.elems[id]
	if e == nil || e.deleted {
		return nil, kniga_errors.ErrNotFound
	}
	if to < 0 || to >= l.Len() {
		return nil, kniga_errors.OutOfBound(to, l.Len())
	}
	return l.moveElemOp(e, to), nil
}

func (l *MovableList) moveElemOp(e *movElem, to int) *oplog.MovableMove {
	l.seq.setDeleted(e.pos, true)
	left, right := l.seq.anchors(to)
	l.seq.setDeleted(e.pos, false)
	return &oplog.MovableMove{Elem: e.id, Left: left, Right: right}
}

// PositionItem returns the id of the current position item of an element.
func (l *MovableList) PositionItem(elem rdx.ID) (rdx.ID, bool) {
	e := l.elems[elem]
	if e == nil {
		return rdx.NoID, false
	}
	return e.pos.id, true
}

// MoveBackOp puts an alive element right behind a position item, which
// may be dead. It returns the element where that item once held it.
func (l *MovableList) MoveBackOp(elem, item rdx.ID) (*oplog.MovableMove, error) {
	e := l.elems[elem]
	if e == nil || e.deleted {
		return nil, kniga_errors.ErrNotFound
	}
	left, right, ok := l.seq.after(item)
	if !ok {
		return nil, kniga_errors.ErrNotFound
	}
	return &oplog.MovableMove{Elem: elem, Left: left, Right: right}, nil
}

func (l *MovableList) SetOp(pos int, v rdx.Value) (*oplog.MovableSet, error) {
	e := l.elemAt(pos)
	if e == nil {
		return nil, kniga_errors.OutOfBound(pos, l.Len())
	}
	return &oplog.MovableSet{Elem: e.id, Value: v}, nil
}

type movableView []listElem

func (l *MovableList) view() view {
	v := make(movableView, 0, l.seq.Len())
	for _, it := range l.seq.items {
		if !it.deleted {
			v = append(v, listElem{id: it.id, value: l.elems[it.elem].value})
		}
	}
	return v
}

// diff keys the elements by position item, so a moved element shows up
// as a delete at the old index and an insert at the new one.
func (v movableView) diff(after view) event.Diff {
	a := after.(movableView)
	return &event.ListDiff{Movable: true, Deltas: listDeltas(listView(v), listView(a))}
}
