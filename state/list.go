package state

import (
	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

// List is a sequence of values merged the same way as Text.
type List struct {
	cid rdx.ContainerID
	seq *seq
}

func newList(cid rdx.ContainerID) *List {
	return &List{cid: cid, seq: newSeq()}
}

func (l *List) ID() rdx.ContainerID     { return l.cid }
func (l *List) Type() rdx.ContainerType { return rdx.ContainerList }

func (l *List) apply(op *oplog.Op) {
	switch c := op.Content.(type) {
	case *oplog.ListInsert:
		left := c.Left
		for k, v := range c.Values {
			id := op.ID.Inc(int32(k))
			l.seq.integrate(&seqItem{
				id:      id,
				lamport: op.Lamport + uint32(k),
				left:    left,
				right:   c.Right,
				value:   v,
			})
			left = id
		}
	case *oplog.SeqDelete:
		l.seq.deleteSpan(c.Span)
	}
}

func (l *List) Len() int {
	return l.seq.Len()
}

func (l *List) Get(pos int) (rdx.Value, error) {
	it := l.seq.visibleAt(pos)
	if it == nil {
		return rdx.Null(), kniga_errors.OutOfBound(pos, l.Len())
	}
	return it.value, nil
}

func (l *List) Values() []rdx.Value {
	ret := make([]rdx.Value, 0, l.seq.Len())
	for _, it := range l.seq.items {
		if !it.deleted {
			ret = append(ret, it.value)
		}
	}
	return ret
}

func (l *List) Value() rdx.Value {
	return rdx.ListOf(l.Values()...)
}

func (l *List) value(resolve func(rdx.Value) rdx.Value) rdx.Value {
	vals := l.Values()
	for i := range vals {
		vals[i] = resolve(vals[i])
	}
	return rdx.ListOf(vals...)
}

func (l *List) children() (ret []rdx.ContainerID) {
	for _, it := range l.seq.items {
		if cid, ok := it.value.AsContainer(); ok && !it.deleted {
			ret = append(ret, cid)
		}
	}
	return
}

// Position returns the index of an element; a deleted one reports the
// index it would have if it was alive.
func (l *List) Position(id rdx.ID) (pos int, alive bool, ok bool) {
	it := l.seq.get(id)
	if it == nil {
		return 0, false, false
	}
	return l.seq.visibleIndex(it), !it.deleted, true
}

// Elem returns the value of an element, deleted or not.
func (l *List) Elem(id rdx.ID) (rdx.Value, bool) {
	it := l.seq.get(id)
	if it == nil {
		return rdx.Null(), false
	}
	return it.value, true
}

func (l *List) IDsAt(pos, n int) ([]rdx.ID, error) {
	if pos < 0 || n < 0 || pos+n > l.Len() {
		return nil, kniga_errors.OutOfBound(pos+n, l.Len())
	}
	items := l.seq.visibleRange(pos, pos+n)
	ids := make([]rdx.ID, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

func (l *List) InsertOp(pos int, values ...rdx.Value) (*oplog.ListInsert, error) {
	if pos < 0 || pos > l.Len() {
		return nil, kniga_errors.OutOfBound(pos, l.Len())
	}
	left, right := l.seq.anchors(pos)
	return &oplog.ListInsert{Left: left, Right: right, Values: values}, nil
}

// InsertBeforeOp inserts values right in front of an element, dead or
// alive.
func (l *List) InsertBeforeOp(id rdx.ID, values ...rdx.Value) (*oplog.ListInsert, bool) {
	it := l.seq.get(id)
	if it == nil {
		return nil, false
	}
	left, right := l.seq.before(it)
	return &oplog.ListInsert{Left: left, Right: right, Values: values}, true
}

func (l *List) DeleteOps(pos, n int) ([]oplog.Content, error) {
	ids, err := l.IDsAt(pos, n)
	if err != nil {
		return nil, err
	}
	return DeleteIDs(ids), nil
}

type listElem struct {
	id    rdx.ID
	value rdx.Value
}

type listView []listElem

func (l *List) view() view {
	v := make(listView, 0, l.seq.Len())
	for _, it := range l.seq.items {
		if !it.deleted {
			v = append(v, listElem{id: it.id, value: it.value})
		}
	}
	return v
}

func (v listView) ids() []rdx.ID {
	ids := make([]rdx.ID, len(v))
	for i := range v {
		ids[i] = v[i].id
	}
	return ids
}

func (v listView) diff(after view) event.Diff {
	a := after.(listView)
	return &event.ListDiff{Deltas: listDeltas(v, a)}
}

// listDeltas diffs two element lists; an element whose value changed
// is reported as a delete followed by an insert.
func listDeltas(before, after listView) []event.ListDelta {
	var deltas []event.ListDelta
	walkDiff(before.ids(), after.ids(),
		func(i, j int) {
			if before[i].value.Equal(after[j].value) {
				deltas = append(deltas, event.ListDelta{Retain: 1})
			} else {
				deltas = append(deltas,
					event.ListDelta{Delete: 1},
					event.ListDelta{Insert: []rdx.Value{after[j].value}})
			}
		},
		func(j int) {
			deltas = append(deltas, event.ListDelta{Insert: []rdx.Value{after[j].value}})
		},
		func(int) {
			deltas = append(deltas, event.ListDelta{Delete: 1})
		})
	return event.ComposeList(deltas)
}
