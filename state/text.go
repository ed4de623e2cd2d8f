package state

import (
	"slices"
	"strings"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

// mark is a rich text attribute over an inclusive element range.
// The range follows the elements, not the indexes, so concurrent
// inserts inside the range are covered too.
type mark struct {
	id    rdx.ID
	lp    rdx.IDLp
	start rdx.ID
	end   rdx.ID
	key   string
	value rdx.Value
}

type Text struct {
	cid      rdx.ContainerID
	seq      *seq
	marks    map[rdx.ID]*mark
	unmarked map[rdx.ID]bool
}

func newText(cid rdx.ContainerID) *Text {
	return &Text{
		cid:      cid,
		seq:      newSeq(),
		marks:    make(map[rdx.ID]*mark),
		unmarked: make(map[rdx.ID]bool),
	}
}

func (t *Text) ID() rdx.ContainerID     { return t.cid }
func (t *Text) Type() rdx.ContainerType { return rdx.ContainerText }

func (t *Text) apply(op *oplog.Op) {
	switch c := op.Content.(type) {
	case *oplog.TextInsert:
		left := c.Left
		k := int32(0)
		for _, r := range c.Text {
			id := op.ID.Inc(k)
			t.seq.integrate(&seqItem{
				id:      id,
				lamport: op.Lamport + uint32(k),
				left:    left,
				right:   c.Right,
				char:    r,
			})
			left = id
			k++
		}
	case *oplog.SeqDelete:
		t.seq.deleteSpan(c.Span)
	case *oplog.TextMark:
		t.marks[op.ID] = &mark{
			id:    op.ID,
			lp:    op.IDLp(),
			start: c.Start,
			end:   c.End,
			key:   c.Key,
			value: c.Value,
		}
	case *oplog.TextUnmark:
		t.unmarked[c.Mark] = true
	}
}

func (t *Text) Len() int {
	return t.seq.Len()
}

func (t *Text) String() string {
	var sb strings.Builder
	for _, it := range t.seq.items {
		if !it.deleted {
			sb.WriteRune(it.char)
		}
	}
	return sb.String()
}

func (t *Text) Value() rdx.Value {
	return rdx.String(t.String())
}

func (t *Text) value(func(rdx.Value) rdx.Value) rdx.Value {
	return t.Value()
}

func (t *Text) children() []rdx.ContainerID {
	return nil
}

// attrs returns the attributes of every item, indexed like seq.items.
// Per key the covering mark with the highest (Lamport, Peer) wins; a
// winning Null removes the key.
func (t *Text) attrs() []map[string]rdx.Value {
	items := t.seq.items
	ret := make([]map[string]rdx.Value, len(items))
	active := make([]*mark, 0, len(t.marks))
	for _, m := range t.marks {
		if !t.unmarked[m.id] {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return ret
	}
	slices.SortFunc(active, func(a, b *mark) int {
		return a.lp.Compare(b.lp)
	})
	winners := make([]map[string]*mark, len(items))
	for _, m := range active {
		from := t.seq.indexOf(t.seq.get(m.start))
		till := t.seq.indexOf(t.seq.get(m.end))
		if from < 0 || till < 0 {
			continue
		}
		for i := from; i <= till; i++ {
			if winners[i] == nil {
				winners[i] = make(map[string]*mark)
			}
			winners[i][m.key] = m
		}
	}
	for i, w := range winners {
		for key, m := range w {
			if m.value.IsNull() {
				continue
			}
			if ret[i] == nil {
				ret[i] = make(map[string]rdx.Value)
			}
			ret[i][key] = m.value
		}
	}
	return ret
}

// Delta is the rich text as a list of insert runs.
func (t *Text) Delta() []event.TextDelta {
	attrs := t.attrs()
	var deltas []event.TextDelta
	for i, it := range t.seq.items {
		if it.deleted {
			continue
		}
		deltas = append(deltas, event.TextDelta{Insert: string(it.char), Attributes: attrs[i]})
	}
	return event.ComposeText(deltas)
}

// Position returns the code point index of an element; a deleted one
// reports the index it would have if it was alive.
func (t *Text) Position(id rdx.ID) (pos int, alive bool, ok bool) {
	it := t.seq.get(id)
	if it == nil {
		return 0, false, false
	}
	return t.seq.visibleIndex(it), !it.deleted, true
}

// Char returns the content of an element, deleted or not.
func (t *Text) Char(id rdx.ID) (rune, bool) {
	it := t.seq.get(id)
	if it == nil {
		return 0, false
	}
	return it.char, true
}

// IDsAt lists the element ids of the code points [pos, pos+n).
func (t *Text) IDsAt(pos, n int) ([]rdx.ID, error) {
	if pos < 0 || n < 0 || pos+n > t.Len() {
		return nil, kniga_errors.OutOfBound(pos+n, t.Len())
	}
	items := t.seq.visibleRange(pos, pos+n)
	ids := make([]rdx.ID, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

func (t *Text) InsertOp(pos int, text string) (*oplog.TextInsert, error) {
	if pos < 0 || pos > t.Len() {
		return nil, kniga_errors.OutOfBound(pos, t.Len())
	}
	left, right := t.seq.anchors(pos)
	return &oplog.TextInsert{Left: left, Right: right, Text: text}, nil
}

// InsertBeforeOp inserts text right in front of an element, dead or
// alive.
func (t *Text) InsertBeforeOp(id rdx.ID, text string) (*oplog.TextInsert, bool) {
	it := t.seq.get(id)
	if it == nil {
		return nil, false
	}
	left, right := t.seq.before(it)
	return &oplog.TextInsert{Left: left, Right: right, Text: text}, true
}

func (t *Text) DeleteOps(pos, n int) ([]oplog.Content, error) {
	ids, err := t.IDsAt(pos, n)
	if err != nil {
		return nil, err
	}
	return DeleteIDs(ids), nil
}

// MarkOp marks the code points [start, end).
func (t *Text) MarkOp(start, end int, key string, value rdx.Value) (*oplog.TextMark, error) {
	if key == "" {
		return nil, kniga_errors.ErrEmptyKey
	}
	if start < 0 || start >= end || end > t.Len() {
		return nil, kniga_errors.OutOfBound(end, t.Len())
	}
	return &oplog.TextMark{
		Start: t.seq.visibleAt(start).id,
		End:   t.seq.visibleAt(end - 1).id,
		Key:   key,
		Value: value,
	}, nil
}

// UnmarkOps removes the live marks of the key spanning exactly [start, end).
func (t *Text) UnmarkOps(start, end int, key string) ([]oplog.Content, error) {
	if start < 0 || start >= end || end > t.Len() {
		return nil, kniga_errors.OutOfBound(end, t.Len())
	}
	first, last := t.seq.visibleAt(start).id, t.seq.visibleAt(end-1).id
	var ops []oplog.Content
	for _, m := range t.sortedMarks() {
		if m.key == key && m.start == first && m.end == last && !t.unmarked[m.id] {
			ops = append(ops, &oplog.TextUnmark{Mark: m.id})
		}
	}
	if len(ops) == 0 {
		return nil, kniga_errors.ErrMarkNotFound
	}
	return ops, nil
}

// Mark returns the payload of a mark op, unmarked or not.
func (t *Text) Mark(id rdx.ID) (*oplog.TextMark, bool) {
	m := t.marks[id]
	if m == nil {
		return nil, false
	}
	return &oplog.TextMark{Start: m.start, End: m.end, Key: m.key, Value: m.value}, true
}

// MarkLive tells whether the mark op exists and was not unmarked.
func (t *Text) MarkLive(id rdx.ID) bool {
	_, ok := t.marks[id]
	return ok && !t.unmarked[id]
}

func (t *Text) sortedMarks() []*mark {
	ret := make([]*mark, 0, len(t.marks))
	for _, m := range t.marks {
		ret = append(ret, m)
	}
	slices.SortFunc(ret, func(a, b *mark) int {
		return a.lp.Compare(b.lp)
	})
	return ret
}

type textChar struct {
	id    rdx.ID
	char  rune
	attrs map[string]rdx.Value
}

type textView []textChar

func (t *Text) view() view {
	attrs := t.attrs()
	v := make(textView, 0, t.seq.Len())
	for i, it := range t.seq.items {
		if !it.deleted {
			v = append(v, textChar{id: it.id, char: it.char, attrs: attrs[i]})
		}
	}
	return v
}

func (v textView) ids() []rdx.ID {
	ids := make([]rdx.ID, len(v))
	for i := range v {
		ids[i] = v[i].id
	}
	return ids
}

func (v textView) diff(after view) event.Diff {
	a := after.(textView)
	var deltas []event.TextDelta
	walkDiff(v.ids(), a.ids(),
		func(i, j int) {
			deltas = append(deltas, event.TextDelta{Retain: 1, Attributes: attrsChange(v[i].attrs, a[j].attrs)})
		},
		func(j int) {
			deltas = append(deltas, event.TextDelta{Insert: string(a[j].char), Attributes: a[j].attrs})
		},
		func(int) {
			deltas = append(deltas, event.TextDelta{Delete: 1})
		})
	return &event.TextDiff{Deltas: event.ComposeText(deltas)}
}

// attrsChange lists the keys whose value changed; removed keys are Null.
func attrsChange(before, after map[string]rdx.Value) map[string]rdx.Value {
	var ret map[string]rdx.Value
	put := func(k string, v rdx.Value) {
		if ret == nil {
			ret = make(map[string]rdx.Value)
		}
		ret[k] = v
	}
	for k, b := range before {
		if a, ok := after[k]; !ok {
			put(k, rdx.Null())
		} else if !a.Equal(b) {
			put(k, a)
		}
	}
	for k, a := range after {
		if _, ok := before[k]; !ok {
			put(k, a)
		}
	}
	return ret
}

// DeleteIDs groups element ids into delete spans.
func DeleteIDs(ids []rdx.ID) []oplog.Content {
	var spans []rdx.IDSpan
	for _, id := range ids {
		spans = rdx.AppendIDSpan(spans, id)
	}
	ops := make([]oplog.Content, len(spans))
	for i, s := range spans {
		ops[i] = &oplog.SeqDelete{Span: s}
	}
	return ops
}
