package state

import (
	"slices"

	"github.com/drpcorg/kniga/rdx"
)

// seqItem is one element of a sequence. Items are never removed:
// deletion sets the tombstone flag and keeps the payload.
type seqItem struct {
	id      rdx.ID
	lamport rdx.Lamport
	// origins: the neighbours at the time of insertion
	left  rdx.ID
	right rdx.ID

	deleted bool

	char  rune
	value rdx.Value
	elem  rdx.ID
}

func (it *seqItem) idlp() rdx.IDLp {
	return rdx.IDLp{Lamport: it.lamport, Peer: it.id.Peer}
}

// seq is the ordered item list shared by Text, List and MovableList.
// Concurrent inserts are placed by the YATA integration rule; items
// with the same origins are ordered by ascending (Lamport, Peer).
type seq struct {
	items   []*seqItem
	index   map[rdx.ID]*seqItem
	pos     map[*seqItem]int
	dirty   bool
	visible int
}

func newSeq() *seq {
	return &seq{
		index: make(map[rdx.ID]*seqItem),
		pos:   make(map[*seqItem]int),
	}
}

func (s *seq) get(id rdx.ID) *seqItem {
	return s.index[id]
}

func (s *seq) has(id rdx.ID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *seq) indexOf(it *seqItem) int {
	if s.dirty {
		clear(s.pos)
		for i, item := range s.items {
			s.pos[item] = i
		}
		s.dirty = false
	}
	i, ok := s.pos[it]
	if !ok {
		return -1
	}
	return i
}

// integrate places a new item; a known id is ignored.
func (s *seq) integrate(it *seqItem) bool {
	if s.has(it.id) {
		return false
	}
	start := 0
	if !it.left.IsNone() {
		if l := s.index[it.left]; l != nil {
			start = s.indexOf(l) + 1
		}
	}
	var rightItem *seqItem
	if !it.right.IsNone() {
		rightItem = s.index[it.right]
	}
	at := start
	conflicting := make(map[*seqItem]bool)
	before := make(map[*seqItem]bool)
	for i := start; i < len(s.items); i++ {
		o := s.items[i]
		if o == rightItem {
			break
		}
		before[o] = true
		conflicting[o] = true
		if o.left == it.left {
			if o.idlp().Less(it.idlp()) {
				at = i + 1
				clear(conflicting)
			} else if o.right == it.right {
				break
			}
		} else if ol := s.index[o.left]; !o.left.IsNone() && ol != nil && before[ol] {
			if !conflicting[ol] {
				at = i + 1
				clear(conflicting)
			}
		} else {
			break
		}
	}
	s.items = slices.Insert(s.items, at, it)
	s.index[it.id] = it
	s.dirty = true
	if !it.deleted {
		s.visible++
	}
	return true
}

// setDeleted flips the tombstone flag, returns whether it changed.
func (s *seq) setDeleted(it *seqItem, deleted bool) bool {
	if it.deleted == deleted {
		return false
	}
	it.deleted = deleted
	if deleted {
		s.visible--
	} else {
		s.visible++
	}
	return true
}

func (s *seq) Len() int {
	return s.visible
}

// visibleAt returns the pos-th visible item.
func (s *seq) visibleAt(pos int) *seqItem {
	if pos < 0 || pos >= s.visible {
		return nil
	}
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if pos == 0 {
			return it
		}
		pos--
	}
	return nil
}

// visibleIndex counts the visible items before it.
func (s *seq) visibleIndex(it *seqItem) int {
	n := 0
	for _, o := range s.items {
		if o == it {
			return n
		}
		if !o.deleted {
			n++
		}
	}
	return -1
}

// anchors returns the origins of an insert at the visible position: the
// visible item before it and whatever item follows that one.
func (s *seq) anchors(pos int) (left, right rdx.ID) {
	left, right = rdx.NoID, rdx.NoID
	next := 0
	if pos > 0 {
		l := s.visibleAt(pos - 1)
		left = l.id
		next = s.indexOf(l) + 1
	}
	if next < len(s.items) {
		right = s.items[next].id
	}
	return
}

// before returns the origins of an insert right in front of the item,
// dead or alive.
func (s *seq) before(it *seqItem) (left, right rdx.ID) {
	left = rdx.NoID
	if i := s.indexOf(it); i > 0 {
		left = s.items[i-1].id
	}
	return left, it.id
}

// after returns the origins of an insert right behind the item with
// the id, dead or alive.
func (s *seq) after(id rdx.ID) (left, right rdx.ID, ok bool) {
	it := s.get(id)
	if it == nil {
		return rdx.NoID, rdx.NoID, false
	}
	right = rdx.NoID
	if next := s.indexOf(it) + 1; next < len(s.items) {
		right = s.items[next].id
	}
	return id, right, true
}

// visibleItems lists the live items in order.
func (s *seq) visibleItems() []*seqItem {
	ret := make([]*seqItem, 0, s.visible)
	for _, it := range s.items {
		if !it.deleted {
			ret = append(ret, it)
		}
	}
	return ret
}

// visibleRange lists the live items in [from, to).
func (s *seq) visibleRange(from, to int) []*seqItem {
	all := s.visibleItems()
	return all[from:to]
}

// walkDiff pairs two id sequences taken from the same container at two
// versions. Ids present in both keep their relative order, so a single
// pass over both lists yields the delete, insert and retain runs.
func walkDiff(before, after []rdx.ID, retain func(i, j int), insert func(j int), del func(i int)) {
	inBefore := make(map[rdx.ID]bool, len(before))
	for _, id := range before {
		inBefore[id] = true
	}
	inAfter := make(map[rdx.ID]bool, len(after))
	for _, id := range after {
		inAfter[id] = true
	}
	i, j := 0, 0
	for i < len(before) || j < len(after) {
		switch {
		case i < len(before) && !inAfter[before[i]]:
			del(i)
			i++
		case j < len(after) && !inBefore[after[j]]:
			insert(j)
			j++
		default:
			retain(i, j)
			i++
			j++
		}
	}
}

func (s *seq) deleteSpan(span rdx.IDSpan) {
	start := span.Start()
	for k := int32(0); k < span.Len(); k++ {
		if it := s.get(start.Inc(k)); it != nil {
			s.setDeleted(it, true)
		}
	}
}
