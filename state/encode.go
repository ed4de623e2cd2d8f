package state

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
)

// State layout, a sequence of records:
//
//	O{ <container id> <body typed by the container type letter> }...
//	P{ <child container id> <parent container id> }...
//
// Bodies keep tombstones, marks and move logs: a state decoded from
// these bytes merges later ops exactly like the state it was taken from.
//
//	Text     E{ I L A B X S }... K{ I L A B N <value> }... U<id>...
//	List     E{ I L A B X <value> }...
//	Movable  E{ I L A B X G }... M{ I L P X Q <value> }...
//	Map      K{ N L P X <value> }...
//	Tree     M{ I L T P X }...
//	Counter  P{ I F }...

func (s *DocState) Encode() []byte {
	var ret []byte
	for _, cid := range s.Containers() {
		c := s.containers[cid]
		bm, into := protocol.OpenHeader(ret, 'O')
		into = append(into, cid.TLV()...)
		cbm, into := protocol.OpenHeader(into, byte(cid.Type))
		into = c.appendState(into)
		protocol.CloseHeader(into, cbm)
		protocol.CloseHeader(into, bm)
		ret = into
	}
	children := make([]rdx.ContainerID, 0, len(s.parents))
	for child := range s.parents {
		children = append(children, child)
	}
	sortContainerIDs(children)
	for _, child := range children {
		ret = protocol.Append(ret, 'P', child.TLV(), s.parents[child].TLV())
	}
	return ret
}

func Decode(data []byte) (*DocState, error) {
	s := New()
	cur := protocol.Cursor{Data: data}
	for cur.Next() {
		switch cur.Lit() {
		case 'O':
			cid, rest, err := rdx.ContainerIDFromTLV(cur.Body())
			if err != nil {
				return nil, malformed(err, "container id")
			}
			lit, body, tail, err := protocol.TakeAnyWary(rest)
			if err != nil || len(tail) != 0 || lit != byte(cid.Type) {
				return nil, malformed(err, "container %s body", cid.String())
			}
			if _, dup := s.containers[cid]; dup {
				return nil, malformed(nil, "duplicate container %s", cid.String())
			}
			c := newContainer(cid)
			if err = c.loadState(body); err != nil {
				return nil, malformed(err, "container %s", cid.String())
			}
			s.containers[cid] = c
		case 'P':
			child, rest, err := rdx.ContainerIDFromTLV(cur.Body())
			if err != nil {
				return nil, malformed(err, "child container id")
			}
			parent, tail, err := rdx.ContainerIDFromTLV(rest)
			if err != nil || len(tail) != 0 {
				return nil, malformed(err, "parent container id")
			}
			s.parents[child] = parent
		default:
			return nil, malformed(nil, "unexpected record %c", cur.Lit())
		}
	}
	if cur.Err() != nil {
		return nil, malformed(cur.Err(), "state")
	}
	return s, nil
}

func malformed(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg += ": " + err.Error()
	}
	return errors.Wrap(kniga_errors.ErrMalformedPayload, msg)
}

func sortContainerIDs(ids []rdx.ContainerID) {
	slices.SortFunc(ids, func(a, b rdx.ContainerID) int {
		return strings.Compare(a.String(), b.String())
	})
}

func sortIDs(ids []rdx.ID) {
	slices.SortFunc(ids, rdx.ID.Compare)
}

func appendID(into []byte, lit byte, id rdx.ID) []byte {
	return protocol.Append(into, lit, id.ZipBytes())
}

func appendUint(into []byte, lit byte, u uint64) []byte {
	return protocol.Append(into, lit, rdx.ZipUint64(u))
}

func appendFlag(into []byte, lit byte, f bool) []byte {
	b := byte(0)
	if f {
		b = 1
	}
	return protocol.Append(into, lit, []byte{b})
}

func takeID(cur *protocol.Cursor, lit byte) (rdx.ID, error) {
	body, err := cur.Expect(lit)
	if err != nil {
		return rdx.NoID, err
	}
	if !rdx.ValidZipPairLen(len(body)) {
		return rdx.NoID, errors.Errorf("bad id record %c", lit)
	}
	return rdx.IDFromZipBytes(body), nil
}

func takeUint(cur *protocol.Cursor, lit byte) (uint64, error) {
	body, err := cur.Expect(lit)
	if err != nil {
		return 0, err
	}
	if len(body) > 8 {
		return 0, errors.Errorf("bad integer record %c", lit)
	}
	return rdx.UnzipUint64(body), nil
}

func takeFlag(cur *protocol.Cursor, lit byte) (bool, error) {
	body, err := cur.Expect(lit)
	if err != nil {
		return false, err
	}
	if len(body) != 1 {
		return false, errors.Errorf("bad flag record %c", lit)
	}
	return body[0] != 0, nil
}

func takeValue(cur *protocol.Cursor) (rdx.Value, error) {
	v, rest, err := rdx.TakeValue(cur.Data)
	if err != nil {
		return v, err
	}
	cur.Data = rest
	return v, nil
}

// item fields common to all sequences: I L A B X
func appendItemHead(into []byte, it *seqItem) []byte {
	into = appendID(into, 'I', it.id)
	into = appendUint(into, 'L', uint64(it.lamport))
	into = appendID(into, 'A', it.left)
	into = appendID(into, 'B', it.right)
	return appendFlag(into, 'X', it.deleted)
}

func takeItemHead(cur *protocol.Cursor) (it *seqItem, err error) {
	it = &seqItem{}
	if it.id, err = takeID(cur, 'I'); err != nil {
		return
	}
	var l uint64
	if l, err = takeUint(cur, 'L'); err != nil {
		return
	}
	it.lamport = rdx.Lamport(l)
	if it.left, err = takeID(cur, 'A'); err != nil {
		return
	}
	if it.right, err = takeID(cur, 'B'); err != nil {
		return
	}
	it.deleted, err = takeFlag(cur, 'X')
	return
}

// push appends an item decoded from a state, keeping the stored order.
func (s *seq) push(it *seqItem) error {
	if s.has(it.id) {
		return errors.Errorf("duplicate item %s", it.id.String())
	}
	s.items = append(s.items, it)
	s.index[it.id] = it
	s.dirty = true
	if !it.deleted {
		s.visible++
	}
	return nil
}

func (t *Text) appendState(into []byte) []byte {
	for _, it := range t.seq.items {
		bm, buf := protocol.OpenHeader(into, 'E')
		buf = appendItemHead(buf, it)
		buf = protocol.Append(buf, 'S', utf8.AppendRune(nil, it.char))
		protocol.CloseHeader(buf, bm)
		into = buf
	}
	for _, m := range t.sortedMarks() {
		bm, buf := protocol.OpenHeader(into, 'K')
		buf = appendID(buf, 'I', m.id)
		buf = appendUint(buf, 'L', uint64(m.lp.Lamport))
		buf = appendID(buf, 'A', m.start)
		buf = appendID(buf, 'B', m.end)
		buf = protocol.Append(buf, 'N', []byte(m.key))
		buf = m.value.AppendTLV(buf)
		protocol.CloseHeader(buf, bm)
		into = buf
	}
	unmarked := make([]rdx.ID, 0, len(t.unmarked))
	for id := range t.unmarked {
		unmarked = append(unmarked, id)
	}
	sortIDs(unmarked)
	for _, id := range unmarked {
		into = appendID(into, 'U', id)
	}
	return into
}

func (t *Text) loadState(body []byte) error {
	cur := protocol.Cursor{Data: body}
	for cur.Next() {
		in := protocol.Cursor{Data: cur.Body()}
		switch cur.Lit() {
		case 'E':
			it, err := takeItemHead(&in)
			if err != nil {
				return err
			}
			ch, err := in.Expect('S')
			if err != nil {
				return err
			}
			r, size := utf8.DecodeRune(ch)
			if len(ch) == 0 || size != len(ch) {
				return errors.New("bad text item")
			}
			it.char = r
			if err = t.seq.push(it); err != nil {
				return err
			}
		case 'K':
			m := &mark{}
			var err error
			if m.id, err = takeID(&in, 'I'); err != nil {
				return err
			}
			l, err := takeUint(&in, 'L')
			if err != nil {
				return err
			}
			m.lp = rdx.IDLp{Lamport: rdx.Lamport(l), Peer: m.id.Peer}
			if m.start, err = takeID(&in, 'A'); err != nil {
				return err
			}
			if m.end, err = takeID(&in, 'B'); err != nil {
				return err
			}
			key, err := in.Expect('N')
			if err != nil {
				return err
			}
			m.key = string(key)
			if m.value, err = takeValue(&in); err != nil {
				return err
			}
			t.marks[m.id] = m
		case 'U':
			if !rdx.ValidZipPairLen(len(cur.Body())) {
				return errors.New("bad unmark record")
			}
			t.unmarked[rdx.IDFromZipBytes(cur.Body())] = true
		default:
			return errors.Errorf("unexpected text record %c", cur.Lit())
		}
	}
	return cur.Err()
}

func (l *List) appendState(into []byte) []byte {
	for _, it := range l.seq.items {
		bm, buf := protocol.OpenHeader(into, 'E')
		buf = appendItemHead(buf, it)
		buf = it.value.AppendTLV(buf)
		protocol.CloseHeader(buf, bm)
		into = buf
	}
	return into
}

func (l *List) loadState(body []byte) error {
	cur := protocol.Cursor{Data: body}
	for cur.Next() {
		if cur.Lit() != 'E' {
			return errors.Errorf("unexpected list record %c", cur.Lit())
		}
		in := protocol.Cursor{Data: cur.Body()}
		it, err := takeItemHead(&in)
		if err != nil {
			return err
		}
		if it.value, err = takeValue(&in); err != nil {
			return err
		}
		if err = l.seq.push(it); err != nil {
			return err
		}
	}
	return cur.Err()
}

func (l *MovableList) appendState(into []byte) []byte {
	for _, it := range l.seq.items {
		bm, buf := protocol.OpenHeader(into, 'E')
		buf = appendItemHead(buf, it)
		buf = appendID(buf, 'G', it.elem)
		protocol.CloseHeader(buf, bm)
		into = buf
	}
	ids := make([]rdx.ID, 0, len(l.elems))
	for id := range l.elems {
		ids = append(ids, id)
	}
	sortIDs(ids)
	for _, id := range ids {
		e := l.elems[id]
		bm, buf := protocol.OpenHeader(into, 'M')
		buf = appendID(buf, 'I', e.id)
		buf = appendUint(buf, 'L', uint64(e.valueLp.Lamport))
		buf = appendUint(buf, 'P', e.valueLp.Peer)
		buf = appendFlag(buf, 'X', e.deleted)
		buf = appendID(buf, 'Q', e.pos.id)
		buf = e.value.AppendTLV(buf)
		protocol.CloseHeader(buf, bm)
		into = buf
	}
	return into
}

func (l *MovableList) loadState(body []byte) error {
	cur := protocol.Cursor{Data: body}
	for cur.Next() {
		in := protocol.Cursor{Data: cur.Body()}
		switch cur.Lit() {
		case 'E':
			it, err := takeItemHead(&in)
			if err != nil {
				return err
			}
			if it.elem, err = takeID(&in, 'G'); err != nil {
				return err
			}
			if err = l.seq.push(it); err != nil {
				return err
			}
		case 'M':
			e := &movElem{}
			var err error
			if e.id, err = takeID(&in, 'I'); err != nil {
				return err
			}
			lamport, err := takeUint(&in, 'L')
			if err != nil {
				return err
			}
			peer, err := takeUint(&in, 'P')
			if err != nil {
				return err
			}
			e.valueLp = rdx.IDLp{Lamport: rdx.Lamport(lamport), Peer: peer}
			if e.deleted, err = takeFlag(&in, 'X'); err != nil {
				return err
			}
			pos, err := takeID(&in, 'Q')
			if err != nil {
				return err
			}
			if e.pos = l.seq.get(pos); e.pos == nil {
				return errors.Errorf("element %s has no position item", e.id.String())
			}
			if e.value, err = takeValue(&in); err != nil {
				return err
			}
			l.elems[e.id] = e
		default:
			return errors.Errorf("unexpected movable list record %c", cur.Lit())
		}
	}
	return cur.Err()
}

func (m *Map) appendState(into []byte) []byte {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e := m.entries[k]
		bm, buf := protocol.OpenHeader(into, 'K')
		buf = protocol.Append(buf, 'N', []byte(k))
		buf = appendUint(buf, 'L', uint64(e.lp.Lamport))
		buf = appendUint(buf, 'P', e.lp.Peer)
		buf = appendFlag(buf, 'X', e.deleted)
		buf = e.value.AppendTLV(buf)
		protocol.CloseHeader(buf, bm)
		into = buf
	}
	return into
}

func (m *Map) loadState(body []byte) error {
	cur := protocol.Cursor{Data: body}
	for cur.Next() {
		if cur.Lit() != 'K' {
			return errors.Errorf("unexpected map record %c", cur.Lit())
		}
		in := protocol.Cursor{Data: cur.Body()}
		key, err := in.Expect('N')
		if err != nil {
			return err
		}
		e := &mapEntry{}
		lamport, err := takeUint(&in, 'L')
		if err != nil {
			return err
		}
		peer, err := takeUint(&in, 'P')
		if err != nil {
			return err
		}
		e.lp = rdx.IDLp{Lamport: rdx.Lamport(lamport), Peer: peer}
		if e.deleted, err = takeFlag(&in, 'X'); err != nil {
			return err
		}
		if e.value, err = takeValue(&in); err != nil {
			return err
		}
		m.entries[string(key)] = e
	}
	return cur.Err()
}

func (t *Tree) appendState(into []byte) []byte {
	for _, m := range t.moves {
		bm, buf := protocol.OpenHeader(into, 'M')
		buf = appendID(buf, 'I', m.op)
		buf = appendUint(buf, 'L', uint64(m.lp.Lamport))
		buf = appendID(buf, 'T', m.target)
		buf = protocol.Append(buf, 'P', []byte{byte(m.parent.Kind)}, m.parent.Node.ZipBytes())
		buf = protocol.Append(buf, 'X', m.position)
		protocol.CloseHeader(buf, bm)
		into = buf
	}
	return into
}

func (t *Tree) loadState(body []byte) error {
	cur := protocol.Cursor{Data: body}
	for cur.Next() {
		if cur.Lit() != 'M' {
			return errors.Errorf("unexpected tree record %c", cur.Lit())
		}
		in := protocol.Cursor{Data: cur.Body()}
		opID, err := takeID(&in, 'I')
		if err != nil {
			return err
		}
		lamport, err := takeUint(&in, 'L')
		if err != nil {
			return err
		}
		target, err := takeID(&in, 'T')
		if err != nil {
			return err
		}
		pb, err := in.Expect('P')
		if err != nil {
			return err
		}
		if len(pb) < 1 || pb[0] > byte(oplog.TreeParentDeleted) || !rdx.ValidZipPairLen(len(pb)-1) {
			return errors.New("bad tree parent")
		}
		parent := oplog.TreeParent{Kind: oplog.TreeParentKind(pb[0]), Node: rdx.IDFromZipBytes(pb[1:])}
		pos, err := in.Expect('X')
		if err != nil {
			return err
		}
		if !ValidKey(pos) {
			return errors.New("bad tree position")
		}
		t.apply(&oplog.Op{
			ID:      opID,
			Lamport: rdx.Lamport(lamport),
			Content: &oplog.TreeMove{Target: target, Parent: parent, Position: append([]byte(nil), pos...)},
		})
	}
	return cur.Err()
}

func (c *Counter) appendState(into []byte) []byte {
	for _, p := range c.peers() {
		into = protocol.Append(into, 'P',
			protocol.Record('I', rdx.ZipUint64(p)),
			protocol.Record('F', rdx.ZipFloat64(c.sums[p])))
	}
	return into
}

func (c *Counter) loadState(body []byte) error {
	cur := protocol.Cursor{Data: body}
	for cur.Next() {
		if cur.Lit() != 'P' {
			return errors.Errorf("unexpected counter record %c", cur.Lit())
		}
		in := protocol.Cursor{Data: cur.Body()}
		peer, err := takeUint(&in, 'I')
		if err != nil {
			return err
		}
		f, err := in.Expect('F')
		if err != nil || len(f) > 8 {
			return errors.New("bad counter record")
		}
		c.sums[peer] = rdx.UnzipFloat64(f)
	}
	return cur.Err()
}
