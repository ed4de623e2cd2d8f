package oplog

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
)

// Change record layout:
//
//	C{ I<id> L<lamport> D{F<dep>...} T<timestamp>? M<message>? O{...}... }
//
// where every op is O{ <container id record> <content record> } and the
// content record letter is Content.Kind().

func (c *Change) AppendTLV(into []byte) []byte {
	bm, into := protocol.OpenHeader(into, 'C')
	into = protocol.Append(into, 'I', c.ID.ZipBytes())
	into = protocol.Append(into, 'L', rdx.ZipUint64(uint64(c.Lamport)))
	into = protocol.Append(into, 'D', c.Deps.TLV())
	if c.Timestamp != 0 {
		into = protocol.Append(into, 'T', rdx.ZipInt64(c.Timestamp))
	}
	if c.Message != "" {
		into = protocol.Append(into, 'M', []byte(c.Message))
	}
	for i := range c.Ops {
		into = c.Ops[i].appendTLV(into)
	}
	protocol.CloseHeader(into, bm)
	return into
}

func (c *Change) TLV() []byte {
	return c.AppendTLV(nil)
}

func (op *Op) appendTLV(into []byte) []byte {
	bm, into := protocol.OpenHeader(into, 'O')
	into = append(into, op.Container.TLV()...)
	into = appendContent(into, op.Content)
	protocol.CloseHeader(into, bm)
	return into
}

func appendContent(into []byte, content Content) []byte {
	bm, into := protocol.OpenHeader(into, content.Kind())
	switch c := content.(type) {
	case *TextInsert:
		into = protocol.Append(into, 'L', c.Left.ZipBytes())
		into = protocol.Append(into, 'R', c.Right.ZipBytes())
		into = protocol.Append(into, 'S', []byte(c.Text))
	case *ListInsert:
		into = protocol.Append(into, 'L', c.Left.ZipBytes())
		into = protocol.Append(into, 'R', c.Right.ZipBytes())
		for _, v := range c.Values {
			into = v.AppendTLV(into)
		}
	case *SeqDelete:
		into = protocol.Append(into, 'P', c.Span.Start().ZipBytes())
		into = protocol.Append(into, 'N', rdx.ZipUint64(uint64(c.Span.Len())))
	case *MovableMove:
		into = protocol.Append(into, 'E', c.Elem.ZipBytes())
		into = protocol.Append(into, 'L', c.Left.ZipBytes())
		into = protocol.Append(into, 'R', c.Right.ZipBytes())
	case *MovableSet:
		into = protocol.Append(into, 'E', c.Elem.ZipBytes())
		into = c.Value.AppendTLV(into)
	case *MapSet:
		into = protocol.Append(into, 'K', []byte(c.Key))
		into = c.Value.AppendTLV(into)
	case *MapDelete:
		into = protocol.Append(into, 'K', []byte(c.Key))
	case *TreeMove:
		into = protocol.Append(into, 'T', c.Target.ZipBytes())
		into = protocol.Append(into, 'P', []byte{byte(c.Parent.Kind)}, c.Parent.Node.ZipBytes())
		into = protocol.Append(into, 'X', c.Position)
	case *CounterInc:
		into = protocol.Append(into, 'F', rdx.ZipFloat64(c.Delta))
	case *TextMark:
		into = protocol.Append(into, 'S', c.Start.ZipBytes())
		into = protocol.Append(into, 'E', c.End.ZipBytes())
		into = protocol.Append(into, 'K', []byte(c.Key))
		into = c.Value.AppendTLV(into)
	case *TextUnmark:
		into = protocol.Append(into, 'M', c.Mark.ZipBytes())
	}
	protocol.CloseHeader(into, bm)
	return into
}

func malformed(format string, args ...any) error {
	return errors.Wrapf(kniga_errors.ErrMalformedPayload, format, args...)
}

// asMalformed makes any decoding failure match ErrMalformedPayload.
func asMalformed(err error) error {
	if err == nil || errors.Is(err, kniga_errors.ErrMalformedPayload) {
		return err
	}
	return errors.Wrap(kniga_errors.ErrMalformedPayload, err.Error())
}

func takeID(cur *protocol.Cursor, lit byte) (rdx.ID, error) {
	body, err := cur.Expect(lit)
	if err != nil {
		return rdx.NoID, err
	}
	if !rdx.ValidZipPairLen(len(body)) {
		return rdx.NoID, malformed("id record %c", lit)
	}
	return rdx.IDFromZipBytes(body), nil
}

// takeValue parses a value record off the cursor data.
func takeValue(cur *protocol.Cursor) (rdx.Value, error) {
	v, rest, err := rdx.TakeValue(cur.Data)
	if err != nil {
		return v, err
	}
	cur.Data = rest
	return v, nil
}

// ChangeFromTLV parses one C record body.
func ChangeFromTLV(body []byte) (c *Change, err error) {
	c = &Change{}
	cur := protocol.Cursor{Data: body}
	if c.ID, err = takeID(&cur, 'I'); err != nil {
		return nil, errors.Wrap(err, "change id")
	}
	if c.ID.IsNone() {
		return nil, malformed("change without id")
	}
	lamport, err := cur.Expect('L')
	if err != nil || len(lamport) > 4 {
		return nil, malformed("change lamport")
	}
	c.Lamport = rdx.Lamport(rdx.UnzipUint64(lamport))
	deps, err := cur.Expect('D')
	if err != nil {
		return nil, errors.Wrap(err, "change deps")
	}
	if c.Deps, err = rdx.FrontiersFromTLV(deps); err != nil {
		return nil, errors.Wrap(err, "change deps")
	}
	for cur.Next() {
		switch cur.Lit() {
		case 'T':
			c.Timestamp = rdx.UnzipInt64(cur.Body())
		case 'M':
			c.Message = string(cur.Body())
		case 'O':
			op, err := opFromTLV(cur.Body())
			if err != nil {
				return nil, errors.Wrapf(err, "op %d of %s", len(c.Ops), c.ID.String())
			}
			c.Ops = append(c.Ops, op)
		default:
			return nil, malformed("change record %c", cur.Lit())
		}
	}
	if cur.Err() != nil {
		return nil, errors.Wrap(cur.Err(), "change")
	}
	if len(c.Ops) == 0 {
		return nil, malformed("empty change %s", c.ID.String())
	}
	c.Fill()
	return c, nil
}

func opFromTLV(body []byte) (op Op, err error) {
	cid, rest, err := rdx.ContainerIDFromTLV(body)
	if err != nil {
		return op, errors.Wrap(err, "op container")
	}
	op.Container = cid
	lit, cbody, rest, err := protocol.TakeAnyWary(rest)
	if err != nil {
		return op, err
	}
	if len(rest) != 0 {
		return op, malformed("op trailing bytes")
	}
	if op.Content, err = contentFromTLV(lit, cbody); err != nil {
		return op, err
	}
	if op.Content.Len() <= 0 {
		return op, malformed("empty op")
	}
	if !Fits(op.Content, cid.Type) {
		return op, errors.Wrapf(kniga_errors.ErrMalformedPayload,
			"op %c on a %s container", lit, cid.Type.String())
	}
	return op, nil
}

func contentFromTLV(lit byte, body []byte) (content Content, err error) {
	cur := protocol.Cursor{Data: body}
	switch lit {
	case 'T':
		c := &TextInsert{}
		if c.Left, err = takeID(&cur, 'L'); err != nil {
			return nil, err
		}
		if c.Right, err = takeID(&cur, 'R'); err != nil {
			return nil, err
		}
		text, err := cur.Expect('S')
		if err != nil {
			return nil, err
		}
		c.Text = string(text)
		content = c
	case 'I':
		c := &ListInsert{}
		if c.Left, err = takeID(&cur, 'L'); err != nil {
			return nil, err
		}
		if c.Right, err = takeID(&cur, 'R'); err != nil {
			return nil, err
		}
		for len(cur.Data) > 0 {
			v, err := takeValue(&cur)
			if err != nil {
				return nil, err
			}
			c.Values = append(c.Values, v)
		}
		content = c
	case 'D':
		start, err := takeID(&cur, 'P')
		if err != nil {
			return nil, err
		}
		n, err := cur.Expect('N')
		if err != nil || len(n) == 0 || len(n) > 4 || start.IsNone() {
			return nil, malformed("delete span")
		}
		span := rdx.NewIDSpan(start, int32(rdx.UnzipUint64(n)))
		if span.Len() <= 0 || span.Counter.End < span.Counter.Start {
			return nil, malformed("delete span")
		}
		content = &SeqDelete{Span: span}
	case 'V':
		c := &MovableMove{}
		if c.Elem, err = takeID(&cur, 'E'); err != nil {
			return nil, err
		}
		if c.Left, err = takeID(&cur, 'L'); err != nil {
			return nil, err
		}
		if c.Right, err = takeID(&cur, 'R'); err != nil {
			return nil, err
		}
		content = c
	case 'W':
		c := &MovableSet{}
		if c.Elem, err = takeID(&cur, 'E'); err != nil {
			return nil, err
		}
		if c.Value, err = takeValue(&cur); err != nil {
			return nil, err
		}
		content = c
	case 'S':
		key, err := cur.Expect('K')
		if err != nil {
			return nil, err
		}
		c := &MapSet{Key: string(key)}
		if c.Value, err = takeValue(&cur); err != nil {
			return nil, err
		}
		content = c
	case 'X':
		key, err := cur.Expect('K')
		if err != nil {
			return nil, err
		}
		content = &MapDelete{Key: string(key)}
	case 'E':
		c := &TreeMove{}
		if c.Target, err = takeID(&cur, 'T'); err != nil {
			return nil, err
		}
		parent, err := cur.Expect('P')
		if err != nil || len(parent) < 1 || !rdx.ValidZipPairLen(len(parent)-1) {
			return nil, malformed("tree parent")
		}
		c.Parent = TreeParent{Kind: TreeParentKind(parent[0]), Node: rdx.IDFromZipBytes(parent[1:])}
		switch c.Parent.Kind {
		case TreeParentRoot, TreeParentDeleted:
			if !c.Parent.Node.IsNone() {
				return nil, malformed("tree parent")
			}
		case TreeParentNode:
			if c.Parent.Node.IsNone() {
				return nil, malformed("tree parent")
			}
		default:
			return nil, malformed("tree parent kind %d", parent[0])
		}
		pos, err := cur.Expect('X')
		if err != nil {
			return nil, err
		}
		// fractional keys never end in zero
		if len(pos) > 0 && pos[len(pos)-1] == 0 {
			return nil, malformed("tree position")
		}
		if len(pos) > 0 {
			c.Position = append([]byte(nil), pos...)
		}
		content = c
	case 'A':
		delta, err := cur.Expect('F')
		if err != nil || len(delta) > 8 {
			return nil, malformed("counter delta")
		}
		content = &CounterInc{Delta: rdx.UnzipFloat64(delta)}
	case 'K':
		c := &TextMark{}
		if c.Start, err = takeID(&cur, 'S'); err != nil {
			return nil, err
		}
		if c.End, err = takeID(&cur, 'E'); err != nil {
			return nil, err
		}
		key, err := cur.Expect('K')
		if err != nil {
			return nil, err
		}
		c.Key = string(key)
		if c.Value, err = takeValue(&cur); err != nil {
			return nil, err
		}
		content = c
	case 'U':
		c := &TextUnmark{}
		if c.Mark, err = takeID(&cur, 'M'); err != nil {
			return nil, err
		}
		content = c
	default:
		return nil, malformed("op kind %c", lit)
	}
	if len(cur.Data) != 0 {
		return nil, malformed("op %c trailing bytes", lit)
	}
	return content, nil
}

// AppendChanges writes C records.
func AppendChanges(into []byte, changes []*Change) []byte {
	for _, c := range changes {
		into = c.AppendTLV(into)
	}
	return into
}

// ChangesFromTLV parses a run of C records.
func ChangesFromTLV(data []byte) (changes []*Change, err error) {
	cur := protocol.Cursor{Data: data}
	for cur.Next() {
		if cur.Lit() != 'C' {
			return nil, malformed("expected a change, got %c", cur.Lit())
		}
		c, err := ChangeFromTLV(cur.Body())
		if err != nil {
			return nil, asMalformed(err)
		}
		changes = append(changes, c)
	}
	if cur.Err() != nil {
		return nil, asMalformed(cur.Err())
	}
	return changes, nil
}
