package oplog

import (
	"unicode/utf8"

	"github.com/drpcorg/kniga/rdx"
)

// Op is one operation of a change, with its id and Lamport time
// resolved. Inserts of n elements occupy n consecutive counters.
type Op struct {
	ID        rdx.ID
	Lamport   rdx.Lamport
	Container rdx.ContainerID
	Content   Content
}

func (op *Op) Len() int32 {
	return op.Content.Len()
}

// LastID is the id of the last counter the op occupies.
func (op *Op) LastID() rdx.ID {
	return op.ID.Inc(op.Len() - 1)
}

// IDLp is the tie-break key of the op.
func (op *Op) IDLp() rdx.IDLp {
	return rdx.IDLp{Lamport: op.Lamport, Peer: op.ID.Peer}
}

// ElemIDLp is the tie-break key of the k-th element of an insert.
func (op *Op) ElemIDLp(k int32) rdx.IDLp {
	return rdx.IDLp{Lamport: op.Lamport + uint32(k), Peer: op.ID.Peer}
}

// Slice cuts the counter range [from, to) of the op, offsets relative to
// op.ID. Only inserts are divisible.
func (op *Op) Slice(from, to int32) Op {
	if from == 0 && to == op.Len() {
		return *op
	}
	ret := Op{
		ID:        op.ID.Inc(from),
		Lamport:   op.Lamport + uint32(from),
		Container: op.Container,
	}
	switch c := op.Content.(type) {
	case *TextInsert:
		runes := []rune(c.Text)
		left := c.Left
		if from > 0 {
			left = op.ID.Inc(from - 1)
		}
		ret.Content = &TextInsert{Left: left, Right: c.Right, Text: string(runes[from:to])}
	case *ListInsert:
		left := c.Left
		if from > 0 {
			left = op.ID.Inc(from - 1)
		}
		ret.Content = &ListInsert{Left: left, Right: c.Right, Values: c.Values[from:to]}
	default:
		ret.Content = op.Content
	}
	return ret
}

// Content is the closed set of op payloads.
type Content interface {
	// Len is the number of counters the op occupies.
	Len() int32
	// Kind is the TLV letter of the payload.
	Kind() byte
	isContent()
}

// TextInsert inserts runes between two origin elements.
type TextInsert struct {
	Left  rdx.ID
	Right rdx.ID
	Text  string
}

// ListInsert inserts values between two origin elements. For movable
// lists the origins are position items.
type ListInsert struct {
	Left   rdx.ID
	Right  rdx.ID
	Values []rdx.Value
}

// SeqDelete tombstones a run of elements.
type SeqDelete struct {
	Span rdx.IDSpan
}

// MovableMove places an element at a new position item, which gets the
// id of the op.
type MovableMove struct {
	Elem  rdx.ID
	Left  rdx.ID
	Right rdx.ID
}

// MovableSet replaces the value of an element.
type MovableSet struct {
	Elem  rdx.ID
	Value rdx.Value
}

type MapSet struct {
	Key   string
	Value rdx.Value
}

type MapDelete struct {
	Key string
}

// TreeParentKind tells where a tree node hangs.
type TreeParentKind byte

const (
	TreeParentRoot TreeParentKind = iota
	TreeParentNode
	TreeParentDeleted
)

// TreeParent is the root, another node or the deleted root.
type TreeParent struct {
	Kind TreeParentKind
	Node rdx.ID
}

var (
	TreeRoot    = TreeParent{Kind: TreeParentRoot, Node: rdx.NoID}
	TreeDeleted = TreeParent{Kind: TreeParentDeleted, Node: rdx.NoID}
)

func TreeNodeParent(node rdx.ID) TreeParent {
	return TreeParent{Kind: TreeParentNode, Node: node}
}

func (p TreeParent) String() string {
	switch p.Kind {
	case TreeParentNode:
		return p.Node.String()
	case TreeParentDeleted:
		return "deleted"
	default:
		return "root"
	}
}

// TreeMove moves (or creates, when Target is the op's own id) a node.
type TreeMove struct {
	Target   rdx.ID
	Parent   TreeParent
	Position []byte
}

type CounterInc struct {
	Delta float64
}

// TextMark sets an attribute over the inclusive element range.
type TextMark struct {
	Start rdx.ID
	End   rdx.ID
	Key   string
	Value rdx.Value
}

// TextUnmark removes exactly the mark created by the referenced op.
type TextUnmark struct {
	Mark rdx.ID
}

func (c *TextInsert) Len() int32  { return int32(utf8.RuneCountInString(c.Text)) }
func (c *ListInsert) Len() int32  { return int32(len(c.Values)) }
func (c *SeqDelete) Len() int32   { return 1 }
func (c *MovableMove) Len() int32 { return 1 }
func (c *MovableSet) Len() int32  { return 1 }
func (c *MapSet) Len() int32      { return 1 }
func (c *MapDelete) Len() int32   { return 1 }
func (c *TreeMove) Len() int32    { return 1 }
func (c *CounterInc) Len() int32  { return 1 }
func (c *TextMark) Len() int32    { return 1 }
func (c *TextUnmark) Len() int32  { return 1 }

func (c *TextInsert) Kind() byte  { return 'T' }
func (c *ListInsert) Kind() byte  { return 'I' }
func (c *SeqDelete) Kind() byte   { return 'D' }
func (c *MovableMove) Kind() byte { return 'V' }
func (c *MovableSet) Kind() byte  { return 'W' }
func (c *MapSet) Kind() byte      { return 'S' }
func (c *MapDelete) Kind() byte   { return 'X' }
func (c *TreeMove) Kind() byte    { return 'E' }
func (c *CounterInc) Kind() byte  { return 'A' }
func (c *TextMark) Kind() byte    { return 'K' }
func (c *TextUnmark) Kind() byte  { return 'U' }

func (*TextInsert) isContent()  {}
func (*ListInsert) isContent()  {}
func (*SeqDelete) isContent()   {}
func (*MovableMove) isContent() {}
func (*MovableSet) isContent()  {}
func (*MapSet) isContent()      {}
func (*MapDelete) isContent()   {}
func (*TreeMove) isContent()    {}
func (*CounterInc) isContent()  {}
func (*TextMark) isContent()    {}
func (*TextUnmark) isContent()  {}

// Fits tells whether the payload may target a container of the type.
func Fits(c Content, t rdx.ContainerType) bool {
	switch c.(type) {
	case *TextInsert, *TextMark, *TextUnmark:
		return t == rdx.ContainerText
	case *ListInsert:
		return t == rdx.ContainerList || t == rdx.ContainerMovableList
	case *SeqDelete:
		return t == rdx.ContainerText || t == rdx.ContainerList || t == rdx.ContainerMovableList
	case *MovableMove, *MovableSet:
		return t == rdx.ContainerMovableList
	case *MapSet, *MapDelete:
		return t == rdx.ContainerMap
	case *TreeMove:
		return t == rdx.ContainerTree
	case *CounterInc:
		return t == rdx.ContainerCounter
	}
	return false
}
