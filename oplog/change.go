package oplog

import (
	"fmt"

	"github.com/drpcorg/kniga/rdx"
)

// Change is a committed batch of one peer's ops. Op ids are consecutive
// starting at ID; op Lamport times are Lamport plus the counter offset.
type Change struct {
	ID        rdx.ID
	Lamport   rdx.Lamport
	Deps      rdx.Frontiers
	Timestamp int64
	Message   string
	Ops       []Op
}

// Len is the number of counters the change occupies.
func (c *Change) Len() (n int32) {
	for i := range c.Ops {
		n += c.Ops[i].Len()
	}
	return
}

func (c *Change) Peer() uint64 {
	return c.ID.Peer
}

func (c *Change) End() int32 {
	return c.ID.Counter + c.Len()
}

func (c *Change) LastID() rdx.ID {
	return rdx.ID{Peer: c.ID.Peer, Counter: c.End() - 1}
}

func (c *Change) LastLamport() rdx.Lamport {
	return c.Lamport + uint32(c.Len()-1)
}

func (c *Change) Span() rdx.IDSpan {
	return rdx.NewIDSpan(c.ID, c.Len())
}

func (c *Change) Contains(id rdx.ID) bool {
	return c.Span().Contains(id)
}

// LamportOf returns the Lamport time of an id inside the change.
func (c *Change) LamportOf(id rdx.ID) rdx.Lamport {
	return c.Lamport + uint32(id.Counter-c.ID.Counter)
}

// IDLp orders changes causally: deps always have lower Lamport times.
func (c *Change) IDLp() rdx.IDLp {
	return rdx.IDLp{Lamport: c.Lamport, Peer: c.ID.Peer}
}

// CompareCausal orders changes by Lamport, then peer, then counter.
func CompareCausal(a, b *Change) int {
	if r := a.IDLp().Compare(b.IDLp()); r != 0 {
		return r
	}
	return a.ID.Compare(b.ID)
}

// Slice returns the part of the change in the absolute counter range
// [from, to). The sliced tail depends on the counter right before it.
func (c *Change) Slice(from, to int32) *Change {
	start, end := c.ID.Counter, c.End()
	from = max(from, start)
	to = min(to, end)
	if from == start && to == end {
		return c
	}
	if from >= to {
		return nil
	}
	ret := &Change{
		ID:        rdx.ID{Peer: c.ID.Peer, Counter: from},
		Lamport:   c.Lamport + uint32(from-start),
		Deps:      c.Deps,
		Timestamp: c.Timestamp,
		Message:   c.Message,
	}
	if from > start {
		ret.Deps = rdx.NewFrontiers(rdx.ID{Peer: c.ID.Peer, Counter: from - 1})
	}
	for i := range c.Ops {
		op := &c.Ops[i]
		ostart, oend := op.ID.Counter, op.ID.Counter+op.Len()
		if oend <= from || ostart >= to {
			continue
		}
		ret.Ops = append(ret.Ops, op.Slice(max(from, ostart)-ostart, min(to, oend)-ostart))
	}
	return ret
}

// Fill resolves op ids and Lamport times from the change header.
func (c *Change) Fill() {
	counter := c.ID.Counter
	for i := range c.Ops {
		op := &c.Ops[i]
		op.ID = rdx.ID{Peer: c.ID.Peer, Counter: counter}
		op.Lamport = c.Lamport + uint32(counter-c.ID.Counter)
		counter += op.Len()
	}
}

func (c *Change) String() string {
	return fmt.Sprintf("change %s lamport %d deps %s ops %d", c.Span().String(), c.Lamport, c.Deps.String(), len(c.Ops))
}
