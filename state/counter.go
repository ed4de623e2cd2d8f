package state

import (
	"slices"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

// Counter is the sum of all increments. Increments are summed per peer
// (a peer's ops always arrive in counter order) and the peer sums are
// added in peer order, so float rounding is the same on every replica.
type Counter struct {
	cid  rdx.ContainerID
	sums map[uint64]float64
}

func newCounter(cid rdx.ContainerID) *Counter {
	return &Counter{cid: cid, sums: make(map[uint64]float64)}
}

func (c *Counter) ID() rdx.ContainerID     { return c.cid }
func (c *Counter) Type() rdx.ContainerType { return rdx.ContainerCounter }

func (c *Counter) apply(op *oplog.Op) {
	if inc, ok := op.Content.(*oplog.CounterInc); ok {
		c.sums[op.ID.Peer] += inc.Delta
	}
}

func (c *Counter) peers() []uint64 {
	peers := make([]uint64, 0, len(c.sums))
	for p := range c.sums {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	return peers
}

func (c *Counter) Sum() (sum float64) {
	for _, p := range c.peers() {
		sum += c.sums[p]
	}
	return
}

func (c *Counter) Value() rdx.Value {
	return rdx.Double(c.Sum())
}

func (c *Counter) value(func(rdx.Value) rdx.Value) rdx.Value {
	return c.Value()
}

func (c *Counter) children() []rdx.ContainerID {
	return nil
}

type counterView float64

func (c *Counter) view() view {
	return counterView(c.Sum())
}

func (v counterView) diff(after view) event.Diff {
	return &event.CounterDiff{Delta: float64(after.(counterView) - v)}
}
