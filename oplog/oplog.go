/*
Package oplog keeps the causal history of a document: an append-only
set of changes, indexed per peer by counter range, plus the queries
over the change DAG (version vectors, frontiers, ancestry).

A log may start at a shallow root. Changes before the root are trimmed;
their effect is only present in the root state kept by the document.
*/
package oplog

import (
	"slices"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/rdx"
)

const vvCacheSize = 1024

// ShallowRoot is the version a trimmed log starts from.
type ShallowRoot struct {
	Frontiers rdx.Frontiers
	VV        rdx.VV
}

type OpLog struct {
	changes     map[uint64][]*Change
	vv          rdx.VV
	frontiers   rdx.Frontiers
	nextLamport rdx.Lamport
	changeCount int
	opCount     int
	shallow     *ShallowRoot
	vvCache     *lru.Cache[string, rdx.VV]
}

func New() *OpLog {
	cache, _ := lru.New[string, rdx.VV](vvCacheSize)
	return &OpLog{
		changes: make(map[uint64][]*Change),
		vv:      rdx.NewVV(),
		vvCache: cache,
	}
}

// NewShallow makes a log that starts at the root; nextLamport must be
// above every Lamport time of the trimmed history.
func NewShallow(root ShallowRoot, nextLamport rdx.Lamport) *OpLog {
	l := New()
	if len(root.Frontiers) == 0 {
		return l
	}
	l.shallow = &ShallowRoot{Frontiers: root.Frontiers.Clone(), VV: root.VV.Clone()}
	l.vv = root.VV.Clone()
	l.frontiers = root.Frontiers.Clone()
	l.nextLamport = nextLamport
	return l
}

// Shallow returns the root of a trimmed log.
func (l *OpLog) Shallow() (root ShallowRoot, ok bool) {
	if l.shallow == nil {
		return root, false
	}
	return *l.shallow, true
}

func (l *OpLog) IsShallow() bool {
	return l.shallow != nil
}

func (l *OpLog) VersionVector() rdx.VV {
	return l.vv.Clone()
}

func (l *OpLog) Frontiers() rdx.Frontiers {
	return l.frontiers.Clone()
}

// NextLamport is the Lamport time of the next local op.
func (l *OpLog) NextLamport() rdx.Lamport {
	return l.nextLamport
}

func (l *OpLog) ChangeCount() int {
	return l.changeCount
}

func (l *OpLog) OpCount() int {
	return l.opCount
}

func (l *OpLog) IsEmpty() bool {
	return len(l.vv) == 0
}

// Includes tells whether the id is in the log, trimmed history included.
func (l *OpLog) Includes(id rdx.ID) bool {
	return l.vv.Includes(id)
}

// isTrimmed tells whether the id is before the shallow root.
func (l *OpLog) isTrimmed(id rdx.ID) bool {
	return l.shallow != nil && l.shallow.VV.Includes(id)
}

// GetChange returns the change holding the id, nil if absent or trimmed.
func (l *OpLog) GetChange(id rdx.ID) *Change {
	list := l.changes[id.Peer]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].End() > id.Counter
	})
	if i == len(list) || list[i].ID.Counter > id.Counter {
		return nil
	}
	return list[i]
}

func (l *OpLog) LamportOf(id rdx.ID) (rdx.Lamport, bool) {
	c := l.GetChange(id)
	if c == nil {
		return 0, false
	}
	return c.LamportOf(id), true
}

// Prepare validates a batch of changes against the log without touching
// it. It returns the parts not yet known, in causal order, each of them
// ready to Append. Any missing dependency fails the whole batch.
func (l *OpLog) Prepare(changes []*Change) (ready []*Change, err error) {
	sorted := slices.Clone(changes)
	slices.SortStableFunc(sorted, CompareCausal)
	vv := l.vv.Clone()
	for _, c := range sorted {
		c, err = l.check(vv, c)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		vv.SetEnd(c.Peer(), c.End())
		ready = append(ready, c)
	}
	return ready, nil
}

// check returns the unknown part of the change, nil when it is all known.
func (l *OpLog) check(vv rdx.VV, c *Change) (*Change, error) {
	end := vv.End(c.Peer())
	if c.End() <= end {
		return nil, nil
	}
	if c.ID.Counter > end {
		return nil, errors.Wrapf(kniga_errors.ErrMissingAncestor,
			"%s: peer %x has counters up to %d", c.ID.String(), c.Peer(), end)
	}
	if c.ID.Counter < end {
		c = c.Slice(end, c.End())
	}
	for _, dep := range c.Deps {
		if !vv.Includes(dep) {
			return nil, errors.Wrapf(kniga_errors.ErrMissingAncestor,
				"%s depends on %s", c.ID.String(), dep.String())
		}
	}
	if l.shallow != nil {
		if err := l.checkShallow(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// checkShallow admits only changes that descend from the whole root.
func (l *OpLog) checkShallow(c *Change) error {
	root := l.shallow
	descends := false
	hit := 0
	for _, dep := range c.Deps {
		if !root.VV.Includes(dep) {
			descends = true
			continue
		}
		if !root.Frontiers.Contains(dep) {
			return errors.Wrapf(kniga_errors.ErrShallowHistory,
				"%s depends on %s", c.ID.String(), dep.String())
		}
		hit++
	}
	if !descends && hit < len(root.Frontiers) {
		return errors.Wrapf(kniga_errors.ErrShallowHistory,
			"%s is concurrent with the shallow root", c.ID.String())
	}
	return nil
}

// Append adds one change; known parts are skipped.
func (l *OpLog) Append(c *Change) error {
	c, err := l.check(l.vv, c)
	if err != nil || c == nil {
		return err
	}
	l.insert(c)
	return nil
}

func (l *OpLog) insert(c *Change) {
	peer := c.Peer()
	l.changes[peer] = append(l.changes[peer], c)
	l.vv.SetEnd(peer, c.End())
	for _, dep := range c.Deps {
		l.frontiers = l.frontiers.Without(dep)
	}
	if c.ID.Counter > 0 {
		l.frontiers = l.frontiers.Without(rdx.ID{Peer: peer, Counter: c.ID.Counter - 1})
	}
	l.frontiers = l.frontiers.With(c.LastID())
	if next := c.LastLamport() + 1; next > l.nextLamport {
		l.nextLamport = next
	}
	l.changeCount++
	l.opCount += len(c.Ops)
}

// ChangesIn returns the changes in the counter ranges between the two
// vectors, sliced, in causal order.
func (l *OpLog) ChangesIn(from, to rdx.VV) (ret []*Change) {
	for peer, list := range l.changes {
		start := from.End(peer)
		end := to.End(peer)
		if end <= start {
			continue
		}
		i := sort.Search(len(list), func(i int) bool {
			return list[i].End() > start
		})
		for ; i < len(list) && list[i].ID.Counter < end; i++ {
			if c := list[i].Slice(start, end); c != nil {
				ret = append(ret, c)
			}
		}
	}
	slices.SortFunc(ret, CompareCausal)
	return ret
}

// ChangesSince returns everything the vector does not cover.
func (l *OpLog) ChangesSince(vv rdx.VV) []*Change {
	return l.ChangesIn(vv, l.vv)
}

// ChangesInSpans returns the changes overlapping the spans, sliced.
func (l *OpLog) ChangesInSpans(spans []rdx.IDSpan) (ret []*Change) {
	seen := make(map[rdx.ID]bool)
	for _, span := range spans {
		list := l.changes[span.Peer]
		i := sort.Search(len(list), func(i int) bool {
			return list[i].End() > span.Counter.Start
		})
		for ; i < len(list) && list[i].ID.Counter < span.Counter.End; i++ {
			c := list[i].Slice(span.Counter.Start, span.Counter.End)
			if c == nil || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			ret = append(ret, c)
		}
	}
	slices.SortFunc(ret, CompareCausal)
	return ret
}

// Peers lists the peers that have changes in the log, sorted.
func (l *OpLog) Peers() []uint64 {
	return l.vv.Peers()
}
