package oplog

import (
	"math"

	"github.com/pkg/errors"

	"github.com/drpcorg/kniga/kniga_errors"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/utils"
)

// FrontiersToVV returns the version vector of everything the frontiers
// have seen. Unknown ids fail with ErrUnknownFrontiers, ids trimmed
// off a shallow log with ErrShallowHistory.
func (l *OpLog) FrontiersToVV(f rdx.Frontiers) (rdx.VV, error) {
	if f.Equal(l.frontiers) {
		return l.vv.Clone(), nil
	}
	key := string(f.TLV())
	if vv, ok := l.vvCache.Get(key); ok {
		return vv.Clone(), nil
	}
	for _, id := range f {
		if l.isTrimmed(id) && !l.shallow.Frontiers.Contains(id) {
			return nil, errors.Wrapf(kniga_errors.ErrShallowHistory, "%s is before the root", id.String())
		}
	}
	vv := rdx.NewVV()
	visited := make(map[*Change]bool)
	trimmed := false
	stack := append([]rdx.ID(nil), f...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if l.isTrimmed(id) {
			if !trimmed {
				trimmed = true
				vv.Merge(l.shallow.VV)
			}
			continue
		}
		c := l.GetChange(id)
		if c == nil {
			return nil, errors.Wrapf(kniga_errors.ErrUnknownFrontiers, "%s", id.String())
		}
		vv.PutID(id)
		if visited[c] {
			continue
		}
		visited[c] = true
		if c.ID.Counter > 0 {
			stack = append(stack, rdx.ID{Peer: c.Peer(), Counter: c.ID.Counter - 1})
		}
		stack = append(stack, c.Deps...)
	}
	l.vvCache.Add(key, vv.Clone())
	return vv, nil
}

// VVToFrontiers finds the heads of a version vector: its last ids that
// are not ancestors of one another.
func (l *OpLog) VVToFrontiers(vv rdx.VV) (rdx.Frontiers, error) {
	if vv.Equal(l.vv) {
		return l.frontiers.Clone(), nil
	}
	if l.shallow != nil && vv.Equal(l.shallow.VV) {
		return l.shallow.Frontiers.Clone(), nil
	}
	candidates := vv.IDs()
	ancestry := make([]rdx.VV, len(candidates))
	for i, id := range candidates {
		if !l.vv.Includes(id) {
			return nil, errors.Wrapf(kniga_errors.ErrUnknownFrontiers, "%s", id.String())
		}
		if l.isTrimmed(id) {
			ancestry[i] = rdx.NewVV()
			continue
		}
		c := l.GetChange(id)
		own, err := l.FrontiersToVV(rdx.NewFrontiers(id))
		if err != nil {
			return nil, err
		}
		// strict ancestors only
		own.SetEnd(c.Peer(), id.Counter)
		ancestry[i] = own
	}
	var f rdx.Frontiers
	for i, id := range candidates {
		covered := false
		for j := range candidates {
			if i != j && ancestry[j].Includes(id) {
				covered = true
				break
			}
		}
		if !covered {
			f = f.With(id)
		}
	}
	return f, nil
}

// CmpFrontiers compares the versions two frontiers stand for.
func (l *OpLog) CmpFrontiers(a, b rdx.Frontiers) (rdx.Ordering, error) {
	va, err := l.FrontiersToVV(a)
	if err != nil {
		return rdx.Concurrent, err
	}
	vb, err := l.FrontiersToVV(b)
	if err != nil {
		return rdx.Concurrent, err
	}
	return va.Compare(vb), nil
}

// TravelAncestors visits the changes holding the ids and all of their
// ancestors, the newest (by Lamport) first, until fn returns false.
// Trimmed history is not visited.
func (l *OpLog) TravelAncestors(ids []rdx.ID, fn func(c *Change) bool) error {
	var (
		heap    utils.Heap[uint64, *Change]
		seq     uint64
		visited = make(map[*Change]bool)
	)
	push := func(id rdx.ID) error {
		if l.isTrimmed(id) {
			return nil
		}
		c := l.GetChange(id)
		if c == nil {
			return errors.Wrapf(kniga_errors.ErrUnknownFrontiers, "%s", id.String())
		}
		if visited[c] {
			return nil
		}
		visited[c] = true
		// min-heap: the highest Lamport time pops first
		heap.Push(uint64(math.MaxUint32-c.LastLamport())<<32|seq, c)
		seq++
		return nil
	}
	for _, id := range ids {
		if err := push(id); err != nil {
			return err
		}
	}
	for heap.Len() > 0 {
		_, c := heap.Pop()
		if !fn(c) {
			return nil
		}
		if c.ID.Counter > 0 {
			if err := push(rdx.ID{Peer: c.Peer(), Counter: c.ID.Counter - 1}); err != nil {
				return err
			}
		}
		for _, dep := range c.Deps {
			if err := push(dep); err != nil {
				return err
			}
		}
	}
	return nil
}
