/*
Package state holds the merged value of every container of a document
and integrates ops into it.

Each container type merges deterministically: given the same set of
ops, applied in any causal order, every replica ends with the same
state. Ties between concurrent ops are broken by (Lamport, Peer).

While recording, the state remembers a view of every container the
first time an op touches it; EndRecording turns the before and after
views into per-container diffs.
*/
package state

import (
	"slices"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

// Container is the merged state of one container.
type Container interface {
	ID() rdx.ContainerID
	Type() rdx.ContainerType
	// Value is the shallow value: child containers are references.
	Value() rdx.Value
	apply(op *oplog.Op)
	value(resolve func(rdx.Value) rdx.Value) rdx.Value
	view() view
	// children lists the child containers currently referenced.
	children() []rdx.ContainerID
	appendState(into []byte) []byte
	loadState(body []byte) error
}

// view is an immutable copy of a container value taken for diffing.
type view interface {
	diff(after view) event.Diff
}

func newContainer(cid rdx.ContainerID) Container {
	switch cid.Type {
	case rdx.ContainerText:
		return newText(cid)
	case rdx.ContainerList:
		return newList(cid)
	case rdx.ContainerMovableList:
		return newMovableList(cid)
	case rdx.ContainerMap:
		return newMap(cid)
	case rdx.ContainerTree:
		return newTree(cid)
	case rdx.ContainerCounter:
		return newCounter(cid)
	}
	panic("unknown container type " + cid.Type.String())
}

func emptyView(t rdx.ContainerType) view {
	switch t {
	case rdx.ContainerText:
		return textView{}
	case rdx.ContainerList:
		return listView{}
	case rdx.ContainerMovableList:
		return movableView{}
	case rdx.ContainerMap:
		return mapView{}
	case rdx.ContainerTree:
		return treeView{}
	default:
		return counterView(0)
	}
}

type DocState struct {
	containers map[rdx.ContainerID]Container
	parents    map[rdx.ContainerID]rdx.ContainerID

	recording bool
	before    map[rdx.ContainerID]view
	touched   []rdx.ContainerID
}

func New() *DocState {
	return &DocState{
		containers: make(map[rdx.ContainerID]Container),
		parents:    make(map[rdx.ContainerID]rdx.ContainerID),
	}
}

// Get returns the container state or nil if no op touched it yet.
func (s *DocState) Get(cid rdx.ContainerID) Container {
	return s.containers[cid]
}

// Peek returns the container state; an unknown container is served by
// a fresh empty state that is not registered.
func (s *DocState) Peek(cid rdx.ContainerID) Container {
	if c := s.containers[cid]; c != nil {
		return c
	}
	return newContainer(cid)
}

func (s *DocState) GetOrCreate(cid rdx.ContainerID) Container {
	c, ok := s.containers[cid]
	if !ok {
		c = newContainer(cid)
		s.containers[cid] = c
	}
	return c
}

func (s *DocState) Text(cid rdx.ContainerID) *Text {
	return s.GetOrCreate(cid).(*Text)
}

func (s *DocState) List(cid rdx.ContainerID) *List {
	return s.GetOrCreate(cid).(*List)
}

func (s *DocState) MovableList(cid rdx.ContainerID) *MovableList {
	return s.GetOrCreate(cid).(*MovableList)
}

func (s *DocState) Map(cid rdx.ContainerID) *Map {
	return s.GetOrCreate(cid).(*Map)
}

func (s *DocState) Tree(cid rdx.ContainerID) *Tree {
	return s.GetOrCreate(cid).(*Tree)
}

func (s *DocState) Counter(cid rdx.ContainerID) *Counter {
	return s.GetOrCreate(cid).(*Counter)
}

// Containers lists the known container ids in a stable order.
func (s *DocState) Containers() []rdx.ContainerID {
	ids := make([]rdx.ContainerID, 0, len(s.containers))
	for cid := range s.containers {
		ids = append(ids, cid)
	}
	sortContainerIDs(ids)
	return ids
}

// Apply integrates one op. The op must be causally ready and new to
// this state; the op log guarantees both.
func (s *DocState) Apply(op *oplog.Op) {
	s.touch(op.Container)
	s.GetOrCreate(op.Container).apply(op)
	s.link(op)
}

func (s *DocState) link(op *oplog.Op) {
	adopt := func(v rdx.Value) {
		if child, ok := v.AsContainer(); ok {
			s.parents[child] = op.Container
		}
	}
	switch c := op.Content.(type) {
	case *oplog.MapSet:
		adopt(c.Value)
	case *oplog.MovableSet:
		adopt(c.Value)
	case *oplog.ListInsert:
		for _, v := range c.Values {
			adopt(v)
		}
	case *oplog.TreeMove:
		if c.Target == op.ID {
			s.parents[rdx.NormalContainerID(c.Target, rdx.ContainerMap)] = op.Container
		}
	}
}

// Parent returns the container that created cid.
func (s *DocState) Parent(cid rdx.ContainerID) (rdx.ContainerID, bool) {
	p, ok := s.parents[cid]
	return p, ok
}

// Path lists the ancestors of the container, the root first.
func (s *DocState) Path(cid rdx.ContainerID) (path []rdx.ContainerID) {
	seen := map[rdx.ContainerID]bool{cid: true}
	for {
		p, ok := s.parents[cid]
		if !ok || seen[p] {
			break
		}
		seen[p] = true
		path = append(path, p)
		cid = p
	}
	slices.Reverse(path)
	return path
}

// IsDeleted tells whether the container is unreachable from the roots:
// its parent dropped the reference or is itself deleted.
func (s *DocState) IsDeleted(cid rdx.ContainerID) bool {
	seen := make(map[rdx.ContainerID]bool)
	for !cid.Root {
		if seen[cid] {
			return true
		}
		seen[cid] = true
		p, ok := s.parents[cid]
		if !ok {
			return true
		}
		pc := s.containers[p]
		if pc == nil || !slices.Contains(pc.children(), cid) {
			return true
		}
		cid = p
	}
	return false
}

// Value is the shallow value of all root containers keyed by name.
func (s *DocState) Value() rdx.Value {
	m := make(map[string]rdx.Value)
	for cid, c := range s.containers {
		if cid.Root {
			m[cid.Name] = c.Value()
		}
	}
	return rdx.MapOf(m)
}

// DeepValue is Value with every child container resolved to its value.
func (s *DocState) DeepValue() rdx.Value {
	m := make(map[string]rdx.Value)
	for cid := range s.containers {
		if cid.Root {
			m[cid.Name] = s.ContainerDeepValue(cid)
		}
	}
	return rdx.MapOf(m)
}

func (s *DocState) ContainerDeepValue(cid rdx.ContainerID) rdx.Value {
	return s.deepValue(cid, 0)
}

func (s *DocState) deepValue(cid rdx.ContainerID, depth int) rdx.Value {
	c := s.containers[cid]
	if c == nil && !cid.Type.Valid() {
		return rdx.Null()
	}
	if c == nil {
		c = newContainer(cid)
	}
	if depth > rdx.MaxValueNesting {
		return c.Value()
	}
	return c.value(func(v rdx.Value) rdx.Value {
		if child, ok := v.AsContainer(); ok {
			return s.deepValue(child, depth+1)
		}
		return v
	})
}

// StartRecording begins collecting before-views of touched containers.
func (s *DocState) StartRecording() {
	s.recording = true
	s.before = make(map[rdx.ContainerID]view)
	s.touched = nil
}

func (s *DocState) Recording() bool {
	return s.recording
}

func (s *DocState) touch(cid rdx.ContainerID) {
	if !s.recording {
		return
	}
	if _, ok := s.before[cid]; ok {
		return
	}
	if c := s.containers[cid]; c != nil {
		s.before[cid] = c.view()
	} else {
		s.before[cid] = emptyView(cid.Type)
	}
	s.touched = append(s.touched, cid)
}

// EndRecording stops recording and returns the diffs of the touched
// containers, parents first.
func (s *DocState) EndRecording() []event.ContainerDiff {
	if !s.recording {
		return nil
	}
	var diffs []event.ContainerDiff
	for _, cid := range s.touched {
		d := s.before[cid].diff(s.containers[cid].view())
		if d.IsEmpty() {
			continue
		}
		diffs = append(diffs, event.ContainerDiff{
			Target: cid,
			Path:   s.Path(cid),
			Diff:   d,
		})
	}
	s.recording = false
	s.before = nil
	s.touched = nil
	sortByDepth(diffs)
	return diffs
}

// Diff compares two states container by container.
func Diff(old, cur *DocState) []event.ContainerDiff {
	ids := make(map[rdx.ContainerID]bool)
	for cid := range old.containers {
		ids[cid] = true
	}
	for cid := range cur.containers {
		ids[cid] = true
	}
	sorted := make([]rdx.ContainerID, 0, len(ids))
	for cid := range ids {
		sorted = append(sorted, cid)
	}
	sortContainerIDs(sorted)
	var diffs []event.ContainerDiff
	for _, cid := range sorted {
		before, after := emptyView(cid.Type), emptyView(cid.Type)
		if c := old.containers[cid]; c != nil {
			before = c.view()
		}
		if c := cur.containers[cid]; c != nil {
			after = c.view()
		}
		d := before.diff(after)
		if d.IsEmpty() {
			continue
		}
		path := cur.Path(cid)
		if _, ok := cur.parents[cid]; !ok {
			path = old.Path(cid)
		}
		diffs = append(diffs, event.ContainerDiff{Target: cid, Path: path, Diff: d})
	}
	sortByDepth(diffs)
	return diffs
}

func sortByDepth(diffs []event.ContainerDiff) {
	slices.SortStableFunc(diffs, func(a, b event.ContainerDiff) int {
		return len(a.Path) - len(b.Path)
	})
}
