// Package event has the document change notifications: the per-container
// diffs, the event envelope and the subscriber registries.
package event

import (
	"maps"
	"slices"

	"github.com/drpcorg/kniga/rdx"
)

// TriggerKind tells what made the document state change.
type TriggerKind int

const (
	TriggerLocal TriggerKind = iota
	TriggerImport
	TriggerCheckout
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerLocal:
		return "local"
	case TriggerImport:
		return "import"
	case TriggerCheckout:
		return "checkout"
	default:
		return "unknown"
	}
}

// Diff is the closed set of per-container deltas.
type Diff interface {
	ContainerType() rdx.ContainerType
	IsEmpty() bool
	isDiff()
}

// TextDelta is one Quill-style run: exactly one of Retain, Insert and
// Delete is set. Attributes go with Insert and Retain; on a retain they
// list the changed keys only, Null meaning removed.
type TextDelta struct {
	Retain     int
	Insert     string
	Delete     int
	Attributes map[string]rdx.Value
}

type TextDiff struct {
	Deltas []TextDelta
}

// ListDelta is one run: exactly one of Retain, Insert and Delete is set.
type ListDelta struct {
	Retain int
	Insert []rdx.Value
	Delete int
}

// ListDiff serves both List and MovableList containers.
type ListDiff struct {
	Movable bool
	Deltas  []ListDelta
}

// MapUpdate is the before/after of one key.
type MapUpdate struct {
	Before  rdx.Value
	After   rdx.Value
	Existed bool
	Exists  bool
}

type MapDiff struct {
	Updated map[string]MapUpdate
}

type TreeAction int

const (
	TreeCreate TreeAction = iota
	TreeMove
	TreeDelete
)

func (a TreeAction) String() string {
	switch a {
	case TreeCreate:
		return "create"
	case TreeMove:
		return "move"
	default:
		return "delete"
	}
}

// TreeDiffItem reports one node. Parent is rdx.NoID for top level nodes.
// Old fields are set for moves and deletes.
type TreeDiffItem struct {
	Target    rdx.ID
	Action    TreeAction
	Parent    rdx.ID
	Index     int
	Position  []byte
	OldParent rdx.ID
	OldIndex  int
}

type TreeDiff struct {
	Items []TreeDiffItem
}

type CounterDiff struct {
	Delta float64
}

func (*TextDiff) ContainerType() rdx.ContainerType { return rdx.ContainerText }
func (d *ListDiff) ContainerType() rdx.ContainerType {
	if d.Movable {
		return rdx.ContainerMovableList
	}
	return rdx.ContainerList
}
func (*MapDiff) ContainerType() rdx.ContainerType     { return rdx.ContainerMap }
func (*TreeDiff) ContainerType() rdx.ContainerType    { return rdx.ContainerTree }
func (*CounterDiff) ContainerType() rdx.ContainerType { return rdx.ContainerCounter }

func (d *TextDiff) IsEmpty() bool    { return len(d.Deltas) == 0 }
func (d *ListDiff) IsEmpty() bool    { return len(d.Deltas) == 0 }
func (d *MapDiff) IsEmpty() bool     { return len(d.Updated) == 0 }
func (d *TreeDiff) IsEmpty() bool    { return len(d.Items) == 0 }
func (d *CounterDiff) IsEmpty() bool { return d.Delta == 0 }

func (*TextDiff) isDiff()    {}
func (*ListDiff) isDiff()    {}
func (*MapDiff) isDiff()     {}
func (*TreeDiff) isDiff()    {}
func (*CounterDiff) isDiff() {}

// ContainerDiff is the delta of one container. Path lists its ancestors,
// the root container first.
type ContainerDiff struct {
	Target rdx.ContainerID
	Path   []rdx.ContainerID
	Diff   Diff
}

// Within tells whether the diff targets the container or a descendant.
func (cd *ContainerDiff) Within(target rdx.ContainerID) bool {
	return cd.Target == target || slices.Contains(cd.Path, target)
}

// DiffEvent is delivered once per transaction boundary.
type DiffEvent struct {
	TriggeredBy TriggerKind
	// Origin is the string given to the commit or import, as is.
	Origin string
	// CurrentTarget is the container a subscription is bound to, nil
	// for root subscriptions.
	CurrentTarget *rdx.ContainerID
	From          rdx.Frontiers
	To            rdx.Frontiers
	Events        []ContainerDiff
}

// Narrow keeps the diffs within the target; nil if none.
func (e *DiffEvent) Narrow(target rdx.ContainerID) *DiffEvent {
	var events []ContainerDiff
	for i := range e.Events {
		if e.Events[i].Within(target) {
			events = append(events, e.Events[i])
		}
	}
	if len(events) == 0 {
		return nil
	}
	ret := *e
	ret.CurrentTarget = &target
	ret.Events = events
	return &ret
}

// ComposeText merges consecutive runs of the same kind and drops a trailing
// retain without attributes.
func ComposeText(deltas []TextDelta) (ret []TextDelta) {
	for _, d := range deltas {
		if n := len(ret); n > 0 {
			last := &ret[n-1]
			switch {
			case d.Retain > 0 && last.Retain > 0 && maps.EqualFunc(last.Attributes, d.Attributes, rdx.Value.Equal):
				last.Retain += d.Retain
				continue
			case d.Delete > 0 && last.Delete > 0:
				last.Delete += d.Delete
				continue
			case d.Insert != "" && last.Insert != "" && maps.EqualFunc(last.Attributes, d.Attributes, rdx.Value.Equal):
				last.Insert += d.Insert
				continue
			}
		}
		ret = append(ret, d)
	}
	if n := len(ret); n > 0 && ret[n-1].Retain > 0 && len(ret[n-1].Attributes) == 0 {
		ret = ret[:n-1]
	}
	return ret
}

// ComposeList is ComposeText for lists.
func ComposeList(deltas []ListDelta) (ret []ListDelta) {
	for _, d := range deltas {
		if n := len(ret); n > 0 {
			last := &ret[n-1]
			switch {
			case d.Retain > 0 && last.Retain > 0:
				last.Retain += d.Retain
				continue
			case d.Delete > 0 && last.Delete > 0:
				last.Delete += d.Delete
				continue
			case len(d.Insert) > 0 && len(last.Insert) > 0:
				last.Insert = slices.Concat(last.Insert, d.Insert)
				continue
			}
		}
		ret = append(ret, d)
	}
	if n := len(ret); n > 0 && ret[n-1].Retain > 0 {
		ret = ret[:n-1]
	}
	return ret
}
