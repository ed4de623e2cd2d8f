package state

import (
	"slices"

	"github.com/drpcorg/kniga/event"
	"github.com/drpcorg/kniga/oplog"
	"github.com/drpcorg/kniga/rdx"
)

// mapEntry is a last-writer-wins register; a delete is a write too.
type mapEntry struct {
	value   rdx.Value
	lp      rdx.IDLp
	deleted bool
}

type Map struct {
	cid     rdx.ContainerID
	entries map[string]*mapEntry
}

func newMap(cid rdx.ContainerID) *Map {
	return &Map{cid: cid, entries: make(map[string]*mapEntry)}
}

func (m *Map) ID() rdx.ContainerID     { return m.cid }
func (m *Map) Type() rdx.ContainerType { return rdx.ContainerMap }

func (m *Map) apply(op *oplog.Op) {
	switch c := op.Content.(type) {
	case *oplog.MapSet:
		m.put(c.Key, op.IDLp(), c.Value, false)
	case *oplog.MapDelete:
		m.put(c.Key, op.IDLp(), rdx.Null(), true)
	}
}

func (m *Map) put(key string, lp rdx.IDLp, v rdx.Value, deleted bool) {
	e := m.entries[key]
	if e != nil && !e.lp.Less(lp) {
		return
	}
	m.entries[key] = &mapEntry{value: v, lp: lp, deleted: deleted}
}

func (m *Map) Get(key string) (rdx.Value, bool) {
	e := m.entries[key]
	if e == nil || e.deleted {
		return rdx.Null(), false
	}
	return e.value, true
}

// Keys lists the live keys in order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (m *Map) Len() int {
	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (m *Map) Value() rdx.Value {
	return m.value(func(v rdx.Value) rdx.Value { return v })
}

func (m *Map) value(resolve func(rdx.Value) rdx.Value) rdx.Value {
	ret := make(map[string]rdx.Value, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			ret[k] = resolve(e.value)
		}
	}
	return rdx.MapOf(ret)
}

func (m *Map) children() (ret []rdx.ContainerID) {
	for _, e := range m.entries {
		if cid, ok := e.value.AsContainer(); ok && !e.deleted {
			ret = append(ret, cid)
		}
	}
	return
}

type mapView map[string]rdx.Value

func (m *Map) view() view {
	v := make(mapView, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			v[k] = e.value
		}
	}
	return v
}

func (v mapView) diff(after view) event.Diff {
	a := after.(mapView)
	d := &event.MapDiff{Updated: make(map[string]event.MapUpdate)}
	for k, b := range v {
		if n, ok := a[k]; !ok {
			d.Updated[k] = event.MapUpdate{Before: b, After: rdx.Null(), Existed: true}
		} else if !n.Equal(b) {
			d.Updated[k] = event.MapUpdate{Before: b, After: n, Existed: true, Exists: true}
		}
	}
	for k, n := range a {
		if _, ok := v[k]; !ok {
			d.Updated[k] = event.MapUpdate{Before: rdx.Null(), After: n, Exists: true}
		}
	}
	return d
}
