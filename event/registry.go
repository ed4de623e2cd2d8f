package event

import (
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/kniga/rdx"
)

// Subscribers is a registry of callbacks keyed by an increasing id.
// Registration and removal are safe from any goroutine; Emit calls the
// callbacks in registration order on the calling goroutine.
type Subscribers[T any] struct {
	subs *xsync.MapOf[uint64, *Subscription[T]]
	seq  atomic.Uint64
}

func NewSubscribers[T any]() *Subscribers[T] {
	return &Subscribers[T]{
		subs: xsync.NewMapOf[uint64, *Subscription[T]](),
	}
}

// Subscription is the handle of a registered callback.
type Subscription[T any] struct {
	id     uint64
	fn     func(T)
	active atomic.Bool
	owner  *Subscribers[T]
}

func (s *Subscribers[T]) Subscribe(fn func(T)) *Subscription[T] {
	sub := &Subscription[T]{
		id:    s.seq.Add(1),
		fn:    fn,
		owner: s,
	}
	sub.active.Store(true)
	s.subs.Store(sub.id, sub)
	return sub
}

// Unsubscribe is idempotent. A callback being delivered to right now
// finishes; it is not called again after Unsubscribe returns.
func (sub *Subscription[T]) Unsubscribe() {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}
	sub.owner.subs.Delete(sub.id)
}

func (sub *Subscription[T]) Active() bool {
	return sub.active.Load()
}

func (s *Subscribers[T]) Len() int {
	return s.subs.Size()
}

func (s *Subscribers[T]) snapshot() []*Subscription[T] {
	list := make([]*Subscription[T], 0, s.subs.Size())
	s.subs.Range(func(_ uint64, sub *Subscription[T]) bool {
		list = append(list, sub)
		return true
	})
	slices.SortFunc(list, func(a, b *Subscription[T]) int {
		if a.id < b.id {
			return -1
		} else if a.id > b.id {
			return 1
		}
		return 0
	})
	return list
}

func (s *Subscribers[T]) Emit(v T) {
	for _, sub := range s.snapshot() {
		if sub.active.Load() {
			sub.fn(v)
		}
	}
}

// Listener receives document diff events.
type Listener func(e *DiffEvent)

type target struct {
	cid  rdx.ContainerID
	root bool
}

// Registry routes diff events to root and per-container subscribers.
type Registry struct {
	subs *Subscribers[*DiffEvent]
}

func NewRegistry() *Registry {
	return &Registry{subs: NewSubscribers[*DiffEvent]()}
}

// SubscribeRoot receives every event.
func (r *Registry) SubscribeRoot(fn Listener) *Subscription[*DiffEvent] {
	return r.subscribe(target{root: true}, fn)
}

// Subscribe receives the diffs of the container and its descendants.
func (r *Registry) Subscribe(cid rdx.ContainerID, fn Listener) *Subscription[*DiffEvent] {
	return r.subscribe(target{cid: cid}, fn)
}

func (r *Registry) subscribe(t target, fn Listener) *Subscription[*DiffEvent] {
	return r.subs.Subscribe(func(e *DiffEvent) {
		if t.root {
			fn(e)
			return
		}
		if narrowed := e.Narrow(t.cid); narrowed != nil {
			fn(narrowed)
		}
	})
}

func (r *Registry) Emit(e *DiffEvent) {
	if len(e.Events) == 0 {
		return
	}
	r.subs.Emit(e)
}

func (r *Registry) Len() int {
	return r.subs.Len()
}
