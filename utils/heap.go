package utils

import "golang.org/x/exp/constraints"

// Heap is a binary min-heap of values ordered by their keys.
// Values with equal keys pop in no particular order.
// The zero Heap is empty and ready to use.
type Heap[K constraints.Ordered, V any] struct {
	items []heapItem[K, V]
}

type heapItem[K constraints.Ordered, V any] struct {
	key K
	val V
}

func (h *Heap[K, V]) Len() int {
	return len(h.items)
}

func (h *Heap[K, V]) Push(key K, val V) {
	h.items = append(h.items, heapItem[K, V]{key, val})
	h.siftUp(len(h.items) - 1)
}

// Peek returns the minimum key and its value without removing them.
func (h *Heap[K, V]) Peek() (key K, val V, ok bool) {
	if len(h.items) == 0 {
		return
	}
	return h.items[0].key, h.items[0].val, true
}

// Pop removes and returns the minimum key and its value.
// Pop panics on an empty heap.
func (h *Heap[K, V]) Pop() (K, V) {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items[last] = heapItem[K, V]{}
	h.items = h.items[:last]
	h.siftDown(0)
	return top.key, top.val
}

func (h *Heap[K, V]) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[parent].key <= h.items[i].key {
			return
		}
		h.items[parent], h.items[i] = h.items[i], h.items[parent]
		i = parent
	}
}

func (h *Heap[K, V]) siftDown(i int) {
	n := len(h.items)
	for {
		least := i
		for _, child := range [2]int{2*i + 1, 2*i + 2} {
			if child < n && h.items[child].key < h.items[least].key {
				least = child
			}
		}
		if least == i {
			return
		}
		h.items[least], h.items[i] = h.items[i], h.items[least]
		i = least
	}
}
