package router

import (
	"container/heap"
	"time"

	"github.com/anthanhphan/atapp/internal/endpoint"
)

// wakerItem is one (wake_at, endpoint) pair on the Router's waker heap.
// Go has no borrow-checked weak pointer; a popped, stale item is simply a
// harmless no-op retry (spec.md §9: "stale entries are recognized and
// dropped when the waker fires").
type wakerItem struct {
	at time.Time
	ep *endpoint.Endpoint
}

// wakerHeap is a container/heap.Interface min-heap ordered by wake time.
type wakerHeap []wakerItem

func (h wakerHeap) Len() int            { return len(h) }
func (h wakerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h wakerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *wakerHeap) Push(x interface{}) { *h = append(*h, x.(wakerItem)) }
func (h *wakerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func pushWaker(h *wakerHeap, item wakerItem) {
	heap.Push(h, item)
}

func popWaker(h *wakerHeap) wakerItem {
	return heap.Pop(h).(wakerItem)
}
