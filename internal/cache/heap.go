package cache

import "time"

type entryKey struct {
	ns  string
	key string
}

type entry struct {
	id        entryKey
	value     []byte
	expiresAt time.Time
	index     int
}

// expiryHeap is a container/heap min-heap of entries ordered by expiresAt.
// Each entry tracks its own index so updates and removals are O(log n).
type expiryHeap []*entry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
