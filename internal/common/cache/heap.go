package cache

import "time"

// expiryNode records when a given generation of a key expires.
type expiryNode struct {
	key        string
	expiresAt  time.Time
	generation uint64
}

// expiryHeap is a min-heap of expiry nodes ordered by expiresAt.
type expiryHeap []expiryNode

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) {
	*h = append(*h, x.(expiryNode))
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	*h = old[:n-1]
	return node
}
