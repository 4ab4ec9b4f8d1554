package es

import "container/heap"

// MergeChronological merges per stream sequences into one sequence ordered by
// commit time, then overall position, then stream id. Each input must already
// be in dir order; the relative order within each input is kept.
func MergeChronological(dir Direction, streams ...[]Envelope) []Envelope {
	total := 0
	h := &mergeHeap{dir: dir}
	for _, s := range streams {
		total += len(s)
		if len(s) > 0 {
			h.items = append(h.items, s)
		}
	}
	heap.Init(h)
	out := make([]Envelope, 0, total)
	for h.Len() > 0 {
		head := h.items[0]
		out = append(out, head[0])
		if len(head) == 1 {
			heap.Pop(h)
			continue
		}
		h.items[0] = head[1:]
		heap.Fix(h, 0)
	}
	return out
}

type mergeHeap struct {
	dir   Direction
	items [][]Envelope
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	if h.dir == Backwards {
		return chronoLess(h.items[j][0], h.items[i][0])
	}
	return chronoLess(h.items[i][0], h.items[j][0])
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.([]Envelope)) }

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

func chronoLess(a, b Envelope) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.OverallPosition != b.OverallPosition {
		return a.OverallPosition < b.OverallPosition
	}
	return a.StreamID < b.StreamID
}
