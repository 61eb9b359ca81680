package queue

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// wrapper is the queue's ordering key for a task: lower priority values are
// more urgent, ties are broken by submission time and then by sequence.
type wrapper struct {
	task        *core.Task
	priority    int
	submittedAt time.Time
	seq         uint64
	index       int
}

// taskHeap implements heap.Interface over wrappers.
type taskHeap []*wrapper

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	w := x.(*wrapper)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
