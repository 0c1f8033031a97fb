package registry

import (
	"container/heap"
	"sync"

	"github.com/kivo360/omoios/pkg/models"
)

// WorkQueue orders queued task IDs by priority, then by arrival.
type WorkQueue struct {
	mu    sync.Mutex
	items queueHeap
	index map[string]*queueItem
	seq   uint64
}

type queueItem struct {
	taskID   string
	priority models.Priority
	seq      uint64
	pos      int
}

// NewWorkQueue creates an empty queue.
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{index: make(map[string]*queueItem)}
}

// Push queues a task. Pushing a task that is already queued updates its priority.
func (q *WorkQueue) Push(taskID string, p models.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.index[taskID]; ok {
		it.priority = p
		heap.Fix(&q.items, it.pos)
		return
	}
	q.seq++
	it := &queueItem{taskID: taskID, priority: p, seq: q.seq}
	heap.Push(&q.items, it)
	q.index[taskID] = it
}

// PopReady removes and returns the best task accepted by ready.
// A nil ready accepts everything.
func (q *WorkQueue) PopReady(ready func(taskID string) bool) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*queueItem
	defer func() {
		for _, it := range skipped {
			heap.Push(&q.items, it)
		}
	}()

	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*queueItem)
		if ready == nil || ready(it.taskID) {
			delete(q.index, it.taskID)
			return it.taskID, true
		}
		skipped = append(skipped, it)
	}
	return "", false
}

// Remove drops a task from the queue if present.
func (q *WorkQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.pos)
	delete(q.index, taskID)
	return true
}

// Contains reports whether a task is queued.
func (q *WorkQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Len returns the number of queued tasks.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *queueHeap) Push(x any) {
	it := x.(*queueItem)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	it.pos = -1
	return it
}
