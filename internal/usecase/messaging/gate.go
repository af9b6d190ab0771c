package messaging

import (
	"container/heap"
	"context"
	"sync"
)

// gate admits at most limit concurrent deliveries. Waiters are admitted
// lowest priority number first, FIFO within a priority.
type gate struct {
	mu      sync.Mutex
	limit   int
	active  int
	seq     uint64
	waiting waitQueue
}

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	index    int
}

func newGate(limit int) *gate {
	return &gate{limit: limit}
}

// acquire blocks until a slot is free or ctx ends. limit <= 0 never blocks.
func (g *gate) acquire(ctx context.Context, priority int) error {
	g.mu.Lock()
	if g.limit <= 0 || (g.active < g.limit && g.waiting.Len() == 0) {
		g.active++
		g.mu.Unlock()
		return nil
	}
	g.seq++
	w := &waiter{priority: priority, seq: g.seq, ready: make(chan struct{})}
	heap.Push(&g.waiting, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&g.waiting, w.index)
			g.mu.Unlock()
			return ctx.Err()
		}
		g.mu.Unlock()
		// Admitted concurrently with cancellation: hand the slot on.
		g.release()
		return ctx.Err()
	}
}

// release frees a slot, passing it straight to the most urgent waiter.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiting.Len() > 0 {
		w := heap.Pop(&g.waiting).(*waiter)
		close(w.ready)
		return
	}
	if g.active > 0 {
		g.active--
	}
}

// stats reports in-flight and queued counts.
func (g *gate) stats() (active, queued int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.waiting.Len()
}

// waitQueue implements heap.Interface.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
