package jobs

import (
	"container/heap"
	"context"
	"sync"
)

// Priority levels for queued ids. Higher values are dequeued first.
const (
	PriorityNormal = 10
	PriorityHigh   = 20 // second-pass re-queues
)

// Backend feeds job ids to workers and arbitrates which worker may run an id.
type Backend interface {
	Push(ctx context.Context, id string, priority int) error
	// Pop blocks until an id is available or ctx is done.
	Pop(ctx context.Context) (string, error)
	// Acquire reports whether the caller may run id now.
	Acquire(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	// Held reports whether any worker currently holds id.
	Held(ctx context.Context, id string) (bool, error)
}

// LocalBackend is an in-process Backend: a priority queue with FIFO order
// inside each priority, plus an in-flight set.
type LocalBackend struct {
	mu       sync.Mutex
	items    idHeap
	seq      uint64
	notify   chan struct{}
	inflight map[string]struct{}
}

func NewLocalBackend() *LocalBackend {
	b := &LocalBackend{
		items:    make(idHeap, 0),
		notify:   make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
	heap.Init(&b.items)
	return b
}

func (b *LocalBackend) Push(_ context.Context, id string, priority int) error {
	b.mu.Lock()
	b.seq++
	heap.Push(&b.items, &idItem{id: id, priority: priority, seq: b.seq})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *LocalBackend) Pop(ctx context.Context) (string, error) {
	for {
		b.mu.Lock()
		if b.items.Len() > 0 {
			item := heap.Pop(&b.items).(*idItem)
			more := b.items.Len() > 0
			b.mu.Unlock()
			if more {
				// wake another waiting worker
				select {
				case b.notify <- struct{}{}:
				default:
				}
			}
			return item.id, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *LocalBackend) Acquire(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.inflight[id]; busy {
		return false, nil
	}
	b.inflight[id] = struct{}{}
	return true, nil
}

func (b *LocalBackend) Release(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.inflight, id)
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) Held(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, busy := b.inflight[id]
	return busy, nil
}

// Len returns the number of queued ids.
func (b *LocalBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items.Len()
}

type idItem struct {
	id       string
	priority int
	seq      uint64
}

type idHeap []*idItem

func (h idHeap) Len() int { return len(h) }

func (h idHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h idHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) { *h = append(*h, x.(*idItem)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
