package dispatcher

import (
	"context"
	"sync"

	"clawbernetes/internal/model"
)

type evicted struct {
	node     model.NodeID
	workload model.WorkloadID
}

// evictionQueue unbounded FIFO; push never blocks.
type evictionQueue struct {
	mu     sync.Mutex
	items  []evicted
	notify chan struct{}
}

func newEvictionQueue() *evictionQueue {
	return &evictionQueue{notify: make(chan struct{}, 1)}
}

func (q *evictionQueue) push(node model.NodeID, workloads []model.WorkloadID) {
	q.mu.Lock()
	for _, w := range workloads {
		q.items = append(q.items, evicted{node: node, workload: w})
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *evictionQueue) tryPop() (evicted, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return evicted{}, false
	}
	item := q.items[0]
	q.items[0] = evicted{}
	q.items = q.items[1:]
	return item, true
}

func (q *evictionQueue) pop(ctx context.Context) (evicted, bool) {
	for {
		if item, ok := q.tryPop(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return evicted{}, false
		case <-q.notify:
		}
	}
}

func (q *evictionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
