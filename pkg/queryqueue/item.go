package queryqueue

import (
	"container/heap"
	"context"
	"time"
)

// State describes where an item is in its lifecycle
type State string

const (
	// StatePending means the item is waiting for a worker slot
	StatePending State = "pending"
	// StateRunning means a worker is executing the item
	StateRunning State = "running"
	// StateDone means the item reached a terminal state
	StateDone State = "done"
)

// ExecuteFn is the unit of work a queue item runs. Implementations must
// call heartbeat at least once per heartbeat interval while alive and
// must honor ctx cancellation.
type ExecuteFn func(ctx context.Context, heartbeat func()) (interface{}, error)

// Status is a point-in-time view of an item
type Status struct {
	State  State
	Result interface{}
	Err    error
}

// Handle identifies an enqueued item to callers
type Handle struct {
	ID string

	item *item
}

type item struct {
	id         string
	priority   int
	seq        uint64
	execute    ExecuteFn
	idempotent bool

	enqueuedAt    time.Time
	startedAt     time.Time
	lastPolled    time.Time
	lastHeartbeat time.Time

	state    State
	result   interface{}
	err      error
	requeued bool

	// cancelReason is set before cancelling the execution context so the
	// runner can distinguish orphan/heartbeat/explicit cancellation from
	// an execution timeout.
	cancelReason error
	cancelExec   context.CancelFunc

	doneCh chan struct{}
}

// itemHeap orders pending items by priority (higher first), ties broken
// by enqueue order (FIFO within a priority band).
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}

	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*item))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return it
}

var _ heap.Interface = (*itemHeap)(nil)
