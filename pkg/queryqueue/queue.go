package queryqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/observability"
)

// Queue is a bounded, prioritized execution queue. Excess items wait in
// priority order; running items are subject to execution timeouts,
// heartbeat liveness checks, and orphan detection.
type Queue struct {
	log  logrus.FieldLogger
	name string
	cfg  *Config

	mu           sync.Mutex
	pending      itemHeap
	items        map[string]*item
	runningCount int
	seq          uint64
	stopped      bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// EnqueueOptions control placement and recovery of an item
type EnqueueOptions struct {
	// Priority orders pending items; higher runs first
	Priority int
	// Idempotent items are requeued once after a heartbeat expiry
	// instead of being failed
	Idempotent bool
}

// NewQueue creates a queue with the given name for metrics and logging
func NewQueue(log logrus.FieldLogger, name string, cfg *Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}

	return &Queue{
		log:    log.WithField("component", "queryqueue").WithField("queue", name),
		name:   name,
		cfg:    cfg,
		items:  make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the dispatcher and reaper goroutines
func (q *Queue) Start(ctx context.Context) error {
	q.baseCtx, q.baseCancel = context.WithCancel(ctx)

	q.wg.Add(2)
	go q.dispatchLoop()
	go q.reapLoop()

	q.log.WithField("concurrency", q.cfg.Concurrency).Info("Query queue started")

	return nil
}

// Stop cancels running items and waits for goroutines to exit
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true

	for _, it := range q.items {
		if it.state == StateRunning && it.cancelReason == nil {
			it.cancelReason = ErrCancelled
			it.cancelExec()
		}
	}
	q.mu.Unlock()

	close(q.done)
	q.baseCancel()
	q.wg.Wait()

	q.log.Info("Query queue stopped")

	return nil
}

// Enqueue adds a unit of work and returns a handle for polling
func (q *Queue) Enqueue(execute ExecuteFn, opts EnqueueOptions) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrQueueStopped
	}

	now := time.Now()
	q.seq++

	it := &item{
		id:         uuid.New().String(),
		priority:   opts.Priority,
		seq:        q.seq,
		execute:    execute,
		idempotent: opts.Idempotent,
		enqueuedAt: now,
		lastPolled: now,
		state:      StatePending,
		doneCh:     make(chan struct{}),
	}

	heap.Push(&q.pending, it)
	q.items[it.id] = it
	q.updateDepthLocked()

	q.signal()

	return &Handle{ID: it.id, item: it}, nil
}

// Poll returns the item's status and marks it as still wanted by a caller
func (q *Queue) Poll(h *Handle) (Status, error) {
	if h == nil || h.item == nil {
		return Status{}, ErrUnknownItem
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it := h.item
	it.lastPolled = time.Now()

	return Status{State: it.state, Result: it.result, Err: it.err}, nil
}

// Wait blocks up to the continue-wait timeout for the item to complete.
// If the item is still processing when the window closes, ErrContinueWait
// is returned so the caller can cheaply retry.
func (q *Queue) Wait(ctx context.Context, h *Handle, continueWait time.Duration) (Status, error) {
	if h == nil || h.item == nil {
		return Status{}, ErrUnknownItem
	}

	if continueWait <= 0 {
		continueWait = q.cfg.ContinueWaitTimeout
	}
	if continueWait > ContinueWaitMax {
		continueWait = ContinueWaitMax
	}

	// A wait counts as a poll: the caller clearly still wants the result.
	if _, err := q.Poll(h); err != nil {
		return Status{}, err
	}

	timer := time.NewTimer(continueWait)
	defer timer.Stop()

	select {
	case <-h.item.doneCh:
		return q.Poll(h)
	case <-timer.C:
		st, _ := q.Poll(h)
		return st, ErrContinueWait
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Cancel stops an item. Idempotent: cancelling a finished or already
// cancelled item is a no-op.
func (q *Queue) Cancel(h *Handle) error {
	if h == nil || h.item == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancelLocked(h.item, ErrCancelled, "cancelled")

	return nil
}

// Stats reports current queue depth
func (q *Queue) Stats() (pending, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		switch it.state {
		case StatePending:
			pending++
		case StateRunning:
			running++
		case StateDone:
		}
	}

	return pending, running
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
			q.dispatch()
		}
	}
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.runningCount < q.cfg.Concurrency && q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		if it.state != StatePending {
			// Cancelled or reaped while waiting
			continue
		}

		now := time.Now()
		it.state = StateRunning
		it.startedAt = now
		it.lastHeartbeat = now
		q.runningCount++

		execCtx, cancel := context.WithTimeout(q.baseCtx, q.cfg.ExecutionTimeout)
		it.cancelExec = cancel

		observability.QueueWaitDuration.WithLabelValues(q.name).Observe(now.Sub(it.enqueuedAt).Seconds())

		q.wg.Add(1)
		go q.run(it, execCtx)
	}

	q.updateDepthLocked()
}

func (q *Queue) run(it *item, execCtx context.Context) {
	defer q.wg.Done()
	defer it.cancelExec()

	heartbeat := func() {
		q.mu.Lock()
		it.lastHeartbeat = time.Now()
		q.mu.Unlock()
	}

	result, err := it.execute(execCtx, heartbeat)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.runningCount--

	status := "success"
	finalErr := err

	switch {
	case err == nil:
		// Completion beats a racing cancellation
	case it.cancelReason != nil:
		finalErr = it.cancelReason
		status = reasonLabel(it.cancelReason)
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = ErrExecutionTimeout
		status = "timeout"
	default:
		status = "failed"
	}

	// A heartbeat-expired idempotent item gets one more chance
	if errors.Is(finalErr, ErrHeartbeatExpired) && it.idempotent && !it.requeued {
		it.requeued = true
		it.state = StatePending
		it.cancelReason = nil
		it.cancelExec = nil
		it.lastHeartbeat = time.Time{}

		heap.Push(&q.pending, it)
		q.updateDepthLocked()
		q.signal()

		q.log.WithField("item_id", it.id).Warn("Heartbeat expired, requeueing idempotent item")

		return
	}

	it.state = StateDone
	it.result = result
	it.err = finalErr
	close(it.doneCh)

	observability.RecordQueueItemComplete(q.name, status, time.Since(it.startedAt).Seconds())
	q.updateDepthLocked()

	if finalErr != nil {
		q.log.WithError(finalErr).WithFields(logrus.Fields{
			"item_id": it.id,
			"status":  status,
		}).Warn("Queue item finished with error")
	}

	q.signal()
}

func (q *Queue) reapLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.reap()
		}
	}
}

func (q *Queue) reap() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	heartbeatDeadline := time.Duration(heartbeatMissLimit) * q.cfg.HeartbeatInterval

	for id, it := range q.items {
		switch it.state {
		case StatePending, StateRunning:
			if now.Sub(it.lastPolled) > q.cfg.OrphanedTimeout {
				q.cancelLocked(it, ErrOrphaned, "orphaned")
				continue
			}

			if it.state == StateRunning && now.Sub(it.lastHeartbeat) > heartbeatDeadline {
				q.cancelLocked(it, ErrHeartbeatExpired, "heartbeat_expired")
			}
		case StateDone:
			// Drop finished items nobody has looked at for a while
			if now.Sub(it.lastPolled) > q.cfg.OrphanedTimeout {
				delete(q.items, id)
			}
		}
	}

	q.updateDepthLocked()
}

// cancelLocked moves an item toward a terminal state for the given
// reason. Explicit, orphaned, and heartbeat cancellations all take this
// path. Caller holds q.mu.
func (q *Queue) cancelLocked(it *item, reason error, label string) {
	switch it.state {
	case StatePending:
		it.state = StateDone
		it.err = reason
		close(it.doneCh)
		observability.RecordQueueItemComplete(q.name, label, 0)

		q.log.WithError(reason).WithField("item_id", it.id).Info("Cancelled pending queue item")
	case StateRunning:
		if it.cancelReason == nil {
			it.cancelReason = reason
			it.cancelExec()
		}
	case StateDone:
		// Idempotent no-op
	}
}

func (q *Queue) updateDepthLocked() {
	var pending, running float64

	for _, it := range q.items {
		switch it.state {
		case StatePending:
			pending++
		case StateRunning:
			running++
		case StateDone:
		}
	}

	observability.QueueDepth.WithLabelValues(q.name, "pending").Set(pending)
	observability.QueueDepth.WithLabelValues(q.name, "running").Set(running)
}

func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrOrphaned):
		return "orphaned"
	case errors.Is(reason, ErrHeartbeatExpired):
		return "heartbeat_expired"
	case errors.Is(reason, ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}
