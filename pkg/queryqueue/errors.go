package queryqueue

import "errors"

var (
	// ErrExecutionTimeout is returned when an item exceeds its execution timeout
	ErrExecutionTimeout = errors.New("query execution timed out")
	// ErrOrphaned is returned when no caller polled an item within the orphaned timeout
	ErrOrphaned = errors.New("query orphaned: no caller polling")
	// ErrHeartbeatExpired is returned when a worker misses too many heartbeats
	ErrHeartbeatExpired = errors.New("worker heartbeat expired")
	// ErrCancelled is returned for explicitly cancelled items
	ErrCancelled = errors.New("query cancelled")
	// ErrContinueWait signals the caller should retry: the item is still processing
	ErrContinueWait = errors.New("continue wait: still processing")
	// ErrQueueStopped is returned when enqueueing into a stopped queue
	ErrQueueStopped = errors.New("queue stopped")
	// ErrUnknownItem is returned for handles the queue does not know
	ErrUnknownItem = errors.New("unknown queue item")
)
