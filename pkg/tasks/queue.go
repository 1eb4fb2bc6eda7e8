package tasks

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quernlabs/quern/pkg/observability"
)

// QueueManager manages build task queuing
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewQueueManager creates a new queue manager
func NewQueueManager(redisOpt *asynq.RedisClientOpt) *QueueManager {
	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
	}
}

// EnqueueBuild enqueues a partition build task. Duplicate builds of the
// same partition collapse via the task ID; that is expected when
// processing is slower than scheduling.
func (q *QueueManager) EnqueueBuild(payload BuildPayload, trigger string, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypePartitionBuild, data)

	defaultOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(QueueName),
		asynq.MaxRetry(3),
		asynq.Timeout(30 * time.Minute),
	}

	allOpts := defaultOpts
	allOpts = append(allOpts, opts...)

	if _, err := q.client.Enqueue(task, allOpts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}

		return err
	}

	observability.RecordTaskEnqueued(payload.PreAggID, trigger)

	return nil
}

// EnqueueCleanup enqueues a retention cleanup task for a pre-aggregation
func (q *QueueManager) EnqueueCleanup(payload BuildPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypePartitionCleanup, data)

	opts := []asynq.Option{
		asynq.TaskID("cleanup:" + payload.OrchestratorKey + ":" + payload.PreAggID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(1),
		asynq.Timeout(10 * time.Minute),
	}

	if _, err := q.client.Enqueue(task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}

		return err
	}

	return nil
}

// IsTaskPendingOrRunning checks if a build is pending or running
func (q *QueueManager) IsTaskPendingOrRunning(payload BuildPayload) (bool, error) {
	info, err := q.inspector.GetTaskInfo(QueueName, payload.UniqueID())
	if err != nil {
		if strings.Contains(err.Error(), "NOT FOUND") || strings.Contains(err.Error(), "queue not found") || strings.Contains(err.Error(), "task not found") {
			return false, nil
		}
		return false, err
	}

	return info.State == asynq.TaskStatePending ||
		info.State == asynq.TaskStateActive ||
		info.State == asynq.TaskStateRetry, nil
}

// GetQueueStats returns queue statistics
func (q *QueueManager) GetQueueStats() (*asynq.QueueInfo, error) {
	return q.inspector.GetQueueInfo(QueueName)
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	return q.client.Close()
}
