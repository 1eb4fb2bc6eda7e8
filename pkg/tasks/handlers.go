package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/observability"
	"github.com/quernlabs/quern/pkg/orchestrator"
)

// TaskHandler executes partition build tasks against the orchestrator
// registry on a refresh worker.
type TaskHandler struct {
	registry *orchestrator.Registry
	log      logrus.FieldLogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(log logrus.FieldLogger, registry *orchestrator.Registry) *TaskHandler {
	return &TaskHandler{
		registry: registry,
		log:      log.WithField("component", "task-handler"),
	}
}

// HandleBuild handles partition build tasks
func (h *TaskHandler) HandleBuild(ctx context.Context, t *asynq.Task) error {
	var payload BuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log := h.log.WithFields(logrus.Fields{
		"preagg":           payload.PreAggID,
		"orchestrator_key": payload.OrchestratorKey,
		"range_start":      payload.RangeStart,
	})

	log.Info("Starting partition build task")
	startTime := time.Now()

	req := payload.RequestContext()

	inst, err := h.registry.GetOrCreate(ctx, payload.OrchestratorKey, req)
	if err != nil {
		observability.RecordError("task-handler", "instance_error")
		return fmt.Errorf("failed to resolve orchestrator instance: %w", err)
	}

	def, err := inst.PreAggregations().Get(payload.PreAggID)
	if err != nil {
		observability.RecordError("task-handler", "unknown_preagg")
		return err
	}

	if err := inst.PreAggregations().BuildPartition(ctx, nil, def, payload.Partition(), req); err != nil {
		observability.RecordError("task-handler", "build_error")
		return fmt.Errorf("build error: %w", err)
	}

	log.WithField("duration", time.Since(startTime)).Info("Partition build completed")

	return nil
}

// HandleCleanup handles retention cleanup tasks
func (h *TaskHandler) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	var payload BuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	req := payload.RequestContext()

	inst, err := h.registry.GetOrCreate(ctx, payload.OrchestratorKey, req)
	if err != nil {
		return fmt.Errorf("failed to resolve orchestrator instance: %w", err)
	}

	dropped, err := inst.PreAggregations().DropExpiredPartitions(ctx, payload.PreAggID, req)
	if err != nil {
		observability.RecordError("task-handler", "cleanup_error")
		return fmt.Errorf("cleanup error: %w", err)
	}

	if dropped > 0 {
		h.log.WithFields(logrus.Fields{
			"preagg":  payload.PreAggID,
			"dropped": dropped,
		}).Info("Retention cleanup completed")
	}

	return nil
}

// Routes returns the task handler routes for Asynq
func (h *TaskHandler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypePartitionBuild:   h.HandleBuild,
		TypePartitionCleanup: h.HandleCleanup,
	}
}
