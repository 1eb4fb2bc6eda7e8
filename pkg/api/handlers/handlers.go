// Package handlers implements the request handlers for the status API.
package handlers

import (
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/orchestrator"
	"github.com/quernlabs/quern/pkg/tasks"
)

// Server holds the dependencies shared by all handlers
type Server struct {
	registry  *orchestrator.Registry
	taskQueue *tasks.QueueManager
	log       logrus.FieldLogger
}

// NewServer creates a new API server instance
func NewServer(registry *orchestrator.Registry, taskQueue *tasks.QueueManager, log logrus.FieldLogger) *Server {
	return &Server{
		registry:  registry,
		taskQueue: taskQueue,
		log:       log.WithField("component", "api.handlers"),
	}
}

// Register attaches all routes to the given router group
func (s *Server) Register(router fiber.Router) {
	router.Get("/orchestrators", s.ListOrchestrators)
	router.Get("/orchestrators/:key/queue", s.GetQueueStats)
	router.Get("/orchestrators/:key/pre-aggregations", s.ListPreAggregations)
	router.Get("/orchestrators/:key/pre-aggregations/:id/partitions", s.ListPartitions)
	router.Get("/tasks", s.GetTaskQueueStats)
}

// ListOrchestrators returns all live orchestrator instances
func (s *Server) ListOrchestrators(c fiber.Ctx) error {
	keys := s.registry.Keys()

	items := make([]OrchestratorInfo, 0, len(keys))

	for _, key := range keys {
		inst, ok := s.registry.Get(key)
		if !ok {
			continue
		}

		pending, running := inst.Queue().Stats()

		items = append(items, OrchestratorInfo{
			Key:          key,
			CreatedAt:    inst.CreatedAt(),
			QueuePending: pending,
			QueueRunning: running,
		})
	}

	return c.JSON(OrchestratorListResponse{
		Orchestrators: items,
		ModelsCached:  s.registry.ModelsCached(),
	})
}

// GetQueueStats returns query queue statistics for one orchestrator
func (s *Server) GetQueueStats(c fiber.Ctx) error {
	inst, ok := s.registry.Get(c.Params("key"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "orchestrator not found")
	}

	pending, running := inst.Queue().Stats()

	return c.JSON(QueueStatsResponse{
		Pending: pending,
		Running: running,
	})
}

// ListPreAggregations returns the registered pre-aggregations of one
// orchestrator in refresh order.
func (s *Server) ListPreAggregations(c fiber.Ctx) error {
	inst, ok := s.registry.Get(c.Params("key"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "orchestrator not found")
	}

	manager := inst.PreAggregations()

	items := make([]PreAggregationInfo, 0)

	for _, id := range manager.RefreshOrder() {
		def, err := manager.Get(id)
		if err != nil {
			continue
		}

		items = append(items, PreAggregationInfo{
			ID:          def.ID,
			Granularity: def.Granularity.String(),
			Retention:   def.Retention.String(),
			DependsOn:   def.DependsOn,
		})
	}

	return c.JSON(PreAggregationListResponse{PreAggregations: items})
}

// ListPartitions returns the persisted partition state for one
// pre-aggregation.
func (s *Server) ListPartitions(c fiber.Ctx) error {
	inst, ok := s.registry.Get(c.Params("key"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "orchestrator not found")
	}

	states, err := inst.PreAggregations().PartitionStates(c.Context(), c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	items := make([]PartitionInfo, 0, len(states))
	for key, state := range states {
		items = append(items, PartitionInfo{
			Key:     key,
			Token:   state.Token,
			BuiltAt: state.BuiltAt,
			Table:   state.Table,
		})
	}

	return c.JSON(PartitionListResponse{Partitions: items})
}

// GetTaskQueueStats returns statistics for the distributed build queue
func (s *Server) GetTaskQueueStats(c fiber.Ctx) error {
	if s.taskQueue == nil {
		return fiber.NewError(fiber.StatusNotFound, "task queue not configured")
	}

	info, err := s.taskQueue.GetQueueStats()
	if err != nil {
		s.log.WithError(err).Error("Failed to fetch task queue stats")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch task queue stats")
	}

	return c.JSON(TaskQueueStatsResponse{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Retry:     info.Retry,
		Completed: info.Completed,
		Failed:    info.Failed,
	})
}
