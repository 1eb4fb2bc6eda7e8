package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/orchestrator"
	r "github.com/quernlabs/quern/pkg/redis"
	"github.com/quernlabs/quern/pkg/tasks"
)

// Service defines the public interface for the refresh worker service
type Service interface {
	// Start initializes and starts the worker service
	Start(ctx context.Context) error

	// Stop gracefully shuts down the worker service
	Stop() error
}

// service consumes partition build and cleanup tasks from the shared
// Redis queue and executes them against the orchestrator registry.
type service struct {
	config *Config
	log    logrus.FieldLogger

	registry *orchestrator.Registry
	redisOpt *redis.Options

	server *asynq.Server
	wg     sync.WaitGroup
}

// NewService creates a new refresh worker service
func NewService(log logrus.FieldLogger, cfg *Config, registry *orchestrator.Registry, redisOpt *redis.Options) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &service{
		log:      log.WithField("service", "worker"),
		config:   cfg,
		registry: registry,
		redisOpt: redisOpt,
	}, nil
}

// Start initializes and starts the worker service
func (s *service) Start(_ context.Context) error {
	handler := tasks.NewTaskHandler(s.log, s.registry)

	srv := asynq.NewServer(r.NewAsynqRedisOptions(s.redisOpt), asynq.Config{
		Concurrency: s.config.Concurrency,
		Queues: map[string]int{
			tasks.QueueName: 10,
		},
	})

	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if runErr := srv.Run(mux); runErr != nil {
			s.log.WithError(runErr).Error("Worker server stopped with error")
		}
	}()

	s.server = srv

	s.log.WithField("concurrency", s.config.Concurrency).Info("Worker service started")

	return nil
}

// Stop gracefully shuts down the worker service
func (s *service) Stop() error {
	if s.server != nil {
		s.server.Shutdown()
	}

	s.wg.Wait()

	s.log.Info("Worker service stopped")

	return nil
}

// Ensure service implements the interface
var _ Service = (*service)(nil)
