package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	//nolint:gosec // only exposed if pprofAddr config is set
	_ "net/http/pprof"

	r "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quernlabs/quern/pkg/api"
	"github.com/quernlabs/quern/pkg/hooks"
	"github.com/quernlabs/quern/pkg/observability"
	"github.com/quernlabs/quern/pkg/orchestrator"
	"github.com/quernlabs/quern/pkg/redis"
	"github.com/quernlabs/quern/pkg/scheduler"
	"github.com/quernlabs/quern/pkg/tasks"
	"github.com/quernlabs/quern/pkg/worker"
)

// Mode selects which components a server process runs
type Mode string

const (
	// ModeServe runs the query-serving process with the status API
	ModeServe Mode = "serve"
	// ModeScheduler runs the scheduled refresh worker
	ModeScheduler Mode = "scheduler"
	// ModeWorker runs the distributed build worker
	ModeWorker Mode = "worker"
)

// Server represents the main application server
type Server struct {
	log    logrus.FieldLogger
	config *Config
	mode   Mode

	redis    *r.Client
	redisOpt *r.Options
	hookSet  *hooks.ResolverFuncs
	registry *orchestrator.Registry

	taskQueue *tasks.QueueManager
	apiSvc    api.Service
	scheduler scheduler.Service
	worker    worker.Service

	pprofServer  *http.Server
	healthServer *http.Server
}

// NewServer creates a new server instance for the given mode
func NewServer(_ context.Context, log logrus.FieldLogger, config *Config, mode Mode) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	redisOpt, err := config.Redis.Options()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis.New(*config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	hookSet := hooks.NewStatic(config.Hooks)

	registry, err := orchestrator.NewRegistry(log, &config.Orchestrator, redisClient, hookSet)
	if err != nil {
		return nil, err
	}

	registry.SetDefinitions(config.PreAggregations)

	s := &Server{
		config:   config,
		log:      log,
		mode:     mode,
		redis:    redisClient,
		redisOpt: redisOpt,
		hookSet:  hookSet,
		registry: registry,
	}

	switch mode {
	case ModeServe:
		s.taskQueue = tasks.NewQueueManager(redis.NewAsynqRedisOptions(redisOpt))
		s.apiSvc = api.NewService(&config.API, registry, s.taskQueue, log)
	case ModeScheduler:
		s.taskQueue = tasks.NewQueueManager(redis.NewAsynqRedisOptions(redisOpt))

		s.scheduler, err = scheduler.NewService(log, &config.Scheduler, redisClient, redisOpt, hookSet, hookSet, registry, s.taskQueue)
		if err != nil {
			return nil, err
		}
	case ModeWorker:
		s.worker, err = worker.NewService(log, &config.Worker, registry, redisOpt)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown server mode: %s", mode)
	}

	return s, nil
}

// Start starts the server and all its components, blocking until
// shutdown completes.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	observability.StartMetricsServer(s.config.MetricsAddr)

	if err := s.registry.Start(ctx); err != nil {
		return err
	}

	if s.apiSvc != nil {
		if err := s.apiSvc.Start(ctx); err != nil {
			return err
		}
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	if s.worker != nil {
		if err := s.worker.Start(ctx); err != nil {
			return err
		}
	}

	if s.config.PProfAddr != nil {
		g.Go(func() error {
			if err := s.startPProf(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			<-ctx.Done()

			return nil
		})
	}

	if s.config.HealthCheckAddr != nil {
		g.Go(func() error {
			if err := s.startHealthCheck(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			<-ctx.Done()

			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()

		// Use a fresh context for cleanup since the current one is canceled
		return s.stopAll(context.Background())
	})

	s.log.WithField("mode", s.mode).Info("Server started")

	return g.Wait()
}

func (s *Server) stopAll(ctx context.Context) error {
	cleanupCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.log.Info("Starting graceful shutdown...")

	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			s.log.WithError(err).Error("failed to stop scheduler")
		}
	}

	if s.worker != nil {
		if err := s.worker.Stop(); err != nil {
			s.log.WithError(err).Error("failed to stop worker")
		}
	}

	if s.apiSvc != nil {
		if err := s.apiSvc.Stop(); err != nil {
			s.log.WithError(err).Error("failed to stop API service")
		}
	}

	if err := s.registry.Stop(); err != nil {
		s.log.WithError(err).Error("failed to stop orchestrator registry")
	}

	if s.taskQueue != nil {
		if err := s.taskQueue.Close(); err != nil {
			s.log.WithError(err).Error("failed to close task queue")
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.WithError(err).Error("failed to close redis")
		}
	}

	if s.pprofServer != nil {
		if err := s.pprofServer.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to shutdown pprof server")
		}
	}

	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to shutdown health server")
		}
	}

	if err := observability.StopMetricsServer(cleanupCtx); err != nil {
		s.log.WithError(err).Error("failed to stop metrics server")
	}

	s.log.Info("Server stopped gracefully")

	return nil
}

func (s *Server) startPProf() error {
	s.log.WithField("addr", *s.config.PProfAddr).Info("Starting pprof server")

	s.pprofServer = &http.Server{
		Addr:              *s.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	return s.pprofServer.ListenAndServe()
}

func (s *Server) startHealthCheck() error {
	s.log.WithField("addr", *s.config.HealthCheckAddr).Info("Starting healthcheck server")

	s.healthServer = &http.Server{
		Addr:              *s.config.HealthCheckAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	s.healthServer.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return s.healthServer.ListenAndServe()
}
