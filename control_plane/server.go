package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/auth"
	"github.com/itskum47/forgeci/control_plane/cache"
	"github.com/itskum47/forgeci/control_plane/config"
	"github.com/itskum47/forgeci/control_plane/console"
	"github.com/itskum47/forgeci/control_plane/coordination"
	"github.com/itskum47/forgeci/control_plane/dashboard"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/idempotency"
	"github.com/itskum47/forgeci/control_plane/jobstatus"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/registry"
	"github.com/itskum47/forgeci/control_plane/remoting"
	"github.com/itskum47/forgeci/control_plane/scheduler"
	"github.com/itskum47/forgeci/control_plane/store"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

// App holds every long-lived component of the control plane.
type App struct {
	Config *config.Config
	Log    *logger.Logger

	Store     store.Store
	Guard     idempotency.Guard
	Publisher streaming.Publisher
	Topics    *streaming.Topics

	JobEvents    *streaming.Bus[domain.JobStatusChanged]
	StageEvents  *streaming.Bus[domain.StageStatusChanged]
	ConfigEvents *streaming.Bus[pipelineconfig.ConfigChanged]

	Pipelines    *pipelineconfig.Service
	Agents       *registry.Registry
	JobStatus    *jobstatus.Service
	Assignments  *cache.AgentAssignment
	Stages       *cache.StageStatusCache
	Dashboard    *cache.DashboardCache
	Builder      *dashboard.Builder
	Scheduler    *scheduler.Scheduler
	Console      *console.Store
	Relocator    *console.Relocator
	Activity     *console.ActivityMonitor
	AgentMonitor *coordination.AgentMonitor
	Remoting     *remoting.Service
	Signer       *auth.Signer
	Hub          *DashboardHub

	closers []func() error
}

// NewApp builds and wires the components. Nothing runs until Start and the
// worker loops are started by the caller.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	app := &App{Config: cfg, Log: log}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.Store = st
	app.closers = append(app.closers, st.Close)

	if cfg.Redis.Enabled {
		guard, err := idempotency.NewRedisGuard(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, idempotency.DefaultTTL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("using redis for completion claims", zap.String("addr", cfg.Redis.Addr))
		app.Guard = guard
		app.closers = append(app.closers, guard.Close)
	} else {
		app.Guard = idempotency.NewMemoryGuard(idempotency.DefaultTTL)
	}

	if cfg.NATS.URL != "" {
		pub, err := streaming.NewNATSPublisher(cfg.NATS, log)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		app.Publisher = pub
	} else {
		app.Publisher = streaming.NewLogPublisher(log)
	}
	app.closers = append(app.closers, app.Publisher.Close)

	app.Topics = streaming.NewTopics(log)
	app.JobEvents = streaming.NewBus[domain.JobStatusChanged]("job-status")
	app.StageEvents = streaming.NewBus[domain.StageStatusChanged]("stage-status")
	app.ConfigEvents = streaming.NewBus[pipelineconfig.ConfigChanged]("config")

	app.Pipelines = pipelineconfig.NewService(pipelineconfig.FileSource{Path: cfg.Pipelines.ConfigFile}, app.ConfigEvents, log)
	app.Agents = registry.New(st, cfg.Agents.LostContactTimeout, log)
	app.JobStatus = jobstatus.NewService(st, app.Agents, app.JobEvents, app.StageEvents, log)

	app.Assignments = cache.NewAgentAssignment(st)
	app.Stages = cache.NewStageStatusCache(st)
	app.Dashboard = cache.NewDashboardCache()
	app.Builder = dashboard.NewBuilder(app.Pipelines, app.Stages, app.Dashboard, log)
	app.Hub = NewDashboardHub(app.Dashboard, log)

	app.Scheduler = scheduler.NewScheduler(st, app.Agents, app.JobStatus, app.Assignments, app.Pipelines,
		scheduler.Config{QueueThreshold: cfg.Scheduler.QueueThreshold}, log)

	app.Console = console.NewStore(cfg.Console.Dir, log)
	app.Relocator = console.NewRelocator(app.Console, cfg.Console.ArtifactsDir, app.Guard, log)
	app.Activity = console.NewActivityMonitor(app.Console, st, app.JobStatus,
		cfg.Console.CheckInterval, cfg.Console.DefaultTimeout, log)
	app.AgentMonitor = coordination.NewAgentMonitor(app.Agents, cfg.Agents.MonitorInterval, log)

	app.Signer = auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if app.Signer.UsesDevSecret() {
		log.Warn("auth.jwt_secret is not set, using the development secret")
	}
	app.Remoting = remoting.NewService(app.Agents, app.Scheduler, app.JobStatus, st, app.Console,
		scheduler.NewTokenBucketLimiter(cfg.Agents.PingRate, cfg.Agents.PingBurst),
		cfg.Agents.PingTimeout, log)

	app.subscribe()
	return app, nil
}

// subscribe registers every listener. Within a topic handlers run in
// subscription order, so the stage cache is updated before the dashboard
// builder reads it.
func (app *App) subscribe() {
	t := app.Topics

	app.Stages.Register(t.Dashboard, app.ConfigEvents, app.StageEvents)
	app.Builder.Register(t.Dashboard, app.ConfigEvents, app.StageEvents)

	app.Assignments.Register(t.JobStatus, app.JobEvents)
	app.Scheduler.Register(t.Scheduling, app.StageEvents)
	app.Relocator.Register(t.Completion, app.JobEvents)
	app.Activity.Register(t.Console, app.JobEvents)

	exporter := streaming.NewExporter(app.Publisher, app.Config.NATS.SubjectPrefix, t.Export, app.Log)
	streaming.Export(exporter, app.JobEvents, "job.status_changed")
	streaming.Export(exporter, app.StageEvents, "stage.status_changed")
}

// Start loads persisted state. The pipeline config is loaded first so the
// scheduler can resolve the jobs it rehydrates.
func (app *App) Start(ctx context.Context) error {
	if err := app.Pipelines.Reload(ctx); err != nil {
		return fmt.Errorf("load pipeline config: %w", err)
	}
	if err := app.Agents.Load(ctx); err != nil {
		return err
	}
	if err := app.Scheduler.RehydrateQueue(ctx); err != nil {
		return fmt.Errorf("rehydrate queue: %w", err)
	}
	if err := app.Activity.Load(ctx); err != nil {
		return fmt.Errorf("load running jobs: %w", err)
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.Log.Warn("close failed", zap.Error(err))
		}
	}
	app.closers = nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.DSN, int32(cfg.MaxConns))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}
