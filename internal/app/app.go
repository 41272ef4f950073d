package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/coursebridge/assignments-backend/internal/data/db"
	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/temporalx/temporalworker"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Repos    Repos
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics

	scheduler      *scheduler
	temporalRunner *temporalworker.Runner
	otelShutdown   func(context.Context) error
	cancel         context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	dbService, err := db.NewService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	theDB := dbService.DB()
	if err := db.AutoMigrateAll(theDB); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	metrics := observability.Init(log)

	reposet := wireRepos(theDB, log)

	clientset, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	serviceset, err := wireServices(theDB, log, cfg, reposet, clientset, metrics)
	if err != nil {
		clientset.Close()
		log.Sync()
		return nil, err
	}

	sched, err := newScheduler(log, cfg, reposet.Tasks, clientset.Redis, clientset.Temporal)
	if err != nil {
		clientset.Close()
		log.Sync()
		return nil, err
	}

	var tRunner *temporalworker.Runner
	if clientset.Temporal != nil {
		tRunner, err = temporalworker.NewRunner(log, clientset.Temporal, serviceset.Sweeps)
		if err != nil {
			clientset.Close()
			log.Sync()
			return nil, fmt.Errorf("init temporal worker: %w", err)
		}
	}

	return &App{
		Log:            log,
		DB:             theDB,
		Cfg:            cfg,
		Repos:          reposet,
		Clients:        clientset,
		Services:       serviceset,
		Metrics:        metrics,
		scheduler:      sched,
		temporalRunner: tRunner,
	}, nil
}

func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: "assignments",
		Environment: a.Cfg.Env,
		Version:     a.Cfg.Version,
	})

	if a.Services.JobWorker != nil {
		a.Services.JobWorker.Start(ctx)
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}
	if a.temporalRunner != nil {
		go func() {
			if err := a.temporalRunner.Start(ctx); err != nil {
				a.Log.Error("temporal worker failed to start", "error", err)
			}
		}()
	}

	if a.Metrics != nil {
		a.Metrics.StartPostgresCollector(ctx, a.Log, a.DB)
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			a.Metrics.StartRedisCollector(ctx, a.Log, addr)
		}
		a.Metrics.StartTaskQueueCollector(ctx, a.Log, a.DB)
		a.Metrics.StartSLOEvaluator(ctx, a.Log)
		if a.Cfg.MetricsAddr != "" {
			a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		}
	}
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Metrics != nil {
		a.Metrics.LogSnapshot(a.Log)
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
		a.otelShutdown = nil
	}
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
