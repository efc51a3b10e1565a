package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keel/internal/balancer"
	"github.com/MrSnakeDoc/keel/internal/config"
	"github.com/MrSnakeDoc/keel/internal/executor"
	"github.com/MrSnakeDoc/keel/internal/fault"
	"github.com/MrSnakeDoc/keel/internal/health"
	"github.com/MrSnakeDoc/keel/internal/httpserver"
	"github.com/MrSnakeDoc/keel/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keel/internal/lifecycle"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/metrics"
	"github.com/MrSnakeDoc/keel/internal/orchestrator"
	"github.com/MrSnakeDoc/keel/internal/redis"
	"github.com/MrSnakeDoc/keel/internal/registry"
	"github.com/MrSnakeDoc/keel/internal/scheduler"
	redisstore "github.com/MrSnakeDoc/keel/internal/store/redis"
	"github.com/MrSnakeDoc/keel/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	core        *orchestrator.Core
	server      *httpserver.Server
	redisClient *goredis.Client
	reloader    *scheduler.ManifestReloader
	gc          *scheduler.GarbageCollector
}

func New() (*App, error) {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)
	met := metrics.New()

	var exec lifecycle.Executor
	switch cfg.Executor {
	case "simulated":
		loggerClient.Warn("simulated executor selected, no process will be spawned")
		exec = executor.NewSimulated()
	default:
		exec = executor.NewProcess(loggerClient)
	}

	core, err := orchestrator.New(exec, orchestrator.Config{
		Registry: registry.Config{
			MaxServices:  cfg.MaxServices,
			MaxInstances: cfg.MaxInstances,
			HistorySize:  cfg.HealthHistory,
		},
		Lifecycle: lifecycle.Config{
			TransitionTimeout: cfg.TransitionTimeout,
			StopPolicy:        cfg.StopPolicy,
			DependencyPolicy:  cfg.DependencyPolicy,
		},
		Health: health.Config{ReconcileInterval: cfg.ReconcileInterval},
		Balancer: balancer.Config{
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		},
		Fault: fault.Config{
			MaxConcurrent: cfg.MaxRecoveries,
			Ceiling:       cfg.RecoveryCeiling,
		},
		CallTimeout:    cfg.CallTimeout,
		StopOnShutdown: cfg.StopOnShutdown,
	}, loggerClient, met)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	// Persistence is optional: the registry stays authoritative and the keel
	// runs from memory when Redis is absent or unreachable.
	var (
		redisClient *goredis.Client
		writer      scheduler.DefinitionWriter
		deleter     scheduler.DefinitionDeleter
		pinger      deps.Pinger
	)
	if cfg.PersistenceEnabled() {
		redisClient, err = redis.New(context.Background(), redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, loggerClient)
		if err != nil {
			loggerClient.Warn("continuing without persistence", logger.Error(err))
		}
	} else {
		loggerClient.Info("redis address not configured, persistence disabled")
	}

	if redisClient != nil {
		store := redisstore.NewStore(redisClient)
		writer, deleter, pinger = store, store, store
		core.SetFaultReporter(store)

		syncer := scheduler.NewStateSyncer(store, core, loggerClient)
		if err := syncer.Sync(context.Background()); err != nil {
			loggerClient.Warn("failed to sync from redis on startup",
				logger.Error(err))
		}
	}

	var (
		reloader      *scheduler.ManifestReloader
		reloadTrigger chan struct{}
	)
	if cfg.ManifestFile != "" {
		reloadTrigger = make(chan struct{}, 1)
		reloader = scheduler.NewManifestReloader(
			cfg.ManifestFile,
			core,
			writer,
			loggerClient,
			cfg.ReloadInterval,
			cfg.WatchManifest,
			reloadTrigger,
		)
	} else {
		loggerClient.Info("no manifest configured, services are managed through the API only")
	}

	gc := scheduler.NewGarbageCollector(
		core,
		deleter,
		loggerClient,
		cfg.GCInterval,
		cfg.GCThreshold,
	)

	d := deps.Deps{
		Logger:         loggerClient,
		StartTime:      time.Now(),
		Version:        version.Version,
		Commit:         version.Commit,
		BuildDate:      version.BuildDate,
		GoVersion:      version.GoVersion,
		AllowedCIDRS:   cfg.AllowedCIDRS,
		TrustProxy:     cfg.TrustProxy,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Core:           core,
		Store:          pinger,
		Metrics:        met,
		ManifestFile:   cfg.ManifestFile,
		ReloadTrigger:  reloadTrigger,
	}

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		core:        core,
		server:      httpserver.New(cfg, loggerClient, d),
		redisClient: redisClient,
		reloader:    reloader,
		gc:          gc,
	}, nil
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting %s on %s", version.String(), a.cfg.ListenPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.core.Start()

	if a.reloader != nil {
		if err := a.reloader.Start(ctx); err != nil {
			a.shutdownCore()
			return fmt.Errorf("failed to start manifest reloader: %w", err)
		}
		a.logger.Info("manifest reloader started",
			logger.String("file", a.cfg.ManifestFile),
			logger.Duration("interval", a.cfg.ReloadInterval),
			logger.Bool("watch", a.cfg.WatchManifest))
	}

	a.gc.Start(ctx)
	a.logger.Info("garbage collector started",
		logger.Duration("interval", a.cfg.GCInterval))

	if a.cfg.StartOnBoot {
		go func() {
			if err := a.core.StartAll(ctx); err != nil {
				a.logger.Error("some services failed to start on boot", logger.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	if a.reloader != nil {
		a.reloader.Stop()
	}
	a.gc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("failed to stop server", logger.Error(err))
	}
	if err := a.core.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("services did not stop cleanly", logger.Error(err))
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	if runErr == nil {
		a.logger.Info("✅ keel stopped cleanly")
	}
	_ = a.logger.Sync()
	return runErr
}

func (a *App) shutdownCore() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	_ = a.core.Shutdown(ctx)
}
