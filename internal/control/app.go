// Package control wires the campaign engine together: storage selection,
// migrations, redis side channels, the messaging gateway client, the
// scheduler and state synchronizer, the periodic ticks and the control
// HTTP API.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/campaigner/internal/core/config"
	"github.com/vietddude/campaigner/internal/engine/queue"
	"github.com/vietddude/campaigner/internal/engine/scheduler"
	"github.com/vietddude/campaigner/internal/engine/syncer"
	"github.com/vietddude/campaigner/internal/infra/audit"
	"github.com/vietddude/campaigner/internal/infra/gateway"
	redisclient "github.com/vietddude/campaigner/internal/infra/redis"
	"github.com/vietddude/campaigner/internal/infra/storage"
	"github.com/vietddude/campaigner/internal/infra/storage/memory"
	"github.com/vietddude/campaigner/internal/infra/storage/postgres"
)

// Config holds the application configuration.
type Config struct {
	Port     int
	Engine   config.EngineConfig
	Gateway  config.GatewayConfig
	Redis    redisclient.Config
	Database postgres.Config
}

// App is the assembled campaign engine.
type App struct {
	cfg         Config
	store       storage.Store
	db          *postgres.DB
	redisClient *redisclient.Client
	scheduler   *scheduler.Scheduler
	syncer      *syncer.Syncer
	cron        *cron.Cron
	server      *Server
	log         *slog.Logger

	cancelRun context.CancelFunc
}

// NewApp creates an App with all dependencies initialized.
func NewApp(cfg Config) (*App, error) {
	log := slog.Default()

	// 1. Storage
	var store storage.Store
	var db *postgres.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			return nil, err
		}
		store = postgres.NewStore(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store = memory.NewStore()
		log.Info("Using Memory storage")
	}

	// 2. Redis side channels (optional). Without redis the error log is
	// in-memory and audit events are dropped.
	var redisClient *redisclient.Client
	var errorLog queue.ErrorLog = queue.NewMemoryErrorLog()
	var sink audit.Sink = audit.NopSink{}
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		errorLog = redisclient.NewErrorLog(redisClient, 5)
		sink = audit.NewRedisSink(redisClient, log)
		log.Info("Redis side channels enabled")
	}

	// 3. Messaging gateway
	if cfg.Gateway.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	gw := gateway.NewHTTPGateway(cfg.Gateway.URL, cfg.Gateway.Timeout)

	// 4. Engine
	sched := scheduler.New(store, gw, scheduler.Options{
		LockStaleness: cfg.Engine.LockStaleness,
		Audit:         sink,
		Logger:        log,
		Queue: queue.Options{
			ChunkSize:      cfg.Engine.ChunkSize,
			ChunkThreshold: cfg.Engine.ChunkThreshold,
			DefaultRegion:  cfg.Engine.DefaultRegion,
			ErrorLog:       errorLog,
			Logger:         log,
		},
	})
	sync := syncer.New(store, sched.Registry(), sink, log)

	app := &App{
		cfg:         cfg,
		store:       store,
		db:          db,
		redisClient: redisClient,
		scheduler:   sched,
		syncer:      sync,
		cron:        cron.New(),
		log:         log,
	}
	app.server = NewServer(sched, app.healthReport, fmt.Sprintf(":%d", cfg.Port), log)
	return app, nil
}

// Scheduler exposes the campaign scheduler (used by tests).
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Start performs startup recovery and launches the ticks and the HTTP
// server. Campaign processing runs under a context derived from ctx.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel

	// Campaigns persisted as running belong to a dead process: pause
	// them before accepting any lifecycle command.
	if err := a.syncer.RecoverOnStartup(runCtx); err != nil {
		cancel()
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	a.scheduler.Start(runCtx)

	if _, err := a.cron.AddFunc(every(a.cfg.Engine.ScheduleInterval), func() {
		a.scheduler.CheckScheduled(runCtx)
	}); err != nil {
		cancel()
		return err
	}
	if _, err := a.cron.AddFunc(every(a.cfg.Engine.SyncInterval), func() {
		a.syncer.Flush(runCtx)
	}); err != nil {
		cancel()
		return err
	}
	a.cron.Start()

	if a.db != nil {
		a.db.StartMetricsCollector(runCtx)
	}

	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()

	a.log.Info("campaigner started", "port", a.cfg.Port)
	return nil
}

// Stop shuts down gracefully: stop the ticks, stop accepting requests,
// pause every active campaign, flush state, close connections.
func (a *App) Stop(ctx context.Context) error {
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	if err := a.server.Stop(ctx); err != nil {
		a.log.Warn("HTTP server shutdown failed", "error", err)
	}

	if err := a.scheduler.Shutdown(ctx); err != nil {
		a.log.Warn("scheduler shutdown incomplete", "error", err)
	}

	// One last flush so paused counters are durable before close.
	a.syncer.Flush(ctx)

	if a.cancelRun != nil {
		a.cancelRun()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("failed to close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("failed to close database", "error", err)
		}
	}

	a.log.Info("campaigner stopped")
	return nil
}

// healthReport probes each component for the /health endpoint.
func (a *App) healthReport(ctx context.Context) map[string]string {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	components := make(map[string]string)

	if a.db != nil {
		if err := a.db.Health(probeCtx); err != nil {
			components["database"] = err.Error()
		} else {
			components["database"] = "ok"
		}
	} else {
		components["database"] = "memory"
	}

	if a.redisClient != nil {
		if err := a.redisClient.Health(probeCtx); err != nil {
			components["redis"] = err.Error()
		} else {
			components["redis"] = "ok"
		}
	} else {
		components["redis"] = "disabled"
	}

	return components
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
