// Command coordinatord is the coordination plane daemon: it wires every
// C1-C13 component to a shared Store and Bus, drives the sweeps and
// pollers each component's own doc comments say a daemon must drive, and
// serves a single /healthz status surface. It has no TUI, no CLI
// subcommands, and no REPL — operators talk to the swarm through the
// Store's data directory (tasks.db, mail/, logs/) and the agents they run
// separately, not through this process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/config"
	"github.com/basket/coordplane/internal/coordination/agents"
	"github.com/basket/coordplane/internal/coordination/changelog"
	"github.com/basket/coordplane/internal/coordination/conflict"
	"github.com/basket/coordplane/internal/coordination/governor"
	"github.com/basket/coordplane/internal/coordination/leases"
	"github.com/basket/coordplane/internal/coordination/messaging"
	"github.com/basket/coordplane/internal/coordination/offlinequeue"
	"github.com/basket/coordplane/internal/coordination/quality"
	coordsync "github.com/basket/coordplane/internal/coordination/sync"
	"github.com/basket/coordplane/internal/coordination/tasks"
	"github.com/basket/coordplane/internal/errcode"
	"github.com/basket/coordplane/internal/obs"
	"github.com/basket/coordplane/internal/scheduledtasks"
	"github.com/basket/coordplane/internal/skillsregistry"
	"github.com/basket/coordplane/internal/store"
	"github.com/basket/coordplane/internal/telemetry"
	"github.com/basket/coordplane/internal/validation"
)

func main() {
	configPath := flag.String("config", os.Getenv("COORDPLANE_CONFIG"), "path to the daemon's config.yaml (optional; defaults applied when absent)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.Root, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "root", cfg.Root, "mode", string(cfg.Mode))

	for _, dir := range []string{cfg.Root, cfg.LogDir(), filepath.Dir(cfg.SyncStatePath()), cfg.MailDir(), filepath.Dir(cfg.SkillTaxonomyPath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatalStartup(logger, "E_DATA_DIR", err)
		}
	}

	otelProvider, err := obs.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := obs.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	_ = metrics // instruments are registered; components record against them as they're extended to do so

	eventBus := bus.NewWithLogger(logger)

	db, err := store.Open(ctx, cfg.StoreDBPath(), store.WithLogger(logger), store.WithBus(eventBus))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	skills := skillsregistry.New()
	if err := skills.Load(cfg.SkillTaxonomyPath()); err != nil {
		fatalStartup(logger, "E_SKILLS_LOAD", err)
	}
	skillsWatcher := skillsregistry.NewWatcher(cfg.SkillTaxonomyPath(), skills, logger)
	if err := skillsWatcher.Start(ctx); err != nil {
		logger.Warn("skill taxonomy watcher failed to start, falling back to the snapshot loaded at boot", "error", err)
	}

	validator := validation.NewRegistry()

	taskRegistry := tasks.New(db, eventBus, logger).WithValidator(validator)
	agentRegistry := agents.New(db, eventBus, logger)
	leaseManager := leases.New(db, eventBus, logger)
	messageBus := messaging.New(db, eventBus, messaging.Config{
		DefaultExpiry: cfg.Messages.DefaultExpiryMs.Std(),
	}, logger).WithValidator(validator)
	qualityLedger := quality.New(db, eventBus, quality.Config{
		CoverageDropWarningPoints: cfg.Quality.CoverageDropWarningPoints,
	}, logger)
	changeLog := changelog.New(db)
	conflictResolver := conflict.New(eventBus, logger)

	queueHandler := remotePushHandler(cfg)
	offlineQueue := offlinequeue.New(db, eventBus, queueHandler, offlinequeue.Config{
		BaseDelay:           cfg.Queue.BaseDelayMs.Std(),
		MaxDelay:            cfg.Queue.MaxDelayMs.Std(),
		MaxAttempts:         cfg.Queue.MaxAttempts,
		HealthCheckInterval: cfg.Queue.HealthCheckIntervalMs.Std(),
		HealthCheckURL:      cfg.Cloudflare.WorkerURL,
	}, logger)

	syncEngine := coordsync.New(changeLog, offlineQueue, conflictResolver, eventBus, coordsync.Config{
		EdgeURL:         cfg.Cloudflare.WorkerURL,
		APIToken:        cfg.Cloudflare.APIToken,
		ClientID:        cfg.ClientID,
		BatchSize:       cfg.Sync.BatchSize,
		MaxRetries:      cfg.Sync.MaxRetries,
		Timeout:         cfg.Sync.TimeoutMs.Std(),
		PollingInterval: cfg.Sync.PollingIntervalMs.Std(),
		StatePath:       cfg.SyncStatePath(),
	}, logger)

	runtimeGovernor := governor.New(db, eventBus, governor.Limits{
		MaxCycles:              cfg.Runtime.MaxCycles,
		MaxRuntime:              cfg.Runtime.MaxRuntimeMs.Std(),
		IdleTimeout:             cfg.Runtime.IdleTimeoutMs.Std(),
		MaxConsecutiveFailures:  cfg.Runtime.MaxConsecutiveFailures,
		CheckInterval:           cfg.Runtime.CheckIntervalMs.Std(),
	}, nil, logger)

	scheduledTrigger := scheduledtasks.New(db, eventBus, logger)
	for _, sc := range cfg.Schedules {
		if err := scheduledTrigger.Register(scheduledtasks.Schedule{
			Name:     sc.ID,
			CronExpr: sc.Cron,
			Factory: func() store.TaskInput {
				return store.TaskInput{
					Title:    sc.Title,
					Type:     sc.Type,
					Priority: store.Priority(sc.Priority),
				}
			},
		}); err != nil {
			fatalStartup(logger, "E_SCHEDULE_REGISTER", fmt.Errorf("%s: %w", sc.ID, err))
		}
	}
	scheduledTrigger.Start()
	defer scheduledTrigger.Stop()

	var wg sync.WaitGroup

	runTicker(ctx, &wg, cfg.Leases.SweepIntervalMs.Std(), func(tickCtx context.Context) {
		n, err := leaseManager.Sweep(tickCtx)
		if err != nil {
			logger.Error("lease sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("lease sweep", "force_released", n)
		}
	})

	runTicker(ctx, &wg, cfg.Messages.SweepIntervalMs.Std(), func(tickCtx context.Context) {
		n, err := messageBus.Sweep(tickCtx, time.Now().UTC())
		if err != nil {
			logger.Error("message sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("message sweep", "expired", n)
		}
	})

	runTicker(ctx, &wg, cfg.Queue.HealthCheckIntervalMs.Std(), func(tickCtx context.Context) {
		if err := offlineQueue.RunHealthCheck(tickCtx); err != nil {
			logger.Error("offline queue health check failed", "error", err)
		}
	})

	if cfg.RemoteRequired() && cfg.Sync.AutoSync {
		stopPoll := syncEngine.StartAutoPoll(ctx)
		defer stopPoll()
	}

	runtimeGovernor.Start(ctx)
	defer runtimeGovernor.Stop()

	logger.Info("startup phase", "phase", "ready", "health_addr", cfg.HealthAddr)

	healthSrv := newHealthServer(healthDeps{
		addr:      cfg.HealthAddr,
		store:     db,
		governor:  runtimeGovernor,
		queue:     offlineQueue,
		sync:      syncEngine,
		tasks:     taskRegistry,
		agents:    agentRegistry,
		quality:   qualityLedger,
		logger:    logger,
	})
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	wg.Wait()
	logger.Info("shutdown complete")
}

// runTicker runs fn on interval until ctx is cancelled, tracked by wg so
// main can be confident every sweep goroutine has stopped before exit.
// A non-positive interval disables the sweep entirely (some deployments
// run a single sweep concern out-of-process).
func runTicker(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
			}
		}
	}()
}

// remotePushHandler builds the offline queue's delivery function against
// the configured Cloudflare Worker edge peer. In local mode (no worker
// configured) it is never invoked since nothing enqueues changes without
// a remote peer, but it still has to be a non-nil Handler for Queue.New.
func remotePushHandler(cfg config.Config) offlinequeue.Handler {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, change *store.QueuedChange) error {
		if cfg.Cloudflare.WorkerURL == "" {
			return errcode.New(errcode.NetworkError, "no edge peer configured", nil)
		}
		body, err := json.Marshal(change)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Cloudflare.WorkerURL+"/changes", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.Cloudflare.APIToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Cloudflare.APIToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			return errcode.New(errcode.NetworkError, "push change", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errcode.New(errcode.NetworkError, fmt.Sprintf("edge peer returned %d", resp.StatusCode), nil)
		}
		if resp.StatusCode >= 400 {
			return errcode.New(errcode.Conflict, fmt.Sprintf("edge peer rejected change: %d", resp.StatusCode), nil)
		}
		return nil
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":%q,"level":"ERROR","component":"coordinatord","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
