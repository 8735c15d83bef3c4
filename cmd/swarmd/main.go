// swarmd is the control plane for a swarm of autonomous game-client agents.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockforge/swarmd/internal/admission"
	"github.com/blockforge/swarmd/internal/approval"
	"github.com/blockforge/swarmd/internal/autonomy"
	"github.com/blockforge/swarmd/internal/config"
	"github.com/blockforge/swarmd/internal/coordinator"
	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/driver/simdriver"
	"github.com/blockforge/swarmd/internal/driver/wsdriver"
	"github.com/blockforge/swarmd/internal/experience"
	"github.com/blockforge/swarmd/internal/httpapi"
	"github.com/blockforge/swarmd/internal/observer"
	"github.com/blockforge/swarmd/internal/orchestrator"
	"github.com/blockforge/swarmd/internal/planner"
	"github.com/blockforge/swarmd/internal/policy"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/router"
	"github.com/blockforge/swarmd/internal/schedule"
	"github.com/blockforge/swarmd/internal/session"
	"github.com/blockforge/swarmd/internal/store"
	"github.com/blockforge/swarmd/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to swarmd.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("swarmd %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	logger.Info("swarmd starting",
		zap.String("version", version),
		zap.String("driver", cfg.Driver.Mode),
		zap.String("listen", cfg.ListenAddr),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = shutdownTracing(shutdownCtx)
	}()

	var drv driver.Driver
	switch cfg.Driver.Mode {
	case "websocket":
		ws := wsdriver.New(cfg.Driver.GatewayURL, cfg.Driver.AuthToken, logger.Named("wsdriver"))
		go func() {
			if err := ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("gateway connection ended", zap.Error(err))
			}
		}()
		drv = ws
	default:
		sim := simdriver.New(logger.Named("simdriver"))
		drv = sim
		logger.Info("running against the in-process world simulation")
	}

	reg := registry.New(logger.Named("registry"))
	obs := observer.New(drv, observer.Config{
		ScanRadius:      cfg.Observer.ScanRadius,
		BlockScanRadius: cfg.Observer.BlockScanRadius,
		UpdateInterval:  cfg.Observer.UpdateInterval.Std(),
		EventHistory:    cfg.Observer.EventHistory,
	}, logger.Named("observer"))
	go obs.Run(ctx)
	defer obs.Close()

	eng := policy.NewEngine(policy.Config{
		RequestsPerMinute:    cfg.Policy.RequestsPerMinute,
		MaxTasksPerAgent:     cfg.Policy.MaxTasksPerAgent,
		Allowlist:            policy.DefaultConfig().Allowlist,
		ExtraDangerousBlocks: cfg.Policy.ExtraDangerousBlocks,
	}, logger.Named("policy"))

	// Outcome archive; routing degrades to memory-only when it cannot open.
	var archive *store.Store
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Warn("cannot create data dir, outcomes will not be persisted",
			zap.String("dir", cfg.DataDir), zap.Error(err))
	} else {
		archive, err = store.Open(filepath.Join(cfg.DataDir, "archive.db"), logger.Named("store"))
		if err != nil {
			logger.Warn("cannot open outcome archive", zap.Error(err))
			archive = nil
		} else {
			defer archive.Close()
		}
	}

	var sink router.Sink
	var archiver experience.Archiver
	if archive != nil {
		sink = archive
		archiver = archive
	}

	rt := router.New(drv, reg, eng, eng, sink, router.Config{
		TaskTimeout:                 cfg.Router.TaskTimeout.Std(),
		RequireApprovalForDangerous: cfg.Router.RequireApprovalForDangerous,
	}, logger.Named("router"))

	queue := approval.NewQueue(cfg.Approval.TicketTTL.Std(), cfg.Approval.MaxSize, logger.Named("approval"))
	queue.StartReaper(time.Minute, ctx.Done())

	host := admission.New(eng, rt, queue, logger.Named("admission"))
	pl := planner.New(obs, reg, planner.Config{
		MaxPlanLength: cfg.Planner.MaxPlanLength,
		CacheTTL:      cfg.Planner.CacheTTL.Std(),
	}, logger.Named("planner"))
	exp := experience.New(cfg.Experience.Capacity, archiver)

	var sessions *session.Store
	if key := cfg.SessionKey(); key != nil {
		sessions, err = session.Open(filepath.Join(cfg.DataDir, "sessions.db"), key, logger.Named("session"))
		if err != nil {
			logger.Warn("cannot open session store, reconnects disabled", zap.Error(err))
			sessions = nil
		} else {
			defer sessions.Close()
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Driver:      drv,
		Observer:    obs,
		Planner:     pl,
		Registry:    reg,
		Coordinator: coordinator.New(reg, logger.Named("coordinator")),
		Host:        host,
		Experience:  exp,
		Sessions:    sessions,
		LoopConfig: autonomy.Config{
			LoopInterval:   cfg.Autonomy.LoopInterval.Std(),
			StaleThreshold: cfg.Autonomy.StaleThreshold.Std(),
			HistorySize:    cfg.Autonomy.HistorySize,
			GoalQueueSize:  cfg.Autonomy.GoalQueueSize,
		},
		Logger: logger.Named("orchestrator"),
	})

	sched := schedule.New(orch, schedule.DefaultCheckInterval, logger.Named("schedule"))
	for i, sc := range cfg.Schedules {
		id := fmt.Sprintf("config-%d", i)
		if _, err := sched.Add(id, sc.Cron, sc.Goal, sc.Context); err != nil {
			logger.Warn("skipping configured schedule", zap.String("id", id), zap.Error(err))
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	api := &httpapi.Server{
		Orchestrator: orch,
		Registry:     reg,
		Host:         host,
		Planner:      pl,
		Experience:   exp,
		Scheduler:    sched,
		Logger:       logger.Named("api"),
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	// Stop loops and disconnect agents before the driver goes away.
	orch.EmergencyReset(shutdownCtx)
	if archive != nil {
		archive.Flush()
	}
	logger.Info("swarmd stopped")
}

func buildLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
