package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/voxgate/internal/api"
	"github.com/seantiz/voxgate/internal/config"
	"github.com/seantiz/voxgate/internal/gateway"
	"github.com/seantiz/voxgate/internal/model"
	"github.com/seantiz/voxgate/internal/registry"
	"github.com/seantiz/voxgate/internal/scheduler"
	"github.com/seantiz/voxgate/internal/store"
	"github.com/seantiz/voxgate/internal/transport"
)

const (
	shutdownTimeout = 15 * time.Second
	limiterIdle     = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("voxgate: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine_url", cfg.EngineURL,
		"max_pending", cfg.MaxPendingTasks,
	)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("voxgate: %v", err)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	recorder := store.NewRecorder(db, cfg.HistoryBuffer, logger)
	recorder.Start()

	dial, err := transport.NewDialer(cfg.EngineURL)
	if err != nil {
		return fmt.Errorf("engine url: %w", err)
	}
	tr := transport.New(transport.Config{
		Dial:           dial,
		BackoffInitial: cfg.ReconnectBackoffInitial,
		BackoffMax:     cfg.ReconnectBackoffMax,
	}, logger)

	reg := registry.New(registry.Config{MaxPending: cfg.MaxPendingTasks}, logger)
	progress := tr.Progress()
	reg.SetObserver(func(t *model.Task) {
		recorder.Record(t)
		progress.Observe(t)
	})
	tr.Start()

	gw := gateway.New(reg, tr, db, gateway.Config{RequestTimeout: cfg.RequestTimeout}, logger)
	pumpCtx, stopPump := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		gw.Run(pumpCtx)
	}()

	srv := api.NewServer(api.Options{
		Addr:           cfg.ListenAddr,
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, gw, db, progress, logger)

	sched := scheduler.New(logger)
	jobs := []scheduler.Job{
		scheduler.HealthCheck(tr, cfg.HealthCheckInterval),
		scheduler.RegistryCleanup(reg, progress, cfg.CleanupInterval, cfg.TaskRetention, cfg.ObservedGrace),
		scheduler.HistoryPrune(db, cfg.CleanupInterval, cfg.HistoryRetention),
	}
	if lim := srv.Limiter(); lim != nil {
		jobs = append(jobs, scheduler.LimiterPrune(lim, cfg.CleanupInterval, limiterIdle))
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	sched.Start()

	serveErr := srv.Run(ctx)

	// HTTP has drained; stop background work, then flush history.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("stop scheduler", "error", err)
	}
	stopPump()
	<-pumpDone
	if err := tr.Close(); err != nil {
		logger.Error("close engine transport", "error", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Error("flush task history", "error", err)
	}

	logger.Info("voxgate: stopped")
	return serveErr
}
