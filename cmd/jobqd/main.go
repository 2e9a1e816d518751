package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/jobq/internal/jobq"
	"github.com/yungbote/jobq/internal/pkg/logger"
	"github.com/yungbote/jobq/internal/platform/blobstore"
	"github.com/yungbote/jobq/internal/platform/config"
	"github.com/yungbote/jobq/internal/platform/db"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// App wires jobqd's daemon process: a postgres-backed Engine driven by
// a tight poll loop for RunNextJob and a cron schedule for maintenance
// sweeps, mirroring the teacher's app.App lifecycle (New/Start/Close).
type App struct {
	Log    *logger.Logger
	DB     *db.Service
	Engine *jobq.Engine
	Blob   *blobstore.Store
	cron   *cron.Cron
	cancel context.CancelFunc
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

	log.Info("loading environment variables")
	pgCfg := config.LoadPostgres(log)
	queueCfg := config.LoadQueue(log)

	pg, err := db.Open(pgCfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	blob, err := blobstore.New(context.Background(), log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init blobstore: %w", err)
	}

	store := jobq.NewStore(pg.DB())
	executor := newShellExecutor(blob, log)
	workerID := config.GetEnv("JOBQ_WORKER_ID", "", log)
	engine := jobq.NewEngine(store, executor, queueCfg, workerID, log)

	return &App{Log: log, DB: pg, Engine: engine, Blob: blob, cron: cron.New()}, nil
}

// Start launches the poll loop and the maintenance cron schedule. It
// returns immediately; work happens on background goroutines governed
// by ctx.
func (a *App) Start(ctx context.Context) {
	if a == nil || a.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	pollEvery := config.GetEnvAsDuration("JOBQ_POLL_INTERVAL", time.Second, a.Log)
	orphanLimit := config.GetEnvAsInt("JOBQ_ORPHAN_SWEEP_LIMIT", 100, a.Log)
	purgeAfter := config.GetEnvAsDuration("JOBQ_PURGE_AFTER", 30*24*time.Hour, a.Log)
	purgeBatch := config.GetEnvAsInt("JOBQ_PURGE_BATCH", 500, a.Log)

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return a.pollLoop(groupCtx, pollEvery) })

	if _, err := a.cron.AddFunc("@every 1m", func() {
		if _, err := a.Engine.RequeueOrphanedRunningJobs(runCtx, orphanLimit); err != nil {
			a.Log.Warn("maintenance: requeue orphans failed", "error", err)
		}
	}); err != nil {
		a.Log.Warn("maintenance: schedule requeue orphans failed", "error", err)
	}
	if _, err := a.cron.AddFunc("@every 1h", func() {
		for {
			n, err := a.Engine.PurgeOldJobs(runCtx, purgeAfter, purgeBatch)
			if err != nil {
				a.Log.Warn("maintenance: purge old jobs failed", "error", err)
				return
			}
			if n == 0 {
				return
			}
		}
	}); err != nil {
		a.Log.Warn("maintenance: schedule purge failed", "error", err)
	}
	if _, err := a.cron.AddFunc("@every 30s", func() {
		a.Engine.LogQueueMetrics(runCtx)
	}); err != nil {
		a.Log.Warn("maintenance: schedule metrics failed", "error", err)
	}
	a.cron.Start()

	go func() {
		if err := group.Wait(); err != nil && runCtx.Err() == nil {
			a.Log.Error("poll loop exited unexpectedly", "error", err)
		}
	}()
}

// pollLoop is the RunNextJob driver: tight enough to react to new
// pending work quickly, cheap enough (one headroom check plus at most
// max_parallel_jobs advisory-lock probes) to run every second
// indefinitely.
func (a *App) pollLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Engine.RunNextJob(ctx); err != nil {
				a.Log.Warn("run_next_job failed", "error", err)
			}
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
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.Blob != nil {
		_ = a.Blob.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

func main() {
	a, err := New()
	if err != nil {
		fmt.Printf("failed to initialize jobqd: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runWorker := envTrue("JOBQ_RUN_WORKER", true)
	if runWorker {
		a.Start(ctx)
	}

	<-ctx.Done()
	a.Log.Info("shutting down")
}
