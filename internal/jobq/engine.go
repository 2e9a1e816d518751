// Package jobq implements the durable analytical-export job queue:
// enqueue admission, the claim planner, the runner, the two-phase
// driver, and the maintenance + metrics operations (spec.md §2).
package jobq

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/yungbote/jobq/internal/pkg/logger"
	"github.com/yungbote/jobq/internal/platform/config"
)

// Engine composes the claim planner, runner, and job store behind the
// public API spec.md §6.1 names, and is the single type cmd/jobqd
// wires up.
type Engine struct {
	store Store
	slots *SlotPool
	claim *ClaimPlanner
	run   *Runner
	cfg   config.Queue
	log   *logger.Logger
}

// NewEngine wires an Engine. workerID identifies this process in the
// job row's run_by column; pass "" to derive hostname-<uuid>.
func NewEngine(store Store, executor Executor, cfg config.Queue, workerID string, log *logger.Logger) *Engine {
	engineLog := log.With("component", "engine")
	if workerID == "" {
		workerID = defaultWorkerID()
	}
	slots := NewSlotPool(store.SQLDB(), cfg.AdvisoryNamespace, engineLog)
	claim := NewClaimPlanner(store, slots, func() config.Queue { return cfg }, workerID, engineLog)
	runner := NewRunner(executor, engineLog)
	return &Engine{store: store, slots: slots, claim: claim, run: runner, cfg: cfg, log: engineLog}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobq-worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

// RunNextJob is the sole worker entry point (spec.md §4.5): it claims
// at most one job (transaction T1, committed before the work starts)
// and, if one was claimed, runs it to a terminal or retry state
// (transaction T2). Idempotent and safe to call concurrently from N
// workers/processes.
func (e *Engine) RunNextJob(ctx context.Context) error {
	claimed, err := e.claim.ClaimNextJob(ctx)
	if err != nil {
		return fmt.Errorf("run_next_job: claim: %w", err)
	}
	if claimed == nil {
		return nil
	}
	e.log.Info("claimed job", "job_id", claimed.Job.JobID, "slot_id", claimed.Slot.ID, "attempt_count", claimed.Job.AttemptCount)
	if err := e.run.Run(ctx, claimed); err != nil {
		return fmt.Errorf("run_next_job: run: %w", err)
	}
	return nil
}
