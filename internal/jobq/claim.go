package jobq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/pkg/logger"
	"github.com/yungbote/jobq/internal/platform/config"
)

// ClaimPlanner implements spec.md §4.3: select the next runnable job
// under global parallelism and connection-headroom constraints, and
// atomically transition it to running.
type ClaimPlanner struct {
	store    Store
	slots    *SlotPool
	cfgFn    func() config.Queue
	workerID string
	log      *logger.Logger
}

func NewClaimPlanner(store Store, slots *SlotPool, cfgFn func() config.Queue, workerID string, log *logger.Logger) *ClaimPlanner {
	return &ClaimPlanner{store: store, slots: slots, cfgFn: cfgFn, workerID: workerID, log: log.With("component", "claim_planner")}
}

// Claimed is the (job_id, slot_id) pair spec.md §4.3 returns.
type Claimed struct {
	Job  *domain.Job
	Slot *Slot
}

// headroom computes free = max(max_connections - active_backends, 0).
func (p *ClaimPlanner) headroom(ctx context.Context) (free int, err error) {
	sqlDB := p.store.SQLDB()
	if sqlDB == nil {
		return 0, fmt.Errorf("claim planner: store has no sql.DB")
	}
	var maxConnections int
	if err := sqlDB.QueryRowContext(ctx, `SHOW max_connections`).Scan(&maxConnections); err != nil {
		return 0, fmt.Errorf("claim planner: read max_connections: %w", err)
	}
	var active int
	if err := sqlDB.QueryRowContext(ctx,
		`SELECT count(*) FROM pg_stat_activity WHERE datname = current_database()`,
	).Scan(&active); err != nil {
		return 0, fmt.Errorf("claim planner: read active backends: %w", err)
	}
	free = maxConnections - active
	if free < 0 {
		free = 0
	}
	return free, nil
}

// ClaimNextJob runs spec.md §4.3 steps 1-5. Returns (nil, nil) when no
// job could be claimed (either no headroom, every slot is busy, or no
// runnable row exists) — a benign, expected outcome, not an error.
func (p *ClaimPlanner) ClaimNextJob(ctx context.Context) (*Claimed, error) {
	cfg := p.cfgFn()

	free, err := p.headroom(ctx)
	if err != nil {
		return nil, err
	}
	if free <= cfg.MinFreeConnections {
		p.log.Debug("claim: connection headroom exhausted, yielding", "free", free, "min_free_connections", cfg.MinFreeConnections)
		return nil, nil
	}

	slot, err := p.slots.TryAcquire(ctx, cfg.MaxParallelJobs)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		p.log.Debug("claim: no free parallelism slot")
		return nil, nil
	}

	job, err := p.selectAndTransition(ctx, slot)
	if err != nil {
		_ = slot.Release(ctx)
		return nil, err
	}
	if job == nil {
		if relErr := slot.Release(ctx); relErr != nil {
			p.log.Warn("claim: release unused slot", "error", relErr)
		}
		return nil, nil
	}
	return &Claimed{Job: job, Slot: slot}, nil
}

func (p *ClaimPlanner) selectAndTransition(ctx context.Context, slot *Slot) (*domain.Job, error) {
	tx, err := slot.Conn().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now()
	var job domain.Job
	var resultBlobPath, correlationID, lastError, runBy sql.NullString
	var backendPID sql.NullInt32
	var startedAt, finishedAt sql.NullTime

	row := tx.QueryRowContext(ctx, `
		SELECT job_id, query_sql, storage_account, storage_container, result_blob_path,
		       scheduled_at, created_at, updated_at, started_at, finished_at,
		       priority, correlation_id, status, attempt_count, max_attempts,
		       max_runtime_ns, last_error, run_by, backend_pid
		FROM job_run
		WHERE status = 'pending' AND scheduled_at <= $1 AND attempt_count < max_attempts
		ORDER BY priority DESC, scheduled_at ASC, job_id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now)

	err = row.Scan(
		&job.JobID, &job.QuerySQL, &job.StorageAccount, &job.StorageContainer, &resultBlobPath,
		&job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
		&job.Priority, &correlationID, &job.Status, &job.AttemptCount, &job.MaxAttempts,
		&job.MaxRuntimeNS, &lastError, &runBy, &backendPID,
	)
	if err == sql.ErrNoRows {
		committed = true
		_ = tx.Commit()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: select pending row: %w", err)
	}
	nullableAssign(&job.ResultBlobPath, resultBlobPath)
	nullableAssign(&job.CorrelationID, correlationID)
	nullableAssign(&job.LastError, lastError)
	nullableAssign(&job.RunBy, runBy)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	var backendPIDValue int32
	if err := tx.QueryRowContext(ctx, `SELECT pg_backend_pid()`).Scan(&backendPIDValue); err != nil {
		return nil, fmt.Errorf("claim: read backend pid: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_run
		SET status = 'running', started_at = $1, attempt_count = attempt_count + 1,
		    run_by = $2, backend_pid = $3, updated_at = $1
		WHERE job_id = $4
	`, now, p.workerID, backendPIDValue, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("claim: transition to running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}
	committed = true

	job.Status = domain.StatusRunning
	job.StartedAt = &now
	job.AttemptCount++
	job.RunBy = &p.workerID
	job.BackendPID = &backendPIDValue
	return &job, nil
}

func nullableAssign(dst **string, ns sql.NullString) {
	if ns.Valid {
		v := ns.String
		*dst = &v
	}
}
