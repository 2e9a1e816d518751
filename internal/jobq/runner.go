package jobq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/jobqerr"
	"github.com/yungbote/jobq/internal/pkg/logger"
)

// Runner implements spec.md §4.4: executes a claimed job via the
// external Executor, enforces the per-job deadline, and maps the
// outcome onto the job's next state.
type Runner struct {
	executor Executor
	log      *logger.Logger
}

func NewRunner(executor Executor, log *logger.Logger) *Runner {
	return &Runner{executor: executor, log: log.With("component", "runner")}
}

// Run executes claimed.Job via the slot's pinned connection and
// releases the slot exactly once before returning, regardless of
// outcome (spec.md §4.4 step 7).
func (r *Runner) Run(ctx context.Context, claimed *Claimed) (err error) {
	slot := claimed.Slot
	defer func() {
		if relErr := slot.Release(ctx); relErr != nil {
			r.log.Error("runner: slot release failed", "job_id", claimed.Job.JobID, "slot_id", slot.ID, "error", relErr)
		}
	}()
	defer func() {
		// Defensive: a panic inside Run must not leak the slot. Defers
		// run LIFO, so this recover runs first and turns the panic into
		// an error; the slot release registered above runs after it.
		if p := recover(); p != nil {
			err = fmt.Errorf("runner: panic: %v", p)
		}
	}()

	job, err := r.lockRunningRow(ctx, slot, claimed.Job.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		// Benign race: job vanished or moved out of running between
		// commit of T1 and start of T2 (e.g. killed concurrently).
		r.log.Warn("runner: job no longer running, skipping", "job_id", claimed.Job.JobID)
		return nil
	}

	now := time.Now()
	path := blobPath(job.JobID, job.CorrelationID, now)
	runtime := clampMaxRuntime(job.MaxRuntime())
	deadline := now.Add(runtime)

	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	execErr := r.executor.ExecuteReadOnlyToBlob(execCtx, job.QuerySQL, job.StorageAccount, job.StorageContainer, path, deadline)
	if execErr != nil {
		return r.fail(ctx, slot, job, path, execErr)
	}
	return r.succeed(ctx, slot, job, path)
}

func (r *Runner) lockRunningRow(ctx context.Context, slot *Slot, jobID int64) (*domain.Job, error) {
	tx, err := slot.Conn().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("runner: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job domain.Job
	var resultBlobPath, correlationID, lastError, runBy sql.NullString
	var backendPID sql.NullInt32
	var startedAt, finishedAt sql.NullTime
	row := tx.QueryRowContext(ctx, `
		SELECT job_id, query_sql, storage_account, storage_container, result_blob_path,
		       scheduled_at, created_at, updated_at, started_at, finished_at,
		       priority, correlation_id, status, attempt_count, max_attempts,
		       max_runtime_ns, last_error, run_by, backend_pid
		FROM job_run WHERE job_id = $1 FOR UPDATE
	`, jobID)
	err = row.Scan(
		&job.JobID, &job.QuerySQL, &job.StorageAccount, &job.StorageContainer, &resultBlobPath,
		&job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
		&job.Priority, &correlationID, &job.Status, &job.AttemptCount, &job.MaxAttempts,
		&job.MaxRuntimeNS, &lastError, &runBy, &backendPID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runner: lock row: %w", err)
	}
	if job.Status != domain.StatusRunning {
		return nil, nil
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
	// Read-only lock acquisition; the actual mutation happens in its
	// own transaction in succeed/fail so the long executor call below
	// never runs inside an open transaction.
	return &job, nil
}

func (r *Runner) succeed(ctx context.Context, slot *Slot, job *domain.Job, path string) error {
	tx, err := slot.Conn().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("runner: begin success tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE job_run
		SET status = 'succeeded', finished_at = $1, result_blob_path = $2,
		    last_error = NULL, backend_pid = NULL, updated_at = $1
		WHERE job_id = $3
	`, now, path, job.JobID)
	if err != nil {
		return fmt.Errorf("runner: mark succeeded: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner: commit success: %w", err)
	}
	committed = true
	r.log.Info("job succeeded", "job_id", job.JobID, "result_blob_path", path)
	return nil
}

func (r *Runner) fail(ctx context.Context, slot *Slot, job *domain.Job, path string, execErr error) error {
	diagnostic := fmt.Sprintf("[%s] %s", jobqerr.Classify(execErr), execErr.Error())
	diagnostic = truncateDiagnostic(diagnostic, domain.MaxLastErrorLen)

	tx, err := slot.Conn().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("runner: begin fail tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	n := job.AttemptCount
	now := time.Now()
	composed := appendDiagnostic(job.LastError, diagnostic, domain.MaxLastErrorLen)

	if n >= job.MaxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE job_run
			SET status = 'failed', finished_at = $1, last_error = $2, backend_pid = NULL, updated_at = $1
			WHERE job_id = $3
		`, now, composed, job.JobID)
		if err != nil {
			return fmt.Errorf("runner: mark failed: %w", err)
		}
		r.log.Warn("job failed, attempts exhausted", "job_id", job.JobID, "attempt_count", n, "max_attempts", job.MaxAttempts)
	} else {
		delay := backoff(n)
		_, err = tx.ExecContext(ctx, `
			UPDATE job_run
			SET status = 'pending', scheduled_at = $1, started_at = NULL, finished_at = NULL,
			    last_error = $2, backend_pid = NULL, updated_at = $3
			WHERE job_id = $4
		`, now.Add(delay), composed, now, job.JobID)
		if err != nil {
			return fmt.Errorf("runner: mark pending for retry: %w", err)
		}
		r.log.Warn("job failed, scheduled for retry", "job_id", job.JobID, "attempt_count", n, "max_attempts", job.MaxAttempts, "retry_in", delay)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner: commit failure path: %w", err)
	}
	committed = true
	return nil
}
