package jobq

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/jobqerr"
)

const jobqApplicationName = "jobq"

// Cancel implements spec.md §4.6: a non-blocking soft cancel that only
// ever affects pending rows. If the row is currently locked by an
// in-flight claim, cancel fails cleanly and returns false rather than
// waiting.
func (e *Engine) Cancel(ctx context.Context, jobID int64) (bool, error) {
	sqlDB := e.store.SQLDB()
	tx, err := sqlDB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("cancel: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM job_run WHERE job_id = $1 FOR UPDATE SKIP LOCKED
	`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		// Either no such job, or a claim currently holds the lock: both
		// are clean no-ops per spec.md §4.6.
		committed = true
		_ = tx.Commit()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel: select row: %w", err)
	}
	if status != string(domain.StatusPending) {
		committed = true
		_ = tx.Commit()
		return false, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE job_run SET status = 'cancelled', finished_at = $1, backend_pid = NULL, updated_at = $1
		WHERE job_id = $2
	`, now, jobID); err != nil {
		return false, fmt.Errorf("cancel: update row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("cancel: commit: %w", err)
	}
	committed = true
	e.log.Info("job cancelled", "job_id", jobID)
	return true, nil
}

// Kill implements spec.md §4.6: best-effort interruption of in-flight
// work. The pid-reuse guard (application_name + query-text check) is
// mandatory: without it a reused backend_pid could cause a signal to
// an unrelated backend.
func (e *Engine) Kill(ctx context.Context, jobID int64) (bool, error) {
	sqlDB := e.store.SQLDB()
	tx, err := sqlDB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("kill: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	var backendPID sql.NullInt32
	err = tx.QueryRowContext(ctx, `
		SELECT status, backend_pid FROM job_run WHERE job_id = $1 FOR UPDATE SKIP LOCKED
	`, jobID).Scan(&status, &backendPID)
	if err == sql.ErrNoRows {
		committed = true
		_ = tx.Commit()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kill: select row: %w", err)
	}
	if status != string(domain.StatusRunning) {
		committed = true
		_ = tx.Commit()
		return false, nil
	}

	terminated := false
	if backendPID.Valid {
		plausible, perr := e.looksLikeJobqBackend(ctx, tx, backendPID.Int32)
		if perr != nil {
			return false, fmt.Errorf("kill: inspect backend: %w", perr)
		}
		if plausible {
			if _, sigErr := tx.ExecContext(ctx, `SELECT pg_terminate_backend($1)`, backendPID.Int32); sigErr != nil {
				e.log.Warn("kill: signal suppressed", "job_id", jobID, "backend_pid", backendPID.Int32, "code", jobqerr.CodePermissionDenied, "error", sigErr)
			} else {
				terminated = true
			}
		}
	}

	now := time.Now()
	lastErrorNote := "killed by operator"
	if _, err := tx.ExecContext(ctx, `
		UPDATE job_run
		SET status = 'cancelled', finished_at = $1, backend_pid = NULL, updated_at = $1,
		    last_error = CASE WHEN last_error IS NULL OR last_error = '' THEN $2 ELSE last_error || ' | ' || $2 END
		WHERE job_id = $3
	`, now, lastErrorNote, jobID); err != nil {
		return false, fmt.Errorf("kill: update row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("kill: commit: %w", err)
	}
	committed = true
	e.log.Info("job killed", "job_id", jobID, "signal_sent", terminated)
	return terminated, nil
}

// looksLikeJobqBackend guards against the pid-reuse hazard (spec.md
// §9): before signaling, confirm the live backend at pid is still
// tagged as a jobq worker session, not some unrelated process that
// happens to reuse the OS/Postgres pid.
func (e *Engine) looksLikeJobqBackend(ctx context.Context, tx *sql.Tx, pid int32) (bool, error) {
	var appName, query string
	err := tx.QueryRowContext(ctx, `
		SELECT coalesce(application_name, ''), coalesce(query, '')
		FROM pg_stat_activity WHERE pid = $1
	`, pid).Scan(&appName, &query)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if appName != jobqApplicationName {
		return false, nil
	}
	return strings.Contains(strings.ToLower(query), "job_run"), nil
}

// RequeueOrphanedRunningJobs implements spec.md §4.6: jobs stuck in
// running whose recorded backend has disappeared from the live
// process table are either retried with backoff or failed out,
// exactly as the runner's own failure path would.
func (e *Engine) RequeueOrphanedRunningJobs(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	running, err := e.store.RunningJobs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("requeue orphans: list running: %w", err)
	}

	sqlDB := e.store.SQLDB()
	acted := 0
	for _, job := range running {
		if acted >= limit {
			break
		}
		orphaned, err := e.isOrphaned(ctx, sqlDB, job)
		if err != nil {
			return acted, fmt.Errorf("requeue orphans: liveness check job %d: %w", job.JobID, err)
		}
		if !orphaned {
			continue
		}
		ok, err := e.requeueOne(ctx, sqlDB, job)
		if err != nil {
			return acted, fmt.Errorf("requeue orphans: job %d: %w", job.JobID, err)
		}
		if ok {
			acted++
		}
	}
	if acted > 0 {
		e.log.Info("requeued orphaned jobs", "count", acted)
	}
	return acted, nil
}

func (e *Engine) isOrphaned(ctx context.Context, sqlDB *sql.DB, job *domain.Job) (bool, error) {
	if job.BackendPID == nil {
		return true, nil
	}
	var exists bool
	err := sqlDB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pg_stat_activity WHERE pid = $1)`, *job.BackendPID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (e *Engine) requeueOne(ctx context.Context, sqlDB *sql.DB, job *domain.Job) (bool, error) {
	tx, err := sqlDB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM job_run WHERE job_id = $1 FOR UPDATE SKIP LOCKED
	`, job.JobID).Scan(&status)
	if err == sql.ErrNoRows {
		committed = true
		_ = tx.Commit()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status != string(domain.StatusRunning) {
		committed = true
		_ = tx.Commit()
		return false, nil
	}

	attempt := job.AttemptCount + 1
	now := time.Now()
	note := "requeued: worker backend not found in process table"

	if attempt >= job.MaxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE job_run
			SET status = 'failed', attempt_count = $1, finished_at = $2, backend_pid = NULL, updated_at = $2,
			    last_error = CASE WHEN last_error IS NULL OR last_error = '' THEN $3 ELSE last_error || ' | ' || $3 END
			WHERE job_id = $4
		`, attempt, now, note, job.JobID)
	} else {
		delay := backoff(attempt)
		_, err = tx.ExecContext(ctx, `
			UPDATE job_run
			SET status = 'pending', attempt_count = $1, scheduled_at = $2, started_at = NULL, finished_at = NULL,
			    backend_pid = NULL, updated_at = $3,
			    last_error = CASE WHEN last_error IS NULL OR last_error = '' THEN $4 ELSE last_error || ' | ' || $4 END
			WHERE job_id = $5
		`, attempt, now.Add(delay), now, note, job.JobID)
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// PurgeOldJobs implements spec.md §4.6: a single bounded batch delete
// of finished rows past the retention window. Callers repeat until the
// return value is zero.
func (e *Engine) PurgeOldJobs(ctx context.Context, olderThan time.Duration, limit int) (int64, error) {
	n, err := e.store.DeleteFinishedBatch(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("purge old jobs: %w", err)
	}
	if n > 0 {
		e.log.Info("purged finished jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}
