package jobq

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/jobq/testutil"
	"github.com/yungbote/jobq/internal/platform/config"
)

func testEngine(t *testing.T, cfg config.Queue, executor Executor) *Engine {
	t.Helper()
	gdb := testutil.DB(t)
	testutil.Cleanup(t, gdb)
	store := NewStore(gdb)
	if cfg.MaxParallelJobs == 0 {
		cfg.MaxParallelJobs = 4
	}
	if cfg.AdvisoryNamespace == 0 {
		cfg.AdvisoryNamespace = 9_991_001
	}
	if cfg.DefaultMaxAttempts == 0 {
		cfg.DefaultMaxAttempts = 3
	}
	return NewEngine(store, executor, cfg, "test-worker", testutil.Logger(t))
}

func TestEngineEnqueueAndRunNextJobSucceeds(t *testing.T) {
	ran := false
	executor := ExecutorFunc(func(ctx context.Context, querySQL, account, container, blobPath string, deadline time.Time) error {
		ran = true
		if querySQL != "SELECT 1" {
			t.Fatalf("unexpected query_sql passed to executor: %q", querySQL)
		}
		return nil
	})
	engine := testEngine(t, config.Queue{}, executor)
	ctx := context.Background()

	jobID, err := engine.Enqueue(ctx, EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := engine.RunNextJob(ctx); err != nil {
		t.Fatalf("RunNextJob: %v", err)
	}
	if !ran {
		t.Fatalf("expected executor to run")
	}

	job, err := engine.store.GetByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if job.ResultBlobPath == nil || *job.ResultBlobPath == "" {
		t.Fatalf("expected result_blob_path to be set")
	}
}

func TestEngineRunNextJobRetriesOnFailure(t *testing.T) {
	calls := 0
	executor := ExecutorFunc(func(ctx context.Context, querySQL, account, container, blobPath string, deadline time.Time) error {
		calls++
		return errFakeExecution
	})
	engine := testEngine(t, config.Queue{}, executor)
	ctx := context.Background()

	maxAttempts := 2
	jobID, err := engine.Enqueue(ctx, EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := engine.store.UpdateFields(ctx, jobID, map[string]any{"max_attempts": maxAttempts}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	if err := engine.RunNextJob(ctx); err != nil {
		t.Fatalf("RunNextJob #1: %v", err)
	}
	job, err := engine.store.GetByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.StatusPending {
		t.Fatalf("expected pending after first failure, got %s", job.Status)
	}
	if job.ScheduledAt.Before(time.Now()) {
		t.Fatalf("expected retry to be scheduled in the future")
	}

	// Force the retry to be immediately runnable and exhaust attempts.
	if err := engine.store.UpdateFields(ctx, jobID, map[string]any{"scheduled_at": time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	if err := engine.RunNextJob(ctx); err != nil {
		t.Fatalf("RunNextJob #2: %v", err)
	}
	job, err = engine.store.GetByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.StatusFailed {
		t.Fatalf("expected failed after attempts exhausted, got %s", job.Status)
	}
	if calls != 2 {
		t.Fatalf("expected executor called twice, got %d", calls)
	}
}

func TestEngineCancelPendingJob(t *testing.T) {
	engine := testEngine(t, config.Queue{}, ExecutorFunc(func(ctx context.Context, q, a, c, p string, d time.Time) error { return nil }))
	ctx := context.Background()

	jobID, err := engine.Enqueue(ctx, EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ok, err := engine.Cancel(ctx, jobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatalf("expected Cancel to report true for a pending job")
	}

	job, err := engine.store.GetByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
}

func TestEngineCancelRunningJobIsNoop(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, q, a, c, p string, d time.Time) error {
		<-release
		return nil
	})
	engine := testEngine(t, config.Queue{}, executor)
	ctx := context.Background()

	jobID, err := engine.Enqueue(ctx, EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- engine.RunNextJob(ctx) }()

	// Give the claim transaction time to commit and mark the row running.
	waitForStatus(t, engine, jobID, domain.StatusRunning)

	ok, err := engine.Cancel(ctx, jobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Fatalf("expected Cancel on a running job to be a no-op")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunNextJob: %v", err)
	}
}

func TestEngineRequeueOrphanedRunningJobs(t *testing.T) {
	engine := testEngine(t, config.Queue{}, ExecutorFunc(func(ctx context.Context, q, a, c, p string, d time.Time) error { return nil }))
	ctx := context.Background()

	jobID, err := engine.Enqueue(ctx, EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulate a worker that claimed the job and then vanished: running,
	// with a backend_pid that cannot possibly be a live Postgres backend.
	bogusPID := int32(-1)
	now := time.Now()
	if err := engine.store.UpdateFields(ctx, jobID, map[string]any{
		"status": "running", "started_at": now, "backend_pid": bogusPID, "attempt_count": 1,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	n, err := engine.RequeueOrphanedRunningJobs(ctx, 10)
	if err != nil {
		t.Fatalf("RequeueOrphanedRunningJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}

	job, err := engine.store.GetByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.StatusPending {
		t.Fatalf("expected pending after requeue, got %s", job.Status)
	}
	if job.BackendPID != nil {
		t.Fatalf("expected backend_pid cleared after requeue")
	}
}

func TestEnginePurgeOldJobs(t *testing.T) {
	engine := testEngine(t, config.Queue{}, ExecutorFunc(func(ctx context.Context, q, a, c, p string, d time.Time) error { return nil }))
	ctx := context.Background()

	jobID, err := engine.Enqueue(ctx, EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	old := time.Now().Add(-72 * time.Hour)
	if err := engine.store.UpdateFields(ctx, jobID, map[string]any{"status": "succeeded", "finished_at": old}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	n, err := engine.PurgeOldJobs(ctx, 24*time.Hour, 100)
	if err != nil {
		t.Fatalf("PurgeOldJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}

	if _, err := engine.store.GetByID(ctx, jobID); err == nil {
		t.Fatalf("expected job to be deleted")
	}
}

func TestEngineGetQueueMetrics(t *testing.T) {
	engine := testEngine(t, config.Queue{}, ExecutorFunc(func(ctx context.Context, q, a, c, p string, d time.Time) error { return nil }))
	ctx := context.Background()

	if _, err := engine.Enqueue(ctx, EnqueueInput{
		QuerySQL:         "SELECT 1",
		StorageAccount:   "acct",
		StorageContainer: "container",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	metrics, err := engine.GetQueueMetrics(ctx)
	if err != nil {
		t.Fatalf("GetQueueMetrics: %v", err)
	}
	if metrics.Pending != 1 {
		t.Fatalf("expected 1 pending job, got %d", metrics.Pending)
	}
}

func waitForStatus(t *testing.T, engine *Engine, jobID int64, want domain.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := engine.store.GetByID(context.Background(), jobID)
		if err == nil && job.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %d to reach status %s", jobID, want)
}

var errFakeExecution = fakeExecError("synthetic executor failure")

type fakeExecError string

func (e fakeExecError) Error() string { return string(e) }
