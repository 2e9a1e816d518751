package jobq

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/platform/config"
)

func TestEngineKillUnreachableBackendStillCancels(t *testing.T) {
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

	// No live backend will ever match this pid, so the pid-reuse guard
	// suppresses the signal but the row must still be cancelled.
	bogusPID := int32(-1)
	now := time.Now()
	if err := engine.store.UpdateFields(ctx, jobID, map[string]any{
		"status": "running", "started_at": now, "backend_pid": bogusPID,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	signalled, err := engine.Kill(ctx, jobID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if signalled {
		t.Fatalf("expected no signal to be sent for an unreachable backend")
	}

	job, err := engine.store.GetByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.LastError == nil || *job.LastError == "" {
		t.Fatalf("expected last_error note to be recorded")
	}
}

func TestEngineKillPendingJobIsNoop(t *testing.T) {
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

	signalled, err := engine.Kill(ctx, jobID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if signalled {
		t.Fatalf("expected Kill on a pending job to be a no-op")
	}

	job, err := engine.store.GetByID(ctx, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.StatusPending {
		t.Fatalf("expected job to remain pending, got %s", job.Status)
	}
}
