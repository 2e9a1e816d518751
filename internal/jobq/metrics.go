package jobq

import (
	"context"
	"time"

	"github.com/yungbote/jobq/internal/domain"
)

// QueueMetrics is the observability surface spec.md §6.1 names: a
// point-in-time snapshot, not a time series.
type QueueMetrics struct {
	Pending            int64
	Running            int64
	Succeeded          int64
	Failed             int64
	Cancelled          int64
	OldestPendingWait  time.Duration
	AvgPendingWait     time.Duration
}

// GetQueueMetrics implements spec.md §6.1: per-status counts plus
// pending-queue wait statistics, read directly from job_run with no
// separate metrics store.
func (e *Engine) GetQueueMetrics(ctx context.Context) (QueueMetrics, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return QueueMetrics{}, err
	}
	oldest, avg, err := e.store.PendingWaitStats(ctx)
	if err != nil {
		return QueueMetrics{}, err
	}
	return QueueMetrics{
		Pending:           counts[domain.StatusPending],
		Running:           counts[domain.StatusRunning],
		Succeeded:         counts[domain.StatusSucceeded],
		Failed:            counts[domain.StatusFailed],
		Cancelled:         counts[domain.StatusCancelled],
		OldestPendingWait: oldest,
		AvgPendingWait:    avg,
	}, nil
}

// LogQueueMetrics is the periodic snapshot cmd/jobqd's cron schedule
// calls (SPEC_FULL.md §11): structured log fields, no metrics backend.
func (e *Engine) LogQueueMetrics(ctx context.Context) {
	m, err := e.GetQueueMetrics(ctx)
	if err != nil {
		e.log.Warn("metrics: snapshot failed", "error", err)
		return
	}
	e.log.Info("queue metrics",
		"pending", m.Pending,
		"running", m.Running,
		"succeeded", m.Succeeded,
		"failed", m.Failed,
		"cancelled", m.Cancelled,
		"oldest_pending_wait", m.OldestPendingWait,
		"avg_pending_wait", m.AvgPendingWait,
	)
}
