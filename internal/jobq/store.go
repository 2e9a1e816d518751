package jobq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/jobq/internal/domain"
)

// Store is the job store's read/write surface (spec.md §4.1). The
// claim-critical path (selecting the pending row and transitioning it
// to running, ClaimPlanner.selectAndTransition) is driven through a
// *sql.Tx on the slot's pinned connection, not through Store itself —
// see slot.go and claim.go.
type Store interface {
	Insert(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	UpdateFields(ctx context.Context, id int64, updates map[string]any) error
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
	PendingWaitStats(ctx context.Context) (oldest, avg time.Duration, err error)
	RunningJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	DeleteFinishedBatch(ctx context.Context, olderThan time.Duration, limit int) (int64, error)

	// SQLDB exposes the underlying connection pool for components
	// (slot.go, process liveness checks) that need raw database/sql
	// access alongside GORM's query builder.
	SQLDB() *sql.DB
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) SQLDB() *sql.DB {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB
}

func (s *gormStore) Insert(ctx context.Context, job *domain.Job) error {
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *gormStore) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).Where("job_id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *gormStore) UpdateFields(ctx context.Context, id int64, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return s.db.WithContext(ctx).Model(&domain.Job{}).Where("job_id = ?", id).Updates(updates).Error
}

func (s *gormStore) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.db.WithContext(ctx).Model(&domain.Job{}).
		Select("status, count(*) as n").
		Group("status").
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *gormStore) PendingWaitStats(ctx context.Context) (time.Duration, time.Duration, error) {
	var row struct {
		OldestSeconds *float64
		AvgSeconds    *float64
	}
	err := s.db.WithContext(ctx).Model(&domain.Job{}).
		Select(`
			extract(epoch from (now() - min(scheduled_at))) as oldest_seconds,
			extract(epoch from avg(now() - scheduled_at)) as avg_seconds
		`).
		Where("status = ?", domain.StatusPending).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	var oldest, avg time.Duration
	if row.OldestSeconds != nil && *row.OldestSeconds > 0 {
		oldest = time.Duration(*row.OldestSeconds * float64(time.Second))
	}
	if row.AvgSeconds != nil && *row.AvgSeconds > 0 {
		avg = time.Duration(*row.AvgSeconds * float64(time.Second))
	}
	return oldest, avg, nil
}

func (s *gormStore) RunningJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	q := s.db.WithContext(ctx).Where("status = ?", domain.StatusRunning).Order("job_id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *gormStore) DeleteFinishedBatch(ctx context.Context, olderThan time.Duration, limit int) (int64, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("limit must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	// A single bounded batch: select candidate IDs first so the delete
	// itself stays a cheap primary-key IN(...) instead of a full scan
	// with LIMIT (Postgres DELETE has no LIMIT clause).
	var ids []int64
	err := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("finished_at IS NOT NULL AND finished_at < ?", cutoff).
		Order("finished_at asc").
		Limit(limit).
		Pluck("job_id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("job_id IN ?", ids).Delete(&domain.Job{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
