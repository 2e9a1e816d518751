// Package db wires the Postgres connection and schema bootstrap for
// jobq, mirroring the teacher's internal/db.PostgresService.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/pkg/logger"
	"github.com/yungbote/jobq/internal/platform/config"
)

const SchemaVersion = "1"

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to Postgres and migrates the job_run + schema_version
// tables.
func Open(cfg config.Postgres, baseLog *logger.Logger) (*Service, error) {
	svcLog := baseLog.With("service", "db.Service")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s&application_name=jobq",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode,
	)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	svcLog.Info("connecting to postgres")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	svc := &Service{db: gdb, log: svcLog}
	if err := svc.migrate(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) migrate() error {
	if err := s.db.AutoMigrate(&domain.Job{}); err != nil {
		return fmt.Errorf("automigrate job_run: %w", err)
	}

	// spec.md §4.1: pending-by-priority and finished-by-time indexes,
	// plus the max_runtime check constraint that binds even manual
	// updates. AutoMigrate's struct tags can't express partial indexes
	// or cross-row check constraints, so these are raw DDL, the way
	// the teacher drops to db.Exec for CREATE EXTENSION.
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_job_run_pending_priority
			ON job_run (priority DESC, scheduled_at, job_id)
			WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_job_run_finished_at
			ON job_run (finished_at)
			WHERE finished_at IS NOT NULL`,
		`ALTER TABLE job_run DROP CONSTRAINT IF EXISTS chk_job_run_max_runtime`,
		`ALTER TABLE job_run ADD CONSTRAINT chk_job_run_max_runtime
			CHECK (max_runtime_ns > 0 AND max_runtime_ns <= 86400000000000)`,
		`ALTER TABLE job_run DROP CONSTRAINT IF EXISTS chk_job_run_status`,
		`ALTER TABLE job_run ADD CONSTRAINT chk_job_run_status
			CHECK (status IN ('pending','running','succeeded','failed','cancelled'))`,
		`ALTER TABLE job_run DROP CONSTRAINT IF EXISTS chk_job_run_attempts`,
		`ALTER TABLE job_run ADD CONSTRAINT chk_job_run_attempts
			CHECK (attempt_count <= max_attempts)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migrate job_run constraints: %w", err)
		}
	}

	if err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version text PRIMARY KEY,
			installed_at timestamptz NOT NULL DEFAULT now(),
			installed_by text NOT NULL DEFAULT current_user
		)
	`).Error; err != nil {
		return fmt.Errorf("migrate schema_version: %w", err)
	}
	if err := s.db.Exec(
		`INSERT INTO schema_version (version) VALUES (?) ON CONFLICT (version) DO NOTHING`,
		SchemaVersion,
	).Error; err != nil {
		return fmt.Errorf("record schema_version: %w", err)
	}
	return nil
}

// CurrentVersion returns the maximum installed schema_version.
func CurrentVersion(ctx context.Context, gdb *gorm.DB) (string, error) {
	var version string
	err := gdb.WithContext(ctx).Raw(`SELECT max(version) FROM schema_version`).Scan(&version).Error
	return version, err
}
