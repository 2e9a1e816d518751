// Package testutil provides the TEST_POSTGRES_DSN-gated database
// fixture jobq's integration tests share, mirroring the teacher's
// internal/data/repos/testutil package.
package testutil

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/jobq/internal/domain"
	"github.com/yungbote/jobq/internal/pkg/logger"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error

	logOnce sync.Once
	logg    *logger.Logger
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg = logger.Noop()
	})
	return logg
}

// DB returns a shared, migrated *gorm.DB backed by TEST_POSTGRES_DSN,
// skipping the calling test if the variable is unset. The claim/slot
// path needs real committed rows and real advisory locks, so unlike a
// typical repo test this database is NOT wrapped in a rolled-back
// transaction; tests must clean up their own rows (see Cleanup).
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}

		sep := "&"
		if !strings.Contains(dsn, "?") {
			sep = "?"
		}

		var err error
		db, err = gorm.Open(postgres.Open(dsn+sep+"application_name=jobq"), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}
		if err := db.AutoMigrate(&domain.Job{}); err != nil {
			dbErr = err
			return
		}
	})

	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run jobq integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

// Cleanup deletes every job_run row, registered to run after the
// calling test completes.
func Cleanup(tb testing.TB, gdb *gorm.DB) {
	tb.Helper()
	tb.Cleanup(func() {
		if err := gdb.Exec(`DELETE FROM job_run`).Error; err != nil {
			tb.Logf("testutil cleanup: %v", err)
		}
	})
}
