package testutil

import (
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/coursebridge/assignments-backend/internal/data/db"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

var (
	dbOnce sync.Once
	dbh    *gorm.DB
	dbErr  error

	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB returns a migrated database handle shared by the whole test binary.
// TEST_POSTGRES_DSN selects postgres; otherwise tests run against a shared
// in-memory sqlite database, which exercises the non-locking query paths.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		cfg := &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		}

		if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
			dbh, dbErr = gorm.Open(postgres.Open(dsn), cfg)
			if dbErr != nil {
				return
			}
			if dbErr = dbh.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; dbErr != nil {
				return
			}
		} else {
			dbh, dbErr = gorm.Open(sqlite.Open("file:assignments_test?mode=memory&cache=shared"), cfg)
			if dbErr != nil {
				return
			}
			// The shared in-memory database disappears with its last
			// connection; pin a single connection open for the life of
			// the test binary. This also serializes writers, matching
			// how sqlite behaves in local development.
			if sqlDB, err := dbh.DB(); err == nil {
				sqlDB.SetMaxOpenConns(1)
				sqlDB.SetMaxIdleConns(1)
			}
		}

		dbErr = db.AutoMigrateAll(dbh)
	})

	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return dbh
}

func Tx(tb testing.TB, gdb *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := gdb.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}
