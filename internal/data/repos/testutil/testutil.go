// Package testutil provides database helpers for repo and engine tests.
// Tests that need Postgres skip unless TEST_POSTGRES_DSN is set.
package testutil

import (
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/workgraph/workgraph/internal/data/db"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

var (
	once   sync.Once
	shared *gorm.DB
	openErr error
)

// DB returns a shared connection to the test database, migrated, or skips
// the test when TEST_POSTGRES_DSN is unset.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		tb.Skip("TEST_POSTGRES_DSN not set; skipping database test")
	}
	once.Do(func() {
		shared, openErr = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if openErr != nil {
			return
		}
		openErr = db.AutoMigrateAll(shared)
		if openErr != nil {
			return
		}
		openErr = db.EnsureWorkflowIndexes(shared)
	})
	if openErr != nil {
		tb.Fatalf("open test database: %v", openErr)
	}
	return shared
}

// Tx begins a transaction that is rolled back when the test finishes, so
// tests never leak rows into the shared database.
func Tx(tb testing.TB) *gorm.DB {
	tb.Helper()
	tx := DB(tb).Begin()
	if tx.Error != nil {
		tb.Fatalf("begin test transaction: %v", tx.Error)
	}
	tb.Cleanup(func() {
		tx.Rollback()
	})
	return tx
}

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("development")
	if err != nil {
		tb.Fatalf("build test logger: %v", err)
	}
	return log
}
