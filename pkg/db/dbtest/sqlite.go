// Package dbtest opens throwaway sqlite databases carrying the ledger schema.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/shelfledger-backend/pkg/db"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
)

// Open returns a client over a private in-memory database. The pool is pinned to
// one connection, so transactions serialize the way row locks would on postgres.
func Open(tb testing.TB) *db.Client {
	tb.Helper()
	dsn := fmt.Sprintf("file:shelfledger_%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		tb.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(&models.Book{}, &models.User{}, &models.Loan{}, &models.OutboxEvent{}); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	return db.FromGorm(conn)
}
