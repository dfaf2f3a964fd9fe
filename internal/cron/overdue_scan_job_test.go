package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/dbtest"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	"github.com/angelmondragon/shelfledger-backend/pkg/metrics"
	"github.com/angelmondragon/shelfledger-backend/pkg/outbox"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestOverdueScanEmitsOncePerLoan(t *testing.T) {
	client := dbtest.Open(t)
	conn := client.DB()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	book := models.Book{Title: "Dune", Author: "Frank Herbert", TotalCopies: 5}
	require.NoError(t, conn.Create(&book).Error)
	returnedAt := now.Add(-time.Hour)
	rows := []models.Loan{
		{UserID: "u1", BookID: book.ID, BorrowDate: now.AddDate(0, 0, -20), DueDate: now.AddDate(0, 0, -6)},
		{UserID: "u2", BookID: book.ID, BorrowDate: now.AddDate(0, 0, -20), DueDate: now.AddDate(0, 0, -3)},
		{UserID: "u3", BookID: book.ID, BorrowDate: now.AddDate(0, 0, -20), DueDate: now.AddDate(0, 0, -1)},
		{UserID: "u4", BookID: book.ID, BorrowDate: now.AddDate(0, 0, -2), DueDate: now.AddDate(0, 0, 5)},
		{UserID: "u5", BookID: book.ID, BorrowDate: now.AddDate(0, 0, -20), DueDate: now.AddDate(0, 0, -4), ReturnDate: &returnedAt},
	}
	require.NoError(t, conn.Create(&rows).Error)

	reg := prometheus.NewRegistry()
	jobIface, err := NewOverdueScanJob(OverdueScanJobParams{
		Logger:    logger.Nop(),
		DB:        client,
		Ledger:    loans.NewRepository(conn),
		Outbox:    outbox.NewService(outbox.NewRepository(conn), nil),
		Metrics:   metrics.NewLoanMetrics(reg),
		BatchSize: 2,
	})
	require.NoError(t, err)
	job := jobIface.(*overdueScanJob)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, job.Run(context.Background()))

	var events []models.OutboxEvent
	require.NoError(t, conn.Where("event_type = ?", enums.EventLoanOverdue).Find(&events).Error)
	assert.Len(t, events, 3)
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.AggregateID.String()] = true
	}
	for _, row := range rows[:3] {
		assert.True(t, seen[row.TransactionID.String()], "missing overdue event for %s", row.UserID)
	}
	assert.Equal(t, float64(3), gaugeValue(t, reg, "shelfledger_loans_overdue_current"))
}

type failingEmitter struct{ calls int }

func (f *failingEmitter) EmitIfNotExists(context.Context, *gorm.DB, outbox.DomainEvent) (bool, error) {
	f.calls++
	return false, errors.New("insert failed")
}

type stubOverdueLedger struct {
	rows []models.Loan
}

func (s stubOverdueLedger) CountOverdue(context.Context, time.Time) (int64, error) {
	return int64(len(s.rows)), nil
}

func (s stubOverdueLedger) ListOverdueBatch(_ context.Context, _ time.Time, after *loans.OverdueCursor, limit int) ([]models.Loan, error) {
	start := 0
	if after != nil {
		for i, row := range s.rows {
			if row.TransactionID == after.TransactionID {
				start = i + 1
			}
		}
	}
	end := start + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[start:end], nil
}

func TestOverdueScanContinuesPastFailedBatch(t *testing.T) {
	now := time.Now().UTC()
	ledger := stubOverdueLedger{rows: []models.Loan{
		{DueDate: now.Add(-3 * time.Hour)},
		{DueDate: now.Add(-2 * time.Hour)},
		{DueDate: now.Add(-time.Hour)},
	}}
	for i := range ledger.rows {
		require.NoError(t, ledger.rows[i].BeforeCreate(nil))
	}
	emitter := &failingEmitter{}
	jobIface, err := NewOverdueScanJob(OverdueScanJobParams{
		Logger:    logger.Nop(),
		DB:        passthroughTx{},
		Ledger:    ledger,
		Outbox:    emitter,
		BatchSize: 1,
	})
	require.NoError(t, err)

	err = jobIface.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, emitter.calls)
}
