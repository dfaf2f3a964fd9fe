package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	"github.com/angelmondragon/shelfledger-backend/pkg/metrics"
	"github.com/angelmondragon/shelfledger-backend/pkg/outbox"
	"github.com/angelmondragon/shelfledger-backend/pkg/outbox/payloads"
)

const defaultOverdueBatch = 200

type overdueLedger interface {
	CountOverdue(ctx context.Context, now time.Time) (int64, error)
	ListOverdueBatch(ctx context.Context, now time.Time, after *loans.OverdueCursor, limit int) ([]models.Loan, error)
}

type overdueEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (bool, error)
}

// OverdueScanJobParams configure the overdue scan.
type OverdueScanJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Ledger    overdueLedger
	Outbox    overdueEmitter
	Metrics   *metrics.LoanMetrics
	BatchSize int
}

// NewOverdueScanJob builds the job that refreshes the overdue gauge and emits
// one loan_overdue event per loan the first time it is seen past due.
func NewOverdueScanJob(params OverdueScanJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("loan ledger required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultOverdueBatch
	}
	return &overdueScanJob{
		logg:    params.Logger,
		db:      params.DB,
		ledger:  params.Ledger,
		outbox:  params.Outbox,
		metrics: params.Metrics,
		batch:   batch,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type overdueScanJob struct {
	logg    *logger.Logger
	db      txRunner
	ledger  overdueLedger
	outbox  overdueEmitter
	metrics *metrics.LoanMetrics
	batch   int
	now     func() time.Time
}

func (j *overdueScanJob) Name() string { return "overdue-scan" }

// Run walks overdue loans in (due_date, transaction_id) order. A failed batch
// is recorded and the scan moves on, so one bad row cannot starve the rest.
func (j *overdueScanJob) Run(ctx context.Context) error {
	now := j.now()
	total, err := j.ledger.CountOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("count overdue: %w", err)
	}
	j.metrics.SetOverdue(total)

	var (
		errs    error
		cursor  *loans.OverdueCursor
		scanned int
		emitted int
	)
	for {
		batch, err := j.ledger.ListOverdueBatch(ctx, now, cursor, j.batch)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list overdue after %v: %w", cursor, err))
			break
		}
		if len(batch) == 0 {
			break
		}
		scanned += len(batch)

		var written int
		err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
			written = 0
			for _, loan := range batch {
				ok, err := j.outbox.EmitIfNotExists(ctx, tx, overdueEvent(loan, now))
				if err != nil {
					return fmt.Errorf("loan %s: %w", loan.TransactionID, err)
				}
				if ok {
					written++
				}
			}
			return nil
		})
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			emitted += written
		}

		last := batch[len(batch)-1]
		cursor = &loans.OverdueCursor{DueDate: last.DueDate, TransactionID: last.TransactionID}
		if len(batch) < j.batch {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"overdue_total":  total,
		"scanned":        scanned,
		"events_emitted": emitted,
		"failed_batches": len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "overdue scan complete")
	return errs
}

func overdueEvent(loan models.Loan, now time.Time) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventLoanOverdue,
		AggregateType: enums.AggregateLoan,
		AggregateID:   loan.TransactionID,
		OccurredAt:    now,
		Data: payloads.LoanOverdueEvent{
			TransactionID: loan.TransactionID,
			UserID:        loan.UserID,
			BookID:        loan.BookID,
			DueDate:       loan.DueDate,
			DaysOverdue:   int(now.Sub(loan.DueDate).Hours() / 24),
			DetectedAt:    now,
		},
	}
}
