// Package borrowing is the only writer of the loan ledger. Every borrow batch
// and every return runs in one isolated transaction that locks the rows it
// decides on before it reads them.
package borrowing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/internal/availability"
	"github.com/angelmondragon/shelfledger-backend/internal/catalog"
	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/internal/users"
	"github.com/angelmondragon/shelfledger-backend/pkg/config"
	dbpkg "github.com/angelmondragon/shelfledger-backend/pkg/db"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	"github.com/angelmondragon/shelfledger-backend/pkg/metrics"
	"github.com/angelmondragon/shelfledger-backend/pkg/outbox"
	"github.com/angelmondragon/shelfledger-backend/pkg/outbox/payloads"
)

const reasonAllCopiesBorrowed = "all copies borrowed"

// Service lends and takes back copies.
type Service interface {
	Borrow(ctx context.Context, requests []Request) ([]loans.LoanDTO, error)
	Return(ctx context.Context, transactionID uuid.UUID) (*loans.LoanDTO, error)
}

type txRunner interface {
	WithTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Deps wires the coordinator to its collaborators.
type Deps struct {
	Tx      txRunner
	Books   *catalog.Repository
	Ledger  *loans.Repository
	Users   *users.Repository
	Outbox  eventEmitter
	Metrics *metrics.LoanMetrics
	Logger  *logger.Logger
	Config  config.BorrowingConfig
	// LockTimeout bounds row-lock waits inside each transaction; 0 keeps the server default.
	LockTimeout time.Duration
}

type service struct {
	tx          txRunner
	books       *catalog.Repository
	ledger      *loans.Repository
	users       *users.Repository
	outbox      eventEmitter
	metrics     *metrics.LoanMetrics
	logg        *logger.Logger
	isolation   sql.IsolationLevel
	lockTimeout time.Duration
	maxBatch    int
	loanPeriod  time.Duration
	retry       retryPolicy
	now         func() time.Time
}

// NewService builds the borrow coordinator.
func NewService(deps Deps) (Service, error) {
	if deps.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if deps.Books == nil {
		return nil, fmt.Errorf("catalog repository required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("loan repository required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("users repository required")
	}
	if deps.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	logg := deps.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	maxBatch := deps.Config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 20
	}
	loanPeriod := deps.Config.DefaultLoanPeriod()
	if loanPeriod <= 0 {
		loanPeriod = 14 * 24 * time.Hour
	}
	return &service{
		tx:          deps.Tx,
		books:       deps.Books,
		ledger:      deps.Ledger,
		users:       deps.Users,
		outbox:      deps.Outbox,
		metrics:     deps.Metrics,
		logg:        logg,
		isolation:   deps.Config.IsolationLevel(),
		lockTimeout: deps.LockTimeout,
		maxBatch:    maxBatch,
		loanPeriod:  loanPeriod,
		retry:       retryPolicy{attempts: deps.Config.MaxAttempts, base: deps.Config.RetryBaseDelay},
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Borrow lends one copy per request, all or nothing. Availability is re-read
// inside the transaction after the book rows are locked, and requests earlier
// in the same batch count against the copies left for later ones.
func (s *service) Borrow(ctx context.Context, requests []Request) ([]loans.LoanDTO, error) {
	now := s.now()
	normalized, err := s.normalize(requests, now)
	if err != nil {
		s.metrics.ObserveBorrow(metrics.OutcomeInvalid, 0)
		return nil, err
	}
	ctx = s.logg.WithField(ctx, "batch_size", len(normalized))

	var created []models.Loan
	err = s.retry.run(ctx, s.onRetry("borrow"), func(ctx context.Context) error {
		rows, err := s.borrowOnce(ctx, normalized, now)
		if err != nil {
			return err
		}
		created = rows
		return nil
	})
	if err != nil {
		err = classify(err)
		s.metrics.ObserveBorrow(outcomeFor(err), 0)
		return nil, err
	}

	s.metrics.ObserveBorrow(metrics.OutcomeSuccess, len(created))
	s.logg.Info(ctx, "borrow batch committed")
	return loans.FromModels(created), nil
}

func (s *service) normalize(requests []Request, now time.Time) ([]Request, error) {
	if len(requests) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one borrow request is required")
	}
	if len(requests) > s.maxBatch {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "too many requests in batch").
			WithDetails(map[string]any{"max_batch_size": s.maxBatch, "received": len(requests)})
	}
	out := make([]Request, len(requests))
	for i, req := range requests {
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" {
			return nil, invalidAt(i, "user_id is required")
		}
		if req.BookID == uuid.Nil {
			return nil, invalidAt(i, "book_id is required")
		}
		if req.DueDate == nil {
			due := now.Add(s.loanPeriod)
			req.DueDate = &due
		} else {
			due := req.DueDate.UTC()
			if !due.After(now) {
				return nil, invalidAt(i, "due_date must be in the future")
			}
			req.DueDate = &due
		}
		out[i] = req
	}
	return out, nil
}

func (s *service) borrowOnce(ctx context.Context, requests []Request, now time.Time) ([]models.Loan, error) {
	var rows []models.Loan
	err := s.tx.WithTxOptions(ctx, &sql.TxOptions{Isolation: s.isolation}, func(tx *gorm.DB) error {
		if err := dbpkg.SetLocalLockTimeout(tx, s.lockTimeout.Milliseconds()); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}

		bookIDs := make([]uuid.UUID, 0, len(requests))
		for _, req := range requests {
			bookIDs = append(bookIDs, req.BookID)
		}
		locked, err := s.books.WithTx(tx).LockByIDs(ctx, bookIDs)
		if err != nil {
			return fmt.Errorf("lock books: %w", err)
		}

		members := s.users.WithTx(tx)
		pending := make(map[uuid.UUID]int, len(locked))
		rows = make([]models.Loan, 0, len(requests))
		for i, req := range requests {
			if _, ok := locked[req.BookID]; !ok {
				return pkgerrors.New(pkgerrors.CodeNotFound, "book not found").
					WithDetails(map[string]any{"book_id": req.BookID.String(), "position": i})
			}
			exists, err := members.Exists(ctx, req.UserID)
			if err != nil {
				return fmt.Errorf("position %d: lookup user %s: %w", i, req.UserID, err)
			}
			if !exists {
				return pkgerrors.New(pkgerrors.CodeNotFound, "user not found").
					WithDetails(map[string]any{"user_id": req.UserID, "position": i})
			}

			avail, err := availability.Compute(ctx, tx, req.BookID)
			if err != nil {
				return fmt.Errorf("position %d: %w", i, err)
			}
			if avail.Exhausted(pending[req.BookID]) {
				return pkgerrors.New(pkgerrors.CodeConflict, reasonAllCopiesBorrowed).
					WithDetails(map[string]any{
						"reason":   reasonAllCopiesBorrowed,
						"book_id":  req.BookID.String(),
						"position": i,
					})
			}
			pending[req.BookID]++

			rows = append(rows, models.Loan{
				TransactionID: uuid.New(),
				UserID:        req.UserID,
				BookID:        req.BookID,
				BorrowDate:    now,
				DueDate:       *req.DueDate,
			})
		}

		if err := s.ledger.WithTx(tx).AppendLoans(ctx, rows); err != nil {
			return fmt.Errorf("append loans: %w", err)
		}
		for i, row := range rows {
			event := outbox.DomainEvent{
				EventType:     enums.EventLoanBorrowed,
				AggregateType: enums.AggregateLoan,
				AggregateID:   row.TransactionID,
				Actor:         &outbox.ActorRef{UserID: row.UserID},
				OccurredAt:    now,
				Data: payloads.LoanBorrowedEvent{
					TransactionID: row.TransactionID,
					UserID:        row.UserID,
					BookID:        row.BookID,
					BorrowDate:    row.BorrowDate,
					DueDate:       row.DueDate,
					BatchPosition: i,
				},
			}
			if err := s.outbox.Emit(ctx, tx, event); err != nil {
				return fmt.Errorf("position %d: emit loan_borrowed: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Return closes an open loan. A second return of the same loan changes nothing
// and reports ALREADY_RETURNED.
func (s *service) Return(ctx context.Context, transactionID uuid.UUID) (*loans.LoanDTO, error) {
	if transactionID == uuid.Nil {
		s.metrics.ObserveReturn(metrics.OutcomeInvalid)
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	ctx = s.logg.WithTransactionID(ctx, transactionID.String())

	var closed models.Loan
	err := s.retry.run(ctx, s.onRetry("return"), func(ctx context.Context) error {
		loan, err := s.returnOnce(ctx, transactionID)
		if err != nil {
			return err
		}
		closed = *loan
		return nil
	})
	if err != nil {
		err = classify(err)
		s.metrics.ObserveReturn(outcomeFor(err))
		return nil, err
	}

	s.metrics.ObserveReturn(metrics.OutcomeSuccess)
	s.logg.Info(s.logg.WithField(ctx, "book_id", closed.BookID.String()), "loan returned")
	dto := loans.FromModel(closed)
	return &dto, nil
}

func (s *service) returnOnce(ctx context.Context, transactionID uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := s.tx.WithTxOptions(ctx, &sql.TxOptions{Isolation: s.isolation}, func(tx *gorm.DB) error {
		if err := dbpkg.SetLocalLockTimeout(tx, s.lockTimeout.Milliseconds()); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
		ledger := s.ledger.WithTx(tx)
		found, err := ledger.LockByID(ctx, transactionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "loan not found").
					WithDetails(map[string]any{"transaction_id": transactionID.String()})
			}
			return fmt.Errorf("lock loan: %w", err)
		}
		if !found.IsOpen() {
			return alreadyReturned(found)
		}

		now := s.now()
		ok, err := ledger.MarkReturned(ctx, transactionID, now)
		if err != nil {
			return fmt.Errorf("mark returned: %w", err)
		}
		if !ok {
			return alreadyReturned(found)
		}
		found.ReturnDate = &now

		event := outbox.DomainEvent{
			EventType:     enums.EventLoanReturned,
			AggregateType: enums.AggregateLoan,
			AggregateID:   found.TransactionID,
			Actor:         &outbox.ActorRef{UserID: found.UserID},
			OccurredAt:    now,
			Data: payloads.LoanReturnedEvent{
				TransactionID: found.TransactionID,
				UserID:        found.UserID,
				BookID:        found.BookID,
				DueDate:       found.DueDate,
				ReturnDate:    now,
				Late:          now.After(found.DueDate),
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return fmt.Errorf("emit loan_returned: %w", err)
		}
		loan = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

func (s *service) onRetry(op string) func(context.Context, int, error) {
	return func(ctx context.Context, attempt int, err error) {
		s.metrics.IncRetry()
		fields := map[string]any{"op": op, "attempt": attempt, "sqlstate": dbpkg.SQLState(err)}
		s.logg.Warn(s.logg.WithFields(ctx, fields), "transaction aborted by database, replaying")
	}
}

// classify maps raw data-layer failures onto the public error taxonomy. Typed
// errors raised inside the transaction pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	switch {
	case dbpkg.IsSerializationFailure(err):
		return pkgerrors.Wrap(pkgerrors.CodeTransientDB, err, "transaction kept conflicting, retry the request")
	case dbpkg.IsLockTimeout(err):
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "timed out waiting for a row lock").
			WithDetails(map[string]any{"reason": "lock wait timeout"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return pkgerrors.Wrap(pkgerrors.CodeTransientDB, err, "request cancelled before commit")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeTransientDB, err, "database error")
	}
}

func outcomeFor(err error) string {
	switch pkgerrors.As(err).Code() {
	case pkgerrors.CodeConflict, pkgerrors.CodeAlreadyReturned:
		return metrics.OutcomeConflict
	case pkgerrors.CodeNotFound:
		return metrics.OutcomeNotFound
	case pkgerrors.CodeValidation:
		return metrics.OutcomeInvalid
	case pkgerrors.CodeTransientDB:
		return metrics.OutcomeTransient
	default:
		return metrics.OutcomeError
	}
}

func invalidAt(position int, msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg).
		WithDetails(map[string]any{"position": position})
}

func alreadyReturned(loan *models.Loan) error {
	details := map[string]any{"transaction_id": loan.TransactionID.String()}
	if loan.ReturnDate != nil {
		details["return_date"] = loan.ReturnDate.UTC()
	}
	return pkgerrors.New(pkgerrors.CodeAlreadyReturned, "loan already returned").WithDetails(details)
}
