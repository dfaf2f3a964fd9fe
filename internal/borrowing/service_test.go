package borrowing

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/internal/availability"
	"github.com/angelmondragon/shelfledger-backend/internal/catalog"
	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/internal/users"
	"github.com/angelmondragon/shelfledger-backend/pkg/config"
	"github.com/angelmondragon/shelfledger-backend/pkg/db"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/dbtest"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
	"github.com/angelmondragon/shelfledger-backend/pkg/outbox"
)

type harness struct {
	client *db.Client
	svc    *service
	ledger *loans.Repository
	now    time.Time
}

func newHarness(t *testing.T, tx txRunner) harness {
	t.Helper()
	client := dbtest.Open(t)
	if tx == nil {
		tx = client
	}
	conn := client.DB()
	svc, err := NewService(Deps{
		Tx:     tx,
		Books:  catalog.NewRepository(conn),
		Ledger: loans.NewRepository(conn),
		Users:  users.NewRepository(conn),
		Outbox: outbox.NewService(outbox.NewRepository(conn), nil),
		Config: config.BorrowingConfig{
			MaxAttempts:     3,
			RetryBaseDelay:  time.Millisecond,
			MaxBatchSize:    5,
			DefaultLoanDays: 14,
			Isolation:       "serializable",
		},
	})
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	impl := svc.(*service)
	impl.now = func() time.Time { return now }
	return harness{client: client, svc: impl, ledger: loans.NewRepository(conn), now: now}
}

func (h harness) book(t *testing.T, copies int) uuid.UUID {
	t.Helper()
	book := models.Book{Title: "Book", Author: "Author", TotalCopies: copies}
	require.NoError(t, h.client.DB().Create(&book).Error)
	return book.ID
}

func (h harness) user(t *testing.T, n int) string {
	t.Helper()
	id := fmt.Sprintf("2024-USER-%06d", n)
	require.NoError(t, h.client.DB().Create(&models.User{PublicID: id, Name: id, Email: id + "@x.io"}).Error)
	return id
}

func (h harness) available(t *testing.T, bookID uuid.UUID) int {
	t.Helper()
	avail, err := availability.Compute(context.Background(), h.client.DB(), bookID)
	require.NoError(t, err)
	require.LessOrEqual(t, avail.BorrowedCount, avail.TotalCopies, "book %s is over-lent", bookID)
	require.Equal(t, avail.TotalCopies-avail.BorrowedCount, avail.AvailableQuantity)
	require.GreaterOrEqual(t, avail.AvailableQuantity, 0)
	return avail.AvailableQuantity
}

func (h harness) countLoans(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.client.DB().Model(&models.Loan{}).Count(&n).Error)
	return n
}

func (h harness) countEvents(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func conflictDetails(t *testing.T, err error) map[string]any {
	t.Helper()
	typed := pkgerrors.As(err)
	require.NotNil(t, typed, "expected typed error, got %v", err)
	require.Equal(t, pkgerrors.CodeConflict, typed.Code())
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	return details
}

func TestBorrowScenarioTwoCopies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b1 := h.book(t, 2)
	u1, u2, u3 := h.user(t, 1), h.user(t, 2), h.user(t, 3)

	first, err := h.svc.Borrow(ctx, []Request{{UserID: u1, BookID: b1}})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, h.available(t, b1))
	assert.Equal(t, h.now.Add(14*24*time.Hour), first[0].DueDate)
	assert.Nil(t, first[0].ReturnDate)

	_, err = h.svc.Borrow(ctx, []Request{{UserID: u2, BookID: b1}})
	require.NoError(t, err)
	assert.Equal(t, 0, h.available(t, b1))

	_, err = h.svc.Borrow(ctx, []Request{{UserID: u3, BookID: b1}})
	details := conflictDetails(t, err)
	assert.Equal(t, "all copies borrowed", details["reason"])
	assert.Equal(t, b1.String(), details["book_id"])
	assert.Equal(t, 0, details["position"])

	_, err = h.svc.Return(ctx, first[0].TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.available(t, b1))
	assert.EqualValues(t, 2, h.countEvents(t, enums.EventLoanBorrowed))
	assert.EqualValues(t, 1, h.countEvents(t, enums.EventLoanReturned))
}

func TestBorrowBatchIsAllOrNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	open, full, other := h.book(t, 1), h.book(t, 1), h.book(t, 1)
	u1, u2 := h.user(t, 1), h.user(t, 2)

	_, err := h.svc.Borrow(ctx, []Request{{UserID: u1, BookID: full}})
	require.NoError(t, err)

	_, err = h.svc.Borrow(ctx, []Request{
		{UserID: u2, BookID: open},
		{UserID: u2, BookID: full},
		{UserID: u2, BookID: other},
	})
	details := conflictDetails(t, err)
	assert.Equal(t, full.String(), details["book_id"])
	assert.Equal(t, 1, details["position"])

	assert.EqualValues(t, 1, h.countLoans(t))
	assert.EqualValues(t, 1, h.countEvents(t, enums.EventLoanBorrowed))
	assert.Equal(t, 1, h.available(t, open))
	assert.Equal(t, 1, h.available(t, other))
}

func TestBorrowCountsEarlierRequestsInBatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	lastCopy := h.book(t, 1)
	twoCopies := h.book(t, 2)
	u1, u2 := h.user(t, 1), h.user(t, 2)

	_, err := h.svc.Borrow(ctx, []Request{
		{UserID: u1, BookID: lastCopy},
		{UserID: u2, BookID: lastCopy},
	})
	details := conflictDetails(t, err)
	assert.Equal(t, 1, details["position"])
	assert.Zero(t, h.countLoans(t))

	created, err := h.svc.Borrow(ctx, []Request{
		{UserID: u1, BookID: twoCopies},
		{UserID: u2, BookID: twoCopies},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, u1, created[0].UserID)
	assert.Equal(t, u2, created[1].UserID)
	assert.Equal(t, 0, h.available(t, twoCopies))
}

func TestConcurrentBorrowsOfLastCopy(t *testing.T) {
	h := newHarness(t, nil)
	bookID := h.book(t, 1)

	const callers = 8
	userIDs := make([]string, callers)
	for i := range userIDs {
		userIDs[i] = h.user(t, i+1)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			<-start
			_, err := h.svc.Borrow(context.Background(), []Request{{UserID: userID, BookID: bookID}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case pkgerrors.Is(err, pkgerrors.CodeConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(userIDs[i])
	}
	close(start)
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
	assert.EqualValues(t, 1, h.countLoans(t))
	assert.Equal(t, 0, h.available(t, bookID))
}

func TestBorrowValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bookID := h.book(t, 1)
	userID := h.user(t, 1)
	past := h.now.Add(-time.Minute)

	cases := []struct {
		name     string
		requests []Request
		code     pkgerrors.Code
	}{
		{name: "empty", requests: nil, code: pkgerrors.CodeValidation},
		{name: "too many", requests: make([]Request, 6), code: pkgerrors.CodeValidation},
		{name: "missing user", requests: []Request{{BookID: bookID}}, code: pkgerrors.CodeValidation},
		{name: "missing book", requests: []Request{{UserID: userID}}, code: pkgerrors.CodeValidation},
		{name: "due in past", requests: []Request{{UserID: userID, BookID: bookID, DueDate: &past}}, code: pkgerrors.CodeValidation},
		{name: "unknown book", requests: []Request{{UserID: userID, BookID: uuid.New()}}, code: pkgerrors.CodeNotFound},
		{name: "unknown user", requests: []Request{{UserID: "2000-NONE-000000", BookID: bookID}}, code: pkgerrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Borrow(ctx, tc.requests)
			require.Error(t, err)
			assert.True(t, pkgerrors.Is(err, tc.code), "got %v", err)
		})
	}
	assert.Zero(t, h.countLoans(t))
}

func TestReturnTwiceReportsAlreadyReturned(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bookID := h.book(t, 1)
	userID := h.user(t, 1)

	created, err := h.svc.Borrow(ctx, []Request{{UserID: userID, BookID: bookID}})
	require.NoError(t, err)
	id := created[0].TransactionID

	returned, err := h.svc.Return(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, returned.ReturnDate)
	assert.True(t, returned.ReturnDate.Equal(h.now))

	_, err = h.svc.Return(ctx, id)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeAlreadyReturned))

	loan, err := h.ledger.FindByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, loan.ReturnDate.Equal(h.now))
	assert.EqualValues(t, 1, h.countEvents(t, enums.EventLoanReturned))

	_, err = h.svc.Return(ctx, uuid.New())
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	_, err = h.svc.Return(ctx, uuid.Nil)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestOverdueListingFollowsReturn(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bookID := h.book(t, 2)
	u2 := h.user(t, 2)
	due := h.now.Add(time.Hour)

	created, err := h.svc.Borrow(ctx, []Request{{UserID: u2, BookID: bookID, DueDate: &due}})
	require.NoError(t, err)

	overdue, err := h.ledger.ListOverdue(ctx, u2, h.now)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	later := due.Add(time.Minute)
	overdue, err = h.ledger.ListOverdue(ctx, u2, later)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, created[0].TransactionID, overdue[0].TransactionID)

	_, err = h.svc.Return(ctx, created[0].TransactionID)
	require.NoError(t, err)
	overdue, err = h.ledger.ListOverdue(ctx, u2, later)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

type flakyTx struct {
	inner    txRunner
	failWith error
	failures int
	calls    int
}

func (f *flakyTx) WithTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *gorm.DB) error) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("commit: %w", f.failWith)
	}
	return f.inner.WithTxOptions(ctx, opts, fn)
}

func TestBorrowRetriesSerializationFailures(t *testing.T) {
	flaky := &flakyTx{failWith: &pgconn.PgError{Code: db.SQLStateSerializationFailure}, failures: 2}
	h := newHarness(t, flaky)
	flaky.inner = h.client
	bookID := h.book(t, 1)
	userID := h.user(t, 1)

	created, err := h.svc.Borrow(context.Background(), []Request{{UserID: userID, BookID: bookID}})
	require.NoError(t, err)
	assert.Len(t, created, 1)
	assert.Equal(t, 3, flaky.calls)
}

func TestBorrowSurfacesTransientAfterRetries(t *testing.T) {
	flaky := &flakyTx{failWith: &pgconn.PgError{Code: db.SQLStateDeadlockDetected}, failures: 10}
	h := newHarness(t, flaky)
	flaky.inner = h.client
	bookID := h.book(t, 1)
	userID := h.user(t, 1)

	_, err := h.svc.Borrow(context.Background(), []Request{{UserID: userID, BookID: bookID}})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeTransientDB))
	assert.Equal(t, 3, flaky.calls)
	assert.Zero(t, h.countLoans(t))
}

func TestLockTimeoutIsConflictWithoutRetry(t *testing.T) {
	flaky := &flakyTx{failWith: &pgconn.PgError{Code: db.SQLStateLockNotAvailable}, failures: 10}
	h := newHarness(t, flaky)
	flaky.inner = h.client

	_, err := h.svc.Return(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
	assert.Equal(t, 1, flaky.calls)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}
