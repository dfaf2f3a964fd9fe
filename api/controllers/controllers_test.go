package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/shelfledger-backend/internal/borrowing"
	"github.com/angelmondragon/shelfledger-backend/internal/catalog"
	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/internal/users"
	"github.com/angelmondragon/shelfledger-backend/pkg/config"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	"github.com/angelmondragon/shelfledger-backend/pkg/pagination"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: io.Discard})
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type stubBorrowing struct {
	borrow func(context.Context, []borrowing.Request) ([]loans.LoanDTO, error)
	ret    func(context.Context, uuid.UUID) (*loans.LoanDTO, error)
}

func (s *stubBorrowing) Borrow(ctx context.Context, reqs []borrowing.Request) ([]loans.LoanDTO, error) {
	return s.borrow(ctx, reqs)
}

func (s *stubBorrowing) Return(ctx context.Context, id uuid.UUID) (*loans.LoanDTO, error) {
	return s.ret(ctx, id)
}

type stubCatalog struct {
	catalog.Service
	list   func(context.Context, catalog.ListParams) (pagination.Page[catalog.BookDTO], error)
	create func(context.Context, []catalog.CreateBookInput) ([]catalog.BookDTO, error)
}

func (s *stubCatalog) List(ctx context.Context, p catalog.ListParams) (pagination.Page[catalog.BookDTO], error) {
	return s.list(ctx, p)
}

func (s *stubCatalog) Create(ctx context.Context, in []catalog.CreateBookInput) ([]catalog.BookDTO, error) {
	return s.create(ctx, in)
}

type stubUsers struct {
	users.Service
	update func(context.Context, string, users.UserPatch) (*users.UserDTO, error)
	del    func(context.Context, string) error
}

func (s *stubUsers) Update(ctx context.Context, id string, patch users.UserPatch) (*users.UserDTO, error) {
	return s.update(ctx, id, patch)
}

func (s *stubUsers) Delete(ctx context.Context, id string) error {
	return s.del(ctx, id)
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestBorrowBooksCreated(t *testing.T) {
	bookID := uuid.New()
	var got []borrowing.Request
	svc := &stubBorrowing{borrow: func(_ context.Context, reqs []borrowing.Request) ([]loans.LoanDTO, error) {
		got = reqs
		return []loans.LoanDTO{{TransactionID: uuid.New(), UserID: reqs[0].UserID, BookID: reqs[0].BookID}}, nil
	}}

	body := `{"requests":[{"user_id":"2024-ABCD-000001","book_id":"` + bookID.String() + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/loans/borrow", strings.NewReader(body))
	rec := httptest.NewRecorder()
	BorrowBooks(svc, testLogger()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, bookID, got[0].BookID)
	assert.Nil(t, got[0].DueDate)
}

func TestBorrowBooksConflictCarriesReason(t *testing.T) {
	bookID := uuid.New()
	svc := &stubBorrowing{borrow: func(context.Context, []borrowing.Request) ([]loans.LoanDTO, error) {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "book unavailable").
			WithDetails(map[string]any{"reason": "all copies borrowed", "book_id": bookID.String(), "position": 0})
	}}

	body := `{"requests":[{"user_id":"2024-ABCD-000001","book_id":"` + bookID.String() + `"}]}`
	rec := httptest.NewRecorder()
	BorrowBooks(svc, testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/loans/borrow", strings.NewReader(body)))

	require.Equal(t, http.StatusConflict, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, string(pkgerrors.CodeConflict), payload.Error.Code)
	assert.Equal(t, "all copies borrowed", payload.Error.Details["reason"])
	assert.Equal(t, bookID.String(), payload.Error.Details["book_id"])
}

func TestBorrowBooksRejectsMalformedBody(t *testing.T) {
	svc := &stubBorrowing{borrow: func(context.Context, []borrowing.Request) ([]loans.LoanDTO, error) {
		t.Fatal("service should not be called")
		return nil, nil
	}}
	for _, body := range []string{`{"requests":[]}`, `{"requests":[{"user_id":"x"}]}`, `not json`, `{"requests":[],"extra":1}`} {
		rec := httptest.NewRecorder()
		BorrowBooks(svc, testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/loans/borrow", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestReturnLoan(t *testing.T) {
	txID := uuid.New()
	returned := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)
	svc := &stubBorrowing{ret: func(_ context.Context, id uuid.UUID) (*loans.LoanDTO, error) {
		if id != txID {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "loan not found")
		}
		return &loans.LoanDTO{TransactionID: id, ReturnDate: &returned}, nil
	}}

	t.Run("invalid id", func(t *testing.T) {
		req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/v1/loans/nope/return", nil), "transactionId", "nope")
		rec := httptest.NewRecorder()
		ReturnLoan(svc, testLogger()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown", func(t *testing.T) {
		other := uuid.New()
		req := withURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "transactionId", other.String())
		rec := httptest.NewRecorder()
		ReturnLoan(svc, testLogger()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("success", func(t *testing.T) {
		req := withURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "transactionId", txID.String())
		rec := httptest.NewRecorder()
		ReturnLoan(svc, testLogger()).ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), txID.String())
	})
}

func TestListBooksParsesFilters(t *testing.T) {
	var got catalog.ListParams
	svc := &stubCatalog{list: func(_ context.Context, p catalog.ListParams) (pagination.Page[catalog.BookDTO], error) {
		got = p
		return pagination.NewPage([]catalog.BookDTO{}, p.Params), nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/books?title=%20dune%20&status=Available&limit=5&offset=10&isbn=978", nil)
	rec := httptest.NewRecorder()
	ListBooks(svc, testLogger()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dune", got.Title)
	assert.Equal(t, enums.BookStatusAvailable, got.Status)
	assert.Equal(t, "978", got.ISBN)
	assert.Equal(t, pagination.Params{Limit: 5, Offset: 10}, got.Params)

	for _, query := range []string{"status=lost", "limit=0", "offset=-1", "limit=abc"} {
		rec := httptest.NewRecorder()
		ListBooks(svc, testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/books?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestCreateBooksAcceptsObjectOrArray(t *testing.T) {
	var calls [][]catalog.CreateBookInput
	svc := &stubCatalog{create: func(_ context.Context, in []catalog.CreateBookInput) ([]catalog.BookDTO, error) {
		calls = append(calls, in)
		return make([]catalog.BookDTO, len(in)), nil
	}}

	single := `{"title":"Dune","author":"Frank Herbert"}`
	many := `[{"title":"Dune","author":"Frank Herbert"},{"title":"Emma","author":"Jane Austen","total_copies":2}]`
	for _, body := range []string{single, many} {
		rec := httptest.NewRecorder()
		CreateBooks(svc, testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/books", strings.NewReader(body)))
		require.Equal(t, http.StatusCreated, rec.Code, body)
	}
	require.Len(t, calls, 2)
	assert.Len(t, calls[0], 1)
	require.Len(t, calls[1], 2)
	require.NotNil(t, calls[1][1].TotalCopies)
	assert.Equal(t, 2, *calls[1][1].TotalCopies)

	rec := httptest.NewRecorder()
	CreateBooks(svc, testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/books",
		strings.NewReader(`[{"title":"Dune","author":"Frank Herbert"},{"title":""}]`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 1, decodeError(t, rec).Error.Details["position"])
	assert.Len(t, calls, 2)
}

func TestHealthReady(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Env: "test"}}
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	HealthReady(cfg, testLogger(), map[string]Pinger{"db": ok, "redis": ok}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", rec.Header().Get("X-ShelfLedger-Env"))

	rec = httptest.NewRecorder()
	HealthReady(cfg, testLogger(), map[string]Pinger{"db": ok, "redis": down}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "redis", decodeError(t, rec).Error.Details["dependency"])
}

func TestUpdateUserPassesPartialPatch(t *testing.T) {
	var got users.UserPatch
	svc := &stubUsers{update: func(_ context.Context, id string, patch users.UserPatch) (*users.UserDTO, error) {
		got = patch
		return &users.UserDTO{ID: id, Name: *patch.Name}, nil
	}}

	req := withURLParam(httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"name":"Ada King"}`)), "userId", "2024-ABCD-000001")
	rec := httptest.NewRecorder()
	UpdateUser(svc, testLogger()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Ada King", *got.Name)
	assert.Nil(t, got.Email)

	req = withURLParam(httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"email":"bad"}`)), "userId", "2024-ABCD-000001")
	rec = httptest.NewRecorder()
	UpdateUser(svc, testLogger()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateUserEmailConflict(t *testing.T) {
	svc := &stubUsers{update: func(context.Context, string, users.UserPatch) (*users.UserDTO, error) {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "email already registered").
			WithDetails(map[string]any{"email": "one@example.com"})
	}}

	req := withURLParam(httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"email":"one@example.com"}`)), "userId", "2024-ABCD-000002")
	rec := httptest.NewRecorder()
	UpdateUser(svc, testLogger()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "one@example.com", decodeError(t, rec).Error.Details["email"])
}

func TestDeleteUser(t *testing.T) {
	svc := &stubUsers{del: func(_ context.Context, id string) error {
		if id == "2024-ABCD-000001" {
			return nil
		}
		return pkgerrors.New(pkgerrors.CodeConflict, "user has loan history")
	}}

	rec := httptest.NewRecorder()
	DeleteUser(svc, testLogger()).ServeHTTP(rec, withURLParam(httptest.NewRequest(http.MethodDelete, "/", nil), "userId", "2024-ABCD-000001"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	DeleteUser(svc, testLogger()).ServeHTTP(rec, withURLParam(httptest.NewRequest(http.MethodDelete, "/", nil), "userId", "2024-ABCD-000009"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
