package controllers

import (
	"math"
	"net/http"
	"strings"

	"github.com/angelmondragon/shelfledger-backend/api/responses"
	"github.com/angelmondragon/shelfledger-backend/api/validators"
	"github.com/angelmondragon/shelfledger-backend/internal/catalog"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	"github.com/angelmondragon/shelfledger-backend/pkg/pagination"
)

const maxBooksPerCreate = 100

// ListBooks serves the catalog with per-title availability.
func ListBooks(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parseBookListParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

func parseBookListParams(r *http.Request) (catalog.ListParams, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return catalog.ListParams{}, err
	}
	offset, err := validators.ParseQueryInt(r, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		return catalog.ListParams{}, err
	}

	q := r.URL.Query()
	status, err := enums.ParseBookStatus(q.Get("status"))
	if err != nil {
		return catalog.ListParams{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").WithDetails(map[string]any{"field": "status"})
	}

	return catalog.ListParams{
		Title:     strings.TrimSpace(q.Get("title")),
		Author:    strings.TrimSpace(q.Get("author")),
		Genre:     strings.TrimSpace(q.Get("genre")),
		Publisher: strings.TrimSpace(q.Get("publisher")),
		ISBN:      strings.TrimSpace(q.Get("isbn")),
		Status:    status,
		Params:    pagination.Params{Limit: limit, Offset: offset},
	}, nil
}

// CreateBooks accepts one book object or an array of them.
func CreateBooks(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inputs, err := validators.DecodeJSONOneOrMany[catalog.CreateBookInput](r, maxBooksPerCreate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		books, err := svc.Create(r.Context(), inputs)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, books)
	}
}

func GetBook(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookID, err := validators.ParseUUIDParam(r, "bookId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithField(r.Context(), "book_id", bookID.String())

		book, err := svc.Get(ctx, bookID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, book)
	}
}

func UpdateBook(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookID, err := validators.ParseUUIDParam(r, "bookId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithField(r.Context(), "book_id", bookID.String())

		var patch catalog.BookPatch
		if err := validators.DecodeJSONBody(r, &patch); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		book, err := svc.Update(ctx, bookID, patch)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, book)
	}
}

func DeleteBook(svc catalog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookID, err := validators.ParseUUIDParam(r, "bookId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithField(r.Context(), "book_id", bookID.String())

		if err := svc.Delete(ctx, bookID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
