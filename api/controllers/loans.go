package controllers

import (
	"net/http"

	"github.com/angelmondragon/shelfledger-backend/api/responses"
	"github.com/angelmondragon/shelfledger-backend/api/validators"
	"github.com/angelmondragon/shelfledger-backend/internal/borrowing"
	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
)

// BorrowBooks records a batch of borrows. Either every request gets a loan or none does.
func BorrowBooks(svc borrowing.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload borrowing.BorrowInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithField(r.Context(), "batch_size", len(payload.Requests))

		created, err := svc.Borrow(ctx, payload.Requests)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, created)
	}
}

func ReturnLoan(svc borrowing.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transactionID, err := validators.ParseUUIDParam(r, "transactionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithTransactionID(r.Context(), transactionID.String())

		loan, err := svc.Return(ctx, transactionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, loan)
	}
}

func GetLoan(svc loans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transactionID, err := validators.ParseUUIDParam(r, "transactionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithTransactionID(r.Context(), transactionID.String())

		loan, err := svc.Get(ctx, transactionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, loan)
	}
}
