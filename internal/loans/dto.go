package loans

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
)

// LoanDTO is the transport shape of one ledger row.
type LoanDTO struct {
	TransactionID uuid.UUID  `json:"transaction_id"`
	UserID        string     `json:"user_id"`
	BookID        uuid.UUID  `json:"book_id"`
	BorrowDate    time.Time  `json:"borrow_date"`
	DueDate       time.Time  `json:"due_date"`
	ReturnDate    *time.Time `json:"return_date"`
}

// DueReport splits a member's open loans into everything still out and the overdue subset.
type DueReport struct {
	UserID  string    `json:"user_id"`
	AsOf    time.Time `json:"as_of"`
	Open    []LoanDTO `json:"open"`
	Overdue []LoanDTO `json:"overdue"`
}

func FromModel(l models.Loan) LoanDTO {
	return LoanDTO{
		TransactionID: l.TransactionID,
		UserID:        l.UserID,
		BookID:        l.BookID,
		BorrowDate:    l.BorrowDate,
		DueDate:       l.DueDate,
		ReturnDate:    l.ReturnDate,
	}
}

func FromModels(rows []models.Loan) []LoanDTO {
	out := make([]LoanDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromModel(row))
	}
	return out
}
