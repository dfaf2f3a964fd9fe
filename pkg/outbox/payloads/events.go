package payloads

import (
	"time"

	"github.com/google/uuid"
)

// LoanBorrowedEvent is emitted once per ledger row created by a borrow batch.
type LoanBorrowedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	BookID        uuid.UUID `json:"book_id"`
	BorrowDate    time.Time `json:"borrow_date"`
	DueDate       time.Time `json:"due_date"`
	BatchPosition int       `json:"batch_position"`
}

// LoanReturnedEvent is emitted when an open loan is closed.
type LoanReturnedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	BookID        uuid.UUID `json:"book_id"`
	DueDate       time.Time `json:"due_date"`
	ReturnDate    time.Time `json:"return_date"`
	Late          bool      `json:"late"`
}

// LoanOverdueEvent is emitted once per loan by the overdue scan.
type LoanOverdueEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	BookID        uuid.UUID `json:"book_id"`
	DueDate       time.Time `json:"due_date"`
	DaysOverdue   int       `json:"days_overdue"`
	DetectedAt    time.Time `json:"detected_at"`
}
