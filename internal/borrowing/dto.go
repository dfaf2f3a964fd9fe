package borrowing

import (
	"time"

	"github.com/google/uuid"
)

// Request asks for one copy of BookID on behalf of UserID.
type Request struct {
	UserID  string     `json:"user_id" validate:"required"`
	BookID  uuid.UUID  `json:"book_id" validate:"required"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// BorrowInput is the HTTP body of a borrow batch.
type BorrowInput struct {
	Requests []Request `json:"requests" validate:"required,min=1,dive"`
}
