package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Loan is one ledger row: a single copy lent to a user. A loan is open while
// ReturnDate is nil; rows are never deleted.
type Loan struct {
	TransactionID uuid.UUID  `gorm:"column:transaction_id;type:uuid;primaryKey"`
	UserID        string     `gorm:"column:user_id;type:text;not null;index:loans_user_open_idx"`
	BookID        uuid.UUID  `gorm:"column:book_id;type:uuid;not null;index:loans_book_open_idx"`
	BorrowDate    time.Time  `gorm:"column:borrow_date;not null"`
	DueDate       time.Time  `gorm:"column:due_date;not null;index:loans_due_date_idx"`
	ReturnDate    *time.Time `gorm:"column:return_date;index:loans_book_open_idx;index:loans_user_open_idx"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Loan) TableName() string { return "loans" }

func (l *Loan) BeforeCreate(*gorm.DB) error {
	if l.TransactionID == uuid.Nil {
		l.TransactionID = uuid.New()
	}
	return nil
}

// IsOpen reports whether the copy is still out.
func (l Loan) IsOpen() bool {
	return l.ReturnDate == nil
}

// IsOverdue reports whether an open loan is past its due date at now.
func (l Loan) IsOverdue(now time.Time) bool {
	return l.IsOpen() && l.DueDate.Before(now)
}
