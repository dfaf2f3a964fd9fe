// Package availability derives how many copies of a book are out and how many
// remain, from the catalog row and the open rows of the loan ledger.
package availability

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
)

// Availability is the derived view of a book at one snapshot.
type Availability struct {
	BookID            uuid.UUID `json:"book_id"`
	TotalCopies       int       `json:"total_copies"`
	BorrowedCount     int       `json:"borrowed_count"`
	AvailableQuantity int       `json:"available_quantity"`
}

// Exhausted reports whether pending further claims would exceed the copies on hand.
func (a Availability) Exhausted(pending int) bool {
	return a.BorrowedCount+pending >= a.TotalCopies
}

// Compute reads the book and counts its open loans through tx, so callers inside
// a transaction see the same snapshot they will write against.
func Compute(ctx context.Context, tx *gorm.DB, bookID uuid.UUID) (Availability, error) {
	if tx == nil {
		return Availability{}, fmt.Errorf("transaction handle required")
	}
	var book models.Book
	err := tx.WithContext(ctx).
		Select("id", "total_copies").
		First(&book, "id = ?", bookID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Availability{}, pkgerrors.New(pkgerrors.CodeNotFound, "book not found").
				WithDetails(map[string]any{"book_id": bookID.String()})
		}
		return Availability{}, fmt.Errorf("load book %s: %w", bookID, err)
	}

	borrowed, err := loans.NewRepository(tx).CountOpenLoans(ctx, bookID)
	if err != nil {
		return Availability{}, fmt.Errorf("count open loans for %s: %w", bookID, err)
	}
	return FromCounts(book.ID, book.TotalCopies, int(borrowed)), nil
}

// FromCounts builds an Availability from already-loaded figures. An over-lent
// book yields a negative AvailableQuantity; the figure is never clamped.
func FromCounts(bookID uuid.UUID, total, borrowed int) Availability {
	return Availability{
		BookID:            bookID,
		TotalCopies:       total,
		BorrowedCount:     borrowed,
		AvailableQuantity: total - borrowed,
	}
}

// OverLent reports a ledger with more open loans than copies.
func (a Availability) OverLent() bool {
	return a.BorrowedCount > a.TotalCopies
}
