package catalog

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/shelfledger-backend/internal/availability"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
	"github.com/angelmondragon/shelfledger-backend/pkg/pagination"
)

// BookDTO is a catalog entry with its derived availability.
type BookDTO struct {
	ID                uuid.UUID `json:"id"`
	Title             string    `json:"title"`
	Author            string    `json:"author"`
	Publisher         *string   `json:"publisher,omitempty"`
	Genre             *string   `json:"genre,omitempty"`
	ISBN              *string   `json:"isbn,omitempty"`
	TotalCopies       int       `json:"total_copies"`
	BorrowedCount     int       `json:"borrowed_count"`
	AvailableQuantity int       `json:"available_quantity"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CreateBookInput is one book to add to the catalog.
type CreateBookInput struct {
	Title       string  `json:"title" validate:"required,max=500"`
	Author      string  `json:"author" validate:"required,max=300"`
	Publisher   *string `json:"publisher,omitempty" validate:"omitempty,max=300"`
	Genre       *string `json:"genre,omitempty" validate:"omitempty,max=100"`
	ISBN        *string `json:"isbn,omitempty" validate:"omitempty,max=20"`
	TotalCopies *int    `json:"total_copies,omitempty" validate:"omitempty,min=1"`
}

// BookPatch lists the fields an update may touch. Nil fields are left alone.
type BookPatch struct {
	Title       *string `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Author      *string `json:"author,omitempty" validate:"omitempty,min=1,max=300"`
	Publisher   *string `json:"publisher,omitempty" validate:"omitempty,max=300"`
	Genre       *string `json:"genre,omitempty" validate:"omitempty,max=100"`
	ISBN        *string `json:"isbn,omitempty" validate:"omitempty,max=20"`
	TotalCopies *int    `json:"total_copies,omitempty" validate:"omitempty,min=1"`
}

// Empty reports whether the patch changes nothing.
func (p BookPatch) Empty() bool {
	return p.Title == nil && p.Author == nil && p.Publisher == nil &&
		p.Genre == nil && p.ISBN == nil && p.TotalCopies == nil
}

// ListParams filters the catalog listing. Text filters are case-insensitive substring matches.
type ListParams struct {
	Title     string
	Author    string
	Genre     string
	Publisher string
	ISBN      string
	Status    enums.BookStatus
	pagination.Params
}

// BookRow is a catalog row joined with its open-loan count.
type BookRow struct {
	models.Book
	BorrowedCount     int `gorm:"column:borrowed_count"`
	AvailableQuantity int `gorm:"column:available_quantity"`
}

func toDTO(book models.Book, avail availability.Availability) BookDTO {
	return BookDTO{
		ID:                book.ID,
		Title:             book.Title,
		Author:            book.Author,
		Publisher:         book.Publisher,
		Genre:             book.Genre,
		ISBN:              book.ISBN,
		TotalCopies:       book.TotalCopies,
		BorrowedCount:     avail.BorrowedCount,
		AvailableQuantity: avail.AvailableQuantity,
		CreatedAt:         book.CreatedAt,
		UpdatedAt:         book.UpdatedAt,
	}
}

func rowToDTO(row BookRow) BookDTO {
	return toDTO(row.Book, availability.FromCounts(row.ID, row.TotalCopies, row.BorrowedCount))
}
