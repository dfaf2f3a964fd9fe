package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/internal/availability"
	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/pkg/db"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	"github.com/angelmondragon/shelfledger-backend/pkg/pagination"
)

// Service exposes catalog management. Only Update and Delete take locks, and
// only on the book row they change.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*BookDTO, error)
	List(ctx context.Context, params ListParams) (pagination.Page[BookDTO], error)
	Create(ctx context.Context, inputs []CreateBookInput) ([]BookDTO, error)
	Update(ctx context.Context, id uuid.UUID, patch BookPatch) (*BookDTO, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type service struct {
	repo     *Repository
	dbClient *db.Client
	logg     *logger.Logger
}

// NewService constructs a catalog service instance.
func NewService(repo *Repository, dbClient *db.Client, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("catalog repository required")
	}
	if dbClient == nil {
		return nil, fmt.Errorf("db client required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{repo: repo, dbClient: dbClient, logg: logg}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*BookDTO, error) {
	book, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "load book")
	}
	avail, err := availability.Compute(ctx, s.dbClient.DB(), id)
	if err != nil {
		return nil, asDependency(err, "compute availability")
	}
	dto := toDTO(*book, avail)
	return &dto, nil
}

func (s *service) List(ctx context.Context, params ListParams) (pagination.Page[BookDTO], error) {
	params.Params = params.Params.Normalize()
	rows, err := s.repo.List(ctx, params)
	if err != nil {
		return pagination.Page[BookDTO]{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list books")
	}
	dtos := make([]BookDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, rowToDTO(row))
	}
	return pagination.NewPage(dtos, params.Params), nil
}

func (s *service) Create(ctx context.Context, inputs []CreateBookInput) ([]BookDTO, error) {
	if len(inputs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one book is required")
	}

	books := make([]models.Book, 0, len(inputs))
	isbns := make([]string, 0, len(inputs))
	seen := make(map[string]int, len(inputs))
	for i, in := range inputs {
		book, err := bookFromInput(in)
		if err != nil {
			return nil, pkgerrors.As(err).WithDetails(map[string]any{"position": i})
		}
		if book.ISBN != nil {
			if first, dup := seen[*book.ISBN]; dup {
				return nil, pkgerrors.New(pkgerrors.CodeConflict, "duplicate isbn in request").
					WithDetails(map[string]any{"isbn": *book.ISBN, "positions": []int{first, i}})
			}
			seen[*book.ISBN] = i
			isbns = append(isbns, *book.ISBN)
		}
		books = append(books, book)
	}

	err := s.dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		taken, err := repo.ISBNsTaken(ctx, isbns, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check isbn")
		}
		if len(taken) > 0 {
			return isbnConflict(taken)
		}
		if err := repo.Create(ctx, books); err != nil {
			if isISBNClash(err) {
				return isbnConflict(isbns)
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create books")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]BookDTO, 0, len(books))
	for _, book := range books {
		out = append(out, toDTO(book, availability.FromCounts(book.ID, book.TotalCopies, 0)))
	}
	s.logg.Info(s.logg.WithField(ctx, "count", len(out)), "books created")
	return out, nil
}

// Update applies a typed patch while holding the book row lock, so a
// concurrent borrow cannot slip in between the availability check and the write.
func (s *service) Update(ctx context.Context, id uuid.UUID, patch BookPatch) (*BookDTO, error) {
	if patch.Empty() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no fields to update")
	}
	columns, err := patchColumns(patch)
	if err != nil {
		return nil, err
	}

	var result BookDTO
	err = s.dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		book, err := repo.LockByID(ctx, id)
		if err != nil {
			return notFoundOr(err, "lock book")
		}

		if isbn, ok := columns["isbn"].(*string); ok && isbn != nil {
			taken, err := repo.ISBNsTaken(ctx, []string{*isbn}, &id)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check isbn")
			}
			if len(taken) > 0 {
				return isbnConflict(taken)
			}
		}

		avail, err := availability.Compute(ctx, tx, id)
		if err != nil {
			return asDependency(err, "compute availability")
		}
		if patch.TotalCopies != nil && *patch.TotalCopies < avail.BorrowedCount {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "total copies below copies currently borrowed").
				WithDetails(map[string]any{
					"book_id":        id.String(),
					"total_copies":   *patch.TotalCopies,
					"borrowed_count": avail.BorrowedCount,
				})
		}

		if err := repo.UpdateColumns(ctx, book, columns); err != nil {
			if isISBNClash(err) {
				return isbnConflict([]string{*patch.ISBN})
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update book")
		}
		updated, err := repo.FindByID(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload book")
		}
		result = toDTO(*updated, availability.FromCounts(id, updated.TotalCopies, avail.BorrowedCount))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete removes a book that has never been lent. Ledger rows are kept forever,
// so any loan history pins the book in the catalog.
func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.LockByID(ctx, id); err != nil {
			return notFoundOr(err, "lock book")
		}
		history, err := loans.NewRepository(tx).CountAllLoans(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count loans")
		}
		if history > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "book has loan history").
				WithDetails(map[string]any{"book_id": id.String(), "loans": history})
		}
		if err := repo.Delete(ctx, id); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete book")
		}
		return nil
	})
}

func bookFromInput(in CreateBookInput) (models.Book, error) {
	title := strings.TrimSpace(in.Title)
	author := strings.TrimSpace(in.Author)
	if title == "" || author == "" {
		return models.Book{}, pkgerrors.New(pkgerrors.CodeValidation, "title and author are required")
	}
	copies := 1
	if in.TotalCopies != nil {
		copies = *in.TotalCopies
	}
	if copies < 1 {
		return models.Book{}, pkgerrors.New(pkgerrors.CodeValidation, "total_copies must be at least 1")
	}
	return models.Book{
		Title:       title,
		Author:      author,
		Publisher:   trimmedOrNil(in.Publisher),
		Genre:       trimmedOrNil(in.Genre),
		ISBN:        trimmedOrNil(in.ISBN),
		TotalCopies: copies,
	}, nil
}

// patchColumns maps the patch onto the fixed set of writable columns.
func patchColumns(p BookPatch) (map[string]any, error) {
	columns := make(map[string]any, 6)
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "title cannot be empty")
		}
		columns["title"] = title
	}
	if p.Author != nil {
		author := strings.TrimSpace(*p.Author)
		if author == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "author cannot be empty")
		}
		columns["author"] = author
	}
	if p.Publisher != nil {
		columns["publisher"] = trimmedOrNil(p.Publisher)
	}
	if p.Genre != nil {
		columns["genre"] = trimmedOrNil(p.Genre)
	}
	if p.ISBN != nil {
		columns["isbn"] = trimmedOrNil(p.ISBN)
	}
	if p.TotalCopies != nil {
		if *p.TotalCopies < 1 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "total_copies must be at least 1")
		}
		columns["total_copies"] = *p.TotalCopies
	}
	return columns, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func isISBNClash(err error) bool {
	return db.IsUniqueViolation(err, isbnUniqueConstraint) || db.IsUniqueViolation(err, "books.isbn")
}

func isbnConflict(isbns []string) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "isbn already exists").
		WithDetails(map[string]any{"isbns": isbns})
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "book not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}

func asDependency(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
