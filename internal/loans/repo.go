package loans

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
)

// Repository is the loan ledger. Rows are appended by borrows and closed by returns; nothing deletes them.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to an explicit transaction handle.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// CountOpenLoans returns the number of copies of bookID currently out.
func (r *Repository) CountOpenLoans(ctx context.Context, bookID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Loan{}).
		Where("book_id = ? AND return_date IS NULL", bookID).
		Count(&count).Error
	return count, err
}

// CountAllLoans counts ledger rows for bookID regardless of state.
func (r *Repository) CountAllLoans(ctx context.Context, bookID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Loan{}).
		Where("book_id = ?", bookID).
		Count(&count).Error
	return count, err
}

// CountUserLoans counts ledger rows written for userID, open or closed.
func (r *Repository) CountUserLoans(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Loan{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

// AppendLoans inserts the rows in one statement.
func (r *Repository) AppendLoans(ctx context.Context, rows []models.Loan) error {
	if len(rows) == 0 {
		return errors.New("no loans to append")
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// FindByID loads one ledger row without locking.
func (r *Repository) FindByID(ctx context.Context, transactionID uuid.UUID) (*models.Loan, error) {
	var loan models.Loan
	if err := r.db.WithContext(ctx).First(&loan, "transaction_id = ?", transactionID).Error; err != nil {
		return nil, err
	}
	return &loan, nil
}

// LockByID loads one ledger row FOR UPDATE. Only meaningful inside a transaction.
func (r *Repository) LockByID(ctx context.Context, transactionID uuid.UUID) (*models.Loan, error) {
	var loan models.Loan
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&loan, "transaction_id = ?", transactionID).Error
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// MarkReturned closes an open loan. It reports false when the row was already closed.
func (r *Repository) MarkReturned(ctx context.Context, transactionID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Loan{}).
		Where("transaction_id = ? AND return_date IS NULL", transactionID).
		UpdateColumn("return_date", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListOpenLoans returns the member's open loans, earliest due first.
func (r *Repository) ListOpenLoans(ctx context.Context, userID string) ([]models.Loan, error) {
	var rows []models.Loan
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND return_date IS NULL", userID).
		Order("due_date ASC").
		Order("transaction_id ASC").
		Find(&rows).Error
	return rows, err
}

// ListOverdue returns the member's open loans due strictly before now.
func (r *Repository) ListOverdue(ctx context.Context, userID string, now time.Time) ([]models.Loan, error) {
	var rows []models.Loan
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND return_date IS NULL AND due_date < ?", userID, now).
		Order("due_date ASC").
		Order("transaction_id ASC").
		Find(&rows).Error
	return rows, err
}

// OverdueCursor pages through overdue loans ordered by (due_date, transaction_id).
type OverdueCursor struct {
	DueDate       time.Time
	TransactionID uuid.UUID
}

// ListOverdueBatch returns up to limit overdue loans across all members after cursor.
func (r *Repository) ListOverdueBatch(ctx context.Context, now time.Time, after *OverdueCursor, limit int) ([]models.Loan, error) {
	query := r.db.WithContext(ctx).
		Where("return_date IS NULL AND due_date < ?", now)
	if after != nil {
		query = query.Where(
			"(due_date > ?) OR (due_date = ? AND transaction_id > ?)",
			after.DueDate, after.DueDate, after.TransactionID,
		)
	}
	var rows []models.Loan
	err := query.
		Order("due_date ASC").
		Order("transaction_id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// CountOverdue counts open loans due before now across all members.
func (r *Repository) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Loan{}).
		Where("return_date IS NULL AND due_date < ?", now).
		Count(&count).Error
	return count, err
}
