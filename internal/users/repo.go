package users

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
)

const emailUniqueConstraint = "users_email_key"

// Repository exposes member persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a users repo bound to the provided GORM DB.
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

// Create inserts a new member.
func (r *Repository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// FindByID loads a member by public id.
func (r *Repository) FindByID(ctx context.Context, publicID string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "public_id = ?", publicID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// LockByID loads a member FOR UPDATE. Only meaningful inside a transaction.
func (r *Repository) LockByID(ctx context.Context, publicID string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&user, "public_id = ?", publicID).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Exists reports whether a member with publicID is registered.
func (r *Repository) Exists(ctx context.Context, publicID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("public_id = ?", publicID).
		Count(&count).Error
	return count > 0, err
}

// EmailTaken reports whether the email is already registered.
func (r *Repository) EmailTaken(ctx context.Context, email string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("email = ?", email).
		Count(&count).Error
	return count > 0, err
}

// EmailTakenByOther reports whether email belongs to a member other than publicID.
func (r *Repository) EmailTakenByOther(ctx context.Context, email, publicID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("email = ? AND public_id <> ?", email, publicID).
		Count(&count).Error
	return count > 0, err
}

// UpdateColumns writes the given columns on user.
func (r *Repository) UpdateColumns(ctx context.Context, user *models.User, columns map[string]any) error {
	if len(columns) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(user).Updates(columns).Error
}

// Delete removes one member.
func (r *Repository) Delete(ctx context.Context, publicID string) error {
	return r.db.WithContext(ctx).Delete(&models.User{}, "public_id = ?", publicID).Error
}

// List pages members by registration time. It fetches limit+1 rows so callers can detect a next page.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	var rows []models.User
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Order("public_id ASC").
		Limit(limit + 1).
		Offset(offset).
		Find(&rows).Error
	return rows, err
}
