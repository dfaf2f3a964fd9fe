package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	dbpkg "github.com/angelmondragon/shelfledger-backend/pkg/db"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
	"github.com/angelmondragon/shelfledger-backend/pkg/pagination"
)

const publicIDAttempts = 3

type usersRepository interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, publicID string) (*models.User, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	List(ctx context.Context, limit, offset int) ([]models.User, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service exposes member registration and lookup.
type Service interface {
	Register(ctx context.Context, input RegisterInput) (*UserDTO, error)
	Get(ctx context.Context, publicID string) (*UserDTO, error)
	List(ctx context.Context, params pagination.Params) (pagination.Page[UserDTO], error)
	Update(ctx context.Context, publicID string, patch UserPatch) (*UserDTO, error)
	Delete(ctx context.Context, publicID string) error
}

type service struct {
	repo     usersRepository
	tx       txRunner
	now      func() time.Time
	newID    func(time.Time) (string, error)
	attempts int
}

// NewService builds a member service.
func NewService(repo usersRepository, tx txRunner) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("users repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    NewPublicID,
		attempts: publicIDAttempts,
	}, nil
}

func (s *service) Register(ctx context.Context, input RegisterInput) (*UserDTO, error) {
	name, err := cleanName(input.Name)
	if err != nil {
		return nil, err
	}
	email, err := cleanEmail(input.Email)
	if err != nil {
		return nil, err
	}

	taken, err := s.repo.EmailTaken(ctx, email)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check email")
	}
	if taken {
		return nil, emailConflict(email)
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		publicID, err := s.newID(s.now())
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate public id")
		}
		user := &models.User{PublicID: publicID, Name: name, Email: email}
		err = s.repo.Create(ctx, user)
		if err == nil {
			return FromModel(user), nil
		}
		if isEmailClash(err) {
			return nil, emailConflict(email)
		}
		if !dbpkg.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create user")
		}
		lastErr = err
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, lastErr, "could not allocate a unique member id")
}

func (s *service) Get(ctx context.Context, publicID string) (*UserDTO, error) {
	publicID = strings.TrimSpace(publicID)
	if !IsPublicID(publicID) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	user, err := s.repo.FindByID(ctx, publicID)
	if err != nil {
		return nil, userNotFoundOr(err, "load user")
	}
	return FromModel(user), nil
}

func (s *service) List(ctx context.Context, params pagination.Params) (pagination.Page[UserDTO], error) {
	params = params.Normalize()
	rows, err := s.repo.List(ctx, params.Limit, params.Offset)
	if err != nil {
		return pagination.Page[UserDTO]{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list users")
	}
	dtos := make([]UserDTO, 0, len(rows))
	for i := range rows {
		dtos = append(dtos, *FromModel(&rows[i]))
	}
	return pagination.NewPage(dtos, params), nil
}

// Update applies patch while holding the member row lock. The email check
// ignores the member's own row so resubmitting the current email is a no-op.
func (s *service) Update(ctx context.Context, publicID string, patch UserPatch) (*UserDTO, error) {
	publicID = strings.TrimSpace(publicID)
	if !IsPublicID(publicID) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	if patch.Empty() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no fields to update")
	}
	columns := map[string]any{}
	if patch.Name != nil {
		name, err := cleanName(*patch.Name)
		if err != nil {
			return nil, err
		}
		columns["name"] = name
	}
	var email string
	if patch.Email != nil {
		var err error
		if email, err = cleanEmail(*patch.Email); err != nil {
			return nil, err
		}
		columns["email"] = email
	}

	var result *UserDTO
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := NewRepository(tx)
		user, err := repo.LockByID(ctx, publicID)
		if err != nil {
			return userNotFoundOr(err, "lock user")
		}
		if email != "" {
			taken, err := repo.EmailTakenByOther(ctx, email, publicID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check email")
			}
			if taken {
				return emailConflict(email)
			}
		}
		if err := repo.UpdateColumns(ctx, user, columns); err != nil {
			if isEmailClash(err) {
				return emailConflict(email)
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update user")
		}
		updated, err := repo.FindByID(ctx, publicID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload user")
		}
		result = FromModel(updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a member with no ledger rows. Loans are never deleted, so a
// member who has ever borrowed stays registered.
func (s *service) Delete(ctx context.Context, publicID string) error {
	publicID = strings.TrimSpace(publicID)
	if !IsPublicID(publicID) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := NewRepository(tx)
		if _, err := repo.LockByID(ctx, publicID); err != nil {
			return userNotFoundOr(err, "lock user")
		}
		history, err := loans.NewRepository(tx).CountUserLoans(ctx, publicID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count loans")
		}
		if history > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "user has loan history").
				WithDetails(map[string]any{"user_id": publicID, "loans": history})
		}
		if err := repo.Delete(ctx, publicID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete user")
		}
		return nil
	})
}

func cleanName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "name is required")
	}
	return name, nil
}

func cleanEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "invalid email")
	}
	return email, nil
}

func userNotFoundOr(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

func isEmailClash(err error) bool {
	return dbpkg.IsUniqueViolation(err, emailUniqueConstraint) || dbpkg.IsUniqueViolation(err, "users.email")
}

func emailConflict(email string) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "email already registered").
		WithDetails(map[string]any{"email": email})
}
