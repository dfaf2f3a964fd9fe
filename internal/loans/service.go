package loans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
)

type ledgerReader interface {
	FindByID(ctx context.Context, transactionID uuid.UUID) (*models.Loan, error)
	ListOpenLoans(ctx context.Context, userID string) ([]models.Loan, error)
}

type userLookup interface {
	Exists(ctx context.Context, publicID string) (bool, error)
}

// Service answers read-only questions about the ledger.
type Service interface {
	Dues(ctx context.Context, userID string) (*DueReport, error)
	Get(ctx context.Context, transactionID uuid.UUID) (*LoanDTO, error)
}

type service struct {
	repo  ledgerReader
	users userLookup
	now   func() time.Time
}

func NewService(repo ledgerReader, users userLookup) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("loan repository required")
	}
	if users == nil {
		return nil, fmt.Errorf("user lookup required")
	}
	return &service{repo: repo, users: users, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Dues lists the member's open loans and, among them, those whose due date has passed.
// Reads are unlocked: a concurrent return may or may not be reflected.
func (s *service) Dues(ctx context.Context, userID string) (*DueReport, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	exists, err := s.users.Exists(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup user")
	}
	if !exists {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}

	open, err := s.repo.ListOpenLoans(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list open loans")
	}

	now := s.now()
	report := &DueReport{
		UserID:  userID,
		AsOf:    now,
		Open:    FromModels(open),
		Overdue: []LoanDTO{},
	}
	for _, loan := range open {
		if loan.IsOverdue(now) {
			report.Overdue = append(report.Overdue, FromModel(loan))
		}
	}
	return report, nil
}

func (s *service) Get(ctx context.Context, transactionID uuid.UUID) (*LoanDTO, error) {
	loan, err := s.repo.FindByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "loan not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load loan")
	}
	dto := FromModel(*loan)
	return &dto, nil
}
