package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/shelfledger-backend/pkg/db/dbtest"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shelfledger-backend/pkg/errors"
	"github.com/angelmondragon/shelfledger-backend/pkg/pagination"
)

func newTestService(t *testing.T) (*service, *Repository) {
	t.Helper()
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	svc, err := NewService(repo, client)
	require.NoError(t, err)
	return svc.(*service), repo
}

func TestRegisterAssignsPublicID(t *testing.T) {
	svc, repo := newTestService(t)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	user, err := svc.Register(context.Background(), RegisterInput{Name: " Ada Lovelace ", Email: "Ada@Example.com"})
	require.NoError(t, err)
	assert.True(t, IsPublicID(user.ID), "unexpected id %q", user.ID)
	assert.Equal(t, "2024", user.ID[:4])
	assert.Equal(t, "Ada Lovelace", user.Name)
	assert.Equal(t, "ada@example.com", user.Email)

	exists, err := repo.Exists(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Name: "One", Email: "dup@example.com"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{Name: "Two", Email: "DUP@example.com"})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
}

func TestRegisterRetriesOnPublicIDClash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ids := []string{"2024-AAAA-000001", "2024-AAAA-000001", "2024-BBBB-000002"}
	calls := 0
	svc.newID = func(time.Time) (string, error) {
		id := ids[calls]
		calls++
		return id, nil
	}

	first, err := svc.Register(ctx, RegisterInput{Name: "First", Email: "first@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "2024-AAAA-000001", first.ID)

	second, err := svc.Register(ctx, RegisterInput{Name: "Second", Email: "second@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "2024-BBBB-000002", second.ID)
	assert.Equal(t, 3, calls)
}

func TestRegisterGivesUpAfterRepeatedClashes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.newID = func(time.Time) (string, error) { return "2024-CCCC-000003", nil }

	_, err := svc.Register(ctx, RegisterInput{Name: "First", Email: "a@example.com"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{Name: "Second", Email: "b@example.com"})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Name: "", Email: "x@example.com"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	_, err = svc.Register(ctx, RegisterInput{Name: "X", Email: "not-an-email"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	svc.newID = func(time.Time) (string, error) { return "", errors.New("entropy gone") }
	_, err = svc.Register(ctx, RegisterInput{Name: "X", Email: "x@example.com"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInternal))
}

func TestGetAndList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created := make([]*UserDTO, 0, 3)
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		u, err := svc.Register(ctx, RegisterInput{Name: email, Email: email})
		require.NoError(t, err)
		created = append(created, u)
	}

	got, err := svc.Get(ctx, created[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "b@x.io", got.Email)

	_, err = svc.Get(ctx, "2000-ZZZZ-999999")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	_, err = svc.Get(ctx, "garbage")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))

	page, err := svc.List(ctx, pagination.Params{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 2, *page.NextOffset)

	page, err = svc.List(ctx, pagination.Params{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Nil(t, page.NextOffset)
}

func strPtr(s string) *string { return &s }

func TestUpdateChangesNameAndEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, user.ID, UserPatch{Name: strPtr(" Ada King "), Email: strPtr("ADA@King.org")})
	require.NoError(t, err)
	assert.Equal(t, user.ID, updated.ID)
	assert.Equal(t, "Ada King", updated.Name)
	assert.Equal(t, "ada@king.org", updated.Email)

	// resubmitting the member's own email is not a clash
	updated, err = svc.Update(ctx, user.ID, UserPatch{Email: strPtr("ada@king.org")})
	require.NoError(t, err)
	assert.Equal(t, "ada@king.org", updated.Email)
}

func TestUpdateRejectsEmailOfAnotherMember(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Name: "One", Email: "one@example.com"})
	require.NoError(t, err)
	two, err := svc.Register(ctx, RegisterInput{Name: "Two", Email: "two@example.com"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, two.ID, UserPatch{Email: strPtr("One@example.com")})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))

	got, err := svc.Get(ctx, two.ID)
	require.NoError(t, err)
	assert.Equal(t, "two@example.com", got.Email)
}

func TestUpdateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, user.ID, UserPatch{})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	_, err = svc.Update(ctx, user.ID, UserPatch{Name: strPtr("  ")})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	_, err = svc.Update(ctx, user.ID, UserPatch{Email: strPtr("nope")})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	_, err = svc.Update(ctx, "2000-ZZZZ-999999", UserPatch{Name: strPtr("X")})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestDeleteRemovesMemberWithoutLoans(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, user.ID))
	exists, err := repo.Exists(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	err = svc.Delete(ctx, user.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestDeleteRefusesMemberWithLoanHistory(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	returned := time.Now().UTC()
	require.NoError(t, repo.db.Create(&models.Loan{
		UserID:     user.ID,
		BookID:     uuid.New(),
		BorrowDate: returned.Add(-48 * time.Hour),
		DueDate:    returned.Add(24 * time.Hour),
		ReturnDate: &returned,
	}).Error)

	err = svc.Delete(ctx, user.ID)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
	assert.Equal(t, map[string]any{"user_id": user.ID, "loans": int64(1)}, pkgerrors.As(err).Details())

	exists, err := repo.Exists(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestNewPublicIDShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := NewPublicID(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.True(t, IsPublicID(id), "bad id %q", id)
		require.Equal(t, "1999-", id[:5])
	}
}
