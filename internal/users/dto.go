package users

import (
	"time"

	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
)

// UserDTO is the transport shape of a library member.
type UserDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RegisterInput carries the member fields accepted on registration.
type RegisterInput struct {
	Name  string
	Email string
}

// UserPatch carries the member fields a PATCH may change. Nil leaves a field untouched.
type UserPatch struct {
	Name  *string
	Email *string
}

func (p UserPatch) Empty() bool {
	return p.Name == nil && p.Email == nil
}

func FromModel(u *models.User) *UserDTO {
	if u == nil {
		return nil
	}
	return &UserDTO{
		ID:        u.PublicID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
