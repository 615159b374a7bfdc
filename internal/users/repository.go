package users

import (
	"context"

	"github.com/gatehouse-id/gatehouse/internal/roles"
)

// Repository defines data access for user records. Lookups return (nil, nil)
// when no record matches; only infrastructure failures surface as errors.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Create(ctx context.Context, u *User) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context, offset, limit int) ([]User, error)
	ListByRoles(ctx context.Context, rs []roles.Role, offset, limit int) ([]User, error)
	Update(ctx context.Context, u *User) error
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	Delete(ctx context.Context, id int64) error
	CountByRole(ctx context.Context, role roles.Role) (int, error)
}
