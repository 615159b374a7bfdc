package oauth

import (
	"context"
	"time"
)

// Repository persists provider links. Lookup methods return (nil, nil)
// when no row matches.
type Repository interface {
	Create(ctx context.Context, a *Account) (*Account, error)
	Update(ctx context.Context, a *Account) error
	UpdateTokens(ctx context.Context, id int64, access, refresh []byte, expiresAt time.Time) error
	GetBySubject(ctx context.Context, provider Provider, subjectID string) (*Account, error)
	GetByUserProvider(ctx context.Context, userID int64, provider Provider) (*Account, error)
	ListByUser(ctx context.Context, userID int64) ([]Account, error)
	CountByUser(ctx context.Context, userID int64) (int, error)
	ListExpiring(ctx context.Context, before time.Time) ([]Account, error)
	DeleteByUserProvider(ctx context.Context, userID int64, provider Provider) (bool, error)
}
