package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse-id/gatehouse/internal/users"
)

// Service wraps credential authentication business rules.
type Service struct {
	users  *users.Service
	tokens *TokenManager
}

// NewService constructs a Service.
func NewService(userService *users.Service, tokens *TokenManager) *Service {
	return &Service{users: userService, tokens: tokens}
}

// Authenticate validates email/password credentials. It returns nil for an
// unknown email, a missing password hash, and a mismatch alike, so callers
// cannot distinguish which part failed.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*users.User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.HasPassword() {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil
	}
	return user, nil
}

// IssueAccessToken mints a signed access token for the user.
func (s *Service) IssueAccessToken(user *users.User) (string, error) {
	return s.tokens.Issue(user.ID)
}
