package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
)

// stateMaxAge bounds the window between issuing a state token and the
// provider redirecting back with it.
const stateMaxAge = 600 * time.Second

type stateClaims struct {
	Provider    string `json:"prv"`
	RedirectURI string `json:"uri"`
	jwt.RegisteredClaims
}

// StateManager signs and verifies the opaque state parameter carried
// through the authorization round trip. Tokens are HMAC-signed and carry
// the provider and redirect URI so the callback can recover both without
// server-side storage.
type StateManager struct {
	secret []byte
	now    func() time.Time
}

func NewStateManager(secret string) *StateManager {
	return &StateManager{secret: []byte(secret), now: time.Now}
}

// Issue signs a state token binding the pending authorization to one
// provider and redirect URI.
func (m *StateManager) Issue(provider Provider, redirectURI string) (string, error) {
	claims := stateClaims{
		Provider:    string(provider),
		RedirectURI: redirectURI,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(m.now().UTC()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and age of a state token and confirms it was
// issued for the given provider. It returns the redirect URI the
// authorization began with.
func (m *StateManager) Verify(token string, provider Provider) (string, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", fmt.Errorf("invalid oauth state: %w", httpx.ErrUnauthorized)
	}
	if claims.IssuedAt == nil || m.now().Sub(claims.IssuedAt.Time) > stateMaxAge {
		return "", fmt.Errorf("oauth state expired: %w", httpx.ErrUnauthorized)
	}
	if claims.Provider != string(provider) {
		return "", fmt.Errorf("oauth state issued for another provider: %w", httpx.ErrUnauthorized)
	}
	return claims.RedirectURI, nil
}
