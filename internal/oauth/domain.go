// Package oauth implements external-provider authentication: authorization
// URL construction under signed state tokens, code exchange, userinfo
// normalization, and reconciliation of provider identities with local
// accounts.
package oauth

import (
	"time"
)

// Provider identifies an external OAuth provider from the closed set.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// ParseProvider validates a raw provider name against the closed set.
func ParseProvider(raw string) (Provider, bool) {
	switch Provider(raw) {
	case ProviderGoogle, ProviderGitHub:
		return Provider(raw), true
	}
	return "", false
}

// Account links a local user to one external provider identity. Token
// material is sealed with the vault before it reaches storage.
type Account struct {
	ID             int64
	UserID         int64
	Provider       Provider
	SubjectID      string
	Email          string
	Name           string
	AvatarURL      string
	AccessToken    []byte // sealed
	RefreshToken   []byte // sealed, may be empty
	TokenExpiresAt time.Time
	RawPayload     []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Public is the externally visible projection of a link. It never carries
// token material.
type Public struct {
	ID             int64     `json:"id"`
	Provider       Provider  `json:"provider"`
	Email          string    `json:"email,omitempty"`
	Name           string    `json:"name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewPublic projects an account for API responses.
func NewPublic(a *Account) Public {
	return Public{
		ID:             a.ID,
		Provider:       a.Provider,
		Email:          a.Email,
		Name:           a.Name,
		AvatarURL:      a.AvatarURL,
		TokenExpiresAt: a.TokenExpiresAt,
		CreatedAt:      a.CreatedAt,
	}
}

// UserInfo is the normalized profile returned by a provider's userinfo
// endpoint.
type UserInfo struct {
	SubjectID     string
	Email         string
	Name          string
	Picture       string
	EmailVerified bool
}
