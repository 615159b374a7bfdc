package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
)

// ProviderConfig holds the endpoints and credentials for one provider.
type ProviderConfig struct {
	Name         Provider
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// Registry maps each supported provider to its configuration. Providers
// without credentials stay registered so lookups can distinguish
// "unsupported" from "not configured".
type Registry map[Provider]ProviderConfig

// NewRegistry builds the provider registry from credentials. Endpoint
// URLs are fixed per provider.
func NewRegistry(googleID, googleSecret, githubID, githubSecret string) Registry {
	return Registry{
		ProviderGoogle: {
			Name:         ProviderGoogle,
			ClientID:     googleID,
			ClientSecret: googleSecret,
			AuthURL:      "https://accounts.google.com/o/oauth2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
			Scopes:       []string{"openid", "email", "profile"},
		},
		ProviderGitHub: {
			Name:         ProviderGitHub,
			ClientID:     githubID,
			ClientSecret: githubSecret,
			AuthURL:      "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UserInfoURL:  "https://api.github.com/user",
			Scopes:       []string{"read:user", "user:email"},
		},
	}
}

// Config resolves a provider, rejecting names outside the closed set and
// providers registered without credentials.
func (r Registry) Config(p Provider) (ProviderConfig, error) {
	cfg, ok := r[p]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unsupported oauth provider %q: %w", p, httpx.ErrValidation)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return ProviderConfig{}, fmt.Errorf("oauth provider %q has no credentials: %w", p, httpx.ErrMisconfigured)
	}
	return cfg, nil
}

// Configured lists the providers that have credentials.
func (r Registry) Configured() []Provider {
	out := make([]Provider, 0, len(r))
	for _, p := range []Provider{ProviderGoogle, ProviderGitHub} {
		if cfg, ok := r[p]; ok && cfg.ClientID != "" && cfg.ClientSecret != "" {
			out = append(out, p)
		}
	}
	return out
}

// AuthorizationURL builds the provider consent URL for one signed state.
// Google requires offline access and forced consent to hand back a
// refresh token on every authorization.
func AuthorizationURL(cfg ProviderConfig, redirectURI, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(cfg.Scopes, " "))
	q.Set("state", state)
	if cfg.Name == ProviderGoogle {
		q.Set("access_type", "offline")
		q.Set("prompt", "consent")
	}
	return cfg.AuthURL + "?" + q.Encode()
}

// Token is a provider token response.
type Token struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int64           `json:"expires_in"`
	Raw          json.RawMessage `json:"-"`
}

// Client performs the HTTP half of the protocol: code exchange, token
// refresh, and userinfo retrieval.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// NewClientWith wraps an existing HTTP client, primarily for tests.
func NewClientWith(hc *http.Client) *Client {
	return &Client{http: hc}
}

// Exchange trades an authorization code for tokens at the provider's
// token endpoint.
func (c *Client) Exchange(ctx context.Context, cfg ProviderConfig, code, redirectURI string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	return c.tokenRequest(ctx, cfg, form)
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, cfg ProviderConfig, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	return c.tokenRequest(ctx, cfg, form)
}

func (c *Client) tokenRequest(ctx context.Context, cfg ProviderConfig, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%s token endpoint unreachable: %w", cfg.Name, httpx.ErrUpstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", httpx.ErrUpstream)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%s token endpoint returned %d: %w", cfg.Name, resp.StatusCode, httpx.ErrUpstream)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, fmt.Errorf("decode %s token response: %w", cfg.Name, httpx.ErrUpstream)
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("%s token response missing access token: %w", cfg.Name, httpx.ErrUpstream)
	}
	tok.Raw = json.RawMessage(body)
	return tok, nil
}

// FetchUserInfo retrieves and normalizes the provider profile. Only the
// Google payload shape has a mapping; other providers fail loudly rather
// than guess at field names.
func (c *Client) FetchUserInfo(ctx context.Context, cfg ProviderConfig, accessToken string) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoURL, nil)
	if err != nil {
		return UserInfo{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%s userinfo endpoint unreachable: %w", cfg.Name, httpx.ErrUpstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return UserInfo{}, fmt.Errorf("read userinfo response: %w", httpx.ErrUpstream)
	}
	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("%s userinfo endpoint returned %d: %w", cfg.Name, resp.StatusCode, httpx.ErrUpstream)
	}

	switch cfg.Name {
	case ProviderGoogle:
		var payload struct {
			ID            string `json:"id"`
			Email         string `json:"email"`
			Name          string `json:"name"`
			Picture       string `json:"picture"`
			VerifiedEmail bool   `json:"verified_email"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return UserInfo{}, fmt.Errorf("decode google userinfo: %w", httpx.ErrUpstream)
		}
		if payload.ID == "" {
			return UserInfo{}, fmt.Errorf("google userinfo missing subject id: %w", httpx.ErrUpstream)
		}
		return UserInfo{
			SubjectID:     payload.ID,
			Email:         payload.Email,
			Name:          payload.Name,
			Picture:       payload.Picture,
			EmailVerified: payload.VerifiedEmail,
		}, nil
	default:
		return UserInfo{}, fmt.Errorf("no userinfo mapping for provider %q: %w", cfg.Name, httpx.ErrMisconfigured)
	}
}
