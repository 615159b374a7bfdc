package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gatehouse-id/gatehouse/internal/auth"
	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-id/gatehouse/internal/users"
)

// usernameAttempts caps how many random suffixes are tried before a
// first-time login is rejected outright.
const usernameAttempts = 10

// Service drives the authorization round trip and reconciles provider
// identities with the local directory.
type Service struct {
	logger   *slog.Logger
	users    *users.Service
	auth     *auth.Service
	repo     Repository
	registry Registry
	client   *Client
	states   *StateManager
	vault    *Vault
	guard    *ReplayGuard
}

func NewService(
	logger *slog.Logger,
	userSvc *users.Service,
	authSvc *auth.Service,
	repo Repository,
	registry Registry,
	client *Client,
	states *StateManager,
	vault *Vault,
	guard *ReplayGuard,
) *Service {
	return &Service{
		logger:   logger,
		users:    userSvc,
		auth:     authSvc,
		repo:     repo,
		registry: registry,
		client:   client,
		states:   states,
		vault:    vault,
		guard:    guard,
	}
}

// consumeState enforces single use of a verified state token.
func (s *Service) consumeState(ctx context.Context, state string) error {
	fresh, err := s.guard.Consume(ctx, state)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("state already used: %w", httpx.ErrUnauthorized)
	}
	return nil
}

// BeginAuthorization issues a signed state and builds the provider
// consent URL for it.
func (s *Service) BeginAuthorization(provider Provider, redirectURI string) (authURL, state string, err error) {
	cfg, err := s.registry.Config(provider)
	if err != nil {
		return "", "", err
	}
	state, err = s.states.Issue(provider, redirectURI)
	if err != nil {
		return "", "", err
	}
	return AuthorizationURL(cfg, redirectURI, state), state, nil
}

// Providers lists the providers available for login.
func (s *Service) Providers() []Provider {
	return s.registry.Configured()
}

// HandleCallback completes an authorization: it verifies the state,
// exchanges the code, fetches the provider profile, reconciles it with
// the directory, and mints an access token for the resolved user.
func (s *Service) HandleCallback(ctx context.Context, provider Provider, code, state string) (*users.User, string, error) {
	cfg, err := s.registry.Config(provider)
	if err != nil {
		return nil, "", err
	}
	redirectURI, err := s.states.Verify(state, provider)
	if err != nil {
		return nil, "", err
	}
	if err := s.consumeState(ctx, state); err != nil {
		return nil, "", err
	}
	tok, err := s.client.Exchange(ctx, cfg, code, redirectURI)
	if err != nil {
		return nil, "", err
	}
	info, err := s.client.FetchUserInfo(ctx, cfg, tok.AccessToken)
	if err != nil {
		return nil, "", err
	}

	user, err := s.reconcile(ctx, provider, info, tok)
	if err != nil {
		return nil, "", err
	}
	if !user.IsActive {
		return nil, "", fmt.Errorf("account is inactive: %w", httpx.ErrForbidden)
	}
	access, err := s.auth.IssueAccessToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, access, nil
}

// reconcile maps a provider identity onto a local user. Resolution order:
// an existing link wins, then an email match links to the existing
// account, then a fresh account is provisioned.
func (s *Service) reconcile(ctx context.Context, provider Provider, info UserInfo, tok Token) (*users.User, error) {
	acct, err := s.repo.GetBySubject(ctx, provider, info.SubjectID)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		s.applyProfile(acct, info)
		if err := s.applyToken(acct, tok); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, acct); err != nil {
			return nil, err
		}
		user, err := s.users.FindByID(ctx, acct.UserID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("oauth link %d references missing user %d", acct.ID, acct.UserID)
		}
		return user, nil
	}

	if info.Email == "" {
		return nil, fmt.Errorf("%s returned no email address: %w", provider, httpx.ErrUpstream)
	}

	user, err := s.users.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		username, err := s.generateUsername(ctx, info.Email)
		if err != nil {
			return nil, err
		}
		user, err = s.users.CreateFromOAuth(ctx, users.OAuthCreateInput{
			Email:         info.Email,
			Username:      username,
			FullName:      info.Name,
			AvatarURL:     info.Picture,
			EmailVerified: info.EmailVerified,
		})
		if err != nil {
			return nil, err
		}
	} else if err := s.users.BackfillOAuthProfile(ctx, user, info.Picture, info.EmailVerified); err != nil {
		return nil, err
	}

	if _, err := s.createLink(ctx, user.ID, provider, info, tok); err != nil {
		return nil, err
	}
	return user, nil
}

// LinkAccount attaches a provider identity to an existing, authenticated
// user. An identity already linked to a different user is rejected.
func (s *Service) LinkAccount(ctx context.Context, user *users.User, provider Provider, code, state string) (*Account, error) {
	cfg, err := s.registry.Config(provider)
	if err != nil {
		return nil, err
	}
	redirectURI, err := s.states.Verify(state, provider)
	if err != nil {
		return nil, err
	}
	if err := s.consumeState(ctx, state); err != nil {
		return nil, err
	}
	tok, err := s.client.Exchange(ctx, cfg, code, redirectURI)
	if err != nil {
		return nil, err
	}
	info, err := s.client.FetchUserInfo(ctx, cfg, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetBySubject(ctx, provider, info.SubjectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.UserID != user.ID {
			return nil, fmt.Errorf("this %s account is already linked to another user: %w", provider, httpx.ErrDuplicate)
		}
		s.applyProfile(existing, info)
		if err := s.applyToken(existing, tok); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	current, err := s.repo.GetByUserProvider(ctx, user.ID, provider)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("a %s account is already linked: %w", provider, httpx.ErrDuplicate)
	}

	return s.createLink(ctx, user.ID, provider, info, tok)
}

// UnlinkAccount removes a provider link. A user with no password keeps
// their last link so the account stays reachable.
func (s *Service) UnlinkAccount(ctx context.Context, user *users.User, provider Provider) error {
	if !user.HasPassword() {
		n, err := s.repo.CountByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if n <= 1 {
			return fmt.Errorf("cannot unlink the only sign-in method, set a password first: %w", httpx.ErrValidation)
		}
	}
	removed, err := s.repo.DeleteByUserProvider(ctx, user.ID, provider)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no %s account linked: %w", provider, httpx.ErrNotFound)
	}
	return nil
}

// ListAccounts returns the user's links without token material.
func (s *Service) ListAccounts(ctx context.Context, userID int64) ([]Public, error) {
	accounts, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Public, 0, len(accounts))
	for i := range accounts {
		out = append(out, NewPublic(&accounts[i]))
	}
	return out, nil
}

// RefreshExpiring renews access tokens that expire inside the window.
// Failures are logged per account and do not abort the sweep. Returns the
// number of accounts refreshed.
func (s *Service) RefreshExpiring(ctx context.Context, window time.Duration, concurrency int) (int, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	accounts, err := s.repo.ListExpiring(ctx, time.Now().Add(window))
	if err != nil {
		return 0, err
	}

	var refreshed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range accounts {
		acct := accounts[i]
		g.Go(func() error {
			if err := s.refreshAccount(ctx, &acct); err != nil {
				s.logger.Warn("oauth token refresh failed",
					"account_id", acct.ID, "provider", acct.Provider, "error", err)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(refreshed.Load()), err
	}
	return int(refreshed.Load()), nil
}

func (s *Service) refreshAccount(ctx context.Context, acct *Account) error {
	cfg, err := s.registry.Config(acct.Provider)
	if err != nil {
		return err
	}
	refreshToken, err := s.vault.Open(acct.RefreshToken)
	if err != nil {
		return err
	}
	if refreshToken == "" {
		return fmt.Errorf("account %d has no refresh token", acct.ID)
	}
	tok, err := s.client.Refresh(ctx, cfg, refreshToken)
	if err != nil {
		return err
	}
	if err := s.applyToken(acct, tok); err != nil {
		return err
	}
	return s.repo.UpdateTokens(ctx, acct.ID, acct.AccessToken, acct.RefreshToken, acct.TokenExpiresAt)
}

func (s *Service) createLink(ctx context.Context, userID int64, provider Provider, info UserInfo, tok Token) (*Account, error) {
	acct := &Account{
		UserID:    userID,
		Provider:  provider,
		SubjectID: info.SubjectID,
	}
	s.applyProfile(acct, info)
	if err := s.applyToken(acct, tok); err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, acct)
}

func (s *Service) applyProfile(acct *Account, info UserInfo) {
	acct.Email = info.Email
	acct.Name = info.Name
	acct.AvatarURL = info.Picture
}

// applyToken seals fresh token material onto the account. A response
// without a refresh token keeps the stored one, since providers omit it
// on renewals.
func (s *Service) applyToken(acct *Account, tok Token) error {
	access, err := s.vault.Seal(tok.AccessToken)
	if err != nil {
		return err
	}
	acct.AccessToken = access
	if tok.RefreshToken != "" {
		refresh, err := s.vault.Seal(tok.RefreshToken)
		if err != nil {
			return err
		}
		acct.RefreshToken = refresh
	}
	if tok.ExpiresIn > 0 {
		acct.TokenExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	} else {
		acct.TokenExpiresAt = time.Time{}
	}
	acct.RawPayload = []byte(tok.Raw)
	return nil
}

// generateUsername derives a username from the email local part plus a
// random hex suffix, retrying on collision with a fresh suffix each time.
func (s *Service) generateUsername(ctx context.Context, email string) (string, error) {
	local := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		local = email[:at]
	}
	local = strings.ToLower(local)

	for i := 0; i < usernameAttempts; i++ {
		var suffix [4]byte
		if _, err := rand.Read(suffix[:]); err != nil {
			return "", fmt.Errorf("generate username suffix: %w", err)
		}
		candidate := local + "_" + hex.EncodeToString(suffix[:])

		taken, err := s.users.FindByUsername(ctx, candidate)
		if err != nil {
			return "", err
		}
		if taken == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique username: %w", httpx.ErrExhausted)
}
