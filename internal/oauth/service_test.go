package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/internal/auth"
	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-id/gatehouse/internal/roles"
	"github.com/gatehouse-id/gatehouse/internal/users"
)

// memUserRepo is an in-memory users.Repository for oauth tests.
type memUserRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*users.User

	usernameProbes      int
	usernameAlwaysTaken bool
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[int64]*users.User{}}
}

func (r *memUserRepo) WithTx(ctx context.Context, fn func(context.Context, users.Repository) error) error {
	return fn(ctx, r)
}

func (r *memUserRepo) Create(ctx context.Context, u *users.User) (*users.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	clone := *u
	clone.ID = r.nextID
	r.byID[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (r *memUserRepo) GetByID(ctx context.Context, id int64) (*users.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*users.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Email == email {
			out := *u
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) GetByUsername(ctx context.Context, username string) (*users.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usernameProbes++
	if r.usernameAlwaysTaken {
		return &users.User{ID: 99, Username: username}, nil
	}
	for _, u := range r.byID {
		if u.Username == username {
			out := *u
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) List(ctx context.Context, offset, limit int) ([]users.User, error) {
	return nil, nil
}

func (r *memUserRepo) ListByRoles(ctx context.Context, rs []roles.Role, offset, limit int) ([]users.User, error) {
	return nil, nil
}

func (r *memUserRepo) Update(ctx context.Context, u *users.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *u
	r.byID[u.ID] = &clone
	return nil
}

func (r *memUserRepo) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return nil
}

func (r *memUserRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

func (r *memUserRepo) CountByRole(ctx context.Context, role roles.Role) (int, error) {
	return 0, nil
}

// memLinkRepo is an in-memory Repository.
type memLinkRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Account
}

func newMemLinkRepo() *memLinkRepo {
	return &memLinkRepo{byID: map[int64]*Account{}}
}

func (r *memLinkRepo) Create(ctx context.Context, a *Account) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Provider == a.Provider && existing.SubjectID == a.SubjectID {
			return nil, httpx.ErrDuplicate
		}
	}
	r.nextID++
	clone := *a
	clone.ID = r.nextID
	r.byID[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (r *memLinkRepo) Update(ctx context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID]; !ok {
		return httpx.ErrNotFound
	}
	clone := *a
	r.byID[a.ID] = &clone
	return nil
}

func (r *memLinkRepo) UpdateTokens(ctx context.Context, id int64, access, refresh []byte, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return httpx.ErrNotFound
	}
	a.AccessToken = access
	a.RefreshToken = refresh
	a.TokenExpiresAt = expiresAt
	return nil
}

func (r *memLinkRepo) GetBySubject(ctx context.Context, provider Provider, subjectID string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.Provider == provider && a.SubjectID == subjectID {
			out := *a
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memLinkRepo) GetByUserProvider(ctx context.Context, userID int64, provider Provider) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.UserID == userID && a.Provider == provider {
			out := *a
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memLinkRepo) ListByUser(ctx context.Context, userID int64) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.byID {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memLinkRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	links, _ := r.ListByUser(ctx, userID)
	return len(links), nil
}

func (r *memLinkRepo) ListExpiring(ctx context.Context, before time.Time) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.byID {
		if !a.TokenExpiresAt.IsZero() && a.TokenExpiresAt.Before(before) && len(a.RefreshToken) > 0 {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memLinkRepo) DeleteByUserProvider(ctx context.Context, userID int64, provider Provider) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.byID {
		if a.UserID == userID && a.Provider == provider {
			delete(r.byID, id)
			return true, nil
		}
	}
	return false, nil
}

// fakeProvider simulates the provider's token and userinfo endpoints with a
// Google-shaped payload.
type fakeProvider struct {
	srv *httptest.Server

	mu            sync.Mutex
	subjectID     string
	email         string
	name          string
	picture       string
	verifiedEmail bool

	issuedAccess  string
	issuedRefresh string
	refreshGrants int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{
		subjectID:     "subject-1",
		email:         "newbie@example.com",
		name:          "New Person",
		picture:       "https://img.example/p.png",
		verifiedEmail: true,
		issuedAccess:  "access-1",
		issuedRefresh: "refresh-1",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fp.mu.Lock()
		defer fp.mu.Unlock()
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			writeJSON(w, map[string]any{
				"access_token":  fp.issuedAccess,
				"refresh_token": fp.issuedRefresh,
				"expires_in":    3600,
				"token_type":    "Bearer",
			})
		case "refresh_token":
			fp.refreshGrants++
			writeJSON(w, map[string]any{
				"access_token": "refreshed-access",
				"expires_in":   3600,
				"token_type":   "Bearer",
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"id":             fp.subjectID,
			"email":          fp.email,
			"name":           fp.name,
			"picture":        fp.picture,
			"verified_email": fp.verifiedEmail,
		})
	})

	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

type serviceFixture struct {
	svc      *Service
	users    *memUserRepo
	links    *memLinkRepo
	provider *fakeProvider
	states   *StateManager
	tokens   *auth.TokenManager
	vault    *Vault
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	fx := &serviceFixture{
		users:    newMemUserRepo(),
		links:    newMemLinkRepo(),
		provider: newFakeProvider(t),
	}

	registry := Registry{
		ProviderGoogle: {
			Name:         ProviderGoogle,
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			AuthURL:      fx.provider.srv.URL + "/auth",
			TokenURL:     fx.provider.srv.URL + "/token",
			UserInfoURL:  fx.provider.srv.URL + "/userinfo",
			Scopes:       []string{"openid", "email", "profile"},
		},
		ProviderGitHub: {Name: ProviderGitHub},
	}

	vault, err := NewVault(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	fx.vault = vault
	fx.states = NewStateManager("state-secret")
	fx.tokens = auth.NewTokenManager("jwt-secret", 30*time.Minute)

	userService := users.NewService(fx.users)
	authService := auth.NewService(userService, fx.tokens)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fx.svc = NewService(logger, userService, authService, fx.links, registry, NewClient(5*time.Second), fx.states, vault, nil)
	return fx
}

func (fx *serviceFixture) validState(t *testing.T) string {
	t.Helper()
	state, err := fx.states.Issue(ProviderGoogle, "https://app.example/callback")
	require.NoError(t, err)
	return state
}

func (fx *serviceFixture) seedUser(t *testing.T, email, username string, hasPassword bool) *users.User {
	t.Helper()
	u := &users.User{Email: email, Username: username, IsActive: true, Role: roles.RoleUser}
	if hasPassword {
		u.PasswordHash = "$2a$10$fakefakefakefakefakefake"
	}
	created, err := fx.users.Create(context.Background(), u)
	require.NoError(t, err)
	return created
}

func TestBeginAuthorization(t *testing.T) {
	fx := newServiceFixture(t)

	authURL, state, err := fx.svc.BeginAuthorization(ProviderGoogle, "https://app.example/callback")
	require.NoError(t, err)
	require.NotEmpty(t, state)
	require.Contains(t, authURL, "client_id=client-id")
	require.Contains(t, authURL, "access_type=offline")
	require.Contains(t, authURL, "prompt=consent")
	require.Contains(t, authURL, "state=")

	_, _, err = fx.svc.BeginAuthorization(ProviderGitHub, "https://app.example/callback")
	require.ErrorIs(t, err, httpx.ErrMisconfigured)

	_, _, err = fx.svc.BeginAuthorization(Provider("facebook"), "https://app.example/callback")
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestCallbackProvisionsNewUser(t *testing.T) {
	fx := newServiceFixture(t)

	user, access, err := fx.svc.HandleCallback(context.Background(), ProviderGoogle, "good-code", fx.validState(t))
	require.NoError(t, err)
	require.Equal(t, "newbie@example.com", user.Email)
	require.Equal(t, roles.RoleUser, user.Role)
	require.True(t, user.IsOAuthUser)
	require.True(t, user.EmailVerified)
	require.False(t, user.HasPassword())
	require.True(t, strings.HasPrefix(user.Username, "newbie_"))
	require.Len(t, user.Username, len("newbie_")+8)

	subject, err := fx.tokens.Verify(access)
	require.NoError(t, err)
	require.Equal(t, user.ID, subject)

	link, err := fx.links.GetBySubject(context.Background(), ProviderGoogle, "subject-1")
	require.NoError(t, err)
	require.NotNil(t, link)
	require.Equal(t, user.ID, link.UserID)

	storedAccess, err := fx.vault.Open(link.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "access-1", storedAccess)
	storedRefresh, err := fx.vault.Open(link.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "refresh-1", storedRefresh)
}

func TestCallbackLinksByEmailAndBackfills(t *testing.T) {
	fx := newServiceFixture(t)
	existing := fx.seedUser(t, "newbie@example.com", "resident", true)

	user, _, err := fx.svc.HandleCallback(context.Background(), ProviderGoogle, "good-code", fx.validState(t))
	require.NoError(t, err)
	require.Equal(t, existing.ID, user.ID)

	stored, err := fx.users.GetByID(context.Background(), existing.ID)
	require.NoError(t, err)
	require.Equal(t, "https://img.example/p.png", stored.AvatarURL)
	require.True(t, stored.EmailVerified)

	link, err := fx.links.GetBySubject(context.Background(), ProviderGoogle, "subject-1")
	require.NoError(t, err)
	require.NotNil(t, link)
	require.Equal(t, existing.ID, link.UserID)
}

func TestCallbackPrefersExistingLink(t *testing.T) {
	fx := newServiceFixture(t)
	owner := fx.seedUser(t, "owner@example.com", "owner", true)
	_, err := fx.links.Create(context.Background(), &Account{
		UserID: owner.ID, Provider: ProviderGoogle, SubjectID: "subject-1",
	})
	require.NoError(t, err)

	// Another local account shares the provider email; the subject link
	// must win over the email match.
	fx.seedUser(t, "newbie@example.com", "decoy", true)

	user, _, err := fx.svc.HandleCallback(context.Background(), ProviderGoogle, "good-code", fx.validState(t))
	require.NoError(t, err)
	require.Equal(t, owner.ID, user.ID)

	link, err := fx.links.GetBySubject(context.Background(), ProviderGoogle, "subject-1")
	require.NoError(t, err)
	storedAccess, err := fx.vault.Open(link.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "access-1", storedAccess)
}

func TestCallbackRejectsBadState(t *testing.T) {
	fx := newServiceFixture(t)

	_, _, err := fx.svc.HandleCallback(context.Background(), ProviderGoogle, "good-code", "forged")
	require.ErrorIs(t, err, httpx.ErrUnauthorized)

	issued := time.Now()
	fx.states.now = func() time.Time { return issued }
	state := fx.validState(t)
	fx.states.now = func() time.Time { return issued.Add(11 * time.Minute) }
	_, _, err = fx.svc.HandleCallback(context.Background(), ProviderGoogle, "good-code", state)
	require.ErrorIs(t, err, httpx.ErrUnauthorized)
}

func TestCallbackInactiveUser(t *testing.T) {
	fx := newServiceFixture(t)
	existing := fx.seedUser(t, "newbie@example.com", "resident", true)
	existing.IsActive = false
	require.NoError(t, fx.users.Update(context.Background(), existing))

	_, _, err := fx.svc.HandleCallback(context.Background(), ProviderGoogle, "good-code", fx.validState(t))
	require.ErrorIs(t, err, httpx.ErrForbidden)
}

func TestCallbackUpstreamFailure(t *testing.T) {
	fx := newServiceFixture(t)

	_, _, err := fx.svc.HandleCallback(context.Background(), ProviderGoogle, "bad-code", fx.validState(t))
	require.ErrorIs(t, err, httpx.ErrUpstream)
}

func TestUsernameGenerationExhausts(t *testing.T) {
	fx := newServiceFixture(t)
	fx.users.usernameAlwaysTaken = true

	_, _, err := fx.svc.HandleCallback(context.Background(), ProviderGoogle, "good-code", fx.validState(t))
	require.ErrorIs(t, err, httpx.ErrExhausted)
	require.Equal(t, 10, fx.users.usernameProbes)
}

func TestLinkAccount(t *testing.T) {
	fx := newServiceFixture(t)
	owner := fx.seedUser(t, "owner@example.com", "owner", true)

	link, err := fx.svc.LinkAccount(context.Background(), owner, ProviderGoogle, "good-code", fx.validState(t))
	require.NoError(t, err)
	require.Equal(t, owner.ID, link.UserID)
	require.Equal(t, "subject-1", link.SubjectID)
}

func TestLinkAlreadyLinkedElsewhere(t *testing.T) {
	fx := newServiceFixture(t)
	owner := fx.seedUser(t, "owner@example.com", "owner", true)
	rival := fx.seedUser(t, "rival@example.com", "rival", true)
	_, err := fx.links.Create(context.Background(), &Account{
		UserID: owner.ID, Provider: ProviderGoogle, SubjectID: "subject-1",
	})
	require.NoError(t, err)

	_, err = fx.svc.LinkAccount(context.Background(), rival, ProviderGoogle, "good-code", fx.validState(t))
	require.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestUnlinkGuardsLastAuthMethod(t *testing.T) {
	fx := newServiceFixture(t)
	oauthOnly := fx.seedUser(t, "oauth@example.com", "oauthonly", false)
	_, err := fx.links.Create(context.Background(), &Account{
		UserID: oauthOnly.ID, Provider: ProviderGoogle, SubjectID: "subject-1",
	})
	require.NoError(t, err)

	err = fx.svc.UnlinkAccount(context.Background(), oauthOnly, ProviderGoogle)
	require.ErrorIs(t, err, httpx.ErrValidation)

	// A second link makes the first one removable.
	_, err = fx.links.Create(context.Background(), &Account{
		UserID: oauthOnly.ID, Provider: ProviderGitHub, SubjectID: "gh-1",
	})
	require.NoError(t, err)
	require.NoError(t, fx.svc.UnlinkAccount(context.Background(), oauthOnly, ProviderGoogle))

	withPassword := fx.seedUser(t, "pw@example.com", "hazpass", true)
	_, err = fx.links.Create(context.Background(), &Account{
		UserID: withPassword.ID, Provider: ProviderGoogle, SubjectID: "subject-2",
	})
	require.NoError(t, err)
	require.NoError(t, fx.svc.UnlinkAccount(context.Background(), withPassword, ProviderGoogle))

	err = fx.svc.UnlinkAccount(context.Background(), withPassword, ProviderGoogle)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestListAccountsOmitsTokens(t *testing.T) {
	fx := newServiceFixture(t)
	owner := fx.seedUser(t, "owner@example.com", "owner", true)
	sealed, err := fx.vault.Seal("secret token")
	require.NoError(t, err)
	_, err = fx.links.Create(context.Background(), &Account{
		UserID: owner.ID, Provider: ProviderGoogle, SubjectID: "subject-1",
		Email: "owner@gmail.example", AccessToken: sealed,
	})
	require.NoError(t, err)

	accounts, err := fx.svc.ListAccounts(context.Background(), owner.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, ProviderGoogle, accounts[0].Provider)

	raw, err := json.Marshal(accounts[0])
	require.NoError(t, err)
	require.NotContains(t, string(raw), "token\":")
	require.NotContains(t, string(raw), "secret token")
}

func TestRefreshExpiring(t *testing.T) {
	fx := newServiceFixture(t)
	owner := fx.seedUser(t, "owner@example.com", "owner", true)

	sealedAccess, err := fx.vault.Seal("stale-access")
	require.NoError(t, err)
	sealedRefresh, err := fx.vault.Seal("refresh-1")
	require.NoError(t, err)
	link, err := fx.links.Create(context.Background(), &Account{
		UserID: owner.ID, Provider: ProviderGoogle, SubjectID: "subject-1",
		AccessToken: sealedAccess, RefreshToken: sealedRefresh,
		TokenExpiresAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	// A link with no refresh token must be skipped, not failed.
	_, err = fx.links.Create(context.Background(), &Account{
		UserID: owner.ID, Provider: ProviderGitHub, SubjectID: "gh-1",
		TokenExpiresAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	refreshed, err := fx.svc.RefreshExpiring(context.Background(), 15*time.Minute, 2)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed)
	require.Equal(t, 1, fx.provider.refreshGrants)

	stored, err := fx.links.GetBySubject(context.Background(), ProviderGoogle, "subject-1")
	require.NoError(t, err)
	access, err := fx.vault.Open(stored.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "refreshed-access", access)

	// The refresh token survives a response that omits it.
	refresh, err := fx.vault.Open(stored.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "refresh-1", refresh)
	require.True(t, stored.TokenExpiresAt.After(time.Now().Add(30*time.Minute)))
	require.Equal(t, link.ID, stored.ID)
}
