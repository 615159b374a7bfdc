package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/internal/roles"
	"github.com/gatehouse-id/gatehouse/internal/users"
)

func newTestServer(t *testing.T) (*httptest.Server, *stubUserRepo) {
	t.Helper()
	repo := newStubUserRepo()
	userService := users.NewService(repo)
	tokens := NewTokenManager("test-secret", 30*time.Minute)
	service := NewService(userService, tokens)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, service, userService, nil)

	r := chi.NewRouter()
	r.Route("/auth", handler.MountRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterCreatesBaseTierUser(t *testing.T) {
	srv, repo := newTestServer(t)

	resp := postJSON(t, srv.URL+"/auth/register", map[string]string{
		"email":     "alice@example.com",
		"username":  "alice",
		"full_name": "Alice Doe",
		"password":  "correct horse",
		// Extra fields are ignored: registration never assigns a role.
		"role": "admin",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got users.Public
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, roles.RoleUser, got.Role)

	stored, err := repo.GetByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, roles.RoleUser, stored.Role)
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name    string
		payload map[string]string
	}{
		{"bad email", map[string]string{"email": "nope", "username": "alice", "password": "correct horse"}},
		{"short username", map[string]string{"email": "a@b.c", "username": "al", "password": "correct horse"}},
		{"short password", map[string]string{"email": "a@b.c", "username": "alice", "password": "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/auth/register", tc.payload)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	srv, _ := newTestServer(t)

	first := postJSON(t, srv.URL+"/auth/register", map[string]string{
		"email": "alice@example.com", "username": "alice", "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := postJSON(t, srv.URL+"/auth/register", map[string]string{
		"email": "alice@example.com", "username": "alice2", "password": "correct horse",
	})
	require.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestLogin(t *testing.T) {
	srv, repo := newTestServer(t)
	seedCredentialUser(t, repo, "alice@example.com", "correct horse", roles.RoleUser)

	resp := postJSON(t, srv.URL+"/auth/login", map[string]string{
		"email": "alice@example.com", "password": "correct horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "bearer", got.TokenType)
	require.NotEmpty(t, got.AccessToken)
}

func TestLoginRejections(t *testing.T) {
	srv, repo := newTestServer(t)
	seedCredentialUser(t, repo, "alice@example.com", "correct horse", roles.RoleUser)

	inactive := seedCredentialUser(t, repo, "gone@example.com", "correct horse", roles.RoleUser)
	inactive.IsActive = false
	require.NoError(t, repo.Update(context.Background(), inactive))

	cases := []struct {
		name    string
		payload map[string]string
		want    int
	}{
		{"wrong password", map[string]string{"email": "alice@example.com", "password": "wrong"}, http.StatusUnauthorized},
		{"unknown email", map[string]string{"email": "nobody@example.com", "password": "correct horse"}, http.StatusUnauthorized},
		{"inactive account", map[string]string{"email": "gone@example.com", "password": "correct horse"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/auth/login", tc.payload)
			require.Equal(t, tc.want, resp.StatusCode)
		})
	}
}
