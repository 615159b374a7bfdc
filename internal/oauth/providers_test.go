package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
)

func TestAuthorizationURLOfflineAccessIsGoogleOnly(t *testing.T) {
	google := NewRegistry("gid", "gsecret", "", "")[ProviderGoogle]
	url := AuthorizationURL(google, "https://app.example/cb", "state-1")
	require.Contains(t, url, "access_type=offline")
	require.Contains(t, url, "prompt=consent")

	github := NewRegistry("", "", "ghid", "ghsecret")[ProviderGitHub]
	url = AuthorizationURL(github, "https://app.example/cb", "state-1")
	require.NotContains(t, url, "access_type")
	require.NotContains(t, url, "prompt")
}

func TestRegistryConfigured(t *testing.T) {
	reg := NewRegistry("gid", "gsecret", "", "")
	require.Equal(t, []Provider{ProviderGoogle}, reg.Configured())

	_, err := reg.Config(ProviderGitHub)
	require.ErrorIs(t, err, httpx.ErrMisconfigured)
	_, err = reg.Config(Provider("facebook"))
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestFetchUserInfoUnknownMappingFailsLoudly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 1, "login": "octocat"}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(5 * time.Second)
	cfg := ProviderConfig{Name: ProviderGitHub, UserInfoURL: srv.URL}
	_, err := client.FetchUserInfo(context.Background(), cfg, "access")
	require.ErrorIs(t, err, httpx.ErrMisconfigured)
}

func TestExchangeUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(5 * time.Second)
	cfg := ProviderConfig{Name: ProviderGoogle, TokenURL: srv.URL}
	_, err := client.Exchange(context.Background(), cfg, "code", "https://app.example/cb")
	require.ErrorIs(t, err, httpx.ErrUpstream)
}
