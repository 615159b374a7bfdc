package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
)

func TestStateRoundTrip(t *testing.T) {
	m := NewStateManager("state-secret")

	state, err := m.Issue(ProviderGoogle, "https://app.example/callback")
	require.NoError(t, err)

	redirectURI, err := m.Verify(state, ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "https://app.example/callback", redirectURI)
}

func TestStateMaxAge(t *testing.T) {
	m := NewStateManager("state-secret")
	issued := time.Now()
	m.now = func() time.Time { return issued }

	state, err := m.Issue(ProviderGoogle, "https://app.example/callback")
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(599 * time.Second) }
	_, err = m.Verify(state, ProviderGoogle)
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(601 * time.Second) }
	_, err = m.Verify(state, ProviderGoogle)
	require.ErrorIs(t, err, httpx.ErrUnauthorized)
}

func TestStateProviderBinding(t *testing.T) {
	m := NewStateManager("state-secret")

	state, err := m.Issue(ProviderGoogle, "https://app.example/callback")
	require.NoError(t, err)

	_, err = m.Verify(state, ProviderGitHub)
	require.ErrorIs(t, err, httpx.ErrUnauthorized)
}

func TestStateTampering(t *testing.T) {
	m := NewStateManager("state-secret")
	other := NewStateManager("different-secret")

	state, err := other.Issue(ProviderGoogle, "https://app.example/callback")
	require.NoError(t, err)

	_, err = m.Verify(state, ProviderGoogle)
	require.ErrorIs(t, err, httpx.ErrUnauthorized)

	_, err = m.Verify("not-a-state", ProviderGoogle)
	require.ErrorIs(t, err, httpx.ErrUnauthorized)
}
