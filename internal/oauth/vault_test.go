package oauth

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	return v
}

func TestVaultKeyLength(t *testing.T) {
	_, err := NewVault([]byte("too short"))
	require.Error(t, err)
}

func TestVaultRoundTrip(t *testing.T) {
	v := testVault(t)

	sealed, err := v.Seal("ya29.provider-access-token")
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "ya29")

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "ya29.provider-access-token", plain)
}

func TestVaultNoncesDiffer(t *testing.T) {
	v := testVault(t)

	a, err := v.Seal("same token")
	require.NoError(t, err)
	b, err := v.Seal("same token")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVaultEmptyToken(t *testing.T) {
	v := testVault(t)

	sealed, err := v.Seal("")
	require.NoError(t, err)
	require.Nil(t, sealed)

	plain, err := v.Open(nil)
	require.NoError(t, err)
	require.Empty(t, plain)
}

func TestVaultRejectsTampering(t *testing.T) {
	v := testVault(t)

	sealed, err := v.Seal("token")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = v.Open(sealed)
	require.Error(t, err)

	_, err = v.Open([]byte("short"))
	require.Error(t, err)
}
