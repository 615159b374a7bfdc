package oauth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const vaultNonceLen = 24

// Vault seals provider tokens before they reach the database. Sealed
// values are nonce-prefixed secretbox ciphertexts.
type Vault struct {
	key [32]byte
}

// NewVault builds a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, errors.New("oauth token key must be exactly 32 bytes")
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// Seal encrypts a token for storage. Empty tokens seal to nil so the
// column stays empty for providers that issue no refresh token.
func (v *Vault) Seal(plain string) ([]byte, error) {
	if plain == "" {
		return nil, nil
	}
	var nonce [vaultNonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plain), &nonce, &v.key), nil
}

// Open recovers a token sealed by Seal. Nil and empty inputs open to the
// empty string.
func (v *Vault) Open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	if len(sealed) <= vaultNonceLen {
		return "", errors.New("sealed token too short")
	}
	var nonce [vaultNonceLen]byte
	copy(nonce[:], sealed[:vaultNonceLen])
	plain, ok := secretbox.Open(nil, sealed[vaultNonceLen:], &nonce, &v.key)
	if !ok {
		return "", errors.New("sealed token failed authentication")
	}
	return string(plain), nil
}
