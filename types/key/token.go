package key

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/edup2p/saltyrtc/types"
	"golang.org/x/crypto/nacl/secretbox"
)

// AuthToken is a one-time secret key, handed from the initiator to an untrusted responder out of band.
//
// The responder uses it to seal its permanent public key in the token message.
type AuthToken struct {
	_ types.Incomparable

	key *[Len]byte

	wiped bool
}

// NewAuthToken creates a random auth token.
func NewAuthToken() *AuthToken {
	t := &AuthToken{key: new([Len]byte)}
	rand(t.key[:])
	return t
}

// AuthTokenFromBytes copies b into a new AuthToken.
func AuthTokenFromBytes(b []byte) (*AuthToken, error) {
	if len(b) != Len {
		return nil, fmt.Errorf("invalid auth token length: got %d, want %d", len(b), Len)
	}

	t := &AuthToken{key: new([Len]byte)}
	copy(t.key[:], b)
	return t, nil
}

// ParseAuthToken accepts either "token:<hex>" or a bare hex string.
func ParseAuthToken(s string) (*AuthToken, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), authTokenHexPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid auth token hex: %w", err)
	}
	defer wipe(b)

	return AuthTokenFromBytes(b)
}

// Text returns the "token:<hex>" form, for sharing with the responder out of band.
func (t *AuthToken) Text() string {
	t.mustUsable()
	return string(appendHexKey(nil, authTokenHexPrefix, t.key[:]))
}

// Seal encrypts plaintext under the token with the given nonce.
func (t *AuthToken) Seal(plaintext []byte, nonce *[NonceLen]byte) []byte {
	t.mustUsable()
	return secretbox.Seal(nil, plaintext, nonce, t.key)
}

// Open decrypts a secretbox sealed under the token.
func (t *AuthToken) Open(ciphertext []byte, nonce *[NonceLen]byte) ([]byte, error) {
	t.mustUsable()

	plaintext, ok := secretbox.Open(nil, ciphertext, nonce, t.key)
	if !ok {
		return nil, fmt.Errorf("%w: could not open secretbox with auth token", types.ErrCrypto)
	}

	return plaintext, nil
}

// Wipe zeroes the token.
func (t *AuthToken) Wipe() {
	if t == nil || t.key == nil {
		return
	}

	wipe(t.key[:])
	t.wiped = true
}

func (t *AuthToken) mustUsable() {
	if t.wiped {
		panic("can't use a wiped auth token")
	}
}
