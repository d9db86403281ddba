package key

import (
	crand "crypto/rand"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edup2p/saltyrtc/types"
	"go4.org/mem"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// NonceLen is the length of the NaCl box nonce.
const NonceLen = 24

// ErrDecrypt is returned when a box could not be opened, because it was
// tampered with or sealed for another key pair.
var ErrDecrypt = fmt.Errorf("%w: could not open box", types.ErrCrypto)

// KeyStore owns a Curve25519 key pair and performs NaCl box operations against peer keys.
//
// The secret key lives behind a pointer, and is never copied out of the store;
// Wipe zeroes it, after which every operation panics.
//
// A KeyStore is not safe for concurrent use.
type KeyStore struct {
	_ types.Incomparable

	public PublicKey
	secret *[Len]byte

	wiped bool
}

// NewKeyStore generates a fresh, uniformly random key pair.
func NewKeyStore() (*KeyStore, error) {
	pub, sec, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate key pair: %w", err)
	}

	return &KeyStore{
		public: *pub,
		secret: sec,
	}, nil
}

// MustNewKeyStore is like NewKeyStore, but panics when no randomness is available.
func MustNewKeyStore() *KeyStore {
	ks, err := NewKeyStore()
	if err != nil {
		panic(err)
	}
	return ks
}

// KeyStoreFromSecret creates a KeyStore from an existing secret key, such as a caller-supplied permanent key.
func KeyStoreFromSecret(secret [Len]byte) *KeyStore {
	ks := &KeyStore{secret: new([Len]byte)}
	*ks.secret = secret

	if ks.isZeroSecret() {
		panic("can't create a key store from a zero secret key")
	}

	curve25519.ScalarBaseMult((*[Len]byte)(&ks.public), ks.secret)
	return ks
}

// ParseSecretText parses a secret key in its "priv:<hex>" text form.
func ParseSecretText(s string) (*KeyStore, error) {
	var secret [Len]byte
	defer wipe(secret[:])

	if err := parseHex(secret[:], mem.S(strings.TrimSpace(s)), mem.S(secretHexPrefix)); err != nil {
		return nil, err
	}

	if secret == [Len]byte{} {
		return nil, fmt.Errorf("secret key is zero")
	}

	return KeyStoreFromSecret(secret), nil
}

// SecretText returns the "priv:<hex>" text form of the secret key.
//
// Only meant for persisting a permanent key to a key file, never for logging.
func (ks *KeyStore) SecretText() string {
	ks.mustUsable()
	return string(appendHexKey(nil, secretHexPrefix, ks.secret[:]))
}

// PublicKey returns the public half of the pair.
func (ks *KeyStore) PublicKey() PublicKey {
	return ks.public
}

// Encrypt seals plaintext to peer with the given nonce.
func (ks *KeyStore) Encrypt(plaintext []byte, peer PublicKey, nonce *[NonceLen]byte) []byte {
	ks.mustUsable()
	if peer.IsZero() {
		panic("can't seal to a zero public key")
	}

	return box.Seal(nil, plaintext, nonce, (*[Len]byte)(&peer), ks.secret)
}

// Decrypt opens a box sealed by peer with the given nonce.
//
// Authentication failures are reported as ErrDecrypt, never as an empty plaintext.
func (ks *KeyStore) Decrypt(ciphertext []byte, peer PublicKey, nonce *[NonceLen]byte) ([]byte, error) {
	ks.mustUsable()
	if peer.IsZero() {
		panic("can't open from a zero public key")
	}

	plaintext, ok := box.Open(nil, ciphertext, nonce, (*[Len]byte)(&peer), ks.secret)
	if !ok {
		return nil, ErrDecrypt
	}

	if plaintext == nil {
		// box.Open returns a nil slice for an empty, authentic message.
		plaintext = []byte{}
	}

	return plaintext, nil
}

// Wipe zeroes the secret key. It is safe to call more than once.
func (ks *KeyStore) Wipe() {
	if ks == nil || ks.secret == nil {
		return
	}

	wipe(ks.secret[:])
	ks.wiped = true
}

// Wiped reports whether Wipe has been called.
func (ks *KeyStore) Wiped() bool {
	return ks.wiped
}

func (ks *KeyStore) String() string {
	return "keystore(" + ks.public.String() + ")"
}

// LogValue implements slog.LogValuer, so that only the public key ever ends up in logs.
func (ks *KeyStore) LogValue() slog.Value {
	return slog.StringValue(ks.public.Debug())
}

func (ks *KeyStore) isZeroSecret() bool {
	return *ks.secret == [Len]byte{}
}

func (ks *KeyStore) mustUsable() {
	if ks.wiped {
		panic("can't use a wiped key store")
	}
	if ks.secret == nil || ks.isZeroSecret() {
		panic("can't use a zero key store")
	}
}
