package key

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go4.org/mem"
)

// Len is the length of every Curve25519 key and of an auth token.
const Len = 32

// PublicKey is a Curve25519 public key, be it a permanent or a session key.
type PublicKey [Len]byte

// MakePublicKey parses a 32-byte raw value as a PublicKey.
//
// This should be used only when deserializing a PublicKey from a
// binary protocol.
func MakePublicKey(raw [Len]byte) PublicKey {
	return raw
}

// PublicKeyFromSlice copies b into a PublicKey, failing if b is not exactly Len bytes long.
func PublicKeyFromSlice(b []byte) (PublicKey, error) {
	if len(b) != Len {
		return PublicKey{}, fmt.Errorf("invalid public key length: got %d, want %d", len(b), Len)
	}
	return PublicKey(b), nil
}

// ParsePublicKey accepts either the typed text form ("pub:<hex>") or a bare hex string.
func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey

	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, publicHexPrefix) {
		s = publicHexPrefix + s
	}

	if err := p.UnmarshalText([]byte(s)); err != nil {
		return PublicKey{}, err
	}

	return p, nil
}

func (p PublicKey) Debug() string {
	return fmt.Sprintf("%x", p[:])
}

func (p PublicKey) HexString() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether p is the zero value.
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

func (p PublicKey) ToByteSlice() []byte {
	return p[:]
}

// AppendText implements encoding.TextAppender. It appends a typed prefix
// followed by hex encoded represtation of p to b.
func (p PublicKey) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, publicHexPrefix, p[:]), nil
}

// MarshalText implements encoding.TextMarshaler. It returns a typed prefix
// followed by a hex encoded representation of p.
func (p PublicKey) MarshalText() ([]byte, error) {
	return p.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler. It expects a typed prefix
// followed by a hex encoded representation of p.
func (p *PublicKey) UnmarshalText(b []byte) error {
	return parseHex(p[:], mem.B(b), mem.S(publicHexPrefix))
}

// String returns the typed text form.
func (p PublicKey) String() string {
	b, _ := p.MarshalText()
	return string(b)
}
