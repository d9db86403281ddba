package key

import (
	"encoding"
)

type canTextMarshal interface {
	// We need text encoding for JSON and BSON

	encoding.TextMarshaler
	encoding.TextUnmarshaler
}

type publicKey interface {
	IsZero() bool
	Debug() string
	HexString() string
}

type canWipe interface {
	Wipe()
}

type canBox interface {
	Encrypt(plaintext []byte, peer PublicKey, nonce *[NonceLen]byte) []byte
	Decrypt(ciphertext []byte, peer PublicKey, nonce *[NonceLen]byte) ([]byte, error)
}
