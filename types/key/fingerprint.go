package key

import "golang.org/x/crypto/blake2b"

// FingerprintLen is the length of a key fingerprint.
const FingerprintLen = blake2b.Size256

// Fingerprint is the BLAKE2b-256 digest of a public key.
type Fingerprint [FingerprintLen]byte

// FingerprintOf returns the fingerprint of p.
func FingerprintOf(p PublicKey) Fingerprint {
	return blake2b.Sum256(p[:])
}
