package types

import "errors"

// Error kinds shared by every layer of the signaling client.
//
// Leaf packages wrap these with fmt.Errorf("%w: ...") so that callers can classify
// any returned error with errors.Is, no matter how deep it was produced.
var (
	// ErrCrypto is an authenticated decryption failure; treat as tampering or a wrong key.
	ErrCrypto = errors.New("crypto error")

	// ErrProtocol is a message whose type or address is inconsistent with the current state.
	ErrProtocol = errors.New("protocol error")

	// ErrValidation is a cookie or sequence number violation; treat as replay or reflection.
	ErrValidation = errors.New("validation error")

	// ErrOverflow means the sequence number space of a channel is exhausted.
	ErrOverflow = errors.New("sequence number overflow")

	// ErrDecode is malformed wire data.
	ErrDecode = errors.New("decode error")
)
