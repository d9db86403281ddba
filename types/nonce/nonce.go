package nonce

import (
	"encoding/binary"
	"fmt"

	"github.com/edup2p/saltyrtc/types"
)

// Nonce layout:
//   Cookie (16) + Source (1) + Destination (1) + Overflow (2, BE) + Sequence (4, BE)

const Len = CookieLen + 1 + 1 + 2 + 4

// Nonce is the parsed form of the 24-byte value prefixed to every frame.
type Nonce struct {
	Cookie      Cookie
	Source      Address
	Destination Address
	CSN         CSN
}

// Parse reads a nonce from the start of b.
func Parse(b []byte) (Nonce, error) {
	if len(b) < Len {
		return Nonce{}, fmt.Errorf("%w: frame too short for nonce: %d bytes", types.ErrDecode, len(b))
	}

	return Nonce{
		Cookie:      Cookie(b[:CookieLen]),
		Source:      Address(b[16]),
		Destination: Address(b[17]),
		CSN: CSN{
			Overflow: binary.BigEndian.Uint16(b[18:20]),
			Sequence: binary.BigEndian.Uint32(b[20:24]),
		},
	}, nil
}

// SplitFrame separates a frame into its nonce and payload.
func SplitFrame(frame []byte) (Nonce, []byte, error) {
	n, err := Parse(frame)
	if err != nil {
		return Nonce{}, nil, err
	}

	return n, frame[Len:], nil
}

// Bytes returns the wire form of n.
func (n Nonce) Bytes() [Len]byte {
	var b [Len]byte

	copy(b[:CookieLen], n.Cookie[:])
	b[16] = byte(n.Source)
	b[17] = byte(n.Destination)
	binary.BigEndian.PutUint16(b[18:20], n.CSN.Overflow)
	binary.BigEndian.PutUint32(b[20:24], n.CSN.Sequence)

	return b
}

// Frame returns the nonce followed by payload.
func (n Nonce) Frame(payload []byte) []byte {
	b := n.Bytes()

	frame := make([]byte, 0, Len+len(payload))
	frame = append(frame, b[:]...)
	return append(frame, payload...)
}

func (n Nonce) Debug() string {
	return fmt.Sprintf("%s->%s csn=%s cookie=%s", n.Source, n.Destination, n.CSN, n.Cookie.Debug())
}
