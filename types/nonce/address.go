package nonce

import "fmt"

// Address identifies a participant on a signaling path.
type Address uint8

const (
	Server    Address = 0x00
	Initiator Address = 0x01

	// FirstResponder is the lowest address the server will assign to a responder.
	FirstResponder Address = 0x02
	LastResponder  Address = 0xff
)

// IsResponder reports whether a lies in the responder range.
func (a Address) IsResponder() bool {
	return a >= FirstResponder
}

func (a Address) String() string {
	switch {
	case a == Server:
		return "server"
	case a == Initiator:
		return "initiator"
	default:
		return fmt.Sprintf("responder(0x%02x)", uint8(a))
	}
}
