package msgsig

import (
	"fmt"

	"github.com/edup2p/saltyrtc/types"
)

// ErrUnknownMessageType is returned for a well-formed message with an unrecognised "type".
var ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", types.ErrDecode)

// MissingFieldError is returned when a required field is absent from a message.
type MissingFieldError struct {
	Type  MessageType
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s message is missing field %q", types.ErrDecode, e.Type, e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return types.ErrDecode
}

type rangeError struct {
	typ   MessageType
	field string
	value uint64
}

func (e *rangeError) Error() string {
	return fmt.Sprintf("%s: field %q in %s out of range: %d", types.ErrDecode, e.field, e.typ, e.value)
}

func (e *rangeError) Unwrap() error {
	return types.ErrDecode
}
