package signaling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
)

// ErrClosed is returned for any operation on a Signaling after it has been closed.
var ErrClosed = fmt.Errorf("%w: signaling is closed", types.ErrProtocol)

type ErrorKind uint8

const (
	KindProtocol ErrorKind = iota
	KindCrypto
	KindValidation
	KindOverflow
	KindDecode
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindValidation:
		return "validation"
	case KindOverflow:
		return "overflow"
	case KindDecode:
		return "decode"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, types.ErrCrypto):
		return KindCrypto
	case errors.Is(err, types.ErrValidation):
		return KindValidation
	case errors.Is(err, types.ErrOverflow):
		return KindOverflow
	case errors.Is(err, types.ErrDecode):
		return KindDecode
	case errors.Is(err, types.ErrProtocol):
		return KindProtocol
	default:
		return KindInternal
	}
}

// Error describes why a frame or an operation was rejected.
//
// Fatal errors have closed the Signaling, and the caller should close the transport with Code.
// Non-fatal errors only concern one responder, which has been dropped if Code is set.
type Error struct {
	Kind    ErrorKind
	MsgType msgsig.MessageType
	Peer    nonce.Address
	Fatal   bool
	Code    CloseCode
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(e.Kind.String())
	sb.WriteString(" error")

	if e.MsgType != "" {
		sb.WriteString(" in ")
		sb.WriteString(string(e.MsgType))
	}
	sb.WriteString(" from ")
	sb.WriteString(e.Peer.String())

	if e.Fatal {
		sb.WriteString(" (fatal)")
	}

	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())

	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err closed the Signaling.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return err != nil
}

// protocolErrorf creates an error wrapping types.ErrProtocol.
func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{types.ErrProtocol}, args...)...)
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{types.ErrValidation}, args...)...)
}

// closeCodeFor picks the code to close with, or to drop a responder with, for a failed handshake step.
func closeCodeFor(err error, fromResponder bool) CloseCode {
	var c *codedError
	if errors.As(err, &c) {
		return c.code
	}

	switch kindOf(err) {
	case KindCrypto:
		if fromResponder {
			return CloseInitiatorCouldNotDecrypt
		}
		return CloseProtocolError
	case KindInternal:
		return CloseInternalError
	default:
		return CloseProtocolError
	}
}

// codedError forces a specific close code for err.
type codedError struct {
	code CloseCode
	err  error
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func withCode(code CloseCode, err error) error {
	return &codedError{code: code, err: err}
}
