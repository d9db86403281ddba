package signaling

import "fmt"

// CloseCode is a WebSocket close code, as used on the signaling path and in close and drop-responder messages.
type CloseCode uint16

const (
	CloseNormal                   CloseCode = 1000
	CloseGoingAway                CloseCode = 1001
	CloseNoSharedSubprotocol      CloseCode = 3000
	ClosePathFull                 CloseCode = 3001
	CloseProtocolError            CloseCode = 3002
	CloseInternalError            CloseCode = 3003
	CloseHandover                 CloseCode = 3004
	CloseDroppedByInitiator       CloseCode = 3005
	CloseInitiatorCouldNotDecrypt CloseCode = 3006
	CloseNoSharedTask             CloseCode = 3007
	CloseInvalidKey               CloseCode = 3008
	CloseTimeout                  CloseCode = 3009
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going away"
	case CloseNoSharedSubprotocol:
		return "no shared subprotocol"
	case ClosePathFull:
		return "path full"
	case CloseProtocolError:
		return "protocol error"
	case CloseInternalError:
		return "internal error"
	case CloseHandover:
		return "handover"
	case CloseDroppedByInitiator:
		return "dropped by initiator"
	case CloseInitiatorCouldNotDecrypt:
		return "initiator could not decrypt"
	case CloseNoSharedTask:
		return "no shared task"
	case CloseInvalidKey:
		return "invalid key"
	case CloseTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("close(%d)", uint16(c))
	}
}

// IsDropReason reports whether c may be sent as the reason of a drop-responder message.
func (c CloseCode) IsDropReason() bool {
	switch c {
	case CloseProtocolError, CloseInternalError, CloseDroppedByInitiator, CloseInitiatorCouldNotDecrypt,
		CloseNoSharedTask, CloseInvalidKey:
		return true
	default:
		return false
	}
}
