package signaling

import (
	"fmt"

	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/vmihailenco/msgpack/v5"
)

type Phase uint8

const (
	PhaseServerHandshake Phase = iota
	PhasePeerHandshake
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseServerHandshake:
		return "server-handshake"
	case PhasePeerHandshake:
		return "peer-handshake"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// ServerStage is the progress of the server handshake.
type ServerStage uint8

const (
	ServerStart ServerStage = iota
	ServerHelloReceived
	ClientHelloSent
	ClientAuthSent
	ServerDone
)

func (s ServerStage) String() string {
	switch s {
	case ServerStart:
		return "start"
	case ServerHelloReceived:
		return "server-hello-received"
	case ClientHelloSent:
		return "client-hello-sent"
	case ClientAuthSent:
		return "client-auth-sent"
	case ServerDone:
		return "done"
	default:
		return fmt.Sprintf("server-stage(%d)", uint8(s))
	}
}

// PeerStage is the progress of the handshake with one peer.
//
// An initiator sees its responders go through WaitToken (untrusted only), WaitKey, WaitAuth and Done;
// a responder sees its initiator go through Idle, KeySent, AuthSent and Done.
type PeerStage uint8

const (
	PeerWaitToken PeerStage = iota
	PeerWaitKey
	PeerWaitAuth
	PeerIdle
	PeerKeySent
	PeerAuthSent
	PeerDone
)

func (s PeerStage) String() string {
	switch s {
	case PeerWaitToken:
		return "wait-token"
	case PeerWaitKey:
		return "wait-key"
	case PeerWaitAuth:
		return "wait-auth"
	case PeerIdle:
		return "idle"
	case PeerKeySent:
		return "key-sent"
	case PeerAuthSent:
		return "auth-sent"
	case PeerDone:
		return "done"
	default:
		return fmt.Sprintf("peer-stage(%d)", uint8(s))
	}
}

// SignalingState is a snapshot of the lifecycle of a Signaling.
type SignalingState struct {
	Role  Role
	Phase Phase

	// Only meaningful in PhaseServerHandshake.
	Server ServerStage

	// Only meaningful in PhaseClosed.
	CloseCode CloseCode
}

func (s SignalingState) String() string {
	switch s.Phase {
	case PhaseServerHandshake:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Server)
	case PhasePeerHandshake:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Role)
	case PhaseClosed:
		return fmt.Sprintf("%s(%d %s)", s.Phase, uint16(s.CloseCode), s.CloseCode)
	default:
		return s.Phase.String()
	}
}

// ApplicationMessage is a payload delivered by the peer once the signaling is open.
type ApplicationMessage struct {
	From nonce.Address
	Data []byte
}

// Result holds everything produced while handling one incoming frame.
//
// Frames must be sent to the transport in order, even when HandleIncoming also returned an error.
type Result struct {
	Frames  [][]byte
	Message *ApplicationMessage
	Events  []Event
}

// Event notifies the caller of a change on the signaling path.
type Event interface {
	Debug() string
}

// ServerHandshakeDone is emitted once the server has authenticated us, and assigned our address.
type ServerHandshakeDone struct {
	Address nonce.Address

	// Responders already connected to the path (initiator only).
	Responders []nonce.Address
	// Whether the initiator is connected (responder only).
	InitiatorConnected bool
}

type ResponderJoined struct {
	Peer nonce.Address
}

type InitiatorJoined struct{}

// ResponderDropped is emitted when this initiator drops a responder.
type ResponderDropped struct {
	Peer   nonce.Address
	Reason CloseCode
}

// PeerDisconnected is emitted when the server reports a peer as gone.
type PeerDisconnected struct {
	Peer nonce.Address
}

// SendFailed is emitted when the server could not relay one of our messages.
type SendFailed struct {
	Peer nonce.Address
}

// PeerHandshakeDone is emitted when the signaling becomes open.
type PeerHandshakeDone struct {
	Peer     nonce.Address
	Task     string
	TaskData msgpack.RawMessage
}

type Closed struct {
	Code CloseCode
}

func (e *ServerHandshakeDone) Debug() string {
	return fmt.Sprintf("server handshake done, address=%s responders=%v initiator=%t", e.Address, e.Responders, e.InitiatorConnected)
}

func (e *ResponderJoined) Debug() string {
	return fmt.Sprintf("responder joined: %s", e.Peer)
}

func (e *InitiatorJoined) Debug() string {
	return "initiator joined"
}

func (e *ResponderDropped) Debug() string {
	return fmt.Sprintf("dropped %s: %s", e.Peer, e.Reason)
}

func (e *PeerDisconnected) Debug() string {
	return fmt.Sprintf("peer disconnected: %s", e.Peer)
}

func (e *SendFailed) Debug() string {
	return fmt.Sprintf("could not relay message to %s", e.Peer)
}

func (e *PeerHandshakeDone) Debug() string {
	return fmt.Sprintf("peer handshake done with %s, task=%s", e.Peer, e.Task)
}

func (e *Closed) Debug() string {
	return fmt.Sprintf("closed: %d %s", uint16(e.Code), e.Code)
}
