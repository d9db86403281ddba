package msgsig

import (
	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/vmihailenco/msgpack/v5"
)

type MessageType string

const (
	ServerHelloType   MessageType = "server-hello"
	ClientHelloType   MessageType = "client-hello"
	ClientAuthType    MessageType = "client-auth"
	ServerAuthType    MessageType = "server-auth"
	NewInitiatorType  MessageType = "new-initiator"
	NewResponderType  MessageType = "new-responder"
	DropResponderType MessageType = "drop-responder"
	SendErrorType     MessageType = "send-error"
	DisconnectedType  MessageType = "disconnected"

	TokenType       MessageType = "token"
	KeyType         MessageType = "key"
	AuthType        MessageType = "auth"
	ApplicationType MessageType = "application"
	CloseType       MessageType = "close"
)

// === server handshake

// ServerHello is sent unencrypted by the server, and carries its session key.
type ServerHello struct {
	Key key.PublicKey
}

// ClientHello is sent unencrypted by a responder, and carries its permanent key.
type ClientHello struct {
	Key key.PublicKey
}

type ClientAuth struct {
	YourCookie   nonce.Cookie
	Subprotocols []string
	PingInterval uint32

	// Only sent by responders, the permanent key of the initiator they want to reach.
	YourKey gonull.Nullable[key.PublicKey]
}

type ServerAuth struct {
	YourCookie nonce.Cookie

	// box(server session key ‖ client permanent key), sealed with the server's permanent key.
	SignedKeys []byte

	// Only sent to responders.
	InitiatorConnected gonull.Nullable[bool]
	// Only sent to the initiator.
	Responders         gonull.Nullable[[]nonce.Address]
}

// === server to client

type NewInitiator struct{}

type NewResponder struct {
	ID nonce.Address
}

type SendErrorID [8]byte

// Source returns the source address of the message that could not be relayed.
func (id SendErrorID) Source() nonce.Address {
	return nonce.Address(id[0])
}

// Destination returns the destination address of the message that could not be relayed.
func (id SendErrorID) Destination() nonce.Address {
	return nonce.Address(id[1])
}

type SendError struct {
	ID SendErrorID
}

type Disconnected struct {
	ID nonce.Address
}

// === client to server

type DropResponder struct {
	ID     nonce.Address
	Reason gonull.Nullable[uint16]
}

// === peer handshake

// Token carries the permanent key of an untrusted responder, sealed with the auth token.
type Token struct {
	Key key.PublicKey
}

// Key carries a fresh session key, sealed permanent key to permanent key.
type Key struct {
	Key key.PublicKey
}

type Auth struct {
	YourCookie  nonce.Cookie
	YourKeyHash key.Fingerprint

	// Sent by the responder.
	Tasks []string
	// Sent by the initiator.
	Task  gonull.Nullable[string]

	// Per-task data, keyed by task name. Values are raw msgpack, nil for tasks without data.
	Data map[string]msgpack.RawMessage
}

// === open

type Application struct {
	Data []byte
}

type Close struct {
	Reason uint16
}
