package relay

import "time"

const (
	// HandshakeTimeout bounds the server handshake of a new client.
	HandshakeTimeout = 10 * time.Second

	MaxFrameSize               = 64 << 10
	ServerClientWriteTimeout   = 5 * time.Second
	ServerClientSendQueueDepth = 32 // frames buffered for sending

	// MinPingInterval is the lowest ping interval a client may ask for, in seconds.
	MinPingInterval = 5
)
