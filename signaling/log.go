package signaling

import (
	"context"
	"log/slog"

	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
)

// handshakeState is implemented by every server and peer handshake state.
type handshakeState interface {
	// Name returns a lower-case name to be used in logging.
	Name() string

	// Peer returns the address of the other side.
	Peer() nonce.Address
}

// L stands for Log
func L(s handshakeState) *slog.Logger {
	return slog.With("peer", s.Peer().String(), "state", s.Name())
}

func LogTransition[T handshakeState](from handshakeState, to T) T {
	L(from).Log(context.Background(), types.LevelTrace, "transitioning state", "to-state", to.Name())

	return to
}

func LogMessage(s handshakeState, n nonce.Nonce, m msgsig.Message) {
	L(s).Log(context.Background(), types.LevelTrace, "received message",
		"nonce", n.Debug(),
		"msg", m.Debug(),
	)
}
