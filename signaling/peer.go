package signaling

import (
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
)

// peerState is a state of the peer handshake with one peer.
//
// OnMessage returns the next state, or nil to stay in the current one.
type peerState interface {
	handshakeState

	Stage() PeerStage

	// open authenticates and decrypts a payload received in this state.
	open(n nonce.Nonce, payload []byte) ([]byte, error)

	OnMessage(m msgsig.Message) (peerState, error)
}

// sessionHolder is implemented by states that own a session key.
type sessionHolder interface {
	wipeSession()
}

type sealer func(plaintext []byte, n *[key.NonceLen]byte) []byte

func boxTo(ks *key.KeyStore, peer key.PublicKey) sealer {
	return func(plaintext []byte, n *[key.NonceLen]byte) []byte {
		return ks.Encrypt(plaintext, peer, n)
	}
}

// peerContext is the relationship with the initiator (for a responder), or one responder (for the initiator).
type peerContext struct {
	s    *Signaling
	addr nonce.Address
	ch   *nonce.Channel

	// Permanent key of the peer, zero until known.
	permanentKey key.PublicKey

	state peerState
}

func (pc *peerContext) Peer() nonce.Address {
	return pc.addr
}

// receive validates, authenticates, decodes and dispatches one frame from the peer.
func (pc *peerContext) receive(n nonce.Nonce, payload []byte) (msgsig.MessageType, error) {
	st := pc.state

	if err := pc.ch.Validate(n); err != nil {
		return "", err
	}

	plaintext, err := st.open(n, payload)
	if err != nil {
		return "", err
	}

	pc.ch.Commit(n)

	m, err := msgsig.Decode(plaintext)
	if err != nil {
		return "", err
	}

	LogMessage(st, n, m)

	next, err := st.OnMessage(m)
	if err != nil {
		return m.MsgType(), err
	}

	if next != nil {
		pc.state = LogTransition(st, next)
	}

	return m.MsgType(), nil
}

func (pc *peerContext) sendSealed(m msgsig.Message, seal sealer) error {
	return pc.s.sendFrame(pc.ch, pc.addr, m, seal)
}

// send seals m with the session keys. Only valid once the handshake is done.
func (pc *peerContext) send(m msgsig.Message) error {
	st, ok := pc.state.(*peerOpen)
	if !ok {
		return protocolErrorf("handshake with %s not done", pc.addr)
	}

	return pc.sendSealed(m, boxTo(st.ours, st.theirs))
}

func (pc *peerContext) openPermanent(n nonce.Nonce, payload []byte) ([]byte, error) {
	nb := n.Bytes()
	return pc.s.permanent.Decrypt(payload, pc.permanentKey, &nb)
}

// validateSessionKey rejects session keys that can't have been freshly generated by the peer.
func (pc *peerContext) validateSessionKey(k key.PublicKey) error {
	if k.IsZero() {
		return withCode(CloseInvalidKey, validationErrorf("peer session key is zero"))
	}
	if k == pc.permanentKey {
		return withCode(CloseInvalidKey, validationErrorf("peer session key equals its permanent key"))
	}
	return nil
}

// validateAuth checks the cookie and the session key fingerprint echoed in an auth message.
func (pc *peerContext) validateAuth(auth *msgsig.Auth, ours *key.KeyStore) error {
	if auth.YourCookie != pc.ch.Cookies.Ours() {
		return validationErrorf("auth echoed the wrong cookie")
	}

	if auth.YourKeyHash != key.FingerprintOf(ours.PublicKey()) {
		return withCode(CloseInvalidKey, validationErrorf("auth fingerprint does not match our session key"))
	}

	return nil
}

// authFor builds the auth message for the peer's session key.
func (pc *peerContext) authFor(theirs key.PublicKey) *msgsig.Auth {
	cookie, _ := pc.ch.Cookies.Theirs()

	return &msgsig.Auth{
		YourCookie:  cookie,
		YourKeyHash: key.FingerprintOf(theirs),
	}
}

func (pc *peerContext) wipe() {
	if sh, ok := pc.state.(sessionHolder); ok {
		sh.wipeSession()
	}
}

// === open

// peerOpen is the final state for both roles: application data and close are accepted.
type peerOpen struct {
	*peerContext

	ours   *key.KeyStore
	theirs key.PublicKey
}

func (st *peerOpen) Name() string {
	return "open"
}

func (st *peerOpen) Stage() PeerStage {
	return PeerDone
}

func (st *peerOpen) open(n nonce.Nonce, payload []byte) ([]byte, error) {
	nb := n.Bytes()
	return st.ours.Decrypt(payload, st.theirs, &nb)
}

func (st *peerOpen) OnMessage(m msgsig.Message) (peerState, error) {
	switch m := m.(type) {
	case *msgsig.Application:
		st.s.out.msg = &ApplicationMessage{From: st.addr, Data: m.Data}
	case *msgsig.Close:
		L(st).Info("peer closed", "reason", CloseCode(m.Reason))
		st.s.closeWith(CloseCode(m.Reason))
	default:
		return nil, protocolErrorf("unexpected %s after the handshake", m.MsgType())
	}

	return nil, nil
}

func (st *peerOpen) wipeSession() {
	st.ours.Wipe()
}
