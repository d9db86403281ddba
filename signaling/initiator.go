package signaling

import (
	"slices"

	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
)

// Handshake with the initiator, as seen by a responder:
//   [token] -> [key] -> key -> [auth] -> auth

func (s *Signaling) newInitiatorContext() *peerContext {
	pc := &peerContext{
		s:            s,
		addr:         nonce.Initiator,
		ch:           nonce.NewChannel(),
		permanentKey: s.cfg.InitiatorKey.Val,
	}
	pc.state = &initiatorIdle{peerContext: pc}

	return pc
}

// startWithInitiator sends token (with an auth token only) and key to a connected initiator.
func (pc *peerContext) startWithInitiator() error {
	s := pc.s

	if s.authToken != nil {
		sealToken := func(plaintext []byte, n *[key.NonceLen]byte) []byte {
			return s.authToken.Seal(plaintext, n)
		}

		if err := pc.sendSealed(&msgsig.Token{Key: s.permanent.PublicKey()}, sealToken); err != nil {
			return err
		}
	}

	ours, err := key.NewKeyStore()
	if err != nil {
		return err
	}

	if err := pc.sendSealed(&msgsig.Key{Key: ours.PublicKey()}, boxTo(s.permanent, pc.permanentKey)); err != nil {
		ours.Wipe()
		return err
	}

	pc.state = LogTransition(pc.state, &keySent{peerContext: pc, ours: ours})
	return nil
}

// === idle

type initiatorIdle struct {
	*peerContext
}

func (st *initiatorIdle) Name() string {
	return "idle"
}

func (st *initiatorIdle) Stage() PeerStage {
	return PeerIdle
}

func (st *initiatorIdle) open(nonce.Nonce, []byte) ([]byte, error) {
	return nil, protocolErrorf("initiator is not connected")
}

func (st *initiatorIdle) OnMessage(m msgsig.Message) (peerState, error) {
	return nil, protocolErrorf("unexpected %s, initiator is not connected", m.MsgType())
}

// === key sent

type keySent struct {
	*peerContext

	ours *key.KeyStore
}

func (st *keySent) Name() string {
	return "key-sent"
}

func (st *keySent) Stage() PeerStage {
	return PeerKeySent
}

func (st *keySent) open(n nonce.Nonce, payload []byte) ([]byte, error) {
	return st.openPermanent(n, payload)
}

func (st *keySent) OnMessage(m msgsig.Message) (peerState, error) {
	k, ok := m.(*msgsig.Key)
	if !ok {
		return nil, protocolErrorf("expected key, got %s", m.MsgType())
	}

	if err := st.validateSessionKey(k.Key); err != nil {
		return nil, err
	}

	auth := st.authFor(k.Key)
	auth.Tasks = st.s.tasks
	auth.Data = st.s.taskData

	if err := st.sendSealed(auth, boxTo(st.ours, k.Key)); err != nil {
		return nil, err
	}

	return &authSent{peerContext: st.peerContext, ours: st.ours, theirs: k.Key}, nil
}

func (st *keySent) wipeSession() {
	st.ours.Wipe()
}

// === auth sent

type authSent struct {
	*peerContext

	ours   *key.KeyStore
	theirs key.PublicKey
}

func (st *authSent) Name() string {
	return "auth-sent"
}

func (st *authSent) Stage() PeerStage {
	return PeerAuthSent
}

func (st *authSent) open(n nonce.Nonce, payload []byte) ([]byte, error) {
	nb := n.Bytes()
	return st.ours.Decrypt(payload, st.theirs, &nb)
}

func (st *authSent) OnMessage(m msgsig.Message) (peerState, error) {
	auth, ok := m.(*msgsig.Auth)
	if !ok {
		return nil, protocolErrorf("expected auth, got %s", m.MsgType())
	}

	if err := st.validateAuth(auth, st.ours); err != nil {
		return nil, err
	}

	if !auth.Task.Valid || auth.Tasks != nil {
		return nil, protocolErrorf("initiator auth must pick a task, and not offer any")
	}

	task := auth.Task.Val
	if !slices.Contains(st.s.tasks, task) {
		return nil, withCode(CloseNoSharedTask, protocolErrorf("initiator picked task %q, which we did not offer", task))
	}

	next := &peerOpen{peerContext: st.peerContext, ours: st.ours, theirs: st.theirs}

	if err := st.s.openWith(st.peerContext, task, auth.Data[task]); err != nil {
		return nil, err
	}

	return next, nil
}

func (st *authSent) wipeSession() {
	st.ours.Wipe()
}
