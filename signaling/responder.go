package signaling

import (
	"slices"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/vmihailenco/msgpack/v5"
)

// Handshake with a responder, as seen by the initiator:
//   token (untrusted responders only) -> key -> [key] -> auth -> [auth]

func (s *Signaling) newResponderContext(addr nonce.Address) *peerContext {
	pc := &peerContext{
		s:    s,
		addr: addr,
		ch:   nonce.NewChannel(),
	}

	if s.cfg.ResponderKey.Valid {
		pc.permanentKey = s.cfg.ResponderKey.Val
		pc.state = &awaitKey{peerContext: pc}
	} else {
		pc.state = &awaitToken{peerContext: pc}
	}

	L(pc.state).Debug("new responder")

	return pc
}

// === token

type awaitToken struct {
	*peerContext
}

func (st *awaitToken) Name() string {
	return "wait-token"
}

func (st *awaitToken) Stage() PeerStage {
	return PeerWaitToken
}

func (st *awaitToken) open(n nonce.Nonce, payload []byte) ([]byte, error) {
	nb := n.Bytes()
	return st.s.authToken.Open(payload, &nb)
}

func (st *awaitToken) OnMessage(m msgsig.Message) (peerState, error) {
	token, ok := m.(*msgsig.Token)
	if !ok {
		return nil, protocolErrorf("expected token, got %s", m.MsgType())
	}

	if token.Key.IsZero() {
		return nil, withCode(CloseInvalidKey, validationErrorf("responder permanent key is zero"))
	}

	st.permanentKey = token.Key

	L(st).Debug("learned responder permanent key", "key", token.Key.Debug())

	return &awaitKey{peerContext: st.peerContext}, nil
}

// === key

type awaitKey struct {
	*peerContext
}

func (st *awaitKey) Name() string {
	return "wait-key"
}

func (st *awaitKey) Stage() PeerStage {
	return PeerWaitKey
}

func (st *awaitKey) open(n nonce.Nonce, payload []byte) ([]byte, error) {
	return st.openPermanent(n, payload)
}

func (st *awaitKey) OnMessage(m msgsig.Message) (peerState, error) {
	k, ok := m.(*msgsig.Key)
	if !ok {
		return nil, protocolErrorf("expected key, got %s", m.MsgType())
	}

	if err := st.validateSessionKey(k.Key); err != nil {
		return nil, err
	}

	ours, err := key.NewKeyStore()
	if err != nil {
		return nil, err
	}

	if err := st.sendSealed(&msgsig.Key{Key: ours.PublicKey()}, boxTo(st.s.permanent, st.permanentKey)); err != nil {
		ours.Wipe()
		return nil, err
	}

	return &awaitAuth{peerContext: st.peerContext, ours: ours, theirs: k.Key}, nil
}

// === auth

type awaitAuth struct {
	*peerContext

	ours   *key.KeyStore
	theirs key.PublicKey
}

func (st *awaitAuth) Name() string {
	return "wait-auth"
}

func (st *awaitAuth) Stage() PeerStage {
	return PeerWaitAuth
}

func (st *awaitAuth) open(n nonce.Nonce, payload []byte) ([]byte, error) {
	nb := n.Bytes()
	return st.ours.Decrypt(payload, st.theirs, &nb)
}

func (st *awaitAuth) OnMessage(m msgsig.Message) (peerState, error) {
	auth, ok := m.(*msgsig.Auth)
	if !ok {
		return nil, protocolErrorf("expected auth, got %s", m.MsgType())
	}

	if err := st.validateAuth(auth, st.ours); err != nil {
		return nil, err
	}

	if auth.Tasks == nil || auth.Task.Valid {
		return nil, protocolErrorf("responder auth must offer tasks, and not pick one")
	}

	// Our preference wins.
	idx := slices.IndexFunc(st.s.tasks, func(task string) bool {
		return slices.Contains(auth.Tasks, task)
	})
	if idx < 0 {
		return nil, withCode(CloseNoSharedTask, protocolErrorf("no shared task, responder offered %v", auth.Tasks))
	}
	task := st.s.tasks[idx]

	reply := st.authFor(st.theirs)
	reply.Task = gonull.NewNullable(task)
	reply.Data = map[string]msgpack.RawMessage{task: st.s.taskData[task]}

	if err := st.sendSealed(reply, boxTo(st.ours, st.theirs)); err != nil {
		return nil, err
	}

	next := &peerOpen{peerContext: st.peerContext, ours: st.ours, theirs: st.theirs}

	if err := st.s.openWith(st.peerContext, task, auth.Data[task]); err != nil {
		return nil, err
	}

	return next, nil
}

func (st *awaitAuth) wipeSession() {
	st.ours.Wipe()
}
