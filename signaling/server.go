package signaling

import (
	"bytes"

	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
)

// serverState is a state of the server handshake.
//
// OnMessage returns the next state, or nil to stay in the current one.
type serverState interface {
	handshakeState

	Stage() ServerStage

	// sessionKey returns the session key of the server, once known.
	sessionKey() (key.PublicKey, bool)

	// checkDestination validates the destination address of an incoming server message.
	checkDestination(dst nonce.Address) error

	OnMessage(n nonce.Nonce, m msgsig.Message) (serverState, error)
}

type serverContext struct {
	s  *Signaling
	ch *nonce.Channel

	state serverState
}

func newServerContext(s *Signaling) *serverContext {
	sc := &serverContext{
		s:  s,
		ch: nonce.NewChannel(),
	}
	sc.state = &serverStart{serverContext: sc}

	return sc
}

func (sc *serverContext) Peer() nonce.Address {
	return nonce.Server
}

// handle processes one frame from the server. Every error is fatal.
func (sc *serverContext) handle(n nonce.Nonce, payload []byte) error {
	var msgType msgsig.MessageType

	err := func() error {
		st := sc.state

		if err := st.checkDestination(n.Destination); err != nil {
			return err
		}

		if err := sc.ch.Validate(n); err != nil {
			return err
		}

		plaintext := payload
		if sk, ok := st.sessionKey(); ok {
			nb := n.Bytes()

			var err error
			if plaintext, err = sc.s.permanent.Decrypt(payload, sk, &nb); err != nil {
				return err
			}
		}

		sc.ch.Commit(n)

		m, err := msgsig.Decode(plaintext)
		if err != nil {
			return err
		}
		msgType = m.MsgType()

		LogMessage(st, n, m)

		next, err := st.OnMessage(n, m)
		if err != nil {
			return err
		}

		if next != nil && sc.s.phase != PhaseClosed {
			sc.state = LogTransition(st, next)
		}

		return nil
	}()

	if err != nil {
		return sc.s.fail(&Error{Kind: kindOf(err), MsgType: msgType, Peer: nonce.Server, Err: err})
	}

	return nil
}

// send queues an encrypted message to the server. Only valid once the server session key is known.
func (sc *serverContext) send(m msgsig.Message) error {
	sk, ok := sc.state.sessionKey()
	if !ok {
		return protocolErrorf("server session key unknown")
	}

	return sc.s.sendFrame(sc.ch, nonce.Server, m, boxTo(sc.s.permanent, sk))
}

// === start

type serverStart struct {
	*serverContext
}

func (st *serverStart) Name() string {
	return "start"
}

func (st *serverStart) Stage() ServerStage {
	return ServerStart
}

func (st *serverStart) sessionKey() (key.PublicKey, bool) {
	return key.PublicKey{}, false
}

func (st *serverStart) checkDestination(dst nonce.Address) error {
	if dst != nonce.Server {
		return protocolErrorf("server-hello sent to %s", dst)
	}
	return nil
}

func (st *serverStart) OnMessage(_ nonce.Nonce, m msgsig.Message) (serverState, error) {
	hello, ok := m.(*msgsig.ServerHello)
	if !ok {
		return nil, protocolErrorf("expected server-hello, got %s", m.MsgType())
	}

	if hello.Key.IsZero() {
		return nil, withCode(CloseInvalidKey, validationErrorf("server session key is zero"))
	}

	L(st).Debug("server hello received", "server-session-key", hello.Key.Debug())

	s := st.s

	if s.role == RoleResponder {
		if err := s.sendFrame(st.ch, nonce.Server, &msgsig.ClientHello{Key: s.permanent.PublicKey()}, nil); err != nil {
			return nil, err
		}

		L(st).Debug("client hello sent")
	}

	cookie, _ := st.ch.Cookies.Theirs()

	auth := &msgsig.ClientAuth{
		YourCookie:   cookie,
		Subprotocols: []string{Subprotocol},
		PingInterval: s.cfg.PingInterval,
	}
	if s.role == RoleResponder {
		auth.YourKey = s.cfg.InitiatorKey
	}

	if err := s.sendFrame(st.ch, nonce.Server, auth, boxTo(s.permanent, hello.Key)); err != nil {
		return nil, err
	}

	return &serverClientAuthSent{serverContext: st.serverContext, sessKey: hello.Key}, nil
}

// === client-auth sent

type serverClientAuthSent struct {
	*serverContext

	sessKey key.PublicKey
}

func (st *serverClientAuthSent) Name() string {
	return "client-auth-sent"
}

func (st *serverClientAuthSent) Stage() ServerStage {
	return ClientAuthSent
}

func (st *serverClientAuthSent) sessionKey() (key.PublicKey, bool) {
	return st.sessKey, true
}

func (st *serverClientAuthSent) checkDestination(dst nonce.Address) error {
	switch {
	case st.s.role == RoleInitiator && dst != nonce.Initiator:
		return protocolErrorf("initiator assigned address %s", dst)
	case st.s.role == RoleResponder && !dst.IsResponder():
		return protocolErrorf("responder assigned address %s", dst)
	}
	return nil
}

func (st *serverClientAuthSent) OnMessage(n nonce.Nonce, m msgsig.Message) (serverState, error) {
	auth, ok := m.(*msgsig.ServerAuth)
	if !ok {
		return nil, protocolErrorf("expected server-auth, got %s", m.MsgType())
	}

	if auth.YourCookie != st.ch.Cookies.Ours() {
		return nil, validationErrorf("server-auth echoed the wrong cookie")
	}

	if err := st.verifySignedKeys(n, auth); err != nil {
		return nil, err
	}

	s := st.s
	done := &ServerHandshakeDone{Address: n.Destination}

	switch s.role {
	case RoleInitiator:
		if !auth.Responders.Valid {
			return nil, protocolErrorf("server-auth for the initiator lacks responders")
		}
		for _, id := range auth.Responders.Val {
			if !id.IsResponder() {
				return nil, protocolErrorf("server-auth lists %s as a responder", id)
			}
		}
		done.Responders = auth.Responders.Val
	case RoleResponder:
		if !auth.InitiatorConnected.Valid {
			return nil, protocolErrorf("server-auth for a responder lacks initiator_connected")
		}
		done.InitiatorConnected = auth.InitiatorConnected.Val
	}

	s.address = n.Destination
	s.phase = PhasePeerHandshake

	L(st).Info("server handshake done", "address", s.address)
	s.emit(done)

	next := &serverDone{serverContext: st.serverContext, sessKey: st.sessKey}

	switch s.role {
	case RoleInitiator:
		for _, id := range done.Responders {
			if old, ok := s.responders[id]; ok {
				old.wipe()
			}
			s.responders[id] = s.newResponderContext(id)
		}
	case RoleResponder:
		if done.InitiatorConnected {
			if err := s.initiator.startWithInitiator(); err != nil {
				return nil, err
			}
		}
	}

	return next, nil
}

// verifySignedKeys checks that the server proved possession of its pinned permanent key.
func (st *serverClientAuthSent) verifySignedKeys(n nonce.Nonce, auth *msgsig.ServerAuth) error {
	pinned := st.s.cfg.ServerKey
	if !pinned.Valid {
		return nil
	}

	if auth.SignedKeys == nil {
		return withCode(CloseInvalidKey, protocolErrorf("server-auth lacks signed_keys, but the server key is pinned"))
	}

	nb := n.Bytes()
	signed, err := st.s.permanent.Decrypt(auth.SignedKeys, pinned.Val, &nb)
	if err != nil {
		return withCode(CloseInvalidKey, err)
	}

	our := st.s.permanent.PublicKey()

	want := make([]byte, 0, 2*key.Len)
	want = append(want, st.sessKey[:]...)
	want = append(want, our[:]...)

	if !bytes.Equal(signed, want) {
		return withCode(CloseInvalidKey, validationErrorf("signed_keys do not match the server session key and our permanent key"))
	}

	return nil
}

// === done

type serverDone struct {
	*serverContext

	sessKey key.PublicKey
}

func (st *serverDone) Name() string {
	return "done"
}

func (st *serverDone) Stage() ServerStage {
	return ServerDone
}

func (st *serverDone) sessionKey() (key.PublicKey, bool) {
	return st.sessKey, true
}

func (st *serverDone) checkDestination(dst nonce.Address) error {
	if dst != st.s.address {
		return protocolErrorf("server message for %s, we are %s", dst, st.s.address)
	}
	return nil
}

func (st *serverDone) OnMessage(_ nonce.Nonce, m msgsig.Message) (serverState, error) {
	s := st.s

	switch m := m.(type) {
	case *msgsig.NewResponder:
		if s.role != RoleInitiator {
			return nil, protocolErrorf("responder got new-responder")
		}
		if !m.ID.IsResponder() {
			return nil, protocolErrorf("new-responder for %s", m.ID)
		}
		return nil, s.onNewResponder(m.ID)
	case *msgsig.NewInitiator:
		if s.role != RoleResponder {
			return nil, protocolErrorf("initiator got new-initiator")
		}
		return nil, s.onNewInitiator()
	case *msgsig.SendError:
		if m.ID.Source() != s.address {
			return nil, protocolErrorf("send-error for a message from %s", m.ID.Source())
		}
		s.emit(&SendFailed{Peer: m.ID.Destination()})
		return nil, s.onPeerGone(m.ID.Destination())
	case *msgsig.Disconnected:
		s.emit(&PeerDisconnected{Peer: m.ID})
		return nil, s.onPeerGone(m.ID)
	default:
		return nil, protocolErrorf("unexpected %s from server", m.MsgType())
	}
}
