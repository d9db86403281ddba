package signaling

import (
	"testing"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func findEvent[T Event](events []Event) (T, bool) {
	for _, ev := range events {
		if e, ok := ev.(T); ok {
			return e, true
		}
	}

	var zero T
	return zero, false
}

func TestHandshake_TrustedPath(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, _, toIni := p.join(Config{PermanentKey: respKey}, 0x02)

	// no token on the trusted path, only key
	require.Len(t, toIni, 1)
	assert.Equal(t, nonce.Address(0x02), mustParse(t, toIni[0]).Source)
	assert.Equal(t, nonce.Initiator, mustParse(t, toIni[0]).Destination)

	stage, ok := p.ini.PeerStage(0x02)
	require.True(t, ok)
	assert.Equal(t, PeerWaitKey, stage)

	// responder key -> initiator key
	toResp, _ := relay(t, p.ini, toIni)
	require.Len(t, toResp, 1)
	stage, _ = p.ini.PeerStage(0x02)
	assert.Equal(t, PeerWaitAuth, stage)

	// initiator key -> responder auth
	toIni, _ = relay(t, resp, toResp)
	require.Len(t, toIni, 1)
	stage, _ = resp.PeerStage(nonce.Initiator)
	assert.Equal(t, PeerAuthSent, stage)

	assert.Equal(t, PhasePeerHandshake, p.ini.State().Phase)
	assert.Equal(t, PhasePeerHandshake, resp.State().Phase)

	// responder auth -> initiator auth, initiator open
	toResp, results := relay(t, p.ini, toIni)
	require.Len(t, toResp, 1)
	assert.Equal(t, PhaseOpen, p.ini.State().Phase)
	assert.Equal(t, PhasePeerHandshake, resp.State().Phase)

	done, ok := findEvent[*PeerHandshakeDone](results[0].Events)
	require.True(t, ok)
	assert.Equal(t, nonce.Address(0x02), done.Peer)
	assert.Equal(t, RelayedDataTask, done.Task)

	// initiator auth -> responder open
	_, results = relay(t, resp, toResp)
	assert.Equal(t, PhaseOpen, resp.State().Phase)
	_, ok = findEvent[*PeerHandshakeDone](results[0].Events)
	assert.True(t, ok)

	peer, ok := resp.PeerAddress()
	require.True(t, ok)
	assert.Equal(t, nonce.Initiator, peer)
	assert.Equal(t, RelayedDataTask, resp.Task())

	// application data, both directions
	frame, err := p.ini.SendApplication(0x02, []byte("ping"))
	require.NoError(t, err)

	res, err := resp.HandleIncoming(frame)
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, []byte("ping"), res.Message.Data)
	assert.Equal(t, nonce.Initiator, res.Message.From)

	frame, err = resp.SendApplication(nonce.Initiator, []byte("pong"))
	require.NoError(t, err)

	res, err = p.ini.HandleIncoming(frame)
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, []byte("pong"), res.Message.Data)
	assert.Equal(t, nonce.Address(0x02), res.Message.From)

	// the relay only ever sees ciphertext
	assert.NotContains(t, string(frame), "pong")
}

func TestHandshake_UntrustedPathWithToken(t *testing.T) {
	token := key.NewAuthToken()
	respToken, err := copyToken(token)
	require.NoError(t, err)

	p := newPath(t, Config{AuthToken: token})
	resp, _, toIni := p.join(Config{AuthToken: respToken}, 0x02)

	// token and key
	require.Len(t, toIni, 2)

	stage, _ := p.ini.PeerStage(0x02)
	assert.Equal(t, PeerWaitToken, stage)

	toResp, _ := relay(t, p.ini, toIni)
	require.Len(t, toResp, 1)

	stage, _ = p.ini.PeerStage(0x02)
	assert.Equal(t, PeerWaitAuth, stage)

	toIni, _ = relay(t, resp, toResp)
	toResp, _ = relay(t, p.ini, toIni)
	relay(t, resp, toResp)

	assert.Equal(t, PhaseOpen, p.ini.State().Phase)
	assert.Equal(t, PhaseOpen, resp.State().Phase)
}

func TestHandshake_WrongAuthToken(t *testing.T) {
	p := newPath(t, Config{AuthToken: key.NewAuthToken()})
	_, _, toIni := p.join(Config{AuthToken: key.NewAuthToken()}, 0x02)

	res, err := p.ini.HandleIncoming(toIni[0])
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, types.ErrCrypto)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CloseInitiatorCouldNotDecrypt, e.Code)

	toServer, _ := split(t, res.Frames)
	require.Len(t, toServer, 1)

	drop, ok := p.conn.receive(toServer[0], true).(*msgsig.DropResponder)
	require.True(t, ok)
	assert.Equal(t, nonce.Address(0x02), drop.ID)
	assert.Equal(t, uint16(CloseInitiatorCouldNotDecrypt), drop.Reason.Val)

	assert.Empty(t, p.ini.Responders())
	assert.Equal(t, PhasePeerHandshake, p.ini.State().Phase)
}

func TestHandshake_CookieChange(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, _, toIni := p.join(Config{PermanentKey: respKey}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)
	require.Len(t, toIni, 1)

	// The responder's auth arrives with a different cookie than its key did
	forged := append([]byte{}, toIni[0]...)
	forged[0] ^= 0xff

	res, err := p.ini.HandleIncoming(forged)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.False(t, IsFatal(err))

	toServer, _ := split(t, res.Frames)
	require.Len(t, toServer, 1, "responder is dropped")
	assert.Empty(t, p.ini.Responders())
	assert.NotEqual(t, PhaseOpen, p.ini.State().Phase)

	// the genuine frame is now from an unknown responder
	_, err = p.ini.HandleIncoming(toIni[0])
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.NotEqual(t, PhaseOpen, p.ini.State().Phase)
}

func TestHandshake_CookieChangeOnResponderIsFatal(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, _, toIni := p.join(Config{PermanentKey: respKey}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)
	toResp, _ = relay(t, p.ini, toIni)
	require.Len(t, toResp, 1)

	forged := append([]byte{}, toResp[0]...)
	forged[5] ^= 0x01

	res, err := resp.HandleIncoming(forged)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.True(t, IsFatal(err))

	assert.Equal(t, PhaseClosed, resp.State().Phase)
	assert.Equal(t, CloseProtocolError, resp.State().CloseCode)

	closed, ok := findEvent[*Closed](res.Events)
	require.True(t, ok)
	assert.Equal(t, CloseProtocolError, closed.Code)

	// nothing is accepted any more, not even the genuine frame
	_, err = resp.HandleIncoming(toResp[0])
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandshake_Replay(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, _, toIni := p.join(Config{PermanentKey: respKey}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)
	toResp, _ = relay(t, p.ini, toIni)
	relay(t, resp, toResp)

	frame, err := p.ini.SendApplication(0x02, []byte("once"))
	require.NoError(t, err)

	_, err = resp.HandleIncoming(frame)
	require.NoError(t, err)

	res, err := resp.HandleIncoming(frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Nil(t, res.Message)
}

func TestHandshake_NoSharedTask(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{
		ResponderKey: gonull.NewNullable(respKey.PublicKey()),
		Tasks:        []string{"a.tasks.example"},
	})
	resp, _, toIni := p.join(Config{PermanentKey: respKey, Tasks: []string{"b.tasks.example"}}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)

	res, err := p.ini.HandleIncoming(toIni[0])
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CloseNoSharedTask, e.Code)
	assert.Equal(t, msgsig.AuthType, e.MsgType)
	assert.Equal(t, nonce.Address(0x02), e.Peer)

	toServer, toPeer := split(t, res.Frames)
	assert.Empty(t, toPeer)
	require.Len(t, toServer, 1)

	drop := p.conn.receive(toServer[0], true).(*msgsig.DropResponder)
	assert.Equal(t, uint16(CloseNoSharedTask), drop.Reason.Val)
}

func TestHandshake_TaskPreferenceAndData(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{
		ResponderKey: gonull.NewNullable(respKey.PublicKey()),
		Tasks:        []string{"b.tasks.example", "a.tasks.example"},
		TaskData:     map[string]any{"b.tasks.example": map[string]string{"from": "initiator"}},
	})
	resp, _, toIni := p.join(Config{
		PermanentKey: respKey,
		Tasks:        []string{"a.tasks.example", "b.tasks.example"},
		TaskData:     map[string]any{"b.tasks.example": map[string]string{"from": "responder"}},
	}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)
	toResp, results := relay(t, p.ini, toIni)

	done, ok := findEvent[*PeerHandshakeDone](results[0].Events)
	require.True(t, ok)
	assert.Equal(t, "b.tasks.example", done.Task)

	var data map[string]string
	require.NoError(t, msgpack.Unmarshal(done.TaskData, &data))
	assert.Equal(t, "responder", data["from"])

	_, results = relay(t, resp, toResp)
	done, ok = findEvent[*PeerHandshakeDone](results[0].Events)
	require.True(t, ok)
	assert.Equal(t, "b.tasks.example", done.Task)

	require.NoError(t, msgpack.Unmarshal(done.TaskData, &data))
	assert.Equal(t, "initiator", data["from"])
}

func TestDropResponder_KeepsOthers(t *testing.T) {
	token := key.NewAuthToken()

	p := newPath(t, Config{AuthToken: token})

	tokA, err := copyToken(token)
	require.NoError(t, err)
	tokB, err := copyToken(token)
	require.NoError(t, err)

	respA, _, toIniA := p.join(Config{AuthToken: tokA}, 0x02)
	respB, _, toIniB := p.join(Config{AuthToken: tokB}, 0x03)

	assert.Equal(t, []nonce.Address{0x02, 0x03}, p.ini.Responders())

	// both make progress
	toRespA, _ := relay(t, p.ini, toIniA)
	toRespB, _ := relay(t, p.ini, toIniB)

	frame, err := p.ini.DropResponder(0x02, CloseDroppedByInitiator)
	require.NoError(t, err)

	drop := p.conn.receive(frame, true).(*msgsig.DropResponder)
	assert.Equal(t, nonce.Address(0x02), drop.ID)
	assert.Equal(t, uint16(CloseDroppedByInitiator), drop.Reason.Val)

	assert.Equal(t, []nonce.Address{0x03}, p.ini.Responders())
	_, ok := p.ini.PeerStage(0x02)
	assert.False(t, ok)

	stage, ok := p.ini.PeerStage(0x03)
	require.True(t, ok)
	assert.Equal(t, PeerWaitAuth, stage, "the other responder is untouched")

	// the dropped responder's auth is rejected, without touching anything else
	toIniA, _ = relay(t, respA, toRespA)
	_, err = p.ini.HandleIncoming(toIniA[0])
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.False(t, IsFatal(err))

	// the other responder completes
	toIniB, _ = relay(t, respB, toRespB)
	toRespB, _ = relay(t, p.ini, toIniB)
	relay(t, respB, toRespB)

	assert.Equal(t, PhaseOpen, p.ini.State().Phase)
	assert.Equal(t, PhaseOpen, respB.State().Phase)

	peer, _ := p.ini.PeerAddress()
	assert.Equal(t, nonce.Address(0x03), peer)
}

func TestDropResponder_Errors(t *testing.T) {
	p := newPath(t, Config{AuthToken: key.NewAuthToken()})

	_, err := p.ini.DropResponder(0x02, CloseDroppedByInitiator)
	assert.ErrorIs(t, err, types.ErrProtocol, "unknown responder")

	p.conn.send(&msgsig.NewResponder{ID: 0x02})

	_, err = p.ini.DropResponder(0x02, CloseNormal)
	assert.ErrorIs(t, err, types.ErrProtocol, "invalid reason")

	_, err = p.ini.DropResponder(0x02, CloseProtocolError)
	assert.NoError(t, err)
}

func TestOpen_DropsOtherResponders(t *testing.T) {
	token := key.NewAuthToken()
	p := newPath(t, Config{AuthToken: token})

	tokA, _ := copyToken(token)
	tokB, _ := copyToken(token)

	resp, _, toIni := p.join(Config{AuthToken: tokA}, 0x02)
	p.join(Config{AuthToken: tokB}, 0x05)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)

	res, err := p.ini.HandleIncoming(toIni[0])
	require.NoError(t, err)

	toServer, toPeer := split(t, res.Frames)
	require.Len(t, toPeer, 1)
	require.Len(t, toServer, 1)

	drop := p.conn.receive(toServer[0], true).(*msgsig.DropResponder)
	assert.Equal(t, nonce.Address(0x05), drop.ID)
	assert.Equal(t, uint16(CloseDroppedByInitiator), drop.Reason.Val)

	assert.Equal(t, []nonce.Address{0x02}, p.ini.Responders())

	// a late responder is turned away
	res = p.conn.send(&msgsig.NewResponder{ID: 0x06})
	require.Len(t, res.Frames, 1)
	drop = p.conn.receive(res.Frames[0], true).(*msgsig.DropResponder)
	assert.Equal(t, nonce.Address(0x06), drop.ID)
}

func TestDisconnected(t *testing.T) {
	p := newPath(t, Config{AuthToken: key.NewAuthToken()})

	p.conn.send(&msgsig.NewResponder{ID: 0x02})
	p.conn.send(&msgsig.NewResponder{ID: 0x03})

	res := p.conn.send(&msgsig.Disconnected{ID: 0x02})
	assert.Empty(t, res.Frames)

	ev, ok := findEvent[*PeerDisconnected](res.Events)
	require.True(t, ok)
	assert.Equal(t, nonce.Address(0x02), ev.Peer)

	assert.Equal(t, []nonce.Address{0x03}, p.ini.Responders())
}

func TestSendError_OpenPeer(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, rc, toIni := p.join(Config{PermanentKey: respKey}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)
	toResp, _ = relay(t, p.ini, toIni)
	relay(t, resp, toResp)

	frame, err := resp.SendApplication(nonce.Initiator, []byte("lost"))
	require.NoError(t, err)

	n := mustParse(t, frame)
	var id msgsig.SendErrorID
	id[0], id[1] = byte(n.Source), byte(n.Destination)

	res := rc.send(&msgsig.SendError{ID: id})

	_, ok := findEvent[*SendFailed](res.Events)
	assert.True(t, ok)

	closed, ok := findEvent[*Closed](res.Events)
	require.True(t, ok)
	assert.Equal(t, CloseGoingAway, closed.Code)
	assert.Equal(t, PhaseClosed, resp.State().Phase)
}

func TestNewInitiator_RestartsHandshake(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, rc, toIni := p.join(Config{PermanentKey: respKey}, 0x02)
	require.Len(t, toIni, 1)

	res := rc.send(&msgsig.NewInitiator{})

	_, ok := findEvent[*InitiatorJoined](res.Events)
	assert.True(t, ok)

	_, toPeer := split(t, res.Frames)
	require.Len(t, toPeer, 1, "key is sent again")

	// a fresh relationship, with a fresh cookie
	assert.NotEqual(t, mustParse(t, toIni[0]).Cookie, mustParse(t, toPeer[0]).Cookie)

	stage, _ := resp.PeerStage(nonce.Initiator)
	assert.Equal(t, PeerKeySent, stage)
}

func TestClose(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, _, toIni := p.join(Config{PermanentKey: respKey}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)
	toResp, _ = relay(t, p.ini, toIni)
	relay(t, resp, toResp)

	session := p.ini.peer.state.(*peerOpen).ours

	frames := p.ini.Close(CloseNormal)
	require.Len(t, frames, 1)
	assert.Nil(t, p.ini.Close(CloseNormal), "closing twice is a no-op")

	assert.Equal(t, PhaseClosed, p.ini.State().Phase)
	assert.True(t, session.Wiped())
	assert.True(t, p.ini.permanent.Wiped(), "generated permanent key is owned and wiped")

	res, err := resp.HandleIncoming(frames[0])
	require.NoError(t, err)

	closed, ok := findEvent[*Closed](res.Events)
	require.True(t, ok)
	assert.Equal(t, CloseNormal, closed.Code)
	assert.Equal(t, PhaseClosed, resp.State().Phase)

	// a caller supplied permanent key outlives the signaling
	assert.False(t, respKey.Wiped())

	_, err = p.ini.SendApplication(0x02, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsFatal(err))
}

func TestSendApplication_BeforeOpen(t *testing.T) {
	p := newPath(t, Config{AuthToken: key.NewAuthToken()})

	_, err := p.ini.SendApplication(0x02, []byte("too early"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.False(t, IsFatal(err))
}

func TestApplication_BeforeOpenIsRejected(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	_, rc, _ := p.join(Config{PermanentKey: respKey}, 0x02)

	// A correctly sealed application message where the initiator expects key
	ch := nonce.NewChannel()
	n, err := ch.Build(rc.addr, nonce.Initiator)
	require.NoError(t, err)
	nb := n.Bytes()

	frame := n.Frame(respKey.Encrypt(msgsig.MustEncode(&msgsig.Application{Data: []byte("x")}), p.ini.PermanentKey(), &nb))

	res, err := p.ini.HandleIncoming(frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.Nil(t, res.Message)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, msgsig.ApplicationType, e.MsgType)
}

func TestSendApplication_Overflow(t *testing.T) {
	respKey := key.MustNewKeyStore()

	p := newPath(t, Config{ResponderKey: gonull.NewNullable(respKey.PublicKey())})
	resp, _, toIni := p.join(Config{PermanentKey: respKey}, 0x02)

	toResp, _ := relay(t, p.ini, toIni)
	toIni, _ = relay(t, resp, toResp)
	toResp, _ = relay(t, p.ini, toIni)
	relay(t, resp, toResp)

	p.ini.peer.ch.CSNs.Ours = nonce.CounterAt(nonce.CSN{Overflow: 0xffff, Sequence: 0xffffffff})

	frame, err := p.ini.SendApplication(0x02, []byte("last"))
	require.NoError(t, err)

	res, err := resp.HandleIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), res.Message.Data)

	_, err = p.ini.SendApplication(0x02, []byte("one too many"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrOverflow)
	assert.True(t, IsFatal(err))
	assert.Equal(t, PhaseClosed, p.ini.State().Phase)
}

func TestServerHandshake_SignedKeys(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name    string
		signer  *key.KeyStore
		wantErr bool
	}{
		{"signed by pinned key", srv.permanent, false},
		{"signed by another key", key.MustNewKeyStore(), true},
		{"not signed", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.t = t

			sig, err := New(Config{
				Role:      RoleInitiator,
				AuthToken: key.NewAuthToken(),
				ServerKey: gonull.NewNullable(srv.permanent.PublicKey()),
			})
			require.NoError(t, err)

			c := srv.connect(sig)
			c.hello()

			_, err = sig.HandleIncoming(c.serverAuthFrame(nonce.Initiator, tt.signer, nil))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, ServerDone, sig.State().Server)
				return
			}

			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.Equal(t, PhaseClosed, sig.State().Phase)
			assert.Equal(t, CloseInvalidKey, sig.State().CloseCode)
		})
	}
}

func TestServerHandshake_Errors(t *testing.T) {
	tests := []struct {
		name     string
		frame    func(c *testConn) []byte
		wantKind error
	}{
		{
			"server-auth before server-hello",
			func(c *testConn) []byte {
				n, _ := c.ch.Build(nonce.Server, nonce.Server)
				return n.Frame(msgsig.MustEncode(&msgsig.ServerAuth{}))
			},
			types.ErrProtocol,
		},
		{
			"garbage",
			func(c *testConn) []byte {
				n, _ := c.ch.Build(nonce.Server, nonce.Server)
				return n.Frame([]byte{0xc1})
			},
			types.ErrDecode,
		},
		{
			"short frame",
			func(c *testConn) []byte {
				return make([]byte, 10)
			},
			types.ErrDecode,
		},
		{
			"wrong destination",
			func(c *testConn) []byte {
				n, _ := c.ch.Build(nonce.Server, nonce.Initiator)
				return n.Frame(msgsig.MustEncode(&msgsig.ServerHello{Key: c.srv.session.PublicKey()}))
			},
			types.ErrProtocol,
		},
		{
			"peer message first",
			func(c *testConn) []byte {
				n, _ := c.ch.Build(0x02, nonce.Initiator)
				return n.Frame([]byte{0x80})
			},
			types.ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := New(Config{Role: RoleInitiator, AuthToken: key.NewAuthToken()})
			require.NoError(t, err)

			c := newTestServer(t).connect(sig)

			_, err = sig.HandleIncoming(tt.frame(c))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.True(t, IsFatal(err))
			assert.Equal(t, PhaseClosed, sig.State().Phase)
		})
	}
}

func TestServerHandshake_TamperedServerAuth(t *testing.T) {
	sig, err := New(Config{Role: RoleInitiator, AuthToken: key.NewAuthToken()})
	require.NoError(t, err)

	c := newTestServer(t).connect(sig)
	c.hello()

	frame := c.serverAuthFrame(nonce.Initiator, nil, nil)
	frame[len(frame)-1] ^= 0x01

	_, err = sig.HandleIncoming(frame)
	assert.ErrorIs(t, err, types.ErrCrypto)
	assert.True(t, IsFatal(err))
}

func TestServerHandshake_WrongCookieEcho(t *testing.T) {
	sig, err := New(Config{Role: RoleInitiator, AuthToken: key.NewAuthToken()})
	require.NoError(t, err)

	c := newTestServer(t).connect(sig)
	c.hello()

	_, err = c.serverAuth(nonce.Initiator, func(a *msgsig.ServerAuth) {
		a.YourCookie = nonce.NewCookie()
	})
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.True(t, IsFatal(err))
}

func TestServerHandshake_ResponderAddress(t *testing.T) {
	sig, err := New(Config{Role: RoleResponder, InitiatorKey: gonull.NewNullable(key.MustNewKeyStore().PublicKey())})
	require.NoError(t, err)

	c := newTestServer(t).connect(sig)
	c.hello()

	_, err = c.serverAuth(nonce.Initiator, nil)
	assert.ErrorIs(t, err, types.ErrProtocol, "a responder can't be assigned the initiator address")
}

func TestServerHandshake_InitiatorNotConnected(t *testing.T) {
	sig, err := New(Config{Role: RoleResponder, InitiatorKey: gonull.NewNullable(key.MustNewKeyStore().PublicKey())})
	require.NoError(t, err)

	c := newTestServer(t).connect(sig)
	c.hello()

	res, err := c.serverAuth(0x07, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Frames, "nothing to send without an initiator")

	done, ok := findEvent[*ServerHandshakeDone](res.Events)
	require.True(t, ok)
	assert.Equal(t, nonce.Address(0x07), done.Address)
	assert.False(t, done.InitiatorConnected)

	stage, _ := sig.PeerStage(nonce.Initiator)
	assert.Equal(t, PeerIdle, stage)

	// an incoming drop-responder is never valid
	_, err = c.sig.HandleIncoming(c.frame(&msgsig.DropResponder{ID: 0x07}))
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.True(t, IsFatal(err))
}

func TestNew_ConfigValidation(t *testing.T) {
	pub := key.MustNewKeyStore().PublicKey()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no role", Config{}},
		{"initiator without trust", Config{Role: RoleInitiator}},
		{"initiator with both", Config{Role: RoleInitiator, AuthToken: key.NewAuthToken(), ResponderKey: gonull.NewNullable(pub)}},
		{"responder without initiator", Config{Role: RoleResponder}},
		{"duplicate task", Config{Role: RoleResponder, InitiatorKey: gonull.NewNullable(pub), Tasks: []string{"a", "a"}}},
		{"data for unknown task", Config{Role: RoleResponder, InitiatorKey: gonull.NewNullable(pub), TaskData: map[string]any{"x": 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestInitiatorPath(t *testing.T) {
	p := newPath(t, Config{AuthToken: key.NewAuthToken()})
	resp, _, _ := p.join(Config{}, 0x02)

	assert.Equal(t, p.ini.PermanentKey().HexString(), p.ini.InitiatorPath())
	assert.Equal(t, p.ini.InitiatorPath(), resp.InitiatorPath())
}

// copyToken gives a responder its own copy of the token, as if shared out of band.
func copyToken(t *key.AuthToken) (*key.AuthToken, error) {
	return key.ParseAuthToken(t.Text())
}
