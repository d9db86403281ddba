package signaling

import (
	"testing"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/stretchr/testify/require"
)

// testServer plays the relay server for one path.
type testServer struct {
	t *testing.T

	permanent *key.KeyStore
	session   *key.KeyStore
}

func newTestServer(t *testing.T) *testServer {
	return &testServer{
		t:         t,
		permanent: key.MustNewKeyStore(),
		session:   key.MustNewKeyStore(),
	}
}

// testConn is the server side of one client connection.
type testConn struct {
	t   *testing.T
	srv *testServer
	sig *Signaling

	ch   *nonce.Channel
	addr nonce.Address
}

func (srv *testServer) connect(sig *Signaling) *testConn {
	return &testConn{
		t:   srv.t,
		srv: srv,
		sig: sig,
		ch:  nonce.NewChannel(),
	}
}

func (c *testConn) helloFrame() []byte {
	n, err := c.ch.Build(nonce.Server, nonce.Server)
	require.NoError(c.t, err)

	return n.Frame(msgsig.MustEncode(&msgsig.ServerHello{Key: c.srv.session.PublicKey()}))
}

// hello sends server-hello, and checks the client-hello and client-auth the client replies with.
func (c *testConn) hello() *msgsig.ClientAuth {
	res, err := c.sig.HandleIncoming(c.helloFrame())
	require.NoError(c.t, err)

	frames := res.Frames

	if c.sig.Role() == RoleResponder {
		require.Len(c.t, frames, 2)

		hello, ok := c.receive(frames[0], false).(*msgsig.ClientHello)
		require.True(c.t, ok)
		require.Equal(c.t, c.sig.PermanentKey(), hello.Key)

		frames = frames[1:]
	}

	require.Len(c.t, frames, 1)

	auth, ok := c.receive(frames[0], true).(*msgsig.ClientAuth)
	require.True(c.t, ok)
	require.Equal(c.t, c.ch.Cookies.Ours(), auth.YourCookie)
	require.Equal(c.t, []string{Subprotocol}, auth.Subprotocols)

	require.Equal(c.t, ClientAuthSent, c.sig.State().Server)

	return auth
}

// receive parses a frame the client sent to the server.
func (c *testConn) receive(frame []byte, encrypted bool) msgsig.Message {
	n, payload, err := nonce.SplitFrame(frame)
	require.NoError(c.t, err)
	require.Equal(c.t, nonce.Server, n.Destination)

	require.NoError(c.t, c.ch.Validate(n))
	c.ch.Commit(n)

	if encrypted {
		nb := n.Bytes()
		payload, err = c.srv.session.Decrypt(payload, c.sig.PermanentKey(), &nb)
		require.NoError(c.t, err)
	}

	m, err := msgsig.Decode(payload)
	require.NoError(c.t, err)

	return m
}

// serverAuthFrame builds server-auth assigning addr, signed by signer if not nil.
func (c *testConn) serverAuthFrame(addr nonce.Address, signer *key.KeyStore, modify func(*msgsig.ServerAuth)) []byte {
	c.addr = addr

	cookie, ok := c.ch.Cookies.Theirs()
	require.True(c.t, ok)

	auth := &msgsig.ServerAuth{YourCookie: cookie}
	if c.sig.Role() == RoleInitiator {
		auth.Responders = gonull.NewNullable([]nonce.Address{})
	} else {
		auth.InitiatorConnected = gonull.NewNullable(false)
	}

	if modify != nil {
		modify(auth)
	}

	n, err := c.ch.Build(nonce.Server, addr)
	require.NoError(c.t, err)
	nb := n.Bytes()

	if signer != nil {
		session := c.srv.session.PublicKey()
		client := c.sig.PermanentKey()
		auth.SignedKeys = signer.Encrypt(append(session[:], client[:]...), client, &nb)
	}

	return n.Frame(c.srv.session.Encrypt(msgsig.MustEncode(auth), c.sig.PermanentKey(), &nb))
}

func (c *testConn) serverAuth(addr nonce.Address, modify func(*msgsig.ServerAuth)) (Result, error) {
	return c.sig.HandleIncoming(c.serverAuthFrame(addr, nil, modify))
}

// frame builds an encrypted server message for the client.
func (c *testConn) frame(m msgsig.Message) []byte {
	n, err := c.ch.Build(nonce.Server, c.addr)
	require.NoError(c.t, err)
	nb := n.Bytes()

	return n.Frame(c.srv.session.Encrypt(msgsig.MustEncode(m), c.sig.PermanentKey(), &nb))
}

func (c *testConn) send(m msgsig.Message) Result {
	res, err := c.sig.HandleIncoming(c.frame(m))
	require.NoError(c.t, err)
	return res
}

// split separates frames for the server from frames relayed to peers.
func split(t *testing.T, frames [][]byte) (toServer, toPeer [][]byte) {
	for _, f := range frames {
		n, err := nonce.Parse(f)
		require.NoError(t, err)

		if n.Destination == nonce.Server {
			toServer = append(toServer, f)
		} else {
			toPeer = append(toPeer, f)
		}
	}
	return
}

// relay delivers peer frames to sig, and returns the peer frames it produces in turn.
func relay(t *testing.T, sig *Signaling, frames [][]byte) ([][]byte, []Result) {
	var out [][]byte
	var results []Result

	for _, f := range frames {
		res, err := sig.HandleIncoming(f)
		require.NoError(t, err)

		_, toPeer := split(t, res.Frames)
		out = append(out, toPeer...)
		results = append(results, res)
	}

	return out, results
}

// path is a server with an initiator that completed its server handshake.
type path struct {
	t   *testing.T
	srv *testServer

	ini  *Signaling
	conn *testConn
}

func newPath(t *testing.T, cfg Config) *path {
	cfg.Role = RoleInitiator

	ini, err := New(cfg)
	require.NoError(t, err)

	p := &path{t: t, srv: newTestServer(t), ini: ini}
	p.conn = p.srv.connect(ini)
	p.conn.hello()

	res, err := p.conn.serverAuth(nonce.Initiator, nil)
	require.NoError(t, err)
	require.Empty(t, res.Frames)
	require.Equal(t, PhasePeerHandshake, ini.State().Phase)

	return p
}

// join connects a responder to the path at addr, announces it to the initiator, and returns the frames the
// responder sent towards the initiator.
func (p *path) join(cfg Config, addr nonce.Address) (*Signaling, *testConn, [][]byte) {
	cfg.Role = RoleResponder
	cfg.InitiatorKey = gonull.NewNullable(p.ini.PermanentKey())

	resp, err := New(cfg)
	require.NoError(p.t, err)

	c := p.srv.connect(resp)
	auth := c.hello()
	require.True(p.t, auth.YourKey.Valid)
	require.Equal(p.t, p.ini.PermanentKey(), auth.YourKey.Val)

	res, err := c.serverAuth(addr, func(a *msgsig.ServerAuth) {
		a.InitiatorConnected = gonull.NewNullable(true)
	})
	require.NoError(p.t, err)
	require.Equal(p.t, addr, resp.Address())

	p.conn.send(&msgsig.NewResponder{ID: addr})

	return resp, c, res.Frames
}

func mustParse(t *testing.T, frame []byte) nonce.Nonce {
	n, err := nonce.Parse(frame)
	require.NoError(t, err)
	return n
}
