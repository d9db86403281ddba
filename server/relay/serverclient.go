package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/signaling"
	"github.com/edup2p/saltyrtc/transport/ws"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
)

var errHandshakeTimeout = errors.New("handshake timed out")

// ServerClient represents an active client connected to a Server.
type ServerClient struct {
	ctx context.Context
	// context cancel cause
	ccc context.CancelCauseFunc

	server *Server

	// Permanent key of the initiator, naming the path the client is on.
	path key.PublicKey

	conn *ws.Conn

	session *key.KeyStore
	ch      *nonce.Channel

	// Permanent key of the client, and its address on the path. Fixed after the handshake.
	permanent key.PublicKey
	addr      nonce.Address

	pingInterval time.Duration

	// sendCh contains frames relayed from other clients on the path, and server messages to seal.
	// A single queue keeps a peer's last frames ahead of the server announcing it gone.
	sendCh chan ServerPacket
}

// ServerPacket is a transient packet handled by the Run goroutine: either a relayed frame, or a server message
// which only the Run goroutine can build a nonce for.
type ServerPacket struct {
	frame []byte
	msg   msgsig.Message
}

func (sc *ServerClient) L() *slog.Logger {
	return sc.server.L().With("path", sc.path.Debug(), "client", sc.addr)
}

// queue schedules a server message for the client. It will be called by other goroutines than the
// ServerClient-owning Run goroutine.
func (sc *ServerClient) queue(m msgsig.Message) {
	select {
	case <-sc.ctx.Done():
	case sc.sendCh <- ServerPacket{msg: m}:
	default:
		sc.L().Warn("dropping slow client", "msg", m.MsgType())
		sc.drop(signaling.CloseInternalError)
	}
}

// relay schedules a frame from another client. It reports false when the frame could not be queued.
func (sc *ServerClient) relay(frame []byte) bool {
	select {
	case <-sc.ctx.Done():
		return false
	case sc.sendCh <- ServerPacket{frame: frame}:
		return true
	default:
		sc.L().Warn("send queue full, dropping frame")
		return false
	}
}

// drop closes the connection with code.
func (sc *ServerClient) drop(code signaling.CloseCode) {
	_ = sc.conn.Close(uint16(code))
	sc.ccc(fmt.Errorf("dropped: %s", code))
}

// === handshake

func (sc *ServerClient) handshake() error {
	timeout := time.NewTimer(HandshakeTimeout)
	defer timeout.Stop()

	if err := sc.sendFrame(nonce.Server, &msgsig.ServerHello{Key: sc.session.PublicKey()}, false); err != nil {
		return err
	}

	n, payload, err := sc.recvHandshake(timeout.C)
	if err != nil {
		return err
	}

	isInitiator := true

	// A responder introduces itself first, in the clear.
	if m, err := msgsig.Decode(payload); err == nil {
		hello, ok := m.(*msgsig.ClientHello)
		if !ok {
			return fmt.Errorf("%w: expected client-hello or client-auth, got %s", types.ErrProtocol, m.MsgType())
		}

		if n.Source != nonce.Server {
			return fmt.Errorf("%w: responder sent client-hello from %s", types.ErrProtocol, n.Source)
		}
		if hello.Key.IsZero() || hello.Key == sc.path {
			return fmt.Errorf("%w: invalid responder permanent key", types.ErrValidation)
		}

		sc.ch.Commit(n)
		sc.permanent = hello.Key
		isInitiator = false

		if n, payload, err = sc.recvHandshake(timeout.C); err != nil {
			return err
		}
	} else {
		sc.permanent = sc.path
	}

	auth, err := sc.openClientAuth(n, payload, isInitiator)
	if err != nil {
		return err
	}

	if auth.PingInterval != 0 {
		sc.pingInterval = time.Duration(max(auth.PingInterval, MinPingInterval)) * time.Second
	}

	responders, initiatorConnected, err := sc.server.registerClient(sc, isInitiator)
	if err != nil {
		return err
	}

	cookie, _ := sc.ch.Cookies.Theirs()
	reply := &msgsig.ServerAuth{YourCookie: cookie}

	if isInitiator {
		reply.Responders = gonull.NewNullable(responders)
	} else {
		reply.InitiatorConnected = gonull.NewNullable(initiatorConnected)
	}

	if err = sc.sendServerAuth(reply); err != nil {
		sc.server.unregisterClient(sc, true)
		return err
	}

	sc.L().Info("client authenticated", "initiator", isInitiator, "permanent-key", sc.permanent.Debug())

	return nil
}

// recvHandshake waits for the next frame of the handshake, and validates its nonce.
func (sc *ServerClient) recvHandshake(timeout <-chan time.Time) (nonce.Nonce, []byte, error) {
	var frame []byte

	select {
	case <-sc.ctx.Done():
		return nonce.Nonce{}, nil, context.Cause(sc.ctx)
	case <-timeout:
		return nonce.Nonce{}, nil, errHandshakeTimeout
	case f, ok := <-sc.conn.Recv():
		if !ok {
			return nonce.Nonce{}, nil, sc.conn.Err()
		}
		frame = f
	}

	n, payload, err := nonce.SplitFrame(frame)
	if err != nil {
		return n, nil, err
	}

	if n.Destination != nonce.Server {
		return n, nil, fmt.Errorf("%w: handshake message for %s", types.ErrProtocol, n.Destination)
	}
	if n.Source != nonce.Server && n.Source != nonce.Initiator {
		return n, nil, fmt.Errorf("%w: handshake message from %s", types.ErrProtocol, n.Source)
	}

	if err = sc.ch.Validate(n); err != nil {
		return n, nil, err
	}

	return n, payload, nil
}

func (sc *ServerClient) openClientAuth(n nonce.Nonce, payload []byte, isInitiator bool) (*msgsig.ClientAuth, error) {
	nb := n.Bytes()

	plaintext, err := sc.session.Decrypt(payload, sc.permanent, &nb)
	if err != nil {
		return nil, err
	}
	sc.ch.Commit(n)

	m, err := msgsig.Decode(plaintext)
	if err != nil {
		return nil, err
	}

	auth, ok := m.(*msgsig.ClientAuth)
	if !ok {
		return nil, fmt.Errorf("%w: expected client-auth, got %s", types.ErrProtocol, m.MsgType())
	}

	if auth.YourCookie != sc.ch.Cookies.Ours() {
		return nil, fmt.Errorf("%w: client-auth echoed the wrong cookie", types.ErrValidation)
	}

	if !slices.Contains(auth.Subprotocols, signaling.Subprotocol) {
		return nil, fmt.Errorf("%w: no shared subprotocol in %v", types.ErrProtocol, auth.Subprotocols)
	}

	if auth.YourKey.Valid && (isInitiator || auth.YourKey.Val != sc.path) {
		return nil, fmt.Errorf("%w: client-auth names another initiator", types.ErrValidation)
	}

	return auth, nil
}

// sendServerAuth seals server-auth, with the session key and the client key signed by our permanent key.
func (sc *ServerClient) sendServerAuth(auth *msgsig.ServerAuth) error {
	n, err := sc.ch.Build(nonce.Server, sc.addr)
	if err != nil {
		return err
	}
	nb := n.Bytes()

	session := sc.session.PublicKey()

	signed := make([]byte, 0, 2*key.Len)
	signed = append(signed, session[:]...)
	signed = append(signed, sc.permanent[:]...)

	auth.SignedKeys = sc.server.permanent.Encrypt(signed, sc.permanent, &nb)

	payload, err := msgsig.Encode(auth)
	if err != nil {
		return err
	}

	return sc.conn.Send(n.Frame(sc.session.Encrypt(payload, sc.permanent, &nb)))
}

// sendFrame builds the next nonce towards the client, and sends m, sealed when encrypt is set.
func (sc *ServerClient) sendFrame(dst nonce.Address, m msgsig.Message, encrypt bool) error {
	payload, err := msgsig.Encode(m)
	if err != nil {
		return err
	}

	n, err := sc.ch.Build(nonce.Server, dst)
	if err != nil {
		return err
	}

	if encrypt {
		nb := n.Bytes()
		payload = sc.session.Encrypt(payload, sc.permanent, &nb)
	}

	return sc.conn.Send(n.Frame(payload))
}

// === relaying

// Run will be called by Server.Accept in a blocking fashion, after the handshake.
func (sc *ServerClient) Run() (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("server client panicked: %s", v)
			sc.drop(signaling.CloseInternalError)
		}
	}()

	var ping <-chan time.Time
	if sc.pingInterval != 0 {
		ticker := time.NewTicker(sc.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		var werr error

		select {
		case <-sc.ctx.Done():
			return context.Cause(sc.ctx)
		case frame, ok := <-sc.conn.Recv():
			if !ok {
				return sc.conn.Err()
			}

			if err := sc.handleFrame(frame); err != nil {
				sc.L().Warn("closing client", "err", err)
				sc.drop(signaling.CloseProtocolError)
				return err
			}
		case pkt := <-sc.sendCh:
			if pkt.msg != nil {
				werr = sc.sendFrame(sc.addr, pkt.msg, true)
			} else {
				werr = sc.conn.Send(pkt.frame)
			}
		case <-ping:
			werr = sc.conn.Ping()
		}

		if werr != nil {
			sc.ccc(fmt.Errorf("sender write error: %w", werr))
			return werr
		}
	}
}

func (sc *ServerClient) handleFrame(frame []byte) error {
	n, payload, err := nonce.SplitFrame(frame)
	if err != nil {
		return err
	}

	if n.Source != sc.addr {
		return fmt.Errorf("%w: client %s sent a frame as %s", types.ErrProtocol, sc.addr, n.Source)
	}

	if n.Destination == nonce.Server {
		return sc.handleServerFrame(n, payload)
	}

	// Responders only talk to the initiator.
	if sc.addr.IsResponder() && n.Destination != nonce.Initiator {
		return fmt.Errorf("%w: responder sent a frame to %s", types.ErrProtocol, n.Destination)
	}
	if sc.addr == nonce.Initiator && !n.Destination.IsResponder() {
		return fmt.Errorf("%w: initiator sent a frame to %s", types.ErrProtocol, n.Destination)
	}

	if dst := sc.server.lookup(sc.path, n.Destination); dst != nil && dst.relay(frame) {
		return nil
	}

	sc.L().Debug("could not relay frame", "dst", n.Destination)

	var id msgsig.SendErrorID
	nb := n.Bytes()
	copy(id[:], nb[nonce.CookieLen:])

	return sc.sendFrame(sc.addr, &msgsig.SendError{ID: id}, true)
}

func (sc *ServerClient) handleServerFrame(n nonce.Nonce, payload []byte) error {
	if err := sc.ch.Validate(n); err != nil {
		return err
	}

	nb := n.Bytes()

	plaintext, err := sc.session.Decrypt(payload, sc.permanent, &nb)
	if err != nil {
		return err
	}
	sc.ch.Commit(n)

	m, err := msgsig.Decode(plaintext)
	if err != nil {
		return err
	}

	drop, ok := m.(*msgsig.DropResponder)
	if !ok || sc.addr != nonce.Initiator {
		return fmt.Errorf("%w: unexpected %s from %s", types.ErrProtocol, m.MsgType(), sc.addr)
	}

	if !drop.ID.IsResponder() {
		return fmt.Errorf("%w: drop-responder for %s", types.ErrProtocol, drop.ID)
	}

	reason := signaling.CloseDroppedByInitiator
	if drop.Reason.Valid {
		reason = signaling.CloseCode(drop.Reason.Val)
		if !reason.IsDropReason() {
			return fmt.Errorf("%w: invalid drop reason %d", types.ErrProtocol, drop.Reason.Val)
		}
	}

	if sc.server.dropResponder(sc.path, drop.ID, reason) {
		sc.L().Info("dropped responder", "responder", drop.ID, "reason", reason)
	}

	return nil
}

// === server messages

func newInitiatorMsg() msgsig.Message {
	return &msgsig.NewInitiator{}
}

func newResponderMsg(addr nonce.Address) msgsig.Message {
	return &msgsig.NewResponder{ID: addr}
}

func disconnectedMsg(addr nonce.Address) msgsig.Message {
	return &msgsig.Disconnected{ID: addr}
}
