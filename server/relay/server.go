// Package relay is a signaling relay server.
//
// The server knows nothing about the peer handshake: it authenticates clients, assigns them an address on the
// path of their initiator, and forwards their frames by nonce destination. Everything between peers is end to
// end encrypted.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/edup2p/saltyrtc/signaling"
	"github.com/edup2p/saltyrtc/transport/ws"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/gorilla/websocket"
)

var errPathFull = errors.New("path full")

type Server struct {
	permanent *key.KeyStore

	upgrader websocket.Upgrader

	mu    sync.Mutex
	paths map[key.PublicKey]*path
}

// path is the set of clients that share an initiator key.
type path struct {
	initiator  *ServerClient
	responders map[nonce.Address]*ServerClient
}

func (p *path) empty() bool {
	return p.initiator == nil && len(p.responders) == 0
}

func NewServer(permanent *key.KeyStore) *Server {
	return &Server{
		permanent: permanent,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{signaling.Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		paths: make(map[key.PublicKey]*path),
	}
}

// PublicKey returns the server's permanent public key, which clients may pin.
func (s *Server) PublicKey() key.PublicKey {
	return s.permanent.PublicKey()
}

func (s *Server) L() *slog.Logger {
	return slog.With("relay-server", s.PublicKey().Debug())
}

// ServeHTTP upgrades a request for /<initiator key> to a WebSocket, and serves the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	initiator, err := key.ParsePublicKey(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil || initiator.IsZero() {
		http.Error(w, "path must be the hex permanent key of the initiator", http.StatusBadRequest)
		return
	}

	if !slices.Contains(websocket.Subprotocols(r), signaling.Subprotocol) {
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.L().Warn("could not upgrade", "err", err)
		return
	}

	c := ws.Accept(r.Context(), conn, MaxFrameSize, ServerClientWriteTimeout)

	if err := s.Accept(r.Context(), c, initiator); err != nil {
		s.L().Debug("client left", "err", err)
	}
}

// Accept performs the server handshake on conn, and relays for the client until the connection ends.
func (s *Server) Accept(ctx context.Context, conn *ws.Conn, initiator key.PublicKey) error {
	session, err := key.NewKeyStore()
	if err != nil {
		_ = conn.Close(uint16(signaling.CloseInternalError))
		return err
	}

	ctx, ccc := context.WithCancelCause(ctx)
	defer ccc(nil)

	sc := &ServerClient{
		ctx: ctx,
		ccc: ccc,

		server: s,
		path:   initiator,
		conn:   conn,

		session: session,
		ch:      nonce.NewChannel(),

		sendCh: make(chan ServerPacket, ServerClientSendQueueDepth),
	}
	defer session.Wipe()

	if err = sc.handshake(); err != nil {
		code := signaling.CloseProtocolError
		if errors.Is(err, errPathFull) {
			code = signaling.ClosePathFull
		}

		_ = conn.Close(uint16(code))
		return fmt.Errorf("handshake failed: %w", err)
	}
	defer s.unregisterClient(sc, true)

	return sc.Run()
}

// registerClient assigns the client its address, and returns what server-auth tells it about the path.
func (s *Server) registerClient(sc *ServerClient, isInitiator bool) (responders []nonce.Address, initiatorConnected bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paths[sc.path]
	if !ok {
		p = &path{responders: make(map[nonce.Address]*ServerClient)}
		s.paths[sc.path] = p
	}

	if isInitiator {
		if old := p.initiator; old != nil {
			// The newest initiator wins.
			old.L().Info("replaced by a new initiator")
			old.drop(signaling.CloseDroppedByInitiator)
		}

		sc.addr = nonce.Initiator
		p.initiator = sc

		responders = types.SortedKeys(p.responders)
		for _, addr := range responders {
			p.responders[addr].queue(newInitiatorMsg())
		}

		return responders, false, nil
	}

	for addr := nonce.FirstResponder; ; addr++ {
		if _, taken := p.responders[addr]; !taken {
			sc.addr = addr
			break
		}

		if addr == nonce.LastResponder {
			if p.empty() {
				delete(s.paths, sc.path)
			}
			return nil, false, errPathFull
		}
	}

	p.responders[sc.addr] = sc

	if p.initiator != nil {
		p.initiator.queue(newResponderMsg(sc.addr))
	}

	return nil, p.initiator != nil, nil
}

// unregisterClient removes the client from its path, and tells the other side about it if notify is set.
func (s *Server) unregisterClient(sc *ServerClient, notify bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paths[sc.path]
	if !ok {
		return
	}

	switch {
	case sc.addr == nonce.Initiator && p.initiator == sc:
		p.initiator = nil

		if notify {
			for _, r := range p.responders {
				r.queue(disconnectedMsg(nonce.Initiator))
			}
		}
	case sc.addr.IsResponder() && p.responders[sc.addr] == sc:
		delete(p.responders, sc.addr)

		if notify && p.initiator != nil {
			p.initiator.queue(disconnectedMsg(sc.addr))
		}
	default:
		return
	}

	if p.empty() {
		delete(s.paths, sc.path)
	}
}

// lookup returns the client with addr on a path.
func (s *Server) lookup(initiator key.PublicKey, addr nonce.Address) *ServerClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paths[initiator]
	if !ok {
		return nil
	}

	if addr == nonce.Initiator {
		return p.initiator
	}
	return p.responders[addr]
}

// dropResponder removes a responder on request of the initiator, without notifying the initiator.
func (s *Server) dropResponder(initiator key.PublicKey, addr nonce.Address, reason signaling.CloseCode) bool {
	sc := s.lookup(initiator, addr)
	if sc == nil {
		return false
	}

	s.unregisterClient(sc, false)
	sc.drop(reason)

	return true
}
