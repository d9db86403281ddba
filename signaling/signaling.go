package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/msgsig"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/vmihailenco/msgpack/v5"
)

// Signaling is the protocol state of one connection to a signaling path.
//
// It performs no I/O: frames received from the transport are pushed through HandleIncoming, and every frame
// it produces is returned to the caller for sending, in order.
//
// A Signaling is not safe for concurrent use; the caller serialises all calls.
type Signaling struct {
	_ types.Incomparable

	role Role
	cfg  Config

	permanent    *key.KeyStore
	ownPermanent bool
	authToken    *key.AuthToken

	tasks    []string
	taskData map[string]msgpack.RawMessage

	phase     Phase
	closeCode CloseCode

	// Our address on the path, the responder learns it from server-auth.
	address nonce.Address

	server *serverContext

	// initiator only
	responders map[nonce.Address]*peerContext
	// responder only
	initiator *peerContext

	// The peer the signaling is open with, and the task negotiated with it.
	peer *peerContext
	task string

	out pending
}

// pending collects the output of one call.
type pending struct {
	frames [][]byte
	events []Event
	msg    *ApplicationMessage
}

func New(cfg Config) (*Signaling, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	taskData, err := cfg.encodedTaskData()
	if err != nil {
		return nil, err
	}

	s := &Signaling{
		role:      cfg.Role,
		cfg:       cfg,
		permanent: cfg.PermanentKey,
		authToken: cfg.AuthToken,
		tasks:     cfg.tasks(),
		taskData:  taskData,
		phase:     PhaseServerHandshake,
	}

	if s.permanent == nil {
		if s.permanent, err = key.NewKeyStore(); err != nil {
			return nil, err
		}
		s.ownPermanent = true
	} else if s.permanent.Wiped() {
		return nil, errors.New("permanent key has been wiped")
	}

	s.server = newServerContext(s)

	switch s.role {
	case RoleInitiator:
		s.address = nonce.Initiator
		s.responders = make(map[nonce.Address]*peerContext)
	case RoleResponder:
		s.address = nonce.Server
		s.initiator = s.newInitiatorContext()
	}

	L(s.server.state).Debug("initialised", "role", s.role, "permanent-key", s.permanent)

	return s, nil
}

// HandleIncoming processes one frame received from the transport.
//
// The returned Result is valid even when an error is returned; its frames must still be sent. A fatal error
// (see IsFatal) has closed the signaling.
func (s *Signaling) HandleIncoming(frame []byte) (Result, error) {
	s.out = pending{}

	err := s.handleIncoming(frame)

	res := Result{
		Frames:  s.out.frames,
		Message: s.out.msg,
		Events:  s.out.events,
	}
	s.out = pending{}

	return res, err
}

func (s *Signaling) handleIncoming(frame []byte) error {
	if s.phase == PhaseClosed {
		return &Error{Kind: KindProtocol, Fatal: true, Code: s.closeCode, Err: ErrClosed}
	}

	n, payload, err := nonce.SplitFrame(frame)
	if err != nil {
		return s.fail(&Error{Kind: KindDecode, Err: err})
	}

	if n.Source == nonce.Server {
		return s.server.handle(n, payload)
	}

	if s.phase == PhaseServerHandshake {
		return s.fail(&Error{
			Kind: KindProtocol,
			Peer: n.Source,
			Err:  protocolErrorf("peer message before the server handshake completed"),
		})
	}

	if n.Destination != s.address {
		return s.fail(&Error{
			Kind: KindProtocol,
			Peer: n.Source,
			Err:  protocolErrorf("message for %s relayed to us (%s)", n.Destination, s.address),
		})
	}

	if s.role == RoleInitiator {
		return s.handleFromResponder(n, payload)
	}

	return s.handleFromInitiator(n, payload)
}

func (s *Signaling) handleFromResponder(n nonce.Nonce, payload []byte) error {
	if !n.Source.IsResponder() {
		return s.fail(&Error{
			Kind: KindProtocol,
			Peer: n.Source,
			Err:  protocolErrorf("initiator got a message from %s", n.Source),
		})
	}

	pc, ok := s.responders[n.Source]
	if !ok {
		// Can race with a drop or disconnect, never advance any state for it.
		return &Error{
			Kind: KindProtocol,
			Peer: n.Source,
			Err:  protocolErrorf("message from unknown responder"),
		}
	}

	msgType, err := pc.receive(n, payload)
	if err == nil || s.phase == PhaseClosed {
		return err
	}

	if pc == s.peer {
		return s.fail(&Error{Kind: kindOf(err), MsgType: msgType, Peer: pc.addr, Err: err})
	}

	code := closeCodeFor(err, true)
	if dropErr := s.dropResponder(pc.addr, code); dropErr != nil {
		return s.fail(&Error{Kind: kindOf(dropErr), Peer: nonce.Server, Err: dropErr})
	}

	L(pc.state).Warn("dropped responder after failed handshake", "err", err, "reason", code)

	return &Error{Kind: kindOf(err), MsgType: msgType, Peer: pc.addr, Code: code, Err: err}
}

func (s *Signaling) handleFromInitiator(n nonce.Nonce, payload []byte) error {
	if n.Source != nonce.Initiator {
		return s.fail(&Error{
			Kind: KindProtocol,
			Peer: n.Source,
			Err:  protocolErrorf("responder got a message from %s", n.Source),
		})
	}

	msgType, err := s.initiator.receive(n, payload)
	if err == nil || s.phase == PhaseClosed {
		return err
	}

	return s.fail(&Error{
		Kind:    kindOf(err),
		MsgType: msgType,
		Peer:    nonce.Initiator,
		Code:    closeCodeFor(err, false),
		Err:     err,
	})
}

// SendApplication seals payload for the peer the signaling is open with, and returns the frame to send.
func (s *Signaling) SendApplication(dst nonce.Address, payload []byte) ([]byte, error) {
	if s.phase == PhaseClosed {
		return nil, &Error{Kind: KindProtocol, MsgType: msgsig.ApplicationType, Peer: dst, Fatal: true, Code: s.closeCode, Err: ErrClosed}
	}

	if s.phase != PhaseOpen {
		return nil, &Error{
			Kind:    KindProtocol,
			MsgType: msgsig.ApplicationType,
			Peer:    dst,
			Err:     protocolErrorf("can't send application data before the signaling is open"),
		}
	}

	if dst != s.peer.addr {
		return nil, &Error{
			Kind:    KindProtocol,
			MsgType: msgsig.ApplicationType,
			Peer:    dst,
			Err:     protocolErrorf("signaling is open with %s, not %s", s.peer.addr, dst),
		}
	}

	s.out = pending{}
	defer func() {
		s.out = pending{}
	}()

	if err := s.peer.send(&msgsig.Application{Data: payload}); err != nil {
		return nil, s.fail(&Error{Kind: kindOf(err), MsgType: msgsig.ApplicationType, Peer: dst, Err: err})
	}

	return s.out.frames[0], nil
}

// DropResponder asks the server to drop a responder from the path (initiator only), and returns the frame to send.
func (s *Signaling) DropResponder(addr nonce.Address, reason CloseCode) ([]byte, error) {
	switch {
	case s.phase == PhaseClosed:
		return nil, &Error{Kind: KindProtocol, MsgType: msgsig.DropResponderType, Peer: addr, Fatal: true, Code: s.closeCode, Err: ErrClosed}
	case s.role != RoleInitiator:
		return nil, &Error{Kind: KindProtocol, MsgType: msgsig.DropResponderType, Peer: addr, Err: protocolErrorf("only the initiator can drop responders")}
	case s.phase == PhaseServerHandshake:
		return nil, &Error{Kind: KindProtocol, MsgType: msgsig.DropResponderType, Peer: addr, Err: protocolErrorf("server handshake not completed")}
	case !reason.IsDropReason():
		return nil, &Error{Kind: KindProtocol, MsgType: msgsig.DropResponderType, Peer: addr, Err: protocolErrorf("%d is not a valid drop reason", reason)}
	}

	pc, ok := s.responders[addr]
	if !ok {
		return nil, &Error{Kind: KindProtocol, MsgType: msgsig.DropResponderType, Peer: addr, Err: protocolErrorf("unknown responder")}
	}

	s.out = pending{}
	defer func() {
		s.out = pending{}
	}()

	if err := s.dropResponder(addr, reason); err != nil {
		return nil, s.fail(&Error{Kind: kindOf(err), MsgType: msgsig.DropResponderType, Peer: nonce.Server, Err: err})
	}
	frame := s.out.frames[0]

	if pc == s.peer {
		s.closeWith(reason)
	}

	return frame, nil
}

// Close ends the signaling, and wipes all secret key material it owns.
//
// When the signaling is open, the returned frame carries a close message for the peer. Closing twice is a no-op.
func (s *Signaling) Close(reason CloseCode) [][]byte {
	if s.phase == PhaseClosed {
		return nil
	}

	s.out = pending{}
	defer func() {
		s.out = pending{}
	}()

	if s.phase == PhaseOpen {
		if err := s.peer.send(&msgsig.Close{Reason: uint16(reason)}); err != nil {
			L(s.peer.state).Warn("could not send close to peer", "err", err)
		}
	}

	s.closeWith(reason)

	return s.out.frames
}

func (s *Signaling) State() SignalingState {
	return SignalingState{
		Role:      s.role,
		Phase:     s.phase,
		Server:    s.server.state.Stage(),
		CloseCode: s.closeCode,
	}
}

// Address returns our address on the path. It is only assigned once the server handshake is done.
func (s *Signaling) Address() nonce.Address {
	return s.address
}

// PeerAddress returns the address of the peer the signaling is open with.
func (s *Signaling) PeerAddress() (nonce.Address, bool) {
	if s.peer == nil {
		return 0, false
	}
	return s.peer.addr, true
}

// PeerStage returns the handshake progress with a peer.
func (s *Signaling) PeerStage(addr nonce.Address) (PeerStage, bool) {
	var pc *peerContext

	if s.role == RoleInitiator {
		pc = s.responders[addr]
	} else if addr == nonce.Initiator {
		pc = s.initiator
	}

	if pc == nil {
		return 0, false
	}
	return pc.state.Stage(), true
}

// Responders returns the addresses of the responders the initiator currently knows, in ascending order.
func (s *Signaling) Responders() []nonce.Address {
	return types.SortedKeys(s.responders)
}

// Task returns the negotiated task, once open.
func (s *Signaling) Task() string {
	return s.task
}

func (s *Signaling) Role() Role {
	return s.role
}

func (s *Signaling) PermanentKey() key.PublicKey {
	return s.permanent.PublicKey()
}

// InitiatorPath returns the hex-encoded permanent key of the initiator, which names the path on the server.
func (s *Signaling) InitiatorPath() string {
	if s.role == RoleInitiator {
		return s.permanent.PublicKey().HexString()
	}
	return s.cfg.InitiatorKey.Val.HexString()
}

// === internal

func (s *Signaling) emit(ev Event) {
	slog.Log(context.Background(), types.LevelTrace, "signaling event", "role", s.role, "event", ev.Debug())
	s.out.events = append(s.out.events, ev)
}

// sendFrame encodes m, builds the next nonce on ch, seals and queues the frame.
//
// seal may be nil for the unencrypted server handshake messages.
func (s *Signaling) sendFrame(ch *nonce.Channel, dst nonce.Address, m msgsig.Message, seal sealer) error {
	payload, err := msgsig.Encode(m)
	if err != nil {
		return err
	}

	n, err := ch.Build(s.address, dst)
	if err != nil {
		return err
	}

	if seal != nil {
		nb := n.Bytes()
		payload = seal(payload, &nb)
	}

	s.out.frames = append(s.out.frames, n.Frame(payload))
	return nil
}

// fail closes the signaling because of e, and returns it as fatal.
func (s *Signaling) fail(e *Error) error {
	e.Fatal = true
	if e.Code == 0 {
		e.Code = closeCodeFor(e.Err, false)
	}

	slog.Warn("signaling failed", "role", s.role, "err", e, "code", e.Code)

	s.closeWith(e.Code)
	return e
}

func (s *Signaling) closeWith(code CloseCode) {
	if s.phase == PhaseClosed {
		return
	}

	slog.Info("signaling closed", "role", s.role, "code", uint16(code), "reason", code)

	s.phase = PhaseClosed
	s.closeCode = code
	s.wipe()

	s.emit(&Closed{Code: code})
}

func (s *Signaling) wipe() {
	for _, pc := range s.responders {
		pc.wipe()
	}
	if s.initiator != nil {
		s.initiator.wipe()
	}

	s.authToken.Wipe()

	if s.ownPermanent {
		s.permanent.Wipe()
	}
}

// openWith completes the peer handshake with pc.
func (s *Signaling) openWith(pc *peerContext, task string, data msgpack.RawMessage) error {
	s.peer = pc
	s.task = task
	s.phase = PhaseOpen

	if s.role == RoleInitiator {
		for _, addr := range types.SortedKeys(s.responders) {
			if addr == pc.addr {
				continue
			}

			if err := s.dropResponder(addr, CloseDroppedByInitiator); err != nil {
				return err
			}
		}
	}

	slog.Info("signaling open", "role", s.role, "peer", pc.addr, "task", task)

	s.emit(&PeerHandshakeDone{Peer: pc.addr, Task: task, TaskData: data})
	return nil
}

// dropResponder forgets a responder and sends drop-responder to the server.
func (s *Signaling) dropResponder(addr nonce.Address, reason CloseCode) error {
	if pc, ok := s.responders[addr]; ok {
		pc.wipe()
		delete(s.responders, addr)
	}

	if err := s.server.send(&msgsig.DropResponder{ID: addr, Reason: gonull.NewNullable(uint16(reason))}); err != nil {
		return err
	}

	s.emit(&ResponderDropped{Peer: addr, Reason: reason})
	return nil
}

// === server-originated events

func (s *Signaling) onNewResponder(id nonce.Address) error {
	s.emit(&ResponderJoined{Peer: id})

	if s.phase == PhaseOpen {
		// The path is taken.
		return s.dropResponder(id, CloseDroppedByInitiator)
	}

	if old, ok := s.responders[id]; ok {
		L(old.state).Debug("replacing responder")
		old.wipe()
	}

	s.responders[id] = s.newResponderContext(id)
	return nil
}

func (s *Signaling) onNewInitiator() error {
	s.emit(&InitiatorJoined{})

	if s.phase == PhaseOpen {
		s.closeWith(CloseGoingAway)
		return nil
	}

	s.initiator.wipe()
	s.initiator = s.newInitiatorContext()

	return s.initiator.startWithInitiator()
}

// onPeerGone handles a disconnected or send-error message for addr.
func (s *Signaling) onPeerGone(addr nonce.Address) error {
	if s.peer != nil && s.peer.addr == addr {
		s.closeWith(CloseGoingAway)
		return nil
	}

	if s.role == RoleResponder {
		if addr != nonce.Initiator {
			return protocolErrorf("responder told about %s", addr)
		}

		s.initiator.wipe()
		s.initiator = s.newInitiatorContext()
		return nil
	}

	if !addr.IsResponder() {
		return protocolErrorf("initiator told about %s", addr)
	}

	if pc, ok := s.responders[addr]; ok {
		pc.wipe()
		delete(s.responders, addr)
	}

	return nil
}
