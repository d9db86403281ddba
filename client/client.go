// Package client drives a signaling.Signaling over a transport.
//
// A Conn owns its Signaling from a single goroutine, so none of its methods race with incoming frames.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edup2p/saltyrtc/signaling"
	"github.com/edup2p/saltyrtc/transport/ws"
	"github.com/edup2p/saltyrtc/types/nonce"
)

const (
	EventChanLen   = 16
	MessageChanLen = 16
)

var (
	// ErrConnClosed is the cause of a Conn closed with Close.
	ErrConnClosed = errors.New("connection closed")

	// ErrPeerClosed is the cause of a Conn whose peer sent close.
	ErrPeerClosed = errors.New("peer closed the signaling")

	errTransportEnded = errors.New("transport ended")
)

// Transport carries frames to and from the relay server, in order.
type Transport interface {
	Send(frame []byte) error
	Recv() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close(code uint16) error
}

// Conn is a signaling connection that lives as long as its context does.
type Conn struct {
	ctx context.Context
	ccc context.CancelCauseFunc

	tr  Transport
	sig *signaling.Signaling

	reqCh   chan request
	recvCh  chan signaling.ApplicationMessage
	eventCh chan signaling.Event

	// open is closed once the signaling is open, done once the run goroutine has returned.
	open chan struct{}
	done chan struct{}

	// Owned by the run goroutine, readable after open or done is closed.
	peer      nonce.Address
	task      string
	closeCode signaling.CloseCode
}

type request struct {
	fn    func(sig *signaling.Signaling) ([]byte, error)
	reply chan error
}

// Dial connects to the relay server at url, and starts the signaling described by cfg.
func Dial(ctx context.Context, url string, cfg signaling.Config) (*Conn, error) {
	sig, err := signaling.New(cfg)
	if err != nil {
		return nil, err
	}

	tr, err := ws.Dial(ctx, ws.Options{
		URL:         url,
		Path:        sig.InitiatorPath(),
		Subprotocol: signaling.Subprotocol,
	})
	if err != nil {
		sig.Close(signaling.CloseGoingAway)
		return nil, err
	}

	return New(ctx, tr, sig), nil
}

// New starts driving sig over tr. The Conn takes ownership of both.
func New(parentCtx context.Context, tr Transport, sig *signaling.Signaling) *Conn {
	ctx, ccc := context.WithCancelCause(parentCtx)

	c := &Conn{
		ctx: ctx,
		ccc: ccc,

		tr:  tr,
		sig: sig,

		reqCh:   make(chan request),
		recvCh:  make(chan signaling.ApplicationMessage, MessageChanLen),
		eventCh: make(chan signaling.Event, EventChanLen),

		open: make(chan struct{}),
		done: make(chan struct{}),
	}

	go c.run()

	return c
}

func (c *Conn) L() *slog.Logger {
	return slog.With("role", c.sig.Role(), "path", c.sig.InitiatorPath()[:8])
}

// Recv returns the channel of application messages from the peer, it is closed when the Conn ends.
func (c *Conn) Recv() <-chan signaling.ApplicationMessage {
	return c.recvCh
}

// Events returns the channel of signaling events, it is closed when the Conn ends.
//
// Events are dropped when the channel is full.
func (c *Conn) Events() <-chan signaling.Event {
	return c.eventCh
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the Conn ended, or nil while it runs.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return context.Cause(c.ctx)
	default:
		return nil
	}
}

// CloseCode returns the code the signaling closed with, once the Conn is done.
func (c *Conn) CloseCode() signaling.CloseCode {
	<-c.done
	return c.closeCode
}

// WaitOpen blocks until the peer handshake is done, and returns the address of the peer.
func (c *Conn) WaitOpen(ctx context.Context) (nonce.Address, error) {
	select {
	case <-c.open:
		return c.peer, nil
	case <-c.done:
		return 0, fmt.Errorf("closed before the handshake completed: %w", c.Err())
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Task returns the negotiated task, once open.
func (c *Conn) Task() string {
	select {
	case <-c.open:
		return c.task
	default:
		return ""
	}
}

// Send encrypts data for the peer and sends it.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	return c.do(ctx, func(sig *signaling.Signaling) ([]byte, error) {
		peer, ok := sig.PeerAddress()
		if !ok {
			return nil, errors.New("signaling is not open")
		}

		return sig.SendApplication(peer, data)
	})
}

// DropResponder asks the server to drop a responder (initiator only).
func (c *Conn) DropResponder(ctx context.Context, addr nonce.Address, reason signaling.CloseCode) error {
	return c.do(ctx, func(sig *signaling.Signaling) ([]byte, error) {
		return sig.DropResponder(addr, reason)
	})
}

// State returns a snapshot of the signaling state.
func (c *Conn) State(ctx context.Context) (signaling.SignalingState, error) {
	var st signaling.SignalingState

	err := c.do(ctx, func(sig *signaling.Signaling) ([]byte, error) {
		st = sig.State()
		return nil, nil
	})

	return st, err
}

// Responders returns the responders the initiator knows about.
func (c *Conn) Responders(ctx context.Context) ([]nonce.Address, error) {
	var rs []nonce.Address

	err := c.do(ctx, func(sig *signaling.Signaling) ([]byte, error) {
		rs = sig.Responders()
		return nil, nil
	})

	return rs, err
}

// Close sends close to the peer when open, closes the transport and wipes all keys.
func (c *Conn) Close() error {
	c.ccc(ErrConnClosed)
	<-c.done
	return nil
}

func (c *Conn) do(ctx context.Context, fn func(sig *signaling.Signaling) ([]byte, error)) error {
	req := request{fn: fn, reply: make(chan error, 1)}

	select {
	case c.reqCh <- req:
	case <-c.done:
		return fmt.Errorf("%w: %w", signaling.ErrClosed, c.Err())
	case <-ctx.Done():
		return ctx.Err()
	}

	// The run goroutine always replies to a request it took.
	return <-req.reply
}

// === run goroutine

func (c *Conn) run() {
	defer close(c.done)
	defer close(c.recvCh)
	defer close(c.eventCh)

	defer func() {
		if v := recover(); v != nil {
			c.fail(fmt.Errorf("signaling panicked: %s", v), signaling.CloseInternalError)
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case frame, ok := <-c.tr.Recv():
			if !ok {
				c.transportEnded()
				return
			}

			res, err := c.sig.HandleIncoming(frame)
			if !c.handleResult(res, err) {
				return
			}
		case req := <-c.reqCh:
			frame, err := req.fn(c.sig)
			if err == nil && frame != nil {
				err = c.send(frame)
			}
			req.reply <- err

			if err != nil && signaling.IsFatal(err) {
				c.fail(err, codeOf(err))
				return
			}
		}
	}
}

// handleResult sends and delivers the outcome of one incoming frame, and reports whether to keep running.
func (c *Conn) handleResult(res signaling.Result, err error) bool {
	for _, frame := range res.Frames {
		if serr := c.send(frame); serr != nil {
			c.fail(serr, signaling.CloseGoingAway)
			return false
		}
	}

	for _, ev := range res.Events {
		c.onEvent(ev)
	}

	if res.Message != nil {
		select {
		case c.recvCh <- *res.Message:
		case <-c.ctx.Done():
		}
	}

	if err != nil {
		if signaling.IsFatal(err) {
			c.fail(err, codeOf(err))
			return false
		}

		c.L().Warn("rejected frame", "err", err)
	}

	if st := c.sig.State(); st.Phase == signaling.PhaseClosed {
		// The peer sent close, or the server announced it gone.
		c.closeCode = st.CloseCode
		_ = c.tr.Close(uint16(st.CloseCode))
		c.ccc(fmt.Errorf("%w: %s", ErrPeerClosed, st.CloseCode))
		return false
	}

	return true
}

func (c *Conn) onEvent(ev signaling.Event) {
	c.L().Debug("signaling event", "event", ev.Debug())

	switch ev := ev.(type) {
	case *signaling.PeerHandshakeDone:
		c.peer = ev.Peer
		c.task = ev.Task
		close(c.open)
	case *signaling.Closed:
		c.closeCode = ev.Code
	}

	select {
	case c.eventCh <- ev:
	default:
		c.L().Warn("event channel full, dropping event", "event", ev.Debug())
	}
}

func (c *Conn) send(frame []byte) error {
	return c.tr.Send(frame)
}

// shutdown closes the signaling and the transport after the context ended.
func (c *Conn) shutdown() {
	code := signaling.CloseGoingAway
	if errors.Is(context.Cause(c.ctx), ErrConnClosed) {
		code = signaling.CloseNormal
	}

	for _, frame := range c.sig.Close(code) {
		if err := c.send(frame); err != nil {
			c.L().Warn("could not send close", "err", err)
		}
	}

	c.closeCode = code
	_ = c.tr.Close(uint16(code))
}

func (c *Conn) transportEnded() {
	err := c.tr.Err()

	code := signaling.CloseGoingAway
	if wsCode, ok := ws.CloseCode(err); ok {
		code = signaling.CloseCode(wsCode)
	}

	c.sig.Close(code)
	c.closeCode = code

	if err == nil {
		err = errTransportEnded
	} else {
		err = fmt.Errorf("%w: %w", errTransportEnded, err)
	}
	c.ccc(err)
}

// fail closes the signaling and the transport because of err.
func (c *Conn) fail(err error, code signaling.CloseCode) {
	c.L().Warn("signaling failed", "err", err, "code", code)

	c.sig.Close(code)
	c.closeCode = code
	_ = c.tr.Close(uint16(code))

	c.ccc(err)
}

func codeOf(err error) signaling.CloseCode {
	var e *signaling.Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return signaling.CloseInternalError
}
