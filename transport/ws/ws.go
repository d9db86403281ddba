// Package ws is the WebSocket transport between a signaling client and the relay server.
//
// Every frame is one binary WebSocket message; the server reaches the client on a path named after the hex
// permanent key of the initiator.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// RecvChanLen is the amount of frames buffered between the reader and the consumer.
	RecvChanLen = 16

	DefaultHandshakeTimeout = 15 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	// DefaultMaxFrameSize bounds a single incoming frame.
	DefaultMaxFrameSize = 1 << 20
)

var (
	ErrClosed            = errors.New("transport closed")
	errNoSubprotocol     = errors.New("server did not negotiate the signaling subprotocol")
	errUnexpectedMessage = errors.New("received a non-binary message")
)

type Options struct {
	// URL is the base URL of the server, e.g. "wss://server.example:8765".
	URL string

	// Path is appended to URL, the hex-encoded permanent key of the initiator.
	Path string

	// Subprotocol to request, the connection fails when the server doesn't pick it.
	Subprotocol string

	// If zero, uses DefaultHandshakeTimeout
	HandshakeTimeout time.Duration

	// If zero, uses DefaultWriteTimeout
	WriteTimeout time.Duration

	// If zero, uses DefaultMaxFrameSize
	MaxFrameSize int64

	// Header is sent with the opening handshake, may be nil.
	Header http.Header
}

func (opts *Options) SetDefaults() {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
}

// dialURL joins the base URL and the path.
func (opts *Options) dialURL() (string, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + opts.Path

	return u.String(), nil
}

// Conn is a WebSocket connection that lives as long as its context does.
type Conn struct {
	ctx context.Context
	ccc context.CancelCauseFunc

	ws *websocket.Conn

	writeTimeout time.Duration

	// gorilla/websocket allows one concurrent writer
	sendMutex sync.Mutex

	recvCh chan []byte

	closeOnce sync.Once
}

// Dial opens the WebSocket connection to the path, and starts receiving frames.
func Dial(parentCtx context.Context, opts Options) (*Conn, error) {
	opts.SetDefaults()

	dialURL, err := opts.dialURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.Subprotocol != "" {
		dialer.Subprotocols = []string{opts.Subprotocol}
	}

	ws, resp, err := dialer.DialContext(parentCtx, dialURL, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", dialURL, err)
	}

	if opts.Subprotocol != "" && ws.Subprotocol() != opts.Subprotocol {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: wanted %q, got %q", errNoSubprotocol, opts.Subprotocol, ws.Subprotocol())
	}

	ws.SetReadLimit(opts.MaxFrameSize)

	c := newConn(parentCtx, ws, opts.WriteTimeout)

	slog.Debug("ws: connected", "url", dialURL)

	return c, nil
}

// Accept wraps a server side connection, as returned by websocket.Upgrader.
func Accept(parentCtx context.Context, ws *websocket.Conn, maxFrameSize int64, writeTimeout time.Duration) *Conn {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}

	ws.SetReadLimit(maxFrameSize)

	return newConn(parentCtx, ws, writeTimeout)
}

func newConn(parentCtx context.Context, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	ctx, ccc := context.WithCancelCause(parentCtx)

	c := &Conn{
		ctx: ctx,
		ccc: ccc,

		ws: ws,

		writeTimeout: writeTimeout,

		recvCh: make(chan []byte, RecvChanLen),
	}

	go c.runReceive()

	go func() {
		<-c.ctx.Done()
		c.closeOnce.Do(func() {
			_ = c.ws.Close()
		})
	}()

	return c
}

// Recv returns the channel of received frames, it is closed when the connection ends.
func (c *Conn) Recv() <-chan []byte {
	return c.recvCh
}

func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns why the connection ended, or nil while it is alive.
//
// When the remote end closed the connection, the error is a *websocket.CloseError; see CloseCode.
func (c *Conn) Err() error {
	return context.Cause(c.ctx)
}

// Send writes one frame as a binary message.
func (c *Conn) Send(frame []byte) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}

	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		err = fmt.Errorf("could not write frame: %w", err)
		c.ccc(err)
		return err
	}

	return nil
}

// Ping sends a WebSocket ping, the remote end answers it without involving the signaling.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close message with code, and ends the connection.
func (c *Conn) Close(code uint16) error {
	if c.Err() != nil {
		return nil
	}

	err := c.writeClose(code)

	c.ccc(fmt.Errorf("%w: closed locally with %d", ErrClosed, code))

	return err
}

func (c *Conn) writeClose(code uint16) error {
	return c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), ""),
		time.Now().Add(c.writeTimeout),
	)
}

func (c *Conn) runReceive() {
	defer close(c.recvCh)

	defer func() {
		if v := recover(); v != nil {
			c.ccc(fmt.Errorf("reader panicked: %s", v))
		}
	}()

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.ccc(ce)
			} else {
				c.ccc(fmt.Errorf("could not read frame: %w", err))
			}
			return
		}

		if msgType != websocket.BinaryMessage {
			_ = c.writeClose(websocket.CloseUnsupportedData)
			c.ccc(errUnexpectedMessage)
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case c.recvCh <- frame:
		}
	}
}

// CloseCode extracts the close code the remote end sent, if err carries one.
func CloseCode(err error) (uint16, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return uint16(ce.Code), true
	}
	return 0, false
}
