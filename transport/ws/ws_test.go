package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubprotocol = "v1.saltyrtc.org"

// newTestServer runs handle for every accepted connection, and reports the request paths.
func newTestServer(t *testing.T, subprotocols []string, handle func(c *websocket.Conn)) (string, <-chan string) {
	t.Helper()

	paths := make(chan string, 1)

	upgrader := websocket.Upgrader{
		Subprotocols: subprotocols,
		CheckOrigin:  func(r *http.Request) bool { return true },
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		handle(c)
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http"), paths
}

func echo(c *websocket.Conn) {
	for {
		msgType, payload, err := c.ReadMessage()
		if err != nil {
			return
		}
		if err = c.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	c, err := Dial(ctx, Options{URL: url, Path: "abcd", Subprotocol: testSubprotocol})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.CloseNormalClosure) })

	return c
}

func recvFrame(t *testing.T, c *Conn) ([]byte, bool) {
	t.Helper()

	select {
	case frame, ok := <-c.Recv():
		return frame, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil, false
	}
}

func TestDial_SendRecv(t *testing.T) {
	url, paths := newTestServer(t, []string{testSubprotocol}, echo)

	c := dial(t, url)
	assert.Equal(t, "/abcd", <-paths)

	require.NoError(t, c.Send([]byte{1, 2, 3}))
	require.NoError(t, c.Send([]byte{}))

	frame, ok := recvFrame(t, c)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, frame)

	frame, ok = recvFrame(t, c)
	require.True(t, ok)
	assert.Empty(t, frame)

	assert.NoError(t, c.Err())
}

func TestDial_SubprotocolRequired(t *testing.T) {
	url, _ := newTestServer(t, nil, echo)

	_, err := Dial(context.Background(), Options{URL: url, Path: "abcd", Subprotocol: testSubprotocol})
	assert.ErrorIs(t, err, errNoSubprotocol)
}

func TestRemoteClose(t *testing.T) {
	url, _ := newTestServer(t, []string{testSubprotocol}, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(3001, "path full"))
		_, _, _ = c.ReadMessage()
	})

	c := dial(t, url)

	_, ok := recvFrame(t, c)
	assert.False(t, ok, "receive channel is closed")

	<-c.Done()

	code, ok := CloseCode(c.Err())
	require.True(t, ok)
	assert.Equal(t, uint16(3001), code)

	assert.ErrorIs(t, c.Send([]byte{1}), ErrClosed)
}

func TestTextMessageEndsConnection(t *testing.T) {
	url, _ := newTestServer(t, []string{testSubprotocol}, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte("hello"))
		_, _, _ = c.ReadMessage()
	})

	c := dial(t, url)

	_, ok := recvFrame(t, c)
	assert.False(t, ok)

	<-c.Done()
	assert.ErrorIs(t, c.Err(), errUnexpectedMessage)
}

func TestLocalClose(t *testing.T) {
	codes := make(chan int, 1)

	url, _ := newTestServer(t, []string{testSubprotocol}, func(c *websocket.Conn) {
		_, _, err := c.ReadMessage()

		var ce *websocket.CloseError
		if assert.ErrorAs(t, err, &ce) {
			codes <- ce.Code
		}
	})

	c := dial(t, url)
	require.NoError(t, c.Close(3005))

	select {
	case code := <-codes:
		assert.Equal(t, 3005, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close")
	}

	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.NoError(t, c.Close(1000), "closing twice is a no-op")
}

func TestOptions_DialURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"wss://example.org:8765", "wss://example.org:8765/ab", false},
		{"ws://example.org/", "ws://example.org/ab", false},
		{"https://example.org/signal", "wss://example.org/signal/ab", false},
		{"http://example.org", "ws://example.org/ab", false},
		{"ftp://example.org", "", true},
		{"://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			opts := Options{URL: tt.base, Path: "ab"}

			got, err := opts.dialURL()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
