package msgsig

import (
	"fmt"
	"strings"

	"github.com/edup2p/saltyrtc/types"
)

func (m *ServerHello) Debug() string {
	return fmt.Sprintf("server-hello key=%s", m.Key.Debug())
}

func (m *ClientHello) Debug() string {
	return fmt.Sprintf("client-hello key=%s", m.Key.Debug())
}

func (m *ClientAuth) Debug() string {
	s := fmt.Sprintf("client-auth subprotocols=%s ping=%d", strings.Join(m.Subprotocols, ","), m.PingInterval)
	if m.YourKey.Valid {
		s += " your_key=" + m.YourKey.Val.Debug()
	}
	return s
}

func (m *ServerAuth) Debug() string {
	s := fmt.Sprintf("server-auth signed=%t", m.SignedKeys != nil)
	if m.InitiatorConnected.Valid {
		s += fmt.Sprintf(" initiator_connected=%t", m.InitiatorConnected.Val)
	}
	if m.Responders.Valid {
		s += fmt.Sprintf(" responders=%v", m.Responders.Val)
	}
	return s
}

func (m *NewInitiator) Debug() string {
	return "new-initiator"
}

func (m *NewResponder) Debug() string {
	return fmt.Sprintf("new-responder id=%s", m.ID)
}

func (m *DropResponder) Debug() string {
	return fmt.Sprintf("drop-responder id=%s reason=%d", m.ID, types.PtrOr(nullablePtr(m.Reason), 0))
}

func (m *SendError) Debug() string {
	return fmt.Sprintf("send-error id=%x (%s->%s)", m.ID[:], m.ID.Source(), m.ID.Destination())
}

func (m *Disconnected) Debug() string {
	return fmt.Sprintf("disconnected id=%s", m.ID)
}

func (m *Token) Debug() string {
	return fmt.Sprintf("token key=%s", m.Key.Debug())
}

func (m *Key) Debug() string {
	return fmt.Sprintf("key key=%s", m.Key.Debug())
}

func (m *Auth) Debug() string {
	s := fmt.Sprintf("auth hash=%x", m.YourKeyHash[:])
	if m.Tasks != nil {
		s += " tasks=" + strings.Join(m.Tasks, ",")
	}
	if m.Task.Valid {
		s += " task=" + m.Task.Val
	}
	return s
}

func (m *Application) Debug() string {
	return fmt.Sprintf("application len=%d", len(m.Data))
}

func (m *Close) Debug() string {
	return fmt.Sprintf("close reason=%d", m.Reason)
}
