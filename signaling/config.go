package signaling

import (
	"fmt"
	"slices"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/vmihailenco/msgpack/v5"
)

// Subprotocol is the only signaling subprotocol this package speaks.
const Subprotocol = "v1.saltyrtc.org"

// RelayedDataTask is the default task offered and accepted when none are configured.
const RelayedDataTask = "v0.relayed-data.tasks.saltyrtc.org"

type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

type Config struct {
	Role Role

	// PermanentKey is the identity key of this client. If nil, a fresh one is generated and owned by the
	// Signaling, which wipes it on Close. A supplied key is never wiped.
	PermanentKey *key.KeyStore

	// ServerKey pins the permanent key of the server. When set, server-auth must carry a valid signed_keys.
	ServerKey gonull.Nullable[key.PublicKey]

	// ResponderKey is the trusted permanent key of the responder (initiator only).
	// An initiator must have either this, or an AuthToken.
	ResponderKey gonull.Nullable[key.PublicKey]

	// InitiatorKey is the permanent key of the initiator to reach (responder only, required).
	InitiatorKey gonull.Nullable[key.PublicKey]

	// AuthToken is the one-time token shared out of band with an untrusted responder.
	//
	// Owned by the Signaling from then on, and wiped on Close.
	AuthToken *key.AuthToken

	// Tasks in order of preference. Defaults to RelayedDataTask.
	Tasks []string

	// TaskData holds per-task data sent during the peer handshake, it is encoded with msgpack.
	TaskData map[string]any

	// PingInterval in seconds, requested from the server in client-auth. 0 disables pings.
	PingInterval uint32
}

func (c *Config) validate() error {
	switch c.Role {
	case RoleInitiator:
		if c.InitiatorKey.Valid {
			return fmt.Errorf("initiator can't have an initiator key")
		}
		if c.ResponderKey.Valid == (c.AuthToken != nil) {
			return fmt.Errorf("initiator needs exactly one of a trusted responder key or an auth token")
		}
		if c.ResponderKey.Valid && c.ResponderKey.Val.IsZero() {
			return fmt.Errorf("trusted responder key is zero")
		}
	case RoleResponder:
		if c.ResponderKey.Valid {
			return fmt.Errorf("responder can't have a responder key")
		}
		if !c.InitiatorKey.Valid || c.InitiatorKey.Val.IsZero() {
			return fmt.Errorf("responder needs the initiator's permanent key")
		}
	default:
		return fmt.Errorf("invalid role: %s", c.Role)
	}

	if c.ServerKey.Valid && c.ServerKey.Val.IsZero() {
		return fmt.Errorf("pinned server key is zero")
	}

	for i, task := range c.Tasks {
		if task == "" {
			return fmt.Errorf("task %d has an empty name", i)
		}
		if slices.Index(c.Tasks, task) != i {
			return fmt.Errorf("task %q is listed twice", task)
		}
	}

	for task := range c.TaskData {
		if !slices.Contains(c.tasks(), task) {
			return fmt.Errorf("task data given for unknown task %q", task)
		}
	}

	return nil
}

func (c *Config) tasks() []string {
	if len(c.Tasks) == 0 {
		return []string{RelayedDataTask}
	}
	return c.Tasks
}

// encodedTaskData returns the msgpack form of the data for every task, nil for tasks without data.
func (c *Config) encodedTaskData() (map[string]msgpack.RawMessage, error) {
	out := make(map[string]msgpack.RawMessage, len(c.tasks()))

	for _, task := range c.tasks() {
		data, ok := c.TaskData[task]
		if !ok || data == nil {
			out[task] = nil
			continue
		}

		raw, err := msgpack.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("could not encode data for task %q: %w", task, err)
		}
		out[task] = raw
	}

	return out, nil
}
