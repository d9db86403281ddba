package msgsig

import (
	"math"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/vmihailenco/msgpack/v5"
)

func (m *ServerHello) fields() []field {
	return []field{{"key", m.Key[:]}}
}

func (m *ServerHello) decode(r *fieldReader) (err error) {
	m.Key, err = r.publicKey("key")
	return
}

func (m *ClientHello) fields() []field {
	return []field{{"key", m.Key[:]}}
}

func (m *ClientHello) decode(r *fieldReader) (err error) {
	m.Key, err = r.publicKey("key")
	return
}

func (m *ClientAuth) fields() []field {
	fs := []field{
		{"your_cookie", m.YourCookie[:]},
		{"subprotocols", nonNil(m.Subprotocols)},
		{"ping_interval", m.PingInterval},
	}

	if m.YourKey.Valid {
		fs = append(fs, field{"your_key", m.YourKey.Val[:]})
	}

	return fs
}

func (m *ClientAuth) decode(r *fieldReader) (err error) {
	if m.YourCookie, err = r.cookie("your_cookie"); err != nil {
		return
	}
	if err = r.required("subprotocols", &m.Subprotocols); err != nil {
		return
	}

	ping, err := r.requiredUint("ping_interval", math.MaxUint32)
	if err != nil {
		return
	}
	m.PingInterval = uint32(ping)

	m.YourKey, err = r.optionalPublicKey("your_key")
	return
}

func (m *ServerAuth) fields() []field {
	fs := []field{{"your_cookie", m.YourCookie[:]}}

	if m.SignedKeys != nil {
		fs = append(fs, field{"signed_keys", m.SignedKeys})
	}
	if m.InitiatorConnected.Valid {
		fs = append(fs, field{"initiator_connected", m.InitiatorConnected.Val})
	}
	if m.Responders.Valid {
		ids := make([]uint64, 0, len(m.Responders.Val))
		for _, a := range m.Responders.Val {
			ids = append(ids, uint64(a))
		}
		fs = append(fs, field{"responders", ids})
	}

	return fs
}

func (m *ServerAuth) decode(r *fieldReader) (err error) {
	if m.YourCookie, err = r.cookie("your_cookie"); err != nil {
		return
	}

	if _, err = r.optional("signed_keys", &m.SignedKeys); err != nil {
		return
	}

	var connected bool
	if ok, err := r.optional("initiator_connected", &connected); err != nil {
		return err
	} else if ok {
		m.InitiatorConnected = gonull.NewNullable(connected)
	}

	var ids []uint64
	if ok, err := r.optional("responders", &ids); err != nil {
		return err
	} else if ok {
		addrs := make([]nonce.Address, 0, len(ids))
		for _, id := range ids {
			if id > math.MaxUint8 {
				return &rangeError{r.typ, "responders", id}
			}
			addrs = append(addrs, nonce.Address(id))
		}
		m.Responders = gonull.NewNullable(addrs)
	}

	return nil
}

func (m *NewInitiator) fields() []field {
	return nil
}

func (m *NewInitiator) decode(*fieldReader) error {
	return nil
}

func (m *NewResponder) fields() []field {
	return []field{{"id", uint8(m.ID)}}
}

func (m *NewResponder) decode(r *fieldReader) (err error) {
	m.ID, err = r.address("id")
	return
}

func (m *DropResponder) fields() []field {
	fs := []field{{"id", uint8(m.ID)}}

	if m.Reason.Valid {
		fs = append(fs, field{"reason", m.Reason.Val})
	}

	return fs
}

func (m *DropResponder) decode(r *fieldReader) (err error) {
	if m.ID, err = r.address("id"); err != nil {
		return
	}

	reason, ok, err := r.uint("reason", math.MaxUint16)
	if err != nil {
		return
	}
	if ok {
		m.Reason = gonull.NewNullable(uint16(reason))
	}

	return nil
}

func (m *SendError) fields() []field {
	return []field{{"id", m.ID[:]}}
}

func (m *SendError) decode(r *fieldReader) error {
	return r.fixed("id", m.ID[:])
}

func (m *Disconnected) fields() []field {
	return []field{{"id", uint8(m.ID)}}
}

func (m *Disconnected) decode(r *fieldReader) (err error) {
	m.ID, err = r.address("id")
	return
}

func (m *Token) fields() []field {
	return []field{{"key", m.Key[:]}}
}

func (m *Token) decode(r *fieldReader) (err error) {
	m.Key, err = r.publicKey("key")
	return
}

func (m *Key) fields() []field {
	return []field{{"key", m.Key[:]}}
}

func (m *Key) decode(r *fieldReader) (err error) {
	m.Key, err = r.publicKey("key")
	return
}

func (m *Auth) fields() []field {
	data := make(map[string]msgpack.RawMessage, len(m.Data))
	for task, raw := range m.Data {
		if len(raw) == 0 {
			raw = rawNil
		}
		data[task] = raw
	}

	fs := []field{
		{"your_cookie", m.YourCookie[:]},
		{"your_key_hash", m.YourKeyHash[:]},
	}

	if m.Tasks != nil {
		fs = append(fs, field{"tasks", m.Tasks})
	}
	if m.Task.Valid {
		fs = append(fs, field{"task", m.Task.Val})
	}

	return append(fs, field{"data", data})
}

func (m *Auth) decode(r *fieldReader) (err error) {
	if m.YourCookie, err = r.cookie("your_cookie"); err != nil {
		return
	}
	if err = r.fixed("your_key_hash", m.YourKeyHash[:]); err != nil {
		return
	}
	if _, err = r.optional("tasks", &m.Tasks); err != nil {
		return
	}

	var task string
	if ok, err := r.optional("task", &task); err != nil {
		return err
	} else if ok {
		m.Task = gonull.NewNullable(task)
	}

	var data map[string]msgpack.RawMessage
	if err = r.required("data", &data); err != nil {
		return
	}

	if len(data) > 0 {
		m.Data = make(map[string]msgpack.RawMessage, len(data))
		for task, raw := range data {
			if isNil(raw) {
				raw = nil
			}
			m.Data[task] = raw
		}
	}

	return nil
}

func (m *Application) fields() []field {
	return []field{{"data", nonNil(m.Data)}}
}

func (m *Application) decode(r *fieldReader) error {
	if err := r.required("data", &m.Data); err != nil {
		return err
	}

	if m.Data == nil {
		m.Data = []byte{}
	}
	return nil
}

func (m *Close) fields() []field {
	return []field{{"reason", m.Reason}}
}

func (m *Close) decode(r *fieldReader) error {
	reason, err := r.requiredUint("reason", math.MaxUint16)
	m.Reason = uint16(reason)
	return err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
