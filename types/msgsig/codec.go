package msgsig

import (
	"bytes"
	"fmt"

	"github.com/edup2p/saltyrtc/types"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire format: a msgpack map keyed by field name, which always contains "type".
//   Keys, cookies and hashes are encoded as bin.

type field struct {
	name  string
	value any
}

// Encode serialises m to its wire form.
func Encode(m Message) ([]byte, error) {
	fs := m.fields()

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeMapLen(len(fs) + 1); err != nil {
		return nil, err
	}

	if err := enc.EncodeString("type"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(string(m.MsgType())); err != nil {
		return nil, err
	}

	for _, f := range fs {
		if err := enc.EncodeString(f.name); err != nil {
			return nil, err
		}
		if err := enc.Encode(f.value); err != nil {
			return nil, fmt.Errorf("could not encode field %q of %s: %w", f.name, m.MsgType(), err)
		}
	}

	return buf.Bytes(), nil
}

// MustEncode is like Encode, but panics on error.
//
// Encoding only fails for values no message in this package can hold.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses a message from its wire form.
//
// Decode performs no cryptography and no protocol validation.
func Decode(b []byte) (Message, error) {
	fs, err := decodeFields(b)
	if err != nil {
		return nil, err
	}

	var typ string
	if raw, ok := fs["type"]; !ok {
		return nil, fmt.Errorf("%w: message has no type", types.ErrDecode)
	} else if err := msgpack.Unmarshal(raw, &typ); err != nil {
		return nil, fmt.Errorf("%w: message type is not a string: %w", types.ErrDecode, err)
	}

	r := fieldReader{typ: MessageType(typ), fields: fs}

	var m Message
	switch r.typ {
	case ServerHelloType:
		m = &ServerHello{}
	case ClientHelloType:
		m = &ClientHello{}
	case ClientAuthType:
		m = &ClientAuth{}
	case ServerAuthType:
		m = &ServerAuth{}
	case NewInitiatorType:
		m = &NewInitiator{}
	case NewResponderType:
		m = &NewResponder{}
	case DropResponderType:
		m = &DropResponder{}
	case SendErrorType:
		m = &SendError{}
	case DisconnectedType:
		m = &Disconnected{}
	case TokenType:
		m = &Token{}
	case KeyType:
		m = &Key{}
	case AuthType:
		m = &Auth{}
	case ApplicationType:
		m = &Application{}
	case CloseType:
		m = &Close{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, typ)
	}

	if err := m.(decodable).decode(&r); err != nil {
		return nil, err
	}

	return m, nil
}

type decodable interface {
	decode(r *fieldReader) error
}

func decodeFields(b []byte) (map[string]msgpack.RawMessage, error) {
	rd := bytes.NewReader(b)
	dec := msgpack.NewDecoder(rd)

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("%w: message is not a map: %w", types.ErrDecode, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: message is nil", types.ErrDecode)
	}

	fs := make(map[string]msgpack.RawMessage, n)
	for i := 0; i < n; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid field name: %w", types.ErrDecode, err)
		}

		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid value for field %q: %w", types.ErrDecode, name, err)
		}

		if _, dup := fs[name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", types.ErrDecode, name)
		}
		fs[name] = raw
	}

	if rd.Len() > 0 {
		return nil, fmt.Errorf("%w: trailing data after message", types.ErrDecode)
	}

	return fs, nil
}
