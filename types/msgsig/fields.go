package msgsig

import (
	"bytes"
	"fmt"
	"math"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/edup2p/saltyrtc/types/nonce"
	"github.com/vmihailenco/msgpack/v5"
)

// encoded msgpack nil
var rawNil = msgpack.RawMessage{0xc0}

func isNil(raw msgpack.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, rawNil)
}

func nullablePtr[T any](n gonull.Nullable[T]) *T {
	if !n.Valid {
		return nil
	}
	return &n.Val
}

type fieldReader struct {
	typ    MessageType
	fields map[string]msgpack.RawMessage
}

// optional unmarshals the named field into v, and reports whether it was present and not nil.
func (r *fieldReader) optional(name string, v any) (bool, error) {
	raw, ok := r.fields[name]
	if !ok || isNil(raw) {
		return false, nil
	}

	if err := msgpack.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: invalid field %q in %s: %w", types.ErrDecode, name, r.typ, err)
	}

	return true, nil
}

func (r *fieldReader) required(name string, v any) error {
	present, err := r.optional(name, v)
	if err != nil {
		return err
	}
	if !present {
		return &MissingFieldError{Type: r.typ, Field: name}
	}
	return nil
}

func (r *fieldReader) fixed(name string, out []byte) error {
	var b []byte
	if err := r.required(name, &b); err != nil {
		return err
	}

	if len(b) != len(out) {
		return fmt.Errorf("%w: field %q in %s has length %d, want %d", types.ErrDecode, name, r.typ, len(b), len(out))
	}

	copy(out, b)
	return nil
}

func (r *fieldReader) publicKey(name string) (key.PublicKey, error) {
	var p key.PublicKey
	err := r.fixed(name, p[:])
	return p, err
}

func (r *fieldReader) cookie(name string) (nonce.Cookie, error) {
	var c nonce.Cookie
	err := r.fixed(name, c[:])
	return c, err
}

func (r *fieldReader) uint(name string, maxValue uint64) (uint64, bool, error) {
	var v uint64
	present, err := r.optional(name, &v)
	if err != nil || !present {
		return 0, present, err
	}

	if v > maxValue {
		return 0, false, &rangeError{r.typ, name, v}
	}

	return v, true, nil
}

func (r *fieldReader) requiredUint(name string, maxValue uint64) (uint64, error) {
	v, present, err := r.uint(name, maxValue)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, &MissingFieldError{Type: r.typ, Field: name}
	}
	return v, nil
}

func (r *fieldReader) address(name string) (nonce.Address, error) {
	v, err := r.requiredUint(name, math.MaxUint8)
	return nonce.Address(v), err
}

func (r *fieldReader) optionalPublicKey(name string) (gonull.Nullable[key.PublicKey], error) {
	if raw, ok := r.fields[name]; !ok || isNil(raw) {
		return gonull.Nullable[key.PublicKey]{}, nil
	}

	p, err := r.publicKey(name)
	if err != nil {
		return gonull.Nullable[key.PublicKey]{}, err
	}

	return gonull.NewNullable(p), nil
}
