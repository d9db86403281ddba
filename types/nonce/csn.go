package nonce

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/edup2p/saltyrtc/types"
)

// CSN is a combined sequence number: a 16-bit overflow number and a 32-bit sequence number.
type CSN struct {
	Overflow uint16
	Sequence uint32
}

// Uint64 returns the 48-bit combined value.
func (c CSN) Uint64() uint64 {
	return uint64(c.Overflow)<<32 | uint64(c.Sequence)
}

// Less reports whether c comes strictly before o.
func (c CSN) Less(o CSN) bool {
	return c.Uint64() < o.Uint64()
}

// IsMax reports whether c is the last usable CSN.
func (c CSN) IsMax() bool {
	return c.Overflow == math.MaxUint16 && c.Sequence == math.MaxUint32
}

func (c CSN) String() string {
	return fmt.Sprintf("%d:%d", c.Overflow, c.Sequence)
}

// Counter produces the CSNs for one outgoing direction.
type Counter struct {
	next      CSN
	exhausted bool
}

// NewCounter starts a counter at overflow 0 and a random sequence number.
func NewCounter() *Counter {
	var b [4]byte
	if _, err := io.ReadFull(crand.Reader, b[:]); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}

	return &Counter{next: CSN{Sequence: binary.BigEndian.Uint32(b[:])}}
}

// CounterAt starts a counter at a given CSN.
func CounterAt(start CSN) *Counter {
	return &Counter{next: start}
}

// Peek returns the CSN that Next would return, without advancing.
func (c *Counter) Peek() (CSN, error) {
	if c.exhausted {
		return CSN{}, fmt.Errorf("%w: outgoing sequence numbers exhausted", types.ErrOverflow)
	}
	return c.next, nil
}

// Next returns the CSN for the next outgoing message and advances the counter by one.
//
// Once the maximum CSN has been handed out, Next fails with types.ErrOverflow forever.
func (c *Counter) Next() (CSN, error) {
	cur, err := c.Peek()
	if err != nil {
		return CSN{}, err
	}

	switch {
	case cur.IsMax():
		c.exhausted = true
	case cur.Sequence == math.MaxUint32:
		c.next = CSN{Overflow: cur.Overflow + 1, Sequence: 0}
	default:
		c.next.Sequence++
	}

	return cur, nil
}

// CSNPair tracks both directions of one relationship.
type CSNPair struct {
	Ours *Counter

	theirs    CSN
	hasTheirs bool
}

func NewCSNPair() CSNPair {
	return CSNPair{Ours: NewCounter()}
}

// Theirs returns the last accepted incoming CSN, if any.
func (p *CSNPair) Theirs() (CSN, bool) {
	return p.theirs, p.hasTheirs
}

// CheckTheirs validates an incoming CSN without recording it.
//
// The first CSN from a peer must have a zero overflow number; every later one must be strictly greater than
// the last accepted one.
func (p *CSNPair) CheckTheirs(c CSN) error {
	if !p.hasTheirs {
		if c.Overflow != 0 {
			return fmt.Errorf("%w: first peer csn %s has non-zero overflow number", types.ErrValidation, c)
		}
		return nil
	}

	if !p.theirs.Less(c) {
		return fmt.Errorf("%w: peer csn %s is not greater than %s, replay", types.ErrValidation, c, p.theirs)
	}

	return nil
}

// CommitTheirs records an incoming CSN. It must only be called after CheckTheirs succeeded.
func (p *CSNPair) CommitTheirs(c CSN) {
	p.theirs = c
	p.hasTheirs = true
}
