package nonce

import (
	crand "crypto/rand"
	"fmt"
	"io"

	"github.com/edup2p/saltyrtc/types"
)

const CookieLen = 16

// Cookie is the random, per-direction value that starts every nonce.
type Cookie [CookieLen]byte

// NewCookie returns a random cookie. Panics if no random bytes are available.
func NewCookie() Cookie {
	var c Cookie
	if _, err := io.ReadFull(crand.Reader, c[:]); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}
	return c
}

// NewCookieDifferentFrom returns a random cookie that is not equal to other.
func NewCookieDifferentFrom(other Cookie) Cookie {
	for {
		if c := NewCookie(); c != other {
			return c
		}
	}
}

func (c Cookie) Debug() string {
	return fmt.Sprintf("%x", c[:])
}

// CookiePair holds our cookie and, once observed, the peer's cookie for one relationship.
type CookiePair struct {
	ours Cookie

	theirs    Cookie
	hasTheirs bool
}

func NewCookiePair() CookiePair {
	return CookiePair{ours: NewCookie()}
}

func (cp *CookiePair) Ours() Cookie {
	return cp.ours
}

// Theirs returns the peer's cookie, if it has been observed.
func (cp *CookiePair) Theirs() (Cookie, bool) {
	return cp.theirs, cp.hasTheirs
}

// CheckTheirs validates an incoming cookie without recording it.
func (cp *CookiePair) CheckTheirs(c Cookie) error {
	if c == cp.ours {
		return fmt.Errorf("%w: peer cookie equals our own cookie", types.ErrValidation)
	}

	if cp.hasTheirs && c != cp.theirs {
		return fmt.Errorf("%w: peer cookie changed from %s to %s", types.ErrValidation, cp.theirs.Debug(), c.Debug())
	}

	return nil
}

// CommitTheirs fixes the peer's cookie on first observation. It must only be called after CheckTheirs succeeded.
func (cp *CookiePair) CommitTheirs(c Cookie) {
	if cp.hasTheirs {
		return
	}

	cp.theirs = c
	cp.hasTheirs = true
}
