package nonce

// Channel holds the cookie and CSN state of one relationship in both directions.
//
// Incoming nonces are checked with Validate, and only recorded with Commit once the payload has been
// authenticated, so that forged frames can not advance the state.
type Channel struct {
	Cookies CookiePair
	CSNs    CSNPair
}

func NewChannel() *Channel {
	return &Channel{
		Cookies: NewCookiePair(),
		CSNs:    NewCSNPair(),
	}
}

// Validate checks the cookie and CSN of an incoming nonce.
func (ch *Channel) Validate(n Nonce) error {
	if err := ch.Cookies.CheckTheirs(n.Cookie); err != nil {
		return err
	}

	return ch.CSNs.CheckTheirs(n.CSN)
}

// Commit records the cookie and CSN of a validated and authenticated nonce.
func (ch *Channel) Commit(n Nonce) {
	ch.Cookies.CommitTheirs(n.Cookie)
	ch.CSNs.CommitTheirs(n.CSN)
}

// Build produces the nonce for the next outgoing message, consuming one CSN.
func (ch *Channel) Build(src, dst Address) (Nonce, error) {
	csn, err := ch.CSNs.Ours.Next()
	if err != nil {
		return Nonce{}, err
	}

	return Nonce{
		Cookie:      ch.Cookies.Ours(),
		Source:      src,
		Destination: dst,
		CSN:         csn,
	}, nil
}
