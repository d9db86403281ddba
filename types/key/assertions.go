package key

import "log/slog"

var (
	_ publicKey = PublicKey{}

	// We need this to send keys over the wire via JSON, and store them in key files
	_ canTextMarshal = &PublicKey{}

	_ canBox  = &KeyStore{}
	_ canWipe = &KeyStore{}
	_ canWipe = &AuthToken{}

	// Secret material must log as its public half only
	_ slog.LogValuer = &KeyStore{}
)
