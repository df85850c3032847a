package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds one Curve25519 pair in the wire format WireGuard peers
// exchange. The private key is handed to the caller once and never
// persisted or logged by anything in this repository.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

type Issuer struct{}

func NewIssuer() *Issuer {
	return &Issuer{}
}

func (i *Issuer) IssueKeyPair(sessionID string) (KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("failed to read random key material for session %s: %w", sessionID, err)
	}
	// Curve25519 scalar clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to derive public key for session %s: %w", sessionID, err)
	}
	return KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
	}, nil
}
