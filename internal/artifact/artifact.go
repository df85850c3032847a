package artifact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const DefaultValidity = 1 * time.Hour

// ConnectionParams is everything a client needs to build its side of the
// tunnel.
type ConnectionParams struct {
	ClientPrivateKey string
	ClientAddr       netip.Addr
	ServerPublicKey  string
	ServerEndpoint   string
	DNS              string
}

// RenderClientConfig produces the wg-quick style config for a session.
func RenderClientConfig(p ConnectionParams) []byte {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.ClientPrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", p.ClientAddr)
	if p.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", p.DNS)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", p.ServerEndpoint)
	b.WriteString("AllowedIPs = 0.0.0.0/0\n")
	b.WriteString("PersistentKeepalive = 25\n")
	return []byte(b.String())
}

// Handle is the opaque time-bounded retrieval token handed to the
// caller. Whoever serves the artifact later verifies the same signature.
type Handle struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Publisher signs retrieval handles for rendered configs. The artifact
// body itself goes wherever the configured sink points; this component
// only owns the handle contract.
type Publisher struct {
	baseURL  string
	signKey  []byte
	validity time.Duration
}

func NewPublisher(baseURL string, signKey []byte, validity time.Duration) *Publisher {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Publisher{baseURL: strings.TrimRight(baseURL, "/"), signKey: signKey, validity: validity}
}

func (p *Publisher) Publish(sessionID string, cfg []byte) (Handle, error) {
	expires := time.Now().UTC().Add(p.validity)
	sig := p.sign(sessionID, cfg, expires)
	return Handle{
		URL: fmt.Sprintf(
			"%s/artifacts/%s?expires=%d&sig=%s",
			p.baseURL, sessionID, expires.Unix(), sig,
		),
		ExpiresAt: expires,
	}, nil
}

// Verify checks a handle signature against the stored artifact body.
func (p *Publisher) Verify(sessionID string, cfg []byte, expiresUnix int64, sig string) bool {
	if time.Now().UTC().After(time.Unix(expiresUnix, 0)) {
		return false
	}
	want := p.sign(sessionID, cfg, time.Unix(expiresUnix, 0))
	return hmac.Equal([]byte(want), []byte(sig))
}

func (p *Publisher) sign(sessionID string, cfg []byte, expires time.Time) string {
	mac := hmac.New(sha256.New, p.signKey)
	mac.Write([]byte(sessionID))
	mac.Write([]byte(strconv.FormatInt(expires.Unix(), 10)))
	mac.Write(cfg)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
