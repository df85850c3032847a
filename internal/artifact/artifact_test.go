package artifact

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderClientConfig(t *testing.T) {
	cfg := string(RenderClientConfig(ConnectionParams{
		ClientPrivateKey: "client-priv",
		ClientAddr:       netip.MustParseAddr("10.8.0.2"),
		ServerPublicKey:  "server-pub",
		ServerEndpoint:   "203.0.113.10:51820",
		DNS:              "1.1.1.1",
	}))

	assert.Contains(t, cfg, "[Interface]\n")
	assert.Contains(t, cfg, "PrivateKey = client-priv\n")
	assert.Contains(t, cfg, "Address = 10.8.0.2/32\n")
	assert.Contains(t, cfg, "DNS = 1.1.1.1\n")
	assert.Contains(t, cfg, "[Peer]\n")
	assert.Contains(t, cfg, "PublicKey = server-pub\n")
	assert.Contains(t, cfg, "Endpoint = 203.0.113.10:51820\n")
	assert.Contains(t, cfg, "AllowedIPs = 0.0.0.0/0\n")
	assert.Contains(t, cfg, "PersistentKeepalive = 25\n")
}

func TestRenderClientConfigOmitsDNS(t *testing.T) {
	cfg := string(RenderClientConfig(ConnectionParams{
		ClientPrivateKey: "client-priv",
		ClientAddr:       netip.MustParseAddr("10.8.0.2"),
		ServerPublicKey:  "server-pub",
		ServerEndpoint:   "203.0.113.10:51820",
	}))
	assert.NotContains(t, cfg, "DNS")
}

func TestPublishAndVerify(t *testing.T) {
	publisher := NewPublisher("http://artifacts:8081/", []byte("secret"), time.Hour)
	cfg := []byte("config body")

	handle, err := publisher.Publish("sess-1", cfg)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), handle.ExpiresAt, 5*time.Second)

	parsed, err := url.Parse(handle.URL)
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/sess-1", parsed.Path)

	expires, err := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	sig := parsed.Query().Get("sig")
	require.NotEmpty(t, sig)

	assert.True(t, publisher.Verify("sess-1", cfg, expires, sig))
	assert.False(t, publisher.Verify("sess-2", cfg, expires, sig))
	assert.False(t, publisher.Verify("sess-1", []byte("tampered"), expires, sig))
	assert.False(t, publisher.Verify("sess-1", cfg, expires, sig+"x"))
}

func TestVerifyRejectsExpired(t *testing.T) {
	publisher := NewPublisher("http://artifacts:8081", []byte("secret"), time.Hour)
	cfg := []byte("config body")

	past := time.Now().UTC().Add(-time.Minute)
	sig := publisher.sign("sess-1", cfg, past)
	assert.False(t, publisher.Verify("sess-1", cfg, past.Unix(), sig))
}

func TestNewPublisherDefaultsValidity(t *testing.T) {
	publisher := NewPublisher("http://artifacts:8081", []byte("secret"), 0)
	handle, err := publisher.Publish("sess-1", []byte("x"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultValidity), handle.ExpiresAt, 5*time.Second)
}

func TestHandleURLIsWellFormed(t *testing.T) {
	publisher := NewPublisher("http://artifacts:8081", []byte("secret"), time.Hour)
	handle, err := publisher.Publish("sess-1", []byte("x"))
	require.NoError(t, err)
	prefix := fmt.Sprintf("http://artifacts:8081/artifacts/sess-1?expires=%d&sig=", handle.ExpiresAt.Unix())
	assert.True(t, strings.HasPrefix(handle.URL, prefix))
}
