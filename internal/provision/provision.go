package provision

import (
	"context"
	"net/netip"
	"time"
)

type UnitHealth string

const (
	UnitHealthy  UnitHealth = "healthy"
	UnitDegraded UnitHealth = "degraded"
	UnitNotFound UnitHealth = "not-found"
	UnitUnknown  UnitHealth = "unknown"
)

// Endpoint is what a successful start hands back: the provider handle
// used for stop/status calls plus the address clients connect to.
type Endpoint struct {
	Ref        string
	PublicAddr string
}

type StartParams struct {
	OwnerID string
	// Addr is the tunnel address assigned to the session's peer.
	Addr netip.Addr
	// ServerKey is the unit-side private key. It goes to the unit and
	// nowhere else; nothing in this repository persists or logs it.
	ServerKey string
	// PeerPublicKey identifies the single allowed client peer.
	PeerPublicKey string
	IdleTimeout   time.Duration
}

// Provisioner is the compute-runtime boundary. Implementations classify
// their failures as models.TransientProviderError or
// models.FatalProviderError; the driver never inspects provider shapes
// beyond that split. StopUnit must treat a missing unit as success.
type Provisioner interface {
	StartUnit(ctx context.Context, sessionID string, params StartParams) (Endpoint, error)
	StopUnit(ctx context.Context, ref string) error
	UnitStatus(ctx context.Context, ref string) (UnitHealth, error)
}
