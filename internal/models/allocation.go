package models

import (
	"net/netip"
	"time"
)

// Allocation binds an address from the fixed pool to a session. An
// address counts as in-use until the allocation is expired; release
// expires every allocation holding the address.
type Allocation struct {
	SessionID string
	Addr      netip.Addr
	CreatedAt time.Time
	Expired   bool
}
