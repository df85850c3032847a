package models

// CapacityLedger is the singleton row gating global admission. Version is
// bumped on every write; writers must compare-and-swap against it instead
// of trusting a previously read copy.
type CapacityLedger struct {
	Version        uint64
	ActiveUnits    int
	ActiveSessions int
	Attempts       uint64
	Failures       uint64
}

func (l CapacityLedger) AtCapacity(unitCeiling, sessionCeiling int) bool {
	return l.ActiveUnits >= unitCeiling || l.ActiveSessions >= sessionCeiling
}

// OwnerQuota is the per-owner admission record, independent of the
// global ledger.
type OwnerQuota struct {
	OwnerID     string
	Active      bool
	MaxSessions int
	// SourceCIDR, when set, restricts which caller addresses may start
	// sessions for this owner.
	SourceCIDR string
}
