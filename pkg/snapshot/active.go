package snapshot

import (
	"time"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/quota"
	"porthaul/controlplane/pkg/store"
)

// Reason explains why ComputeActive returned false. ReasonActive is the
// empty string.
type Reason string

const (
	ReasonActive        Reason = ""
	ReasonOperator      Reason = "operator"
	ReasonOwnerMissing  Reason = "owner_missing"
	ReasonOwnerInactive Reason = "owner_inactive"
	ReasonExpired       Reason = "expired"
	ReasonOutOfRange    Reason = "out_of_range"
	ReasonQuota         Reason = "quota_exceeded"
)

// Provenance maps the reason onto the disable provenance it implies. A
// missing or suspended owner is refused at admission and never recorded on
// the rule, so those reasons map to none.
func (r Reason) Provenance() store.Provenance {
	switch r {
	case ReasonActive, ReasonOwnerMissing, ReasonOwnerInactive:
		return store.ProvenanceNone
	case ReasonOperator:
		return store.ProvenanceOperator
	case ReasonExpired:
		return store.ProvenanceExpired
	case ReasonOutOfRange:
		return store.ProvenanceOutOfRange
	case ReasonQuota:
		return store.ProvenanceQuotaExceeded
	default:
		return store.ProvenanceNone
	}
}

// ComputeActive derives whether rule should be served at now.
//
// A rule switched off by an operator is inactive. Otherwise it is inactive
// when the owner is missing or not active; for non-admin owners it is also
// inactive when the account has expired, the source port lies outside the
// owner's range, or the quota decision disallows the owner. Admin-owned
// rules skip the expiry, range and quota checks.
func ComputeActive(rule *store.ForwardRule, owner *store.User, now time.Time) (bool, Reason) {
	if !rule.OperatorEnabled || rule.DisableProvenance == store.ProvenanceOperator {
		return false, ReasonOperator
	}
	if owner == nil {
		return false, ReasonOwnerMissing
	}
	if owner.Status != store.StatusActive {
		return false, ReasonOwnerInactive
	}
	if owner.IsAdmin() {
		return true, ReasonActive
	}
	if owner.ExpiresAt != nil && !owner.ExpiresAt.After(now) {
		return false, ReasonExpired
	}
	if !cache.InRange(rule.SourcePort, owner.PortRangeStart, owner.PortRangeEnd) {
		return false, ReasonOutOfRange
	}
	if !quota.Allows(owner) {
		return false, ReasonQuota
	}
	return true, ReasonActive
}
