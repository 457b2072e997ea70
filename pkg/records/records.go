// Package records defines the persisted record types of the spending
// authorization engine: the vault holding value, the policy holding rules
// and counters, the lazy per-recipient counter, and the immutable audit
// event written for every spend attempt.
package records

import (
	"time"

	"github.com/spendguard/spendguard/pkg/address"
)

// SecondsPerDay is the width of the rolling day window.
const SecondsPerDay int64 = 86_400

// DayIndex returns the integer day number for a Unix timestamp.
func DayIndex(unixSeconds int64) int64 {
	return unixSeconds / SecondsPerDay
}

// Vault holds the spendable balance for one owner. The balance itself is
// not a field: it is the native value held at the vault's address, mutated
// only through the substrate's transfer primitive.
type Vault struct {
	Owner     address.Identity `json:"owner"`
	CreatedAt time.Time        `json:"created_at"`
}

// Policy holds the spend rules and the mutable counters the evaluation
// engine owns. Configuration fields are mutated only by the authority;
// counter fields only by the engine as a side effect of a spend attempt.
type Policy struct {
	Vault     address.Address   `json:"vault"`
	Authority address.Identity  `json:"authority"`
	Agent     *address.Identity `json:"agent,omitempty"`

	DailyBudget     uint64 `json:"daily_budget"`
	CooldownSeconds uint32 `json:"cooldown_seconds"`

	Paused               bool              `json:"paused"`
	AllowlistEnabled     bool              `json:"allowlist_enabled"`
	AllowedRecipient     *address.Identity `json:"allowed_recipient,omitempty"`
	PerRecipientDailyCap uint64            `json:"per_recipient_daily_cap"`

	SpentToday  uint64 `json:"spent_today"`
	DayIndex    int64  `json:"day_index"`
	LastSpendTS int64  `json:"last_spend_ts"`

	NextSequence  uint64 `json:"next_sequence"`
	PolicyVersion uint64 `json:"policy_version"`
}

// AgentIs reports whether the policy's agent is set and equals id.
func (p *Policy) AgentIs(id address.Identity) bool {
	return p.Agent != nil && *p.Agent == id
}

// RecipientSpend is the lazily created secondary counter tracking how much
// was spent to a single recipient within the current day window. At most
// one exists per (policy, recipient) pair.
type RecipientSpend struct {
	Policy     address.Address  `json:"policy"`
	Recipient  address.Identity `json:"recipient"`
	SpentToday uint64           `json:"spent_today"`
	DayIndex   int64            `json:"day_index"`
}

// AuditEvent is the immutable record of one spend attempt, allowed or
// denied. Sequence numbers are dense per policy at write time; gaps appear
// later only through storage reclamation and are not corruption.
type AuditEvent struct {
	Policy        address.Address  `json:"policy"`
	Sequence      uint64           `json:"sequence"`
	Recipient     address.Identity `json:"recipient"`
	Amount        uint64           `json:"amount"`
	Allowed       bool             `json:"allowed"`
	ReasonCode    ReasonCode       `json:"reason_code"`
	PolicyVersion uint64           `json:"policy_version"`
	TS            int64            `json:"ts"`
}
