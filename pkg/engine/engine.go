// Package engine implements the policy evaluation pipeline.
//
// Evaluate is a pure function over already-loaded record state: it decides
// allow/deny for one candidate spend, reports the first failing rule as the
// reason code, and describes the counter mutations to apply on allow. It
// never touches storage and never performs the transfer; the handler owns
// both. Determinism here is load-bearing: the client-side preflight mirror
// calls this same code, and any divergence between mirror and authority
// makes the mirror misleading.
package engine

import (
	"math"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/records"
)

// Request is one candidate spend.
type Request struct {
	Recipient address.Identity
	Amount    uint64
}

// Verdict is the outcome of evaluating one request.
type Verdict struct {
	Allowed bool
	Reason  records.ReasonCode
}

// Deltas describes the counter state after an allowed spend. It is only
// meaningful when the verdict allows; on deny every counter keeps its
// pre-request value.
type Deltas struct {
	SpentToday  uint64
	DayIndex    int64
	LastSpendTS int64

	// TouchRecipient is set when a per-recipient cap is configured and the
	// recipient-spend record must be created or updated.
	TouchRecipient      bool
	RecipientSpentToday uint64
	RecipientDayIndex   int64
}

// Evaluate runs the full rule pipeline: amount, paused, allowlist, day
// rollover, budget, cooldown, per-recipient cap. Rules short-circuit in
// that exact order; the first failure determines the reason code.
// rs may be nil when no recipient-spend record exists yet.
func Evaluate(p records.Policy, rs *records.RecipientSpend, req Request, now int64) (Verdict, Deltas) {
	return evaluate(p, rs, req, now, true)
}

// EvaluateBasic runs the strict-subset pipeline of the legacy spend
// operation: allowlist and per-recipient cap checks are omitted entirely,
// not treated as disabled.
func EvaluateBasic(p records.Policy, req Request, now int64) (Verdict, Deltas) {
	return evaluate(p, nil, req, now, false)
}

func evaluate(p records.Policy, rs *records.RecipientSpend, req Request, now int64, full bool) (Verdict, Deltas) {
	if req.Amount == 0 {
		return deny(records.ReasonInvalidAmount)
	}

	if p.Paused {
		return deny(records.ReasonPaused)
	}

	if full && p.AllowlistEnabled {
		// A nil allowed_recipient with the allowlist enabled is a corrupt
		// configuration; fail closed rather than open.
		if p.AllowedRecipient == nil || req.Recipient != *p.AllowedRecipient {
			return deny(records.ReasonRecipientNotAllowed)
		}
	}

	currentDay := records.DayIndex(now)

	effectiveSpent := p.SpentToday
	if p.DayIndex != currentDay {
		effectiveSpent = 0
	}

	newSpent, ok := checkedAdd(effectiveSpent, req.Amount)
	if !ok {
		return deny(records.ReasonInvalidAmount)
	}
	if newSpent > p.DailyBudget {
		return deny(records.ReasonBudgetExceeded)
	}

	// last_spend_ts == 0 means "never spent" and always passes.
	if p.CooldownSeconds > 0 && p.LastSpendTS > 0 && now-p.LastSpendTS < int64(p.CooldownSeconds) {
		return deny(records.ReasonCooldown)
	}

	d := Deltas{
		SpentToday:  newSpent,
		DayIndex:    currentDay,
		LastSpendTS: now,
	}

	if full && p.PerRecipientDailyCap > 0 {
		recipientSpent := uint64(0)
		if rs != nil && rs.DayIndex == currentDay {
			recipientSpent = rs.SpentToday
		}
		newRecipientSpent, ok := checkedAdd(recipientSpent, req.Amount)
		if !ok {
			return deny(records.ReasonInvalidAmount)
		}
		if newRecipientSpent > p.PerRecipientDailyCap {
			return deny(records.ReasonRecipientCapExceeded)
		}
		d.TouchRecipient = true
		d.RecipientSpentToday = newRecipientSpent
		d.RecipientDayIndex = currentDay
	}

	return Verdict{Allowed: true, Reason: records.ReasonOK}, d
}

// Apply folds an allow verdict's deltas into copies of the policy and
// recipient-spend records. It is the explicit apply(state, delta) transform:
// the caller commits the returned state atomically with the audit write.
// The returned recipient-spend is nil unless the deltas touch it.
func Apply(p records.Policy, rs *records.RecipientSpend, req Request, d Deltas) (records.Policy, *records.RecipientSpend) {
	p.SpentToday = d.SpentToday
	p.DayIndex = d.DayIndex
	p.LastSpendTS = d.LastSpendTS

	if !d.TouchRecipient {
		return p, nil
	}

	updated := records.RecipientSpend{
		Recipient:  req.Recipient,
		SpentToday: d.RecipientSpentToday,
		DayIndex:   d.RecipientDayIndex,
	}
	if rs != nil {
		updated.Policy = rs.Policy
	}
	return p, &updated
}

func deny(reason records.ReasonCode) (Verdict, Deltas) {
	return Verdict{Allowed: false, Reason: reason}, Deltas{}
}

func checkedAdd(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}
