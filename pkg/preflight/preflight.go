// Package preflight is a client-side mirror of the policy evaluation
// pipeline. It validates a proposed spend for well-formedness before any
// request is built, then simulates the authoritative pipeline on a
// read-only snapshot so callers get the verdict they would receive,
// provided the snapshot is fresh.
//
// The simulation calls into pkg/engine rather than reimplementing the
// rules, so mirror and authority cannot drift apart.
package preflight

import (
	"fmt"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/engine"
	"github.com/spendguard/spendguard/pkg/records"
)

// ValidationError is a single field-tagged well-formedness failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult is the outcome of request validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(field, code, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Code: code, Message: message})
}

// Request is a proposed spend as a caller would submit it, before any
// address derivation.
type Request struct {
	Policy    string `json:"policy"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// Snapshot is a read-only view of the records the pipeline consults.
// RecipientSpend may be nil when no per-recipient record exists yet.
type Snapshot struct {
	Policy         records.Policy
	RecipientSpend *records.RecipientSpend
}

// Prediction is a simulated verdict plus the counter state the pipeline
// would commit on allow.
type Prediction struct {
	Allowed    bool               `json:"allowed"`
	ReasonCode records.ReasonCode `json:"reason_code"`
	Reason     string             `json:"reason"`
	// Sequence the committed audit event would carry if no racing
	// request lands first.
	Sequence uint64 `json:"sequence"`
}

// Validate checks a request for well-formedness. This runs before any
// rule simulation and reports every failing field, not just the first.
func Validate(req Request) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if _, err := address.ParseAddress(req.Policy); err != nil {
		result.add("policy", "INVALID_ADDRESS", "policy must be a 64-character hex address")
	}
	if _, err := address.ParseIdentity(req.Recipient); err != nil {
		result.add("recipient", "INVALID_IDENTITY", "recipient must be a 64-character hex identity")
	}
	if req.Amount == 0 {
		result.add("amount", "NON_POSITIVE", "amount must be greater than zero")
	}
	return result
}

// ValidateSnapshot checks policy configuration fields for consistency.
// These are caller errors in the authoritative handlers too; a snapshot
// failing here was corrupted in transit or assembled by hand.
func ValidateSnapshot(snap Snapshot) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if snap.Policy.AllowlistEnabled && snap.Policy.AllowedRecipient == nil {
		result.add("allowed_recipient", "REQUIRED", "allowlist is enabled but no recipient is configured")
	}
	if snap.Policy.DayIndex < 0 {
		result.add("day_index", "NEGATIVE", "day index cannot be negative")
	}
	if snap.Policy.LastSpendTS < 0 {
		result.add("last_spend_ts", "NEGATIVE", "last spend timestamp cannot be negative")
	}
	if snap.RecipientSpend != nil && snap.RecipientSpend.Policy != address.Policy(snap.Policy.Vault) {
		// Cross-policy snapshots produce meaningless predictions.
		result.add("recipient_spend", "WRONG_POLICY", "recipient-spend record belongs to a different policy")
	}
	return result
}

// Simulate runs the full pipeline against the snapshot and reports the
// verdict the authority would produce at the given time. Callers should
// Validate first; Simulate assumes a well-formed request.
func Simulate(snap Snapshot, recipient address.Identity, amount uint64, now time.Time) Prediction {
	verdict, _ := engine.Evaluate(snap.Policy, snap.RecipientSpend, engine.Request{
		Recipient: recipient,
		Amount:    amount,
	}, now.Unix())

	return Prediction{
		Allowed:    verdict.Allowed,
		ReasonCode: verdict.Reason,
		Reason:     verdict.Reason.String(),
		Sequence:   snap.Policy.NextSequence,
	}
}

// Check is the full preflight: validation then simulation. On validation
// failure the prediction is zero and the result carries the field errors.
func Check(snap Snapshot, req Request, now time.Time) (*ValidationResult, Prediction) {
	result := Validate(req)
	if snapResult := ValidateSnapshot(snap); !snapResult.Valid {
		result.Valid = false
		result.Errors = append(result.Errors, snapResult.Errors...)
	}
	if !result.Valid {
		return result, Prediction{}
	}

	recipient, _ := address.ParseIdentity(req.Recipient)
	return result, Simulate(snap, recipient, req.Amount, now)
}
