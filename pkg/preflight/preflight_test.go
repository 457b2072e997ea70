package preflight_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/preflight"
	"github.com/spendguard/spendguard/pkg/records"
	"github.com/spendguard/spendguard/pkg/store"
	"github.com/spendguard/spendguard/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ident(b byte) address.Identity {
	var id address.Identity
	id[0] = b
	return id
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func TestValidateRejectsMalformedRequests(t *testing.T) {
	good := preflight.Request{
		Policy:    strings.Repeat("ab", 32),
		Recipient: strings.Repeat("cd", 32),
		Amount:    100,
	}
	require.True(t, preflight.Validate(good).Valid)

	cases := []struct {
		name  string
		req   preflight.Request
		field string
	}{
		{"zero amount", preflight.Request{Policy: good.Policy, Recipient: good.Recipient}, "amount"},
		{"short policy", preflight.Request{Policy: "abcd", Recipient: good.Recipient, Amount: 1}, "policy"},
		{"non-hex recipient", preflight.Request{Policy: good.Policy, Recipient: strings.Repeat("zz", 32), Amount: 1}, "recipient"},
		{"empty recipient", preflight.Request{Policy: good.Policy, Amount: 1}, "recipient"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := preflight.Validate(tc.req)
			require.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
			assert.Equal(t, tc.field, result.Errors[0].Field)
		})
	}
}

func TestValidateReportsEveryFailingField(t *testing.T) {
	result := preflight.Validate(preflight.Request{})
	require.False(t, result.Valid)
	assert.Len(t, result.Errors, 3)
}

func TestValidateSnapshotCatchesMisconfiguration(t *testing.T) {
	p := records.Policy{AllowlistEnabled: true}
	result := preflight.ValidateSnapshot(preflight.Snapshot{Policy: p})
	require.False(t, result.Valid)
	assert.Equal(t, "allowed_recipient", result.Errors[0].Field)
	assert.Equal(t, "REQUIRED", result.Errors[0].Code)
}

func TestSimulateMirrorsPipeline(t *testing.T) {
	now := time.Unix(1_900_000*records.SecondsPerDay+100, 0)
	allowed := ident(7)
	p := records.Policy{
		DailyBudget:      1_000_000,
		CooldownSeconds:  10,
		AllowlistEnabled: true,
		AllowedRecipient: &allowed,
		SpentToday:       100_000,
		DayIndex:         records.DayIndex(now.Unix()),
		NextSequence:     5,
	}

	pred := preflight.Simulate(preflight.Snapshot{Policy: p}, ident(8), 1000, now)
	assert.False(t, pred.Allowed)
	assert.Equal(t, records.ReasonRecipientNotAllowed, pred.ReasonCode)
	assert.Equal(t, "RECIPIENT_NOT_ALLOWED", pred.Reason)
	assert.Equal(t, uint64(5), pred.Sequence)

	pred = preflight.Simulate(preflight.Snapshot{Policy: p}, allowed, 1000, now)
	assert.True(t, pred.Allowed)
	assert.Equal(t, records.ReasonOK, pred.ReasonCode)
}

// A prediction computed from a fresh snapshot must match the verdict the
// service commits for the same request at the same instant.
func TestPredictionMatchesAuthoritativeVerdict(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1_900_000*records.SecondsPerDay, 0)}
	svc := vault.New(store.NewMemStore(), vault.WithClock(clock))

	owner := ident(1)
	vaultAddr, err := svc.CreateVault(ctx, owner)
	require.NoError(t, err)
	require.NoError(t, svc.FundVault(ctx, vaultAddr, 1_000_000))
	policyAddr, err := svc.CreatePolicy(ctx, owner, vaultAddr, vault.PolicyParams{
		DailyBudget:     500_000,
		CooldownSeconds: 30,
	})
	require.NoError(t, err)

	attempts := []uint64{200_000, 100_000, 400_000}
	for _, amount := range attempts {
		p, err := svc.GetPolicy(ctx, policyAddr)
		require.NoError(t, err)

		pred := preflight.Simulate(preflight.Snapshot{Policy: *p}, ident(9), amount, clock.Now())

		ev, err := svc.SpendV2(ctx, owner, policyAddr, ident(9), amount)
		require.NoError(t, err)

		assert.Equal(t, pred.Allowed, ev.Allowed, "amount %d", amount)
		assert.Equal(t, pred.ReasonCode, ev.ReasonCode, "amount %d", amount)
		assert.Equal(t, pred.Sequence, ev.Sequence, "amount %d", amount)
	}
}

func TestCheckShortCircuitsOnValidationFailure(t *testing.T) {
	now := time.Unix(0, 0)
	result, pred := preflight.Check(preflight.Snapshot{}, preflight.Request{}, now)
	require.False(t, result.Valid)
	assert.Zero(t, pred)
}

func TestCheckRunsSimulationWhenWellFormed(t *testing.T) {
	now := time.Unix(1_900_000*records.SecondsPerDay, 0)
	p := records.Policy{DailyBudget: 1_000, DayIndex: records.DayIndex(now.Unix())}

	req := preflight.Request{
		Policy:    address.Policy(address.Vault(ident(1))).String(),
		Recipient: ident(7).String(),
		Amount:    500,
	}
	result, pred := preflight.Check(preflight.Snapshot{Policy: p}, req, now)
	require.True(t, result.Valid)
	assert.True(t, pred.Allowed)
}
