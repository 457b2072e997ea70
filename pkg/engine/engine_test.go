package engine_test

import (
	"testing"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/engine"
	"github.com/spendguard/spendguard/pkg/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ident(b byte) address.Identity {
	var id address.Identity
	id[0] = b
	return id
}

const day0 = int64(1_900_000 * records.SecondsPerDay)

func basePolicy() records.Policy {
	return records.Policy{
		DailyBudget:     1_000_000,
		CooldownSeconds: 10,
		DayIndex:        records.DayIndex(day0),
	}
}

func TestSpendThenCooldownDenied(t *testing.T) {
	p := basePolicy()
	recipient := ident(1)

	v, d := engine.Evaluate(p, nil, engine.Request{Recipient: recipient, Amount: 100_000}, day0)
	require.True(t, v.Allowed)
	assert.Equal(t, records.ReasonOK, v.Reason)
	assert.Equal(t, uint64(100_000), d.SpentToday)

	p, _ = engine.Apply(p, nil, engine.Request{Recipient: recipient, Amount: 100_000}, d)
	assert.Equal(t, uint64(100_000), p.SpentToday)
	assert.Equal(t, day0, p.LastSpendTS)

	// Immediate second spend hits the cooldown.
	v2, _ := engine.Evaluate(p, nil, engine.Request{Recipient: recipient, Amount: 50_000}, day0)
	assert.False(t, v2.Allowed)
	assert.Equal(t, records.ReasonCooldown, v2.Reason)
	assert.Equal(t, uint64(100_000), p.SpentToday)
}

func TestBudgetExceeded(t *testing.T) {
	p := basePolicy()
	p.CooldownSeconds = 0
	p.SpentToday = 100_000

	v, _ := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 950_000}, day0)
	assert.False(t, v.Allowed)
	assert.Equal(t, records.ReasonBudgetExceeded, v.Reason)

	// Exactly the remaining budget is allowed.
	v2, d := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 900_000}, day0)
	assert.True(t, v2.Allowed)
	assert.Equal(t, uint64(1_000_000), d.SpentToday)
}

func TestAllowlist(t *testing.T) {
	allowed := ident(1)
	other := ident(2)

	p := basePolicy()
	p.CooldownSeconds = 0
	p.AllowlistEnabled = true
	p.AllowedRecipient = &allowed

	v, _ := engine.Evaluate(p, nil, engine.Request{Recipient: other, Amount: 1000}, day0)
	assert.False(t, v.Allowed)
	assert.Equal(t, records.ReasonRecipientNotAllowed, v.Reason)

	v2, _ := engine.Evaluate(p, nil, engine.Request{Recipient: allowed, Amount: 1000}, day0)
	assert.True(t, v2.Allowed)
}

func TestAllowlistWithNilRecipientFailsClosed(t *testing.T) {
	p := basePolicy()
	p.AllowlistEnabled = true
	p.AllowedRecipient = nil

	v, _ := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 1}, day0)
	assert.False(t, v.Allowed)
	assert.Equal(t, records.ReasonRecipientNotAllowed, v.Reason)
}

func TestRecipientCap(t *testing.T) {
	recipient := ident(1)

	p := basePolicy()
	p.CooldownSeconds = 0
	p.PerRecipientDailyCap = 200_000

	rs := &records.RecipientSpend{
		Recipient:  recipient,
		SpentToday: 150_000,
		DayIndex:   records.DayIndex(day0),
	}

	v, _ := engine.Evaluate(p, rs, engine.Request{Recipient: recipient, Amount: 100_000}, day0)
	assert.False(t, v.Allowed)
	assert.Equal(t, records.ReasonRecipientCapExceeded, v.Reason)

	v2, d := engine.Evaluate(p, rs, engine.Request{Recipient: recipient, Amount: 50_000}, day0)
	require.True(t, v2.Allowed)
	_, updated := engine.Apply(p, rs, engine.Request{Recipient: recipient, Amount: 50_000}, d)
	require.NotNil(t, updated)
	assert.Equal(t, uint64(200_000), updated.SpentToday)
}

func TestRecipientCapAbsentRecordMeansZeroSpent(t *testing.T) {
	p := basePolicy()
	p.CooldownSeconds = 0
	p.PerRecipientDailyCap = 200_000

	v, d := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 200_000}, day0)
	require.True(t, v.Allowed)
	assert.True(t, d.TouchRecipient)
	assert.Equal(t, uint64(200_000), d.RecipientSpentToday)
}

func TestPausedTakesPriority(t *testing.T) {
	// Paused AND over budget AND disallowed recipient: paused wins because
	// it sits earlier in the pipeline.
	allowed := ident(1)
	p := basePolicy()
	p.Paused = true
	p.AllowlistEnabled = true
	p.AllowedRecipient = &allowed
	p.SpentToday = p.DailyBudget

	v, _ := engine.Evaluate(p, nil, engine.Request{Recipient: ident(2), Amount: 1}, day0)
	assert.False(t, v.Allowed)
	assert.Equal(t, records.ReasonPaused, v.Reason)
}

func TestInvalidAmountBeatsPaused(t *testing.T) {
	p := basePolicy()
	p.Paused = true

	v, _ := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 0}, day0)
	assert.Equal(t, records.ReasonInvalidAmount, v.Reason)
}

func TestDayRolloverResetsEffectiveSpend(t *testing.T) {
	p := basePolicy()
	p.CooldownSeconds = 0
	p.SpentToday = 999_999

	nextDay := day0 + records.SecondsPerDay

	v, d := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 500_000}, nextDay)
	require.True(t, v.Allowed)
	assert.Equal(t, uint64(500_000), d.SpentToday)
	assert.Equal(t, records.DayIndex(nextDay), d.DayIndex)

	// Two spends on the same new day accumulate from the reset base.
	p, _ = engine.Apply(p, nil, engine.Request{Recipient: ident(1), Amount: 500_000}, d)
	v2, d2 := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 400_000}, nextDay)
	require.True(t, v2.Allowed)
	assert.Equal(t, uint64(900_000), d2.SpentToday)
}

func TestDayRolloverAppliesToRecipientCounter(t *testing.T) {
	recipient := ident(1)
	p := basePolicy()
	p.CooldownSeconds = 0
	p.PerRecipientDailyCap = 100_000

	rs := &records.RecipientSpend{
		Recipient:  recipient,
		SpentToday: 100_000,
		DayIndex:   records.DayIndex(day0),
	}

	// Capped out today, but a new day resets the effective counter.
	v, _ := engine.Evaluate(p, rs, engine.Request{Recipient: recipient, Amount: 1}, day0)
	assert.Equal(t, records.ReasonRecipientCapExceeded, v.Reason)

	v2, d := engine.Evaluate(p, rs, engine.Request{Recipient: recipient, Amount: 1}, day0+records.SecondsPerDay)
	require.True(t, v2.Allowed)
	assert.Equal(t, uint64(1), d.RecipientSpentToday)
}

func TestFirstSpendIgnoresCooldown(t *testing.T) {
	p := basePolicy()
	p.CooldownSeconds = 3600
	p.LastSpendTS = 0

	v, _ := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 1}, day0)
	assert.True(t, v.Allowed)
}

func TestOverflowFailsClosed(t *testing.T) {
	p := basePolicy()
	p.CooldownSeconds = 0
	p.DailyBudget = ^uint64(0)
	p.SpentToday = ^uint64(0) - 5

	v, _ := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 10}, day0)
	assert.False(t, v.Allowed)
	assert.Equal(t, records.ReasonInvalidAmount, v.Reason)
}

func TestBasicPipelineSkipsAllowlistAndCap(t *testing.T) {
	allowed := ident(1)
	other := ident(2)

	p := basePolicy()
	p.CooldownSeconds = 0
	p.AllowlistEnabled = true
	p.AllowedRecipient = &allowed
	p.PerRecipientDailyCap = 1

	// The legacy pipeline ignores both advanced rules entirely.
	v, d := engine.EvaluateBasic(p, engine.Request{Recipient: other, Amount: 500}, day0)
	assert.True(t, v.Allowed)
	assert.False(t, d.TouchRecipient)
}

func TestBasicPipelineStillChecksPauseBudgetCooldown(t *testing.T) {
	p := basePolicy()
	p.Paused = true
	v, _ := engine.EvaluateBasic(p, engine.Request{Recipient: ident(1), Amount: 1}, day0)
	assert.Equal(t, records.ReasonPaused, v.Reason)

	p = basePolicy()
	v, _ = engine.EvaluateBasic(p, engine.Request{Recipient: ident(1), Amount: 2_000_000}, day0)
	assert.Equal(t, records.ReasonBudgetExceeded, v.Reason)

	p = basePolicy()
	p.LastSpendTS = day0 - 1
	v, _ = engine.EvaluateBasic(p, engine.Request{Recipient: ident(1), Amount: 1}, day0)
	assert.Equal(t, records.ReasonCooldown, v.Reason)
}

func TestDenyReturnsEmptyDeltas(t *testing.T) {
	p := basePolicy()
	p.Paused = true

	_, d := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: 1}, day0)
	assert.Equal(t, engine.Deltas{}, d)
}
