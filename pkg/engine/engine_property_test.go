//go:build property
// +build property

// Property-based tests for the evaluation pipeline invariants.
package engine_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/spendguard/spendguard/pkg/engine"
	"github.com/spendguard/spendguard/pkg/records"
)

// TestBudgetMonotonicity verifies that no sequence of allowed spends within
// a single day can push cumulative spending past the daily budget.
func TestBudgetMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sum of allowed spends never exceeds the budget", prop.ForAll(
		func(budget uint64, amounts []uint64) bool {
			p := records.Policy{
				DailyBudget: budget % 10_000_000,
				DayIndex:    records.DayIndex(day0),
			}
			var total uint64
			for _, raw := range amounts {
				amount := raw % 1_000_000
				v, d := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: amount}, day0)
				if v.Allowed {
					p, _ = engine.Apply(p, nil, engine.Request{Recipient: ident(1), Amount: amount}, d)
					total += amount
				}
				if total > p.DailyBudget {
					return false
				}
			}
			return p.SpentToday == total
		},
		gen.UInt64(),
		gen.SliceOf(gen.UInt64()),
	))

	properties.TestingRun(t)
}

// TestDenyNeverMutates verifies that a denied evaluation reports empty
// deltas for every reachable denial reason.
func TestDenyNeverMutates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("denied verdicts carry zero deltas", prop.ForAll(
		func(budget, spent, amount uint64, paused bool, cooldown uint32) bool {
			p := records.Policy{
				DailyBudget:     budget % 1_000_000,
				SpentToday:      spent % 2_000_000,
				DayIndex:        records.DayIndex(day0),
				Paused:          paused,
				CooldownSeconds: cooldown % 86_400,
				LastSpendTS:     day0 - 1,
			}
			v, d := engine.Evaluate(p, nil, engine.Request{Recipient: ident(1), Amount: amount % 2_000_000}, day0)
			if v.Allowed {
				return true
			}
			return d == engine.Deltas{}
		},
		gen.UInt64(), gen.UInt64(), gen.UInt64(), gen.Bool(), gen.UInt32(),
	))

	properties.TestingRun(t)
}

// TestEvaluationIsDeterministic verifies the pipeline is a pure function of
// its inputs: evaluating the same state twice yields identical results.
// This is the property the client-side preflight mirror depends on.
func TestEvaluationIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs, same verdict and deltas", prop.ForAll(
		func(budget, spent, amount uint64, paused bool, cap uint64) bool {
			p := records.Policy{
				DailyBudget:          budget % 1_000_000,
				SpentToday:           spent % 1_000_000,
				DayIndex:             records.DayIndex(day0),
				Paused:               paused,
				PerRecipientDailyCap: cap % 500_000,
			}
			req := engine.Request{Recipient: ident(1), Amount: amount % 1_000_000}
			v1, d1 := engine.Evaluate(p, nil, req, day0)
			v2, d2 := engine.Evaluate(p, nil, req, day0)
			return v1 == v2 && d1 == d2
		},
		gen.UInt64(), gen.UInt64(), gen.UInt64(), gen.Bool(), gen.UInt64(),
	))

	properties.TestingRun(t)
}
