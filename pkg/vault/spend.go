package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/engine"
	"github.com/spendguard/spendguard/pkg/records"
	"github.com/spendguard/spendguard/pkg/store"
)

// Spend runs the legacy pipeline (no allowlist, no per-recipient cap).
// The caller must be the policy authority or the configured agent.
//
// A deny is not an error: the returned audit event carries the verdict and
// reason code, the request still commits, and the sequence still advances.
func (s *Service) Spend(ctx context.Context, caller address.Identity, policyAddr address.Address, recipient address.Identity, amount uint64) (*records.AuditEvent, error) {
	return s.spend(ctx, caller, policyAddr, recipient, amount, false)
}

// SpendV2 runs the full pipeline including allowlist and per-recipient cap
// checks. When an agent is configured, only the agent may call; the
// authority configures, the agent spends. With no agent configured any
// caller may request, subject to the rule pipeline.
func (s *Service) SpendV2(ctx context.Context, caller address.Identity, policyAddr address.Address, recipient address.Identity, amount uint64) (*records.AuditEvent, error) {
	return s.spend(ctx, caller, policyAddr, recipient, amount, true)
}

func (s *Service) spend(ctx context.Context, caller address.Identity, policyAddr address.Address, recipient address.Identity, amount uint64, full bool) (*records.AuditEvent, error) {
	started := time.Now()
	now := s.clock.Now().Unix()
	req := engine.Request{Recipient: recipient, Amount: amount}

	var audit records.AuditEvent
	err := s.store.Update(ctx, func(tx store.Tx) error {
		p, err := tx.Policy(policyAddr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrPolicyNotFound
			}
			return err
		}

		if err := authorizeSpend(p, caller, full); err != nil {
			return err
		}

		// Lazy secondary record: loaded (not created) before evaluation so
		// the engine stays a pure function over present state.
		var rs *records.RecipientSpend
		rsAddr := address.RecipientSpend(policyAddr, recipient)
		if full && p.PerRecipientDailyCap > 0 {
			rs, err = tx.RecipientSpend(rsAddr)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		var verdict engine.Verdict
		var deltas engine.Deltas
		if full {
			verdict, deltas = engine.Evaluate(*p, rs, req, now)
		} else {
			verdict, deltas = engine.EvaluateBasic(*p, req, now)
		}

		if p.NextSequence == math.MaxUint64 {
			return ErrSequenceExhausted
		}
		seq := p.NextSequence
		p.NextSequence = seq + 1

		audit = records.AuditEvent{
			Policy:        policyAddr,
			Sequence:      seq,
			Recipient:     recipient,
			Amount:        amount,
			Allowed:       verdict.Allowed,
			ReasonCode:    verdict.Reason,
			PolicyVersion: p.PolicyVersion,
			TS:            now,
		}

		if verdict.Allowed {
			updated, updatedRS := engine.Apply(*p, rs, req, deltas)
			*p = updated
			if updatedRS != nil {
				updatedRS.Policy = policyAddr
				if err := tx.PutRecipientSpend(rsAddr, *updatedRS); err != nil {
					return err
				}
			}
			// Transfer failure aborts the whole request: an audit event
			// must never claim allowed=true for a transfer that did not
			// happen.
			if err := tx.Transfer(p.Vault, address.ForIdentity(recipient), amount); err != nil {
				return err
			}
		}

		if err := tx.PutPolicy(policyAddr, *p); err != nil {
			return err
		}
		return tx.AppendAuditEvent(address.AuditEvent(policyAddr, seq), audit)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordSpendDecision(ctx, audit.Allowed, audit.ReasonCode, time.Since(started))
	}
	s.log.InfoContext(ctx, "spend attempt recorded",
		"policy", policyAddr.String(),
		"sequence", audit.Sequence,
		"recipient", recipient.String(),
		"amount", amount,
		"allowed", audit.Allowed,
		"reason", audit.ReasonCode.String(),
	)
	s.notify(audit)
	return &audit, nil
}

func authorizeSpend(p *records.Policy, caller address.Identity, full bool) error {
	if full {
		// v2 contract: a configured agent is the only permitted spender.
		if p.Agent != nil && *p.Agent != caller {
			return fmt.Errorf("%w: caller is not the configured agent", ErrUnauthorized)
		}
		return nil
	}
	// Legacy contract: authority or agent.
	if caller == p.Authority || p.AgentIs(caller) {
		return nil
	}
	return fmt.Errorf("%w: caller is not the policy authority or agent", ErrUnauthorized)
}

// CloseAuditEvent releases the storage of one audit event. Authority only.
// Sequence continuity is unaffected: gaps left by closed events are
// expected and are not corruption.
func (s *Service) CloseAuditEvent(ctx context.Context, caller address.Identity, policyAddr, auditAddr address.Address) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		p, err := tx.Policy(policyAddr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrPolicyNotFound
			}
			return err
		}
		if p.Authority != caller {
			return fmt.Errorf("%w: caller is not the policy authority", ErrUnauthorized)
		}
		ev, err := tx.AuditEvent(auditAddr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAuditEventNotFound
			}
			return err
		}
		if ev.Policy != policyAddr {
			return ErrWrongPolicy
		}
		return tx.DeleteAuditEvent(auditAddr)
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "audit event reclaimed", "policy", policyAddr.String(), "audit", auditAddr.String())
	return nil
}

// CloseRecipientSpend releases a stale per-recipient counter. Authority
// only. Safe at any time: everything future evaluations need is already
// folded into the policy counters or re-derivable from a fresh record.
func (s *Service) CloseRecipientSpend(ctx context.Context, caller address.Identity, policyAddr address.Address, recipient address.Identity) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		p, err := tx.Policy(policyAddr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrPolicyNotFound
			}
			return err
		}
		if p.Authority != caller {
			return fmt.Errorf("%w: caller is not the policy authority", ErrUnauthorized)
		}
		rsAddr := address.RecipientSpend(policyAddr, recipient)
		if err := tx.DeleteRecipientSpend(rsAddr); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrRecipientSpendNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "recipient-spend record reclaimed", "policy", policyAddr.String(), "recipient", recipient.String())
	return nil
}
