// Package vault implements the instruction handlers around the policy
// evaluation engine: vault and policy lifecycle, spend orchestration, and
// storage reclamation.
//
// Handlers are thin. They load records, invoke the engine, apply its
// deltas, perform the transfer when allowed, then write the audit event and
// advance the sequence counter, all inside one substrate transaction: either
// everything commits or nothing does.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/records"
	"github.com/spendguard/spendguard/pkg/store"
)

// Caller/authorization errors. These reject the request before any state
// mutation and are never recorded as audit events: there was no attempt in
// the policy sense.
var (
	ErrUnauthorized             = errors.New("unauthorized")
	ErrVaultExists              = errors.New("vault already exists for owner")
	ErrPolicyExists             = errors.New("policy already exists for vault")
	ErrVaultNotFound            = errors.New("vault not found")
	ErrPolicyNotFound           = errors.New("policy not found")
	ErrAuditEventNotFound       = errors.New("audit event not found")
	ErrRecipientSpendNotFound   = errors.New("recipient-spend record not found")
	ErrAllowedRecipientRequired = errors.New("allowed_recipient required when allowlist is enabled")
	ErrWrongPolicy              = errors.New("record does not belong to policy")
	ErrSequenceExhausted        = errors.New("sequence counter exhausted")
)

// ErrInsufficientFunds is surfaced when the transfer primitive fails after
// an allow verdict; the whole request rolls back including the audit write.
var ErrInsufficientFunds = store.ErrInsufficientFunds

// DecisionRecorder receives metrics for every evaluated spend attempt.
type DecisionRecorder interface {
	RecordSpendDecision(ctx context.Context, allowed bool, reason records.ReasonCode, elapsed time.Duration)
}

// Subscriber receives every committed audit event, allowed or denied.
// The spend notification stream for off-process indexers.
type Subscriber func(ev records.AuditEvent)

// Service orchestrates all operations against the substrate.
type Service struct {
	store   store.Substrate
	clock   store.Clock
	log     *slog.Logger
	metrics DecisionRecorder

	subMu sync.RWMutex
	subs  []Subscriber
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(c store.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithDecisionRecorder wires decision metrics.
func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(s *Service) { s.metrics = r }
}

// New creates a Service over the given substrate.
func New(substrate store.Substrate, opts ...Option) *Service {
	s := &Service{
		store: substrate,
		clock: store.SystemClock{},
		log:   slog.Default().With("component", "vault"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a handler for committed audit events.
func (s *Service) Subscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *Service) notify(ev records.AuditEvent) {
	s.subMu.RLock()
	subs := s.subs
	s.subMu.RUnlock()
	for _, sub := range subs {
		sub(ev)
	}
}

// CreateVault creates the vault record for owner. Exactly one vault exists
// per owner; a second create fails on the deterministic address collision.
func (s *Service) CreateVault(ctx context.Context, owner address.Identity) (address.Address, error) {
	addr := address.Vault(owner)
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.Vault(addr); err == nil {
			return ErrVaultExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.PutVault(addr, records.Vault{
			Owner:     owner,
			CreatedAt: s.clock.Now().UTC(),
		})
	})
	if err != nil {
		return address.Address{}, err
	}
	s.log.InfoContext(ctx, "vault created", "vault", addr.String(), "owner", owner.String())
	return addr, nil
}

// FundVault credits native value to a vault's balance. Funding is a plain
// substrate transfer, not a policy operation; no audit event is written.
func (s *Service) FundVault(ctx context.Context, vaultAddr address.Address, amount uint64) error {
	return s.store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.Vault(vaultAddr); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrVaultNotFound
			}
			return err
		}
		return tx.Credit(vaultAddr, amount)
	})
}

// GetVault returns the vault record and its current balance.
func (s *Service) GetVault(ctx context.Context, vaultAddr address.Address) (*records.Vault, uint64, error) {
	var v *records.Vault
	var balance uint64
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		v, err = tx.Vault(vaultAddr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrVaultNotFound
			}
			return err
		}
		balance, err = tx.Balance(vaultAddr)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return v, balance, nil
}

// PolicyParams are the basic configuration fields.
type PolicyParams struct {
	DailyBudget     uint64
	CooldownSeconds uint32
	Agent           *address.Identity
}

// AdvancedParams adds the v2 rule fields.
type AdvancedParams struct {
	PolicyParams
	Paused               bool
	AllowlistEnabled     bool
	AllowedRecipient     *address.Identity
	PerRecipientDailyCap uint64
}

// CreatePolicy creates the policy for a vault. Only the vault owner may
// create it; the creator becomes the policy authority.
func (s *Service) CreatePolicy(ctx context.Context, caller address.Identity, vaultAddr address.Address, params PolicyParams) (address.Address, error) {
	policyAddr := address.Policy(vaultAddr)
	now := s.clock.Now().Unix()

	err := s.store.Update(ctx, func(tx store.Tx) error {
		v, err := tx.Vault(vaultAddr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrVaultNotFound
			}
			return err
		}
		if v.Owner != caller {
			return fmt.Errorf("%w: caller is not the vault owner", ErrUnauthorized)
		}
		if _, err := tx.Policy(policyAddr); err == nil {
			return ErrPolicyExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.PutPolicy(policyAddr, records.Policy{
			Vault:           vaultAddr,
			Authority:       caller,
			Agent:           params.Agent,
			DailyBudget:     params.DailyBudget,
			CooldownSeconds: params.CooldownSeconds,
			DayIndex:        records.DayIndex(now),
			PolicyVersion:   1,
		})
	})
	if err != nil {
		return address.Address{}, err
	}
	s.log.InfoContext(ctx, "policy created",
		"policy", policyAddr.String(), "vault", vaultAddr.String(),
		"daily_budget", params.DailyBudget, "cooldown_seconds", params.CooldownSeconds)
	return policyAddr, nil
}

// UpdatePolicy mutates the basic configuration fields. Authority only.
func (s *Service) UpdatePolicy(ctx context.Context, caller address.Identity, policyAddr address.Address, params PolicyParams) error {
	return s.updatePolicy(ctx, caller, policyAddr, func(p *records.Policy) error {
		p.DailyBudget = params.DailyBudget
		p.CooldownSeconds = params.CooldownSeconds
		p.Agent = params.Agent
		return nil
	})
}

// UpdatePolicyAdvanced mutates the full rule set. Authority only. Enabling
// the allowlist without naming a recipient is a caller error, not a policy
// denial.
func (s *Service) UpdatePolicyAdvanced(ctx context.Context, caller address.Identity, policyAddr address.Address, params AdvancedParams) error {
	if params.AllowlistEnabled && params.AllowedRecipient == nil {
		return ErrAllowedRecipientRequired
	}
	return s.updatePolicy(ctx, caller, policyAddr, func(p *records.Policy) error {
		p.DailyBudget = params.DailyBudget
		p.CooldownSeconds = params.CooldownSeconds
		p.Agent = params.Agent
		p.Paused = params.Paused
		p.AllowlistEnabled = params.AllowlistEnabled
		p.AllowedRecipient = params.AllowedRecipient
		p.PerRecipientDailyCap = params.PerRecipientDailyCap
		return nil
	})
}

func (s *Service) updatePolicy(ctx context.Context, caller address.Identity, policyAddr address.Address, mutate func(*records.Policy) error) error {
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
		if err := mutate(p); err != nil {
			return err
		}
		p.PolicyVersion++
		return tx.PutPolicy(policyAddr, *p)
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "policy updated", "policy", policyAddr.String())
	return nil
}

// GetPolicy returns the policy record.
func (s *Service) GetPolicy(ctx context.Context, policyAddr address.Address) (*records.Policy, error) {
	var p *records.Policy
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.Policy(policyAddr)
		if errors.Is(err, store.ErrNotFound) {
			return ErrPolicyNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetRecipientSpend returns the per-recipient counter, or
// ErrRecipientSpendNotFound if none was created yet.
func (s *Service) GetRecipientSpend(ctx context.Context, policyAddr address.Address, recipient address.Identity) (*records.RecipientSpend, error) {
	var rs *records.RecipientSpend
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		rs, err = tx.RecipientSpend(address.RecipientSpend(policyAddr, recipient))
		if errors.Is(err, store.ErrNotFound) {
			return ErrRecipientSpendNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// ListAuditEvents returns committed audit events for a policy ordered by
// sequence, starting at sinceSeq. limit <= 0 means no limit.
func (s *Service) ListAuditEvents(ctx context.Context, policyAddr address.Address, sinceSeq uint64, limit int) ([]records.AuditEvent, error) {
	var events []records.AuditEvent
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = tx.ListAuditEvents(policyAddr, sinceSeq, limit)
		return err
	})
	return events, err
}

// GetAuditEvent returns one audit event by address.
func (s *Service) GetAuditEvent(ctx context.Context, auditAddr address.Address) (*records.AuditEvent, error) {
	var ev *records.AuditEvent
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		ev, err = tx.AuditEvent(auditAddr)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAuditEventNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}
