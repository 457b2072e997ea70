package store

import (
	"context"
	"sort"
	"sync"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/records"
)

// MemStore is an in-memory substrate. Transactions stage writes on cloned
// maps and swap them in on commit, so a failed transaction leaves the store
// untouched. Suitable for tests and embedded single-process use.
type MemStore struct {
	mu       sync.RWMutex
	vaults   map[address.Address]records.Vault
	policies map[address.Address]records.Policy
	rspends  map[address.Address]records.RecipientSpend
	audits   map[address.Address]records.AuditEvent
	balances map[address.Address]uint64
}

// NewMemStore creates an empty in-memory substrate.
func NewMemStore() *MemStore {
	return &MemStore{
		vaults:   make(map[address.Address]records.Vault),
		policies: make(map[address.Address]records.Policy),
		rspends:  make(map[address.Address]records.RecipientSpend),
		audits:   make(map[address.Address]records.AuditEvent),
		balances: make(map[address.Address]uint64),
	}
}

func (s *MemStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		vaults:   cloneMap(s.vaults),
		policies: cloneMap(s.policies),
		rspends:  cloneMap(s.rspends),
		audits:   cloneMap(s.audits),
		balances: cloneMap(s.balances),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.vaults = tx.vaults
	s.policies = tx.policies
	s.rspends = tx.rspends
	s.audits = tx.audits
	s.balances = tx.balances
	return nil
}

func (s *MemStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := &memTx{
		readOnly: true,
		vaults:   s.vaults,
		policies: s.policies,
		rspends:  s.rspends,
		audits:   s.audits,
		balances: s.balances,
	}
	return fn(tx)
}

func (s *MemStore) Close() error { return nil }

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memTx struct {
	readOnly bool
	vaults   map[address.Address]records.Vault
	policies map[address.Address]records.Policy
	rspends  map[address.Address]records.RecipientSpend
	audits   map[address.Address]records.AuditEvent
	balances map[address.Address]uint64
}

func (t *memTx) Vault(addr address.Address) (*records.Vault, error) {
	v, ok := t.vaults[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (t *memTx) PutVault(addr address.Address, v records.Vault) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.vaults[addr] = v
	return nil
}

func (t *memTx) Policy(addr address.Address) (*records.Policy, error) {
	p, ok := t.policies[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) PutPolicy(addr address.Address, p records.Policy) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.policies[addr] = p
	return nil
}

func (t *memTx) RecipientSpend(addr address.Address) (*records.RecipientSpend, error) {
	rs, ok := t.rspends[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return &rs, nil
}

func (t *memTx) PutRecipientSpend(addr address.Address, rs records.RecipientSpend) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.rspends[addr] = rs
	return nil
}

func (t *memTx) DeleteRecipientSpend(addr address.Address) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.rspends[addr]; !ok {
		return ErrNotFound
	}
	delete(t.rspends, addr)
	return nil
}

func (t *memTx) AuditEvent(addr address.Address) (*records.AuditEvent, error) {
	ev, ok := t.audits[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (t *memTx) AppendAuditEvent(addr address.Address, ev records.AuditEvent) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.audits[addr]; ok {
		return ErrAlreadyExists
	}
	t.audits[addr] = ev
	return nil
}

func (t *memTx) DeleteAuditEvent(addr address.Address) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, ok := t.audits[addr]; !ok {
		return ErrNotFound
	}
	delete(t.audits, addr)
	return nil
}

func (t *memTx) ListAuditEvents(policy address.Address, sinceSeq uint64, limit int) ([]records.AuditEvent, error) {
	var out []records.AuditEvent
	for _, ev := range t.audits {
		if ev.Policy == policy && ev.Sequence >= sinceSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) Balance(addr address.Address) (uint64, error) {
	return t.balances[addr], nil
}

func (t *memTx) Credit(addr address.Address, amount uint64) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.balances[addr] += amount
	return nil
}

func (t *memTx) Transfer(from, to address.Address, amount uint64) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if t.balances[from] < amount {
		return ErrInsufficientFunds
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}
