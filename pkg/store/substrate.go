// Package store provides the ledger substrate: durable keyed records with
// serialized all-or-nothing mutation, native-value balances with an atomic
// transfer primitive, and the clock the evaluation engine reads.
//
// The substrate serializes mutating transactions; no two Update calls
// against the same store interleave. A transaction either commits every
// write it staged or none of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/records"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrReadOnly          = errors.New("mutation inside read-only transaction")
)

// Clock supplies wall-clock time for day-index and cooldown arithmetic.
// Inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Tx is one transaction against the substrate. Getters return ErrNotFound
// for absent records. AppendAuditEvent refuses to overwrite: audit events
// are immutable once written and may only be deleted wholesale through
// reclamation.
type Tx interface {
	Vault(addr address.Address) (*records.Vault, error)
	PutVault(addr address.Address, v records.Vault) error

	Policy(addr address.Address) (*records.Policy, error)
	PutPolicy(addr address.Address, p records.Policy) error

	RecipientSpend(addr address.Address) (*records.RecipientSpend, error)
	PutRecipientSpend(addr address.Address, rs records.RecipientSpend) error
	DeleteRecipientSpend(addr address.Address) error

	AuditEvent(addr address.Address) (*records.AuditEvent, error)
	AppendAuditEvent(addr address.Address, ev records.AuditEvent) error
	DeleteAuditEvent(addr address.Address) error
	ListAuditEvents(policy address.Address, sinceSeq uint64, limit int) ([]records.AuditEvent, error)

	Balance(addr address.Address) (uint64, error)
	Credit(addr address.Address, amount uint64) error
	Transfer(from, to address.Address, amount uint64) error
}

// Substrate is the durable record store.
type Substrate interface {
	// Update runs fn inside a serialized read-write transaction. If fn
	// returns an error every staged write is discarded.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
