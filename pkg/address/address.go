// Package address implements deterministic record addressing.
//
// Every record the substrate holds lives at an address that is a pure
// function of a fixed role tag plus the parent key(s), so any caller can
// compute where a record lives without fetching it first. Audit event
// addresses additionally fold in the sequence number as a fixed-width
// little-endian integer.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Role tags. Changing any of these is a breaking change to every derived
// address in an existing store.
const (
	tagVault          = "vault"
	tagPolicy         = "policy"
	tagRecipientSpend = "rspend"
	tagAudit          = "audit"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity encoding")
	ErrInvalidAddress  = errors.New("invalid address encoding")
)

// Identity is an opaque 32-byte participant key (owner, authority, agent,
// recipient). The signing layer that proves possession of an identity is
// external to this module.
type Identity [32]byte

// Address locates one record in the substrate.
type Address [32]byte

// ParseIdentity decodes a 64-char hex identity.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	copy(id[:], b)
	return id, nil
}

// ParseAddress decodes a 64-char hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(a) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	copy(a[:], b)
	return a, nil
}

func (id Identity) String() string { return hex.EncodeToString(id[:]) }
func (a Address) String() string   { return hex.EncodeToString(a[:]) }

func (id Identity) IsZero() bool { return id == Identity{} }

func (id Identity) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (a Address) MarshalText() ([]byte, error)   { return []byte(a.String()), nil }

func (id *Identity) UnmarshalText(b []byte) error {
	parsed, err := ParseIdentity(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Vault derives the vault address for an owner. One vault per owner:
// first write at this address wins.
func Vault(owner Identity) Address {
	return derive(tagVault, owner[:])
}

// Policy derives the policy address for a vault. One policy per vault.
func Policy(vault Address) Address {
	return derive(tagPolicy, vault[:])
}

// RecipientSpend derives the per-(policy, recipient) counter address.
func RecipientSpend(policy Address, recipient Identity) Address {
	return derive(tagRecipientSpend, policy[:], recipient[:])
}

// AuditEvent derives the address of the audit record for one spend attempt.
// The sequence is encoded little-endian so the byte layout is stable across
// platforms; callers that pre-compute this address from a freshly read
// next_sequence must re-derive and retry if a racing request commits first.
func AuditEvent(policy Address, sequence uint64) Address {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], sequence)
	return derive(tagAudit, policy[:], seq[:])
}

// ForIdentity returns the balance address of a bare identity (e.g. a spend
// recipient). Identities hold value at their own key.
func ForIdentity(id Identity) Address {
	return Address(id)
}

func derive(tag string, parts ...[]byte) Address {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}
