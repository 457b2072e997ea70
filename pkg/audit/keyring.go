package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider signs evidence bundles and exposes the verification key.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an Ed25519 keypair in memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewMemoryKeyProviderFromSeed builds a deterministic provider, used for
// key restore and derivation.
func NewMemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Keyring wraps a KeyProvider and supports deriving scoped sub-keys, so
// each policy's evidence bundles verify against a distinct key while the
// operator escrows only the master seed.
type Keyring struct {
	provider KeyProvider
}

func NewKeyring(p KeyProvider) *Keyring {
	return &Keyring{provider: p}
}

func (k *Keyring) Sign(msg []byte) ([]byte, error) {
	return k.provider.Sign(msg)
}

func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.provider.PublicKey()
}

// DeriveForScope derives a scope-specific keyring using HKDF-SHA256 over
// the master seed, with the scope as the info input. Deterministic: the
// same master seed and scope always yield the same keypair.
func (k *Keyring) DeriveForScope(scope string) (*Keyring, error) {
	if scope == "" {
		return nil, errors.New("scope must not be empty")
	}
	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, errors.New("scoped key derivation requires a MemoryKeyProvider master")
	}

	r := hkdf.New(sha256.New, master.priv.Seed(), []byte("spendguard-audit-kdf"), []byte(scope))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive scoped key: %w", err)
	}

	derived, err := NewMemoryKeyProviderFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return NewKeyring(derived), nil
}
