package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/audit"
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

// seedTrail creates a policy and commits a mix of allowed and denied
// attempts, returning the service and the policy address.
func seedTrail(t *testing.T) (*vault.Service, address.Address) {
	t.Helper()
	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1_900_000*records.SecondsPerDay, 0)}
	svc := vault.New(store.NewMemStore(), vault.WithClock(clock))

	owner := ident(1)
	vaultAddr, err := svc.CreateVault(ctx, owner)
	require.NoError(t, err)
	require.NoError(t, svc.FundVault(ctx, vaultAddr, 1_000_000))
	policyAddr, err := svc.CreatePolicy(ctx, owner, vaultAddr, vault.PolicyParams{DailyBudget: 300})
	require.NoError(t, err)

	// seq 0..2 allowed to recipient 7, seq 3 denied (budget), seq 4
	// denied to a different recipient.
	for i := 0; i < 3; i++ {
		_, err := svc.Spend(ctx, owner, policyAddr, ident(7), 100)
		require.NoError(t, err)
	}
	_, err = svc.Spend(ctx, owner, policyAddr, ident(7), 100)
	require.NoError(t, err)
	_, err = svc.Spend(ctx, owner, policyAddr, ident(8), 50)
	require.NoError(t, err)

	return svc, policyAddr
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	svc, policyAddr := seedTrail(t)

	all, err := audit.Query(ctx, svc, policyAddr, audit.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)

	allowed := true
	got, err := audit.Query(ctx, svc, policyAddr, audit.QueryFilter{Allowed: &allowed})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = audit.Query(ctx, svc, policyAddr, audit.QueryFilter{Reason: records.ReasonBudgetExceeded})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	recipient := ident(8)
	got, err = audit.Query(ctx, svc, policyAddr, audit.QueryFilter{Recipient: &recipient})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].Sequence)

	got, err = audit.Query(ctx, svc, policyAddr, audit.QueryFilter{StartSeq: 1, EndSeq: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(3), got[2].Sequence)

	got, err = audit.Query(ctx, svc, policyAddr, audit.QueryFilter{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestExportAndVerify(t *testing.T) {
	ctx := context.Background()
	svc, policyAddr := seedTrail(t)

	provider, err := audit.NewMemoryKeyProvider()
	require.NoError(t, err)
	exporter := audit.NewExporter(svc, audit.NewKeyring(provider))

	bundle, err := exporter.Export(ctx, policyAddr, audit.QueryFilter{})
	require.NoError(t, err)

	assert.NotEmpty(t, bundle.BundleID)
	assert.Equal(t, uint64(0), bundle.StartSeq)
	assert.Equal(t, uint64(4), bundle.EndSeq)
	assert.Equal(t, 5, bundle.EventCount)
	assert.NotEmpty(t, bundle.BundleHash)

	require.NoError(t, audit.Verify(bundle))
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	svc, policyAddr := seedTrail(t)

	provider, err := audit.NewMemoryKeyProvider()
	require.NoError(t, err)
	exporter := audit.NewExporter(svc, audit.NewKeyring(provider))

	bundle, err := exporter.Export(ctx, policyAddr, audit.QueryFilter{})
	require.NoError(t, err)

	t.Run("event mutation", func(t *testing.T) {
		tampered := *bundle
		tampered.Events = append([]records.AuditEvent(nil), bundle.Events...)
		tampered.Events[2].Amount += 1
		assert.ErrorIs(t, audit.Verify(&tampered), audit.ErrHashMismatch)
	})

	t.Run("hash swapped with a forged signature target", func(t *testing.T) {
		tampered := *bundle
		tampered.Signature = append([]byte(nil), bundle.Signature...)
		tampered.Signature[0] ^= 0xff
		assert.ErrorIs(t, audit.Verify(&tampered), audit.ErrBadSignature)
	})

	t.Run("empty bundle", func(t *testing.T) {
		assert.ErrorIs(t, audit.Verify(&audit.EvidenceBundle{}), audit.ErrMalformedBundle)
	})
}

func TestExportEmptySelection(t *testing.T) {
	ctx := context.Background()
	svc, policyAddr := seedTrail(t)

	provider, err := audit.NewMemoryKeyProvider()
	require.NoError(t, err)
	exporter := audit.NewExporter(svc, audit.NewKeyring(provider))

	_, err = exporter.Export(ctx, policyAddr, audit.QueryFilter{StartSeq: 100})
	assert.ErrorIs(t, err, audit.ErrEmptyBundle)
}

func TestScopedKeysAreDeterministicAndDistinct(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 42
	provider, err := audit.NewMemoryKeyProviderFromSeed(seed)
	require.NoError(t, err)
	master := audit.NewKeyring(provider)

	a1, err := master.DeriveForScope("policy-a")
	require.NoError(t, err)
	a2, err := master.DeriveForScope("policy-a")
	require.NoError(t, err)
	b, err := master.DeriveForScope("policy-b")
	require.NoError(t, err)

	assert.Equal(t, a1.PublicKey(), a2.PublicKey())
	assert.NotEqual(t, a1.PublicKey(), b.PublicKey())
	assert.NotEqual(t, master.PublicKey(), a1.PublicKey())

	_, err = master.DeriveForScope("")
	assert.Error(t, err)
}
