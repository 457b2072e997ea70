package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/records"
)

const bundleVersion = "1.0.0"

var (
	ErrEmptyBundle      = errors.New("audit: no events match filter")
	ErrHashMismatch     = errors.New("audit: bundle hash mismatch")
	ErrBadSignature     = errors.New("audit: bundle signature verification failed")
	ErrMalformedBundle  = errors.New("audit: malformed bundle")
	ErrUnknownVersion   = errors.New("audit: unsupported bundle version")
	errCanonicalization = errors.New("audit: event canonicalization failed")
)

// EvidenceBundle is a signed, exportable selection of audit events. The
// hash covers the RFC 8785 canonical form of the events, so two exports
// of the same selection hash identically regardless of field order.
type EvidenceBundle struct {
	BundleID   string               `json:"bundle_id"`
	Version    string               `json:"version"`
	CreatedAt  time.Time            `json:"created_at"`
	Policy     address.Address      `json:"policy"`
	StartSeq   uint64               `json:"start_sequence"`
	EndSeq     uint64               `json:"end_sequence"`
	EventCount int                  `json:"event_count"`
	Events     []records.AuditEvent `json:"events"`
	BundleHash string               `json:"bundle_hash"`
	Signature  []byte               `json:"signature"`
	PublicKey  ed25519.PublicKey    `json:"public_key"`
}

// Exporter builds signed evidence bundles. Each bundle is signed with a
// key derived for its policy from the exporter's master keyring.
type Exporter struct {
	src     EventSource
	keyring *Keyring
	clock   func() time.Time
}

func NewExporter(src EventSource, keyring *Keyring) *Exporter {
	return &Exporter{src: src, keyring: keyring, clock: time.Now}
}

// WithClock overrides the bundle timestamp source.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export queries the policy's trail and returns a signed bundle.
func (e *Exporter) Export(ctx context.Context, policyAddr address.Address, filter QueryFilter) (*EvidenceBundle, error) {
	events, err := Query(ctx, e.src, policyAddr, filter)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEmptyBundle
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		Version:    bundleVersion,
		CreatedAt:  e.clock().UTC(),
		Policy:     policyAddr,
		StartSeq:   events[0].Sequence,
		EndSeq:     events[len(events)-1].Sequence,
		EventCount: len(events),
		Events:     events,
	}

	hash, err := hashEvents(events)
	if err != nil {
		return nil, err
	}
	bundle.BundleHash = hash

	scoped, err := e.keyring.DeriveForScope(policyAddr.String())
	if err != nil {
		return nil, fmt.Errorf("derive bundle key: %w", err)
	}
	sig, err := scoped.Sign([]byte(bundle.BundleHash))
	if err != nil {
		return nil, fmt.Errorf("sign bundle: %w", err)
	}
	bundle.Signature = sig
	bundle.PublicKey = scoped.PublicKey()
	return bundle, nil
}

// Verify checks a bundle's hash and signature against its embedded
// verification key. Callers who pin policy keys should additionally
// compare PublicKey against their pinned value.
func Verify(bundle *EvidenceBundle) error {
	if bundle == nil || len(bundle.Events) == 0 {
		return ErrMalformedBundle
	}
	if bundle.Version != bundleVersion {
		return fmt.Errorf("%w: %q", ErrUnknownVersion, bundle.Version)
	}
	if bundle.EventCount != len(bundle.Events) {
		return fmt.Errorf("%w: event count disagrees with payload", ErrMalformedBundle)
	}

	hash, err := hashEvents(bundle.Events)
	if err != nil {
		return err
	}
	if hash != bundle.BundleHash {
		return ErrHashMismatch
	}
	if len(bundle.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length", ErrMalformedBundle)
	}
	if !ed25519.Verify(bundle.PublicKey, []byte(bundle.BundleHash), bundle.Signature) {
		return ErrBadSignature
	}
	return nil
}

func hashEvents(events []records.AuditEvent) (string, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errCanonicalization, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errCanonicalization, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
