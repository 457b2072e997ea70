// Package archive persists signed evidence bundles to durable external
// storage. Audit reclamation deletes the on-ledger record, so operators
// archive a bundle first; the bundle hash doubles as the storage key,
// which makes uploads idempotent and retrievals self-verifying.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spendguard/spendguard/pkg/audit"
)

var (
	ErrNotFound    = errors.New("archive: bundle not found")
	ErrInvalidRef  = errors.New("archive: invalid bundle reference")
	ErrBadContents = errors.New("archive: stored bundle fails verification")
)

const refPrefix = "sha256:"

// Sink stores and retrieves evidence bundles by content reference.
type Sink interface {
	// Put stores the bundle and returns its reference. Storing the same
	// bundle twice returns the same reference without a second upload.
	Put(ctx context.Context, bundle *audit.EvidenceBundle) (string, error)
	// Get retrieves and verifies a bundle by reference.
	Get(ctx context.Context, ref string) (*audit.EvidenceBundle, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// encode verifies the bundle and returns its wire form plus reference.
// The reference is the bundle's own hash, so a retrieved bundle can be
// checked against the key it was fetched under.
func encode(bundle *audit.EvidenceBundle) ([]byte, string, error) {
	if err := audit.Verify(bundle); err != nil {
		return nil, "", fmt.Errorf("refusing to archive unverifiable bundle: %w", err)
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, "", fmt.Errorf("encode bundle: %w", err)
	}
	return data, refPrefix + bundle.BundleHash, nil
}

// decode parses a stored bundle and verifies it against the reference it
// was fetched under.
func decode(data []byte, ref string) (*audit.EvidenceBundle, error) {
	var bundle audit.EvidenceBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadContents, err)
	}
	if err := audit.Verify(&bundle); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadContents, err)
	}
	if refPrefix+bundle.BundleHash != ref {
		return nil, fmt.Errorf("%w: contents do not match reference %s", ErrBadContents, ref)
	}
	return &bundle, nil
}

func parseRef(ref string) (string, error) {
	if len(ref) <= len(refPrefix) || ref[:len(refPrefix)] != refPrefix {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}
	return ref[len(refPrefix):], nil
}
