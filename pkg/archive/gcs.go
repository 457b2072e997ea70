//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/spendguard/spendguard/pkg/audit"
)

// GCSSink archives evidence bundles to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSSink.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSSink creates a GCS-backed archive sink. Credentials come from
// Application Default Credentials.
func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) object(hash string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + hash + ".json")
}

func (s *GCSSink) Put(ctx context.Context, bundle *audit.EvidenceBundle) (string, error) {
	data, ref, err := encode(bundle)
	if err != nil {
		return "", err
	}

	obj := s.object(bundle.BundleHash)
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return ref, nil
}

func (s *GCSSink) Get(ctx context.Context, ref string) (*audit.EvidenceBundle, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	reader, err := s.object(hash).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", ref, err)
	}
	return decode(data, ref)
}

func (s *GCSSink) Exists(ctx context.Context, ref string) (bool, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := s.object(hash).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSSink) Delete(ctx context.Context, ref string) error {
	hash, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := s.object(hash).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("gcs delete failed for %s: %w", ref, err)
	}
	return nil
}
