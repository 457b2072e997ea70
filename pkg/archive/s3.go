package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/spendguard/spendguard/pkg/audit"
)

// S3Sink archives evidence bundles to an S3 bucket. Objects are keyed by
// bundle hash under an optional prefix.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds configuration for S3Sink.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Sink creates an S3-backed archive sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Sink) key(hash string) string {
	return s.prefix + hash + ".json"
}

func (s *S3Sink) Put(ctx context.Context, bundle *audit.EvidenceBundle) (string, error) {
	data, ref, err := encode(bundle)
	if err != nil {
		return "", err
	}
	key := s.key(bundle.BundleHash)

	// Content-addressed, so an existing object is the same object.
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return ref, nil
}

func (s *S3Sink) Get(ctx context.Context, ref string) (*audit.EvidenceBundle, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", ref, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed for %s: %w", ref, err)
	}
	return decode(data, ref)
}

func (s *S3Sink) Exists(ctx context.Context, ref string) (bool, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3Sink) Delete(ctx context.Context, ref string) error {
	hash, err := parseRef(ref)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", ref, err)
	}
	return nil
}
