package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/spendguard/spendguard/pkg/audit"
)

// PostgresSink archives evidence bundles to a Postgres table, for sites
// that keep compliance retention in SQL rather than object storage.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the archive table.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evidence_bundles (
			bundle_hash    TEXT PRIMARY KEY,
			bundle_id      TEXT NOT NULL,
			policy_addr    TEXT NOT NULL,
			start_sequence BIGINT NOT NULL,
			end_sequence   BIGINT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			body           JSONB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate evidence_bundles: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_evidence_bundles_policy ON evidence_bundles (policy_addr, start_sequence)`)
	if err != nil {
		return fmt.Errorf("migrate evidence_bundles index: %w", err)
	}
	return nil
}

func (s *PostgresSink) Put(ctx context.Context, bundle *audit.EvidenceBundle) (string, error) {
	data, ref, err := encode(bundle)
	if err != nil {
		return "", err
	}

	// Content-addressed: on conflict the row already holds these bytes.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence_bundles (bundle_hash, bundle_id, policy_addr, start_sequence, end_sequence, created_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bundle_hash) DO NOTHING`,
		bundle.BundleHash, bundle.BundleID, bundle.Policy.String(),
		int64(bundle.StartSeq), int64(bundle.EndSeq), bundle.CreatedAt, data)
	if err != nil {
		return "", fmt.Errorf("archive bundle: %w", err)
	}
	return ref, nil
}

func (s *PostgresSink) Get(ctx context.Context, ref string) (*audit.EvidenceBundle, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT body FROM evidence_bundles WHERE bundle_hash = $1`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch bundle %s: %w", ref, err)
	}
	return decode(data, ref)
}

func (s *PostgresSink) Exists(ctx context.Context, ref string) (bool, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM evidence_bundles WHERE bundle_hash = $1`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check bundle %s: %w", ref, err)
	}
	return true, nil
}

func (s *PostgresSink) Delete(ctx context.Context, ref string) error {
	hash, err := parseRef(ref)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM evidence_bundles WHERE bundle_hash = $1`, hash); err != nil {
		return fmt.Errorf("delete bundle %s: %w", ref, err)
	}
	return nil
}
