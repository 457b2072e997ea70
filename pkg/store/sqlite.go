package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/records"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable substrate backed by SQLite. Records are stored
// as JSON bodies keyed by address; a store-level mutex plus one SQL
// transaction per Update gives the single-writer serialization the spend
// handlers rely on.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite substrate at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver provides no cross-connection transaction isolation
	// guarantees we need; one connection keeps transactions serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vault_records (
		addr TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS policy_records (
		addr TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS recipient_spend_records (
		addr TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_events (
		addr TEXT PRIMARY KEY,
		policy_addr TEXT NOT NULL,
		seq INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_policy_seq ON audit_events(policy_addr, seq);
	CREATE TABLE IF NOT EXISTS balances (
		addr TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0)
	);`
	_, err := s.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("migrate substrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stx := &sqliteTx{ctx: ctx, tx: tx}
	if err := fn(stx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The readOnly flag on the tx guards against mutation; driver-level
	// read-only transactions are not portable across sqlite drivers.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(&sqliteTx{ctx: ctx, tx: tx, readOnly: true})
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func getRecord[T any](t *sqliteTx, table string, addr address.Address) (*T, error) {
	var body string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT body FROM `+table+` WHERE addr = ?`, addr.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	var rec T
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", table, err)
	}
	return &rec, nil
}

func putRecord(t *sqliteTx, table string, addr address.Address, rec any) error {
	if t.readOnly {
		return ErrReadOnly
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", table, err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO `+table+` (addr, body) VALUES (?, ?)
		 ON CONFLICT(addr) DO UPDATE SET body = excluded.body`,
		addr.String(), string(body))
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return nil
}

func deleteRecord(t *sqliteTx, table string, addr address.Address) error {
	if t.readOnly {
		return ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM `+table+` WHERE addr = ?`, addr.String())
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) Vault(addr address.Address) (*records.Vault, error) {
	return getRecord[records.Vault](t, "vault_records", addr)
}

func (t *sqliteTx) PutVault(addr address.Address, v records.Vault) error {
	return putRecord(t, "vault_records", addr, v)
}

func (t *sqliteTx) Policy(addr address.Address) (*records.Policy, error) {
	return getRecord[records.Policy](t, "policy_records", addr)
}

func (t *sqliteTx) PutPolicy(addr address.Address, p records.Policy) error {
	return putRecord(t, "policy_records", addr, p)
}

func (t *sqliteTx) RecipientSpend(addr address.Address) (*records.RecipientSpend, error) {
	return getRecord[records.RecipientSpend](t, "recipient_spend_records", addr)
}

func (t *sqliteTx) PutRecipientSpend(addr address.Address, rs records.RecipientSpend) error {
	return putRecord(t, "recipient_spend_records", addr, rs)
}

func (t *sqliteTx) DeleteRecipientSpend(addr address.Address) error {
	return deleteRecord(t, "recipient_spend_records", addr)
}

func (t *sqliteTx) AuditEvent(addr address.Address) (*records.AuditEvent, error) {
	return getRecord[records.AuditEvent](t, "audit_events", addr)
}

func (t *sqliteTx) AppendAuditEvent(addr address.Address, ev records.AuditEvent) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.AuditEvent(addr); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO audit_events (addr, policy_addr, seq, body) VALUES (?, ?, ?, ?)`,
		addr.String(), ev.Policy.String(), int64(ev.Sequence), string(body))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteAuditEvent(addr address.Address) error {
	return deleteRecord(t, "audit_events", addr)
}

func (t *sqliteTx) ListAuditEvents(policy address.Address, sinceSeq uint64, limit int) ([]records.AuditEvent, error) {
	query := `SELECT body FROM audit_events WHERE policy_addr = ? AND seq >= ? ORDER BY seq ASC`
	args := []any{policy.String(), int64(sinceSeq)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []records.AuditEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev records.AuditEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Balance(addr address.Address) (uint64, error) {
	var balance int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT balance FROM balances WHERE addr = ?`, addr.String()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return uint64(balance), nil
}

func (t *sqliteTx) Credit(addr address.Address, amount uint64) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO balances (addr, balance) VALUES (?, ?)
		 ON CONFLICT(addr) DO UPDATE SET balance = balance + excluded.balance`,
		addr.String(), int64(amount))
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (t *sqliteTx) Transfer(from, to address.Address, amount uint64) error {
	if t.readOnly {
		return ErrReadOnly
	}
	balance, err := t.Balance(from)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientFunds
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE balances SET balance = balance - ? WHERE addr = ?`,
		int64(amount), from.String())
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	return t.Credit(to, amount)
}
