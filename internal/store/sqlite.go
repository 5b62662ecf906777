package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/isabell-ah/satsjar/internal/domain"
)

// SQLite is a single-node Store. Transactions start with BEGIN IMMEDIATE so
// writers are serialized by the database lock.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	s.db.Close()
}

func (s *SQLite) Migrate(ctx context.Context) error {
	ddl, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLite) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return mapSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

func sqliteCode(err error) (sqlite3.ErrNoExtended, sqlite3.ErrNo, bool) {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return 0, 0, false
	}
	return se.ExtendedCode, se.Code, true
}

func mapSQLiteError(err error) error {
	ext, code, ok := sqliteCode(err)
	if !ok {
		return err
	}
	if code == sqlite3.ErrBusy || code == sqlite3.ErrLocked ||
		ext == sqlite3.ErrConstraintUnique || ext == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE payment_hash = ?", paymentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, err
}

func (t *sqliteTx) MarkInvoicePaid(ctx context.Context, paymentHash string, paidAt time.Time, via domain.SettledVia) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE invoices SET status = 'paid', paid_at = ?, processed_via = ? WHERE payment_hash = ? AND status = 'pending'",
		paidAt.UTC(), string(via), paymentHash)
	if err != nil {
		return fmt.Errorf("invoice update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *sqliteTx) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	return acc, err
}

func (t *sqliteTx) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx,
		"UPDATE accounts SET balance_sats = balance_sats + ? WHERE id = ? RETURNING balance_sats",
		delta, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	if ext, _, ok := sqliteCode(err); ok && ext == sqlite3.ErrConstraintCheck {
		return 0, domain.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}
	return balance, nil
}

func (t *sqliteTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	fillTransaction(txn)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (id, account_id, creator_id, type, source, amount_sats, payment_hash, provider_ref, memo, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, nullable(txn.CreatorID), string(txn.Type), string(txn.Source), txn.AmountSats,
		nullable(txn.PaymentHash), nullable(txn.ProviderRef), txn.Memo, txn.Timestamp.UTC())
	if err != nil {
		if ext, _, ok := sqliteCode(err); ok && ext == sqlite3.ErrConstraintUnique {
			return ErrConflict
		}
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

func (s *SQLite) CreateAccount(ctx context.Context, a *domain.Account) error {
	prepareAccount(a)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, role, parent_id, display_name, balance_sats, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		a.ID, string(a.Role), nullable(a.ParentID), a.DisplayName, a.BalanceSats, a.CreatedAt.UTC())
	return err
}

func (s *SQLite) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	return acc, err
}

func (s *SQLite) PutCredential(ctx context.Context, c domain.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_credentials (account_id, provider, invoice_key, admin_key) VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, provider) DO UPDATE SET invoice_key = excluded.invoice_key, admin_key = excluded.admin_key`,
		c.AccountID, string(c.Provider), c.InvoiceKey, c.AdminKey)
	if ext, _, ok := sqliteCode(err); ok && ext == sqlite3.ErrConstraintForeignKey {
		return domain.ErrAccountNotFound
	}
	return err
}

func (s *SQLite) GetCredential(ctx context.Context, accountID string, p domain.Provider) (*domain.Credential, error) {
	c := domain.Credential{AccountID: accountID, Provider: p}
	err := s.db.QueryRowContext(ctx,
		"SELECT invoice_key, admin_key FROM provider_credentials WHERE account_id = ? AND provider = ?",
		accountID, string(p)).Scan(&c.InvoiceKey, &c.AdminKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCredentialMissing
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLite) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (payment_hash, provider_invoice_id, provider, account_id, creator_id, issuer_account_id,
		                       amount_sats, memo, payment_request, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.PaymentHash, inv.ProviderInvoiceID, string(inv.Provider), inv.AccountID, nullable(inv.CreatorID),
		inv.IssuerAccountID, inv.AmountSats, inv.Memo, inv.PaymentRequest, string(inv.Status), inv.CreatedAt.UTC())
	if ext, _, ok := sqliteCode(err); ok {
		switch ext {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return ErrInvoiceExists
		case sqlite3.ErrConstraintForeignKey:
			return domain.ErrAccountNotFound
		}
	}
	return err
}

func (s *SQLite) GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE payment_hash = ?", paymentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, err
}

func (s *SQLite) ListPendingInvoices(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE status = 'pending' AND created_at > ? ORDER BY created_at LIMIT ?",
		createdAfter.UTC(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *SQLite) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE account_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?",
		accountID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
