package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/isabell-ah/satsjar/internal/domain"
)

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) Migrate(ctx context.Context) error {
	ddl, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		return err
	}
	if _, err := s.Db.Exec(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunInTx runs fn in a REPEATABLE READ transaction. Serialization failures,
// deadlocks and unique violations surface as ErrConflict.
func (s *Postgres) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

// GetInvoice reads without a row lock. Concurrent settlers are serialised
// by the conditional update in MarkInvoicePaid: under repeatable read the
// loser gets 40001 and retries.
func (t *pgTx) GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE payment_hash = $1", paymentHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, err
}

func (t *pgTx) MarkInvoicePaid(ctx context.Context, paymentHash string, paidAt time.Time, via domain.SettledVia) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE invoices SET status = 'paid', paid_at = $2, processed_via = $3 WHERE payment_hash = $1 AND status = 'pending'",
		paymentHash, paidAt, string(via))
	if err != nil {
		return fmt.Errorf("invoice update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	return acc, err
}

func (t *pgTx) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		"UPDATE accounts SET balance_sats = balance_sats + $1 WHERE id = $2 RETURNING balance_sats",
		delta, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return 0, domain.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}
	return balance, nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	fillTransaction(txn)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, creator_id, type, source, amount_sats, payment_hash, provider_ref, memo, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.AccountID, nullable(txn.CreatorID), string(txn.Type), string(txn.Source), txn.AmountSats,
		nullable(txn.PaymentHash), nullable(txn.ProviderRef), txn.Memo, txn.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

func (s *Postgres) CreateAccount(ctx context.Context, a *domain.Account) error {
	prepareAccount(a)
	_, err := s.Db.Exec(ctx,
		"INSERT INTO accounts (id, role, parent_id, display_name, balance_sats, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		a.ID, string(a.Role), nullable(a.ParentID), a.DisplayName, a.BalanceSats, a.CreatedAt)
	return err
}

// GetAccount retrieves a single account by ID.
func (s *Postgres) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	return acc, err
}

func (s *Postgres) PutCredential(ctx context.Context, c domain.Credential) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO provider_credentials (account_id, provider, invoice_key, admin_key) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, provider) DO UPDATE SET invoice_key = EXCLUDED.invoice_key, admin_key = EXCLUDED.admin_key`,
		c.AccountID, string(c.Provider), c.InvoiceKey, c.AdminKey)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return domain.ErrAccountNotFound
	}
	return err
}

func (s *Postgres) GetCredential(ctx context.Context, accountID string, p domain.Provider) (*domain.Credential, error) {
	c := domain.Credential{AccountID: accountID, Provider: p}
	err := s.Db.QueryRow(ctx,
		"SELECT invoice_key, admin_key FROM provider_credentials WHERE account_id = $1 AND provider = $2",
		accountID, string(p)).Scan(&c.InvoiceKey, &c.AdminKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCredentialMissing
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Postgres) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO invoices (payment_hash, provider_invoice_id, provider, account_id, creator_id, issuer_account_id,
		                       amount_sats, memo, payment_request, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.PaymentHash, inv.ProviderInvoiceID, string(inv.Provider), inv.AccountID, nullable(inv.CreatorID),
		inv.IssuerAccountID, inv.AmountSats, inv.Memo, inv.PaymentRequest, string(inv.Status), inv.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrInvoiceExists
		case pgForeignKeyViolation:
			return domain.ErrAccountNotFound
		}
	}
	return err
}

func (s *Postgres) GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.Db.QueryRow(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE payment_hash = $1", paymentHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, err
}

func (s *Postgres) ListPendingInvoices(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Invoice, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE status = 'pending' AND created_at > $1 ORDER BY created_at LIMIT $2",
		createdAfter, clampLimit(limit))
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

// ListTransactions retrieves ledger entries for a specific account, newest first.
func (s *Postgres) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	rows, err := s.Db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE account_id = $1 ORDER BY created_at DESC, id LIMIT $2",
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
