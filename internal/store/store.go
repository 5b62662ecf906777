// Package store persists accounts, credentials, invoices and the
// transaction ledger. All balance mutations go through RunInTx.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
)

var (
	// ErrConflict means a concurrent writer got there first. The whole
	// transaction may be retried from the start.
	ErrConflict      = errors.New("concurrent modification")
	ErrInvoiceExists = errors.New("invoice already exists")
)

// Tx is the read-modify-write surface available inside RunInTx.
type Tx interface {
	GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error)
	// MarkInvoicePaid flips a pending invoice to paid. It returns
	// ErrConflict if the invoice is no longer pending.
	MarkInvoicePaid(ctx context.Context, paymentHash string, paidAt time.Time, via domain.SettledVia) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	// AdjustBalance atomically adds delta and returns the new balance. A
	// result below zero fails with domain.ErrInsufficientFunds.
	AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error)
	// AppendTransaction returns ErrConflict if a deposit with the same
	// payment hash already exists.
	AppendTransaction(ctx context.Context, t *domain.Transaction) error
}

type Store interface {
	RunInTx(ctx context.Context, fn func(Tx) error) error

	CreateAccount(ctx context.Context, a *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	PutCredential(ctx context.Context, c domain.Credential) error
	GetCredential(ctx context.Context, accountID string, p domain.Provider) (*domain.Credential, error)

	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error)
	ListPendingInvoices(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Invoice, error)

	ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error)

	Migrate(ctx context.Context) error
	Close()
}

const DefaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Open connects to the backend named by driver. The schema is not applied;
// call Migrate.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverPostgres, "":
		return NewPostgres(ctx, dsn)
	case DriverSQLite:
		return NewSQLite(dsn)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
