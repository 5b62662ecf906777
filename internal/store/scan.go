package store

import (
	"embed"
	"time"

	"github.com/google/uuid"

	"github.com/isabell-ah/satsjar/internal/domain"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	accountColumns     = "id, role, COALESCE(parent_id, ''), display_name, balance_sats, created_at"
	invoiceColumns     = "payment_hash, provider_invoice_id, provider, account_id, COALESCE(creator_id, ''), issuer_account_id, amount_sats, memo, payment_request, status, created_at, paid_at, COALESCE(processed_via, '')"
	transactionColumns = "id, account_id, COALESCE(creator_id, ''), type, source, amount_sats, COALESCE(payment_hash, ''), COALESCE(provider_ref, ''), memo, created_at"
)

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var role string
	if err := row.Scan(&a.ID, &role, &a.ParentID, &a.DisplayName, &a.BalanceSats, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Role = domain.Role(role)
	return &a, nil
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var provider, status, via string
	err := row.Scan(
		&inv.PaymentHash, &inv.ProviderInvoiceID, &provider, &inv.AccountID, &inv.CreatorID,
		&inv.IssuerAccountID, &inv.AmountSats, &inv.Memo, &inv.PaymentRequest, &status,
		&inv.CreatedAt, &inv.PaidAt, &via,
	)
	if err != nil {
		return nil, err
	}
	inv.Provider = domain.Provider(provider)
	inv.Status = domain.InvoiceStatus(status)
	inv.ProcessedVia = domain.SettledVia(via)
	if inv.PaidAt != nil {
		paidAt := inv.PaidAt.UTC()
		inv.PaidAt = &paidAt
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	return &inv, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var typ, source string
	err := row.Scan(&t.ID, &t.AccountID, &t.CreatorID, &typ, &source, &t.AmountSats,
		&t.PaymentHash, &t.ProviderRef, &t.Memo, &t.Timestamp)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(typ)
	t.Source = domain.TransactionSource(source)
	t.Timestamp = t.Timestamp.UTC()
	return &t, nil
}

// nullable maps the zero string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func prepareAccount(a *domain.Account) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
}

func fillTransaction(t *domain.Transaction) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
}
