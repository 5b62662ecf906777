package domain

import (
	"fmt"
	"time"
)

// Provider identifies which Lightning payment service issued an invoice.
// It is a closed set: ParseProvider rejects anything else.
type Provider string

const (
	ProviderLNbits   Provider = "lnbits"
	ProviderOpenNode Provider = "opennode"
)

// Providers lists every supported provider in a stable order.
var Providers = []Provider{ProviderLNbits, ProviderOpenNode}

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderLNbits, ProviderOpenNode:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
)

// SettledVia records which confirmation path performed the pending->paid
// transition. Diagnostic only.
type SettledVia string

const (
	ViaWebhook SettledVia = "webhook"
	ViaPoll    SettledVia = "poll"
	ViaManual  SettledVia = "manual"
)

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// Account owns a single running balance in sats.
type Account struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	ParentID    string    `json:"parentId,omitempty"`
	DisplayName string    `json:"displayName"`
	BalanceSats int64     `json:"balanceSats"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CanView reports whether viewer may read this account: the account itself
// or its parent.
func (a *Account) CanView(viewerID string) bool {
	return viewerID == a.ID || (a.ParentID != "" && viewerID == a.ParentID)
}

// Credential is one account's API keys for one provider. InvoiceKey mints
// and reads invoices; AdminKey is only needed for payouts.
type Credential struct {
	AccountID  string   `json:"accountId"`
	Provider   Provider `json:"provider"`
	InvoiceKey string   `json:"-"`
	AdminKey   string   `json:"-"`
}

// Invoice is keyed by PaymentHash everywhere in the system. ProviderInvoiceID
// is only ever used when talking back to the issuing provider.
type Invoice struct {
	PaymentHash       string        `json:"paymentHash"`
	ProviderInvoiceID string        `json:"providerInvoiceId"`
	Provider          Provider      `json:"provider"`
	AccountID         string        `json:"accountId"`
	CreatorID         string        `json:"creatorId,omitempty"`
	IssuerAccountID   string        `json:"issuerAccountId"`
	AmountSats        int64         `json:"amountSats"`
	Memo              string        `json:"memo"`
	PaymentRequest    string        `json:"paymentRequest"`
	Status            InvoiceStatus `json:"status"`
	CreatedAt         time.Time     `json:"createdAt"`
	PaidAt            *time.Time    `json:"paidAt,omitempty"`
	ProcessedVia      SettledVia    `json:"processedVia,omitempty"`
}

func (i *Invoice) IsPaid() bool { return i.Status == InvoicePaid }

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
)

type TransactionSource string

const (
	SourceLightning TransactionSource = "lightning"
	SourceOther     TransactionSource = "other"
)

// Transaction is an append-only ledger entry. AmountSats is signed:
// deposits are positive, withdrawals negative. At most one transaction
// exists per PaymentHash.
type Transaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"accountId"`
	CreatorID   string            `json:"creatorId,omitempty"`
	Type        TransactionType   `json:"type"`
	Source      TransactionSource `json:"source"`
	AmountSats  int64             `json:"amountSats"`
	PaymentHash string            `json:"paymentHash,omitempty"`
	ProviderRef string            `json:"providerRef,omitempty"`
	Memo        string            `json:"memo,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
