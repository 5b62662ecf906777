// Package providertest provides an in-process provider.Client whose
// behaviour tests can script.
package providertest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/provider"
)

const (
	OpCreateInvoice    = "create_invoice"
	OpGetStatus        = "get_status"
	OpCreateWithdrawal = "create_withdrawal"
	OpGetBalance       = "get_balance"
)

type invoice struct {
	hash       string
	amountSats int64
	paid       bool
	paidAt     time.Time
	key        string
}

// Fake records every call. Invoice ids deliberately differ from payment
// hashes so tests catch code that confuses the two.
type Fake struct {
	mu       sync.Mutex
	kind     domain.Provider
	seq      int
	byID     map[string]*invoice
	byHash   map[string]string
	calls    map[string]int
	keysSeen []string
	errs     map[string]error

	BalanceSats int64
	FeeSats     int64
	// Decode gives the sats amount of a withdrawal payment request.
	Decode func(paymentRequest string) int64
}

func New(kind domain.Provider) *Fake {
	return &Fake{
		kind:   kind,
		byID:   make(map[string]*invoice),
		byHash: make(map[string]string),
		calls:  make(map[string]int),
		errs:   make(map[string]error),
	}
}

// Unavailable builds the error a real client returns on network failure.
func Unavailable(kind domain.Provider, op string) error {
	return &provider.Error{Provider: kind, Op: op, Kind: domain.ErrProviderUnavailable, Message: "connection refused"}
}

func (f *Fake) Kind() domain.Provider { return f.kind }

// FailNext makes every subsequent call of op fail with err until cleared
// with a nil err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// MarkPaid simulates the payer settling the invoice at the provider.
func (f *Fake) MarkPaid(paymentHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.byID[f.byHash[paymentHash]]; ok {
		inv.paid = true
		inv.paidAt = time.Now().UTC()
	}
}

// SetReportedAmount overrides the amount GetStatus reports for an invoice.
func (f *Fake) SetReportedAmount(paymentHash string, amountSats int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.byID[f.byHash[paymentHash]]; ok {
		inv.amountSats = amountSats
	}
}

func (f *Fake) ProviderID(paymentHash string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byHash[paymentHash]
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// KeysSeen lists the credential keys used, in call order.
func (f *Fake) KeysSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keysSeen...)
}

func (f *Fake) record(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	f.keysSeen = append(f.keysSeen, key)
	return f.errs[op]
}

func (f *Fake) CreateInvoice(ctx context.Context, cred domain.Credential, amountSats int64, memo string) (*provider.CreatedInvoice, error) {
	if err := f.record(OpCreateInvoice, cred.InvoiceKey); err != nil {
		return nil, err
	}
	if amountSats <= 0 {
		return nil, &provider.Error{Provider: f.kind, Op: OpCreateInvoice, Kind: domain.ErrInvalidAmount}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d-%s", f.kind, f.seq, memo)))
	hash := hex.EncodeToString(sum[:])
	id := fmt.Sprintf("%s_inv_%d", f.kind, f.seq)
	f.byID[id] = &invoice{hash: hash, amountSats: amountSats, key: cred.InvoiceKey}
	f.byHash[hash] = id
	return &provider.CreatedInvoice{
		PaymentHash:       hash,
		ProviderInvoiceID: id,
		PaymentRequest:    fmt.Sprintf("lnfake%d%s", amountSats, hash[:16]),
	}, nil
}

func (f *Fake) GetStatus(ctx context.Context, cred domain.Credential, providerInvoiceID string) (*provider.InvoiceStatus, error) {
	if err := f.record(OpGetStatus, cred.InvoiceKey); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byID[providerInvoiceID]
	if !ok {
		return nil, &provider.Error{Provider: f.kind, Op: OpGetStatus, StatusCode: 404, Kind: domain.ErrProviderRejected, Message: "not found"}
	}
	status := &provider.InvoiceStatus{Paid: inv.paid, AmountSats: inv.amountSats}
	if inv.paid {
		paidAt := inv.paidAt
		status.PaidAt = &paidAt
	}
	return status, nil
}

func (f *Fake) CreateWithdrawal(ctx context.Context, cred domain.Credential, paymentRequest string) (*provider.Withdrawal, error) {
	if err := f.record(OpCreateWithdrawal, cred.AdminKey); err != nil {
		return nil, err
	}
	if cred.AdminKey == "" {
		return nil, &provider.Error{Provider: f.kind, Op: OpCreateWithdrawal, Kind: domain.ErrInsufficientPermission}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	var amount int64
	if f.Decode != nil {
		amount = f.Decode(paymentRequest)
	}
	return &provider.Withdrawal{
		WithdrawalID: fmt.Sprintf("%s_wd_%d", f.kind, f.seq),
		AmountSats:   amount,
		FeeSats:      f.FeeSats,
	}, nil
}

func (f *Fake) GetAccountBalance(ctx context.Context, cred domain.Credential) (*provider.Balance, error) {
	if err := f.record(OpGetBalance, cred.InvoiceKey); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &provider.Balance{AmountSats: f.BalanceSats}, nil
}
