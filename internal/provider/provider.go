// Package provider normalizes the external Lightning payment services behind
// one Client interface. Every call is side-effecting against a live
// financial system and is attempted exactly once; retrying is the caller's
// decision.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
)

// Client is implemented once per provider.
type Client interface {
	Kind() domain.Provider
	CreateInvoice(ctx context.Context, cred domain.Credential, amountSats int64, memo string) (*CreatedInvoice, error)
	GetStatus(ctx context.Context, cred domain.Credential, providerInvoiceID string) (*InvoiceStatus, error)
	CreateWithdrawal(ctx context.Context, cred domain.Credential, paymentRequest string) (*Withdrawal, error)
	GetAccountBalance(ctx context.Context, cred domain.Credential) (*Balance, error)
}

// CreatedInvoice always carries the real payment hash, even for providers
// whose native identifier is something else.
type CreatedInvoice struct {
	PaymentHash       string
	ProviderInvoiceID string
	PaymentRequest    string
}

type InvoiceStatus struct {
	Paid       bool
	AmountSats int64
	PaidAt     *time.Time
}

type Withdrawal struct {
	WithdrawalID string
	AmountSats   int64
	FeeSats      int64
}

type Balance struct {
	AmountSats int64
}

// Error describes a failed provider call. It unwraps to one of the domain
// sentinels (ErrProviderUnavailable, ErrProviderRejected,
// ErrInsufficientPermission, ErrInvalidAmount) so callers classify with
// errors.Is.
type Error struct {
	Provider   domain.Provider
	Op         string
	StatusCode int
	Message    string
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validateAmount(p domain.Provider, op string, amountSats int64) error {
	if amountSats <= 0 {
		return &Error{Provider: p, Op: op, Kind: domain.ErrInvalidAmount}
	}
	return nil
}
