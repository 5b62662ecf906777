package domain

import "errors"

var (
	ErrInvalidAmount          = errors.New("amount must be a positive whole number of sats")
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrProviderRejected       = errors.New("payment provider rejected the request")
	ErrSignatureInvalid       = errors.New("webhook signature invalid")
	ErrInvoiceNotFound        = errors.New("invoice not found")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAmountMismatch         = errors.New("confirmed amount does not match invoice amount")
	ErrInsufficientPermission = errors.New("credential lacks payout permission")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrSettlementFailed       = errors.New("settlement could not be committed")
	ErrCredentialMissing      = errors.New("no provider credential for account")
	ErrForbidden              = errors.New("caller may not act on this account")
	ErrInvalidPaymentRequest  = errors.New("invalid payment request")
	ErrPayoutUnconfirmed      = errors.New("payout outcome unknown, withdrawal held for reconciliation")
)

// Retryable reports whether the caller may try the same operation again.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
