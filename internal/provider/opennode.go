package provider

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/isabell-ah/satsjar/internal/domain"
)

var satsPerBTC = decimal.NewFromInt(100_000_000)

// PaymentRequestDecoder extracts BOLT11 fields. *Decoder is the production
// implementation.
type PaymentRequestDecoder interface {
	Decode(paymentRequest string) (*DecodedPaymentRequest, error)
}

// OpenNode talks to the OpenNode merchant API. Its native identifier is a
// charge id, so the payment hash is decoded out of the payment request when
// the charge is created.
type OpenNode struct {
	t       transport
	decoder PaymentRequestDecoder
}

func NewOpenNode(baseURL string, timeout time.Duration, decoder PaymentRequestDecoder) *OpenNode {
	return &OpenNode{t: newTransport(domain.ProviderOpenNode, baseURL, timeout), decoder: decoder}
}

func (c *OpenNode) Kind() domain.Provider { return domain.ProviderOpenNode }

type openNodeChargeRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
}

type openNodeCharge struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	SettledAt        int64  `json:"settled_at"`
	LightningInvoice struct {
		PayReq string `json:"payreq"`
	} `json:"lightning_invoice"`
}

type openNodeWithdrawalRequest struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

type openNodeWithdrawal struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Fee    int64  `json:"fee"`
}

type openNodeBalance struct {
	Balance struct {
		BTC decimal.Decimal `json:"BTC"`
	} `json:"balance"`
}

type openNodeEnvelope[T any] struct {
	Data T `json:"data"`
}

func authHeader(key string) http.Header {
	h := http.Header{}
	h.Set("Authorization", key)
	return h
}

func (c *OpenNode) CreateInvoice(ctx context.Context, cred domain.Credential, amountSats int64, memo string) (*CreatedInvoice, error) {
	if err := validateAmount(c.Kind(), opCreateInvoice, amountSats); err != nil {
		return nil, err
	}

	var resp openNodeEnvelope[openNodeCharge]
	err := c.t.do(ctx, opCreateInvoice, http.MethodPost, "/v1/charges", authHeader(cred.InvoiceKey),
		openNodeChargeRequest{Amount: amountSats, Description: memo, Currency: "BTC"}, &resp)
	if err != nil {
		return nil, err
	}

	charge := resp.Data
	if charge.ID == "" || charge.LightningInvoice.PayReq == "" {
		return nil, &Error{Provider: c.Kind(), Op: opCreateInvoice, Kind: domain.ErrProviderUnavailable, Message: "incomplete charge response"}
	}
	decoded, err := c.decoder.Decode(charge.LightningInvoice.PayReq)
	if err != nil {
		return nil, &Error{Provider: c.Kind(), Op: opCreateInvoice, Kind: domain.ErrProviderRejected, Err: err}
	}
	if decoded.AmountSats != 0 && decoded.AmountSats != amountSats {
		return nil, &Error{Provider: c.Kind(), Op: opCreateInvoice, Kind: domain.ErrProviderRejected, Message: "payment request amount differs from requested amount"}
	}

	return &CreatedInvoice{
		PaymentHash:       decoded.PaymentHash,
		ProviderInvoiceID: charge.ID,
		PaymentRequest:    charge.LightningInvoice.PayReq,
	}, nil
}

func (c *OpenNode) GetStatus(ctx context.Context, cred domain.Credential, providerInvoiceID string) (*InvoiceStatus, error) {
	var resp openNodeEnvelope[openNodeCharge]
	err := c.t.do(ctx, opGetStatus, http.MethodGet, "/v1/charge/"+url.PathEscape(providerInvoiceID),
		authHeader(cred.InvoiceKey), nil, &resp)
	if err != nil {
		return nil, err
	}

	status := &InvoiceStatus{Paid: resp.Data.Status == "paid", AmountSats: resp.Data.Amount}
	if status.Paid && resp.Data.SettledAt > 0 {
		paidAt := time.Unix(resp.Data.SettledAt, 0).UTC()
		status.PaidAt = &paidAt
	}
	return status, nil
}

func (c *OpenNode) CreateWithdrawal(ctx context.Context, cred domain.Credential, paymentRequest string) (*Withdrawal, error) {
	if cred.AdminKey == "" {
		return nil, &Error{Provider: c.Kind(), Op: opCreateWithdrawal, Kind: domain.ErrInsufficientPermission, Message: "no withdrawal key configured"}
	}

	var resp openNodeEnvelope[openNodeWithdrawal]
	err := c.t.do(ctx, opCreateWithdrawal, http.MethodPost, "/v2/withdrawals", authHeader(cred.AdminKey),
		openNodeWithdrawalRequest{Type: "ln", Address: paymentRequest}, &resp)
	if err != nil {
		return nil, err
	}
	return &Withdrawal{WithdrawalID: resp.Data.ID, AmountSats: resp.Data.Amount, FeeSats: resp.Data.Fee}, nil
}

func (c *OpenNode) GetAccountBalance(ctx context.Context, cred domain.Credential) (*Balance, error) {
	var resp openNodeEnvelope[openNodeBalance]
	err := c.t.do(ctx, opGetBalance, http.MethodGet, "/v1/account/balance", authHeader(cred.InvoiceKey), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &Balance{AmountSats: BTCToSats(resp.Data.Balance.BTC)}, nil
}

// BTCToSats converts a BTC amount to whole sats, truncating sub-sat dust.
func BTCToSats(btc decimal.Decimal) int64 {
	return btc.Mul(satsPerBTC).Truncate(0).IntPart()
}

// SatsToBTC renders sats as a BTC decimal.
func SatsToBTC(sats int64) decimal.Decimal {
	return decimal.NewFromInt(sats).Div(satsPerBTC)
}
