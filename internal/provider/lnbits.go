package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
)

// LNbits talks to an LNbits wallet API. Its native identifier is the
// checking id, which for internal wallets equals the payment hash but is not
// guaranteed to.
type LNbits struct {
	t transport
}

func NewLNbits(baseURL string, timeout time.Duration) *LNbits {
	return &LNbits{t: newTransport(domain.ProviderLNbits, baseURL, timeout)}
}

func (c *LNbits) Kind() domain.Provider { return domain.ProviderLNbits }

type lnbitsCreateRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount,omitempty"`
	Memo   string `json:"memo,omitempty"`
	Bolt11 string `json:"bolt11,omitempty"`
}

type lnbitsCreateResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
	CheckingID     string `json:"checking_id"`
}

type lnbitsPaymentResponse struct {
	Paid    bool `json:"paid"`
	Details struct {
		Amount int64      `json:"amount"`
		Fee    int64      `json:"fee"`
		Time   lnbitsTime `json:"time"`
	} `json:"details"`
}

type lnbitsWalletResponse struct {
	Balance int64 `json:"balance"`
}

// lnbitsTime accepts both the unix seconds and the ISO-8601 forms LNbits
// has used for payment times.
type lnbitsTime struct {
	time.Time
}

func (t *lnbitsTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.Unix(secs, 0).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			parsed, err = time.Parse("2006-01-02T15:04:05.999999", s)
			if err != nil {
				return err
			}
		}
		t.Time = parsed.UTC()
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	t.Time = time.Unix(int64(secs), 0).UTC()
	return nil
}

func apiKeyHeader(key string) http.Header {
	h := http.Header{}
	h.Set("X-Api-Key", key)
	return h
}

func (c *LNbits) CreateInvoice(ctx context.Context, cred domain.Credential, amountSats int64, memo string) (*CreatedInvoice, error) {
	if err := validateAmount(c.Kind(), opCreateInvoice, amountSats); err != nil {
		return nil, err
	}

	var resp lnbitsCreateResponse
	err := c.t.do(ctx, opCreateInvoice, http.MethodPost, "/api/v1/payments", apiKeyHeader(cred.InvoiceKey),
		lnbitsCreateRequest{Out: false, Amount: amountSats, Memo: memo}, &resp)
	if err != nil {
		return nil, err
	}

	payReq := resp.PaymentRequest
	if payReq == "" {
		payReq = resp.Bolt11
	}
	hash, err := ParsePaymentHash(resp.PaymentHash)
	if err != nil || payReq == "" {
		return nil, &Error{Provider: c.Kind(), Op: opCreateInvoice, Kind: domain.ErrProviderUnavailable, Message: "incomplete invoice response"}
	}
	id := resp.CheckingID
	if id == "" {
		id = hash
	}
	return &CreatedInvoice{PaymentHash: hash, ProviderInvoiceID: id, PaymentRequest: payReq}, nil
}

func (c *LNbits) GetStatus(ctx context.Context, cred domain.Credential, providerInvoiceID string) (*InvoiceStatus, error) {
	var resp lnbitsPaymentResponse
	err := c.t.do(ctx, opGetStatus, http.MethodGet, "/api/v1/payments/"+url.PathEscape(providerInvoiceID),
		apiKeyHeader(cred.InvoiceKey), nil, &resp)
	if err != nil {
		return nil, err
	}

	status := &InvoiceStatus{Paid: resp.Paid, AmountSats: abs(resp.Details.Amount) / 1000}
	if resp.Paid && !resp.Details.Time.IsZero() {
		paidAt := resp.Details.Time.Time
		status.PaidAt = &paidAt
	}
	return status, nil
}

func (c *LNbits) CreateWithdrawal(ctx context.Context, cred domain.Credential, paymentRequest string) (*Withdrawal, error) {
	if cred.AdminKey == "" {
		return nil, &Error{Provider: c.Kind(), Op: opCreateWithdrawal, Kind: domain.ErrInsufficientPermission, Message: "no admin key configured"}
	}

	var resp lnbitsCreateResponse
	err := c.t.do(ctx, opCreateWithdrawal, http.MethodPost, "/api/v1/payments", apiKeyHeader(cred.AdminKey),
		lnbitsCreateRequest{Out: true, Bolt11: paymentRequest}, &resp)
	if err != nil {
		return nil, err
	}

	id := resp.CheckingID
	if id == "" {
		id = resp.PaymentHash
	}
	w := &Withdrawal{WithdrawalID: id}

	// Amount and fee only come back on the payment record. A failed lookup
	// does not undo a payment that already went out.
	var details lnbitsPaymentResponse
	if err := c.t.do(ctx, opGetStatus, http.MethodGet, "/api/v1/payments/"+url.PathEscape(resp.PaymentHash),
		apiKeyHeader(cred.AdminKey), nil, &details); err == nil {
		w.AmountSats = abs(details.Details.Amount) / 1000
		w.FeeSats = abs(details.Details.Fee) / 1000
	}
	return w, nil
}

func (c *LNbits) GetAccountBalance(ctx context.Context, cred domain.Credential) (*Balance, error) {
	var resp lnbitsWalletResponse
	err := c.t.do(ctx, opGetBalance, http.MethodGet, "/api/v1/wallet", apiKeyHeader(cred.InvoiceKey), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &Balance{AmountSats: resp.Balance / 1000}, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
