// Package webhook receives payment notifications pushed by the providers.
// Requests are authenticated, acknowledged at once and settled in the
// background.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/settlement"
)

var webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satsjar_webhook_events_total",
	Help: "Webhook deliveries by provider and outcome",
}, []string{"provider", "outcome"})

const (
	MaxBodyBytes   = 64 << 10
	DefaultTimeout = 15 * time.Second
)

type Outcome string

const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeUnknownInvoice Outcome = "unknown_invoice"
	OutcomeWrongProvider  Outcome = "wrong_provider"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeFailed         Outcome = "failed"
	OutcomeBadSignature   Outcome = "bad_signature"
)

// Event is the normalized push payload. Amount is in sats.
type Event struct {
	PaymentHash string `json:"payment_hash"`
	Amount      int64  `json:"amount"`
	Paid        bool   `json:"paid"`
	Pending     bool   `json:"pending"`
	// Status is sent by providers that report a state string instead of
	// the paid flag.
	Status string `json:"status,omitempty"`
}

func (e Event) final() bool {
	if e.Status != "" {
		return strings.EqualFold(e.Status, "paid")
	}
	return e.Paid && !e.Pending
}

// Result reports what background processing did with one delivery.
type Result struct {
	Provider    domain.Provider
	PaymentHash string
	Outcome     Outcome
	Err         error
}

type Settler interface {
	Settle(ctx context.Context, paymentHash string, observedAmountSats int64, via domain.SettledVia) (settlement.Result, error)
}

type InvoiceReader interface {
	GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error)
}

type Config struct {
	// Secrets maps a provider to its HMAC secret. A missing or empty secret
	// disables verification for that provider.
	Secrets map[domain.Provider]string
	Timeout time.Duration
	// OnResult, if set, is called after each delivery is processed.
	OnResult func(Result)
}

type Handler struct {
	settler  Settler
	invoices InvoiceReader
	secrets  map[domain.Provider]string
	timeout  time.Duration
	onResult func(Result)
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewHandler(settler Settler, invoices InvoiceReader, cfg Config, logger *slog.Logger) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		settler:  settler,
		invoices: invoices,
		secrets:  cfg.Secrets,
		timeout:  cfg.Timeout,
		onResult: cfg.OnResult,
		logger:   logger,
	}
}

// SignatureHeader returns the header a provider's signature travels in,
// e.g. X-Lnbits-Signature.
func SignatureHeader(p domain.Provider) string {
	name := string(p)
	if name == "" {
		return "X-Signature"
	}
	return "X-" + strings.ToUpper(name[:1]) + name[1:] + "-Signature"
}

// Sign returns the lowercase hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func Verify(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		http.NotFound(w, r)
		return
	}

	secret := h.secrets[p]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil && secret != "" {
		// Unreadable body cannot be authenticated.
		h.reject(w, p, err)
		return
	}
	if secret != "" && !Verify(secret, body, r.Header.Get(SignatureHeader(p))) {
		h.reject(w, p, domain.ErrSignatureInvalid)
		return
	}

	if err != nil {
		h.report(Result{Provider: p, Outcome: OutcomeMalformed, Err: err})
	} else {
		// Registered before the ack so Wait covers this delivery.
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.report(h.process(p, body))
		}()
	}

	// Acknowledge regardless of what processing does; failures are never
	// reported back to the provider.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}

// Wait blocks until every accepted delivery has been processed.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) reject(w http.ResponseWriter, p domain.Provider, err error) {
	webhookEventsTotal.WithLabelValues(string(p), string(OutcomeBadSignature)).Inc()
	h.logger.Warn("webhook rejected", "provider", p, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"invalid signature","code":"signature_invalid","retryable":false}`))
}

func (h *Handler) process(p domain.Provider, body []byte) Result {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.PaymentHash == "" {
		if err == nil {
			err = errors.New("missing payment_hash")
		}
		return Result{Provider: p, Outcome: OutcomeMalformed, Err: err}
	}
	res := Result{Provider: p, PaymentHash: ev.PaymentHash}

	if !ev.final() {
		res.Outcome = OutcomeIgnored
		return res
	}

	inv, err := h.invoices.GetInvoice(ctx, ev.PaymentHash)
	if err != nil {
		res.Outcome, res.Err = OutcomeUnknownInvoice, err
		if !errors.Is(err, domain.ErrInvoiceNotFound) {
			res.Outcome = OutcomeFailed
		}
		return res
	}
	if inv.Provider != p {
		res.Outcome = OutcomeWrongProvider
		res.Err = errors.New("invoice was issued by " + string(inv.Provider))
		return res
	}

	out, err := h.settler.Settle(ctx, ev.PaymentHash, ev.Amount, domain.ViaWebhook)
	switch {
	case errors.Is(err, domain.ErrAmountMismatch):
		res.Outcome, res.Err = OutcomeAmountMismatch, err
	case err != nil:
		res.Outcome, res.Err = OutcomeFailed, err
	case out.AlreadySettled:
		res.Outcome = OutcomeAlreadySettled
	default:
		res.Outcome = OutcomeSettled
	}
	return res
}

func (h *Handler) report(res Result) {
	webhookEventsTotal.WithLabelValues(string(res.Provider), string(res.Outcome)).Inc()

	log := h.logger.With("provider", res.Provider, "payment_hash", res.PaymentHash, "outcome", res.Outcome)
	switch res.Outcome {
	case OutcomeSettled, OutcomeAlreadySettled, OutcomeIgnored:
		log.Info("webhook processed")
	default:
		log.Warn("webhook not applied", "error", res.Err)
	}

	if h.onResult != nil {
		h.onResult(res)
	}
}
