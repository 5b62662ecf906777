// Package settlement owns the pending to paid transition. Every
// confirmation path (webhook, poll, sweep, operator) goes through Settle.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/notify"
	"github.com/isabell-ah/satsjar/internal/store"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satsjar_settlements_total",
		Help: "Settlement attempts by confirmation path and outcome",
	}, []string{"via", "outcome"})

	settlementRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satsjar_settlement_retries_total",
		Help: "Settlement transactions retried after a conflict",
	}, []string{"via"})

	settlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "satsjar_settlement_duration_seconds",
		Help:    "Time to settle an invoice including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"via"})
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
}

// backoff returns the wait before attempt n+1, exponential with full jitter
// over the upper half.
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseDelay << (n - 1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}

const DefaultTimeout = 10 * time.Second

type Result struct {
	AlreadySettled bool
	Invoice        domain.Invoice
	// BalanceSats is the account balance right after the credit. Zero when
	// AlreadySettled.
	BalanceSats int64
}

type Reconciler struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	retry    RetryPolicy
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Reconciler)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Reconciler) {
		if p.MaxAttempts > 0 {
			r.retry = p
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(s store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    s,
		notifier: notify.Nop,
		logger:   slog.Default(),
		retry:    DefaultRetryPolicy(),
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settle marks the invoice paid, credits its account and appends the ledger
// entry as one transaction. Repeated or concurrent calls for the same hash
// credit exactly once; later calls return AlreadySettled.
//
// The caller's cancellation is ignored once Settle starts; the work is
// bounded by the reconciler's own timeout instead.
func (r *Reconciler) Settle(ctx context.Context, paymentHash string, observedAmountSats int64, via domain.SettledVia) (Result, error) {
	start := time.Now()
	defer func() {
		settlementDuration.WithLabelValues(string(via)).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	log := r.logger.With("payment_hash", paymentHash, "via", via)

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		res, err := r.settleOnce(ctx, paymentHash, observedAmountSats, via)
		if err == nil {
			r.finish(ctx, log, res, via)
			return res, nil
		}

		if !retryable(err) {
			r.reject(log, err, observedAmountSats, via)
			return Result{}, err
		}
		lastErr = err
		if attempt == r.retry.MaxAttempts {
			break
		}

		settlementRetries.WithLabelValues(string(via)).Inc()
		log.Debug("settlement conflict, retrying", "attempt", attempt, "error", err)
		if err := sleep(ctx, r.retry.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	settlementsTotal.WithLabelValues(string(via), "failed").Inc()
	log.Error("settlement failed, payment may be confirmed but not credited", "attempts", r.retry.MaxAttempts, "error", lastErr)
	return Result{}, fmt.Errorf("%w: %s: %w", domain.ErrSettlementFailed, paymentHash, lastErr)
}

func (r *Reconciler) settleOnce(ctx context.Context, paymentHash string, observed int64, via domain.SettledVia) (Result, error) {
	var res Result
	err := r.store.RunInTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoice(ctx, paymentHash)
		if err != nil {
			return err
		}
		if inv.IsPaid() {
			res = Result{AlreadySettled: true, Invoice: *inv}
			return nil
		}
		if observed != inv.AmountSats {
			return fmt.Errorf("%w: invoice %d sats, confirmation %d sats", domain.ErrAmountMismatch, inv.AmountSats, observed)
		}

		paidAt := r.now().UTC()
		if err := tx.MarkInvoicePaid(ctx, paymentHash, paidAt, via); err != nil {
			return err
		}
		balance, err := tx.AdjustBalance(ctx, inv.AccountID, inv.AmountSats)
		if err != nil {
			return err
		}
		err = tx.AppendTransaction(ctx, &domain.Transaction{
			AccountID:   inv.AccountID,
			CreatorID:   inv.CreatorID,
			Type:        domain.TxDeposit,
			Source:      domain.SourceLightning,
			AmountSats:  inv.AmountSats,
			PaymentHash: inv.PaymentHash,
			Memo:        inv.Memo,
			Timestamp:   paidAt,
		})
		if err != nil {
			return err
		}

		inv.Status = domain.InvoicePaid
		inv.PaidAt = &paidAt
		inv.ProcessedVia = via
		res = Result{Invoice: *inv, BalanceSats: balance}
		return nil
	})
	return res, err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvoiceNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (r *Reconciler) finish(ctx context.Context, log *slog.Logger, res Result, via domain.SettledVia) {
	if res.AlreadySettled {
		settlementsTotal.WithLabelValues(string(via), "already_settled").Inc()
		log.Debug("invoice already settled", "settled_via", res.Invoice.ProcessedVia)
		return
	}

	settlementsTotal.WithLabelValues(string(via), "settled").Inc()
	log.Info("invoice settled",
		"account_id", res.Invoice.AccountID,
		"amount_sats", res.Invoice.AmountSats,
		"balance_sats", res.BalanceSats,
	)

	// After commit. Failures here never undo the credit.
	err := r.notifier.Notify(ctx, notify.Event{
		Type:        notify.InvoiceSettled,
		AccountID:   res.Invoice.AccountID,
		PaymentHash: res.Invoice.PaymentHash,
		AmountSats:  res.Invoice.AmountSats,
		BalanceSats: res.BalanceSats,
		Via:         string(via),
		OccurredAt:  *res.Invoice.PaidAt,
	})
	if err != nil {
		log.Warn("settlement notification failed", "error", err)
	}
}

func (r *Reconciler) reject(log *slog.Logger, err error, observed int64, via domain.SettledVia) {
	switch {
	case errors.Is(err, domain.ErrAmountMismatch):
		settlementsTotal.WithLabelValues(string(via), "amount_mismatch").Inc()
		log.Error("confirmation amount does not match invoice, possible integrity violation",
			"observed_sats", observed, "error", err)
	case errors.Is(err, domain.ErrInvoiceNotFound):
		settlementsTotal.WithLabelValues(string(via), "not_found").Inc()
		log.Warn("settlement for unknown invoice")
	default:
		settlementsTotal.WithLabelValues(string(via), "error").Inc()
		log.Error("settlement aborted", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
