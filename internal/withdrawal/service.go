// Package withdrawal pays a Lightning invoice out of a jar.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/notify"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/store"
)

var withdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satsjar_withdrawals_total",
	Help: "Withdrawals by provider and outcome",
}, []string{"provider", "outcome"})

type Request struct {
	CallerID       string
	AccountID      string
	PaymentRequest string
}

type Result struct {
	WithdrawalID string `json:"withdrawalId"`
	AmountSats   int64  `json:"amountSats"`
	FeeSats      int64  `json:"feeSats"`
	BalanceSats  int64  `json:"balanceSats"`
}

type Service struct {
	store     store.Store
	providers *provider.Selector
	decoder   provider.PaymentRequestDecoder
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(s store.Store, providers *provider.Selector, decoder provider.PaymentRequestDecoder, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, providers: providers, decoder: decoder, notifier: notifier, logger: logger, now: time.Now}
}

// Withdraw debits the jar, then asks the provider to pay. A payout the
// provider refused is reversed by a compensating ledger entry. A payout
// whose outcome is unknown keeps the debit and fails with
// domain.ErrPayoutUnconfirmed; see Reverse.
func (s *Service) Withdraw(ctx context.Context, req Request) (*Result, error) {
	decoded, err := s.decoder.Decode(req.PaymentRequest)
	if err != nil {
		return nil, err
	}
	if decoded.AmountSats <= 0 {
		return nil, fmt.Errorf("%w: amountless invoices are not supported", domain.ErrInvalidPaymentRequest)
	}
	if decoded.Expired(s.now()) {
		return nil, fmt.Errorf("%w: expired", domain.ErrInvalidPaymentRequest)
	}

	if err := s.authorize(ctx, req); err != nil {
		return nil, err
	}

	client := s.providers.Active()
	cred, err := s.store.GetCredential(ctx, req.CallerID, client.Kind())
	if err != nil {
		return nil, err
	}
	if cred.AdminKey == "" {
		return nil, fmt.Errorf("%w: no admin key on %s credential", domain.ErrInsufficientPermission, client.Kind())
	}

	log := s.logger.With("account_id", req.AccountID, "provider", client.Kind(), "payment_hash", decoded.PaymentHash)
	ref := uuid.NewString()
	amount := decoded.AmountSats

	if _, err := s.post(ctx, req, &domain.Transaction{
		Type:        domain.TxWithdrawal,
		Source:      domain.SourceLightning,
		AmountSats:  -amount,
		PaymentHash: decoded.PaymentHash,
		ProviderRef: ref,
		Memo:        decoded.Description,
	}); err != nil {
		withdrawalsTotal.WithLabelValues(string(client.Kind()), "rejected").Inc()
		return nil, err
	}

	// Caller cancellation after the debit must not skip the payout result.
	wd, payErr := client.CreateWithdrawal(context.WithoutCancel(ctx), *cred, req.PaymentRequest)
	if payErr != nil && !payoutNeverSent(payErr) {
		// The provider may have paid. Keep the debit until an operator
		// confirms the payout failed and reverses it.
		withdrawalsTotal.WithLabelValues(string(client.Kind()), "unconfirmed").Inc()
		log.Error("withdrawal outcome unknown, debit kept pending reconciliation", "ref", ref, "amount_sats", amount, "error", payErr)
		s.emit(ctx, log, notify.Event{
			Type: notify.WithdrawalUnconfirmed, AccountID: req.AccountID, PaymentHash: decoded.PaymentHash,
			AmountSats: amount, Ref: ref, Reason: payErr.Error(), OccurredAt: s.now().UTC(),
		})
		return nil, fmt.Errorf("%w: ref %s: %v", domain.ErrPayoutUnconfirmed, ref, payErr)
	}
	if payErr != nil {
		balance, err := s.post(context.WithoutCancel(ctx), req, reversalOf(ref, amount))
		if err != nil {
			withdrawalsTotal.WithLabelValues(string(client.Kind()), "reversal_failed").Inc()
			log.Error("withdrawal failed and reversal could not be recorded", "ref", ref, "amount_sats", amount, "error", err, "payout_error", payErr)
			return nil, errors.Join(payErr, err)
		}
		withdrawalsTotal.WithLabelValues(string(client.Kind()), "failed").Inc()
		log.Warn("withdrawal failed, debit reversed", "ref", ref, "error", payErr)
		s.emit(ctx, log, notify.Event{
			Type: notify.WithdrawalFailed, AccountID: req.AccountID, PaymentHash: decoded.PaymentHash,
			AmountSats: amount, BalanceSats: balance, Ref: ref, Reason: payErr.Error(), OccurredAt: s.now().UTC(),
		})
		return nil, payErr
	}

	acc, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	withdrawalsTotal.WithLabelValues(string(client.Kind()), "completed").Inc()
	log.Info("withdrawal completed", "ref", ref, "withdrawal_id", wd.WithdrawalID, "amount_sats", amount, "fee_sats", wd.FeeSats)
	s.emit(ctx, log, notify.Event{
		Type: notify.WithdrawalCompleted, AccountID: req.AccountID, PaymentHash: decoded.PaymentHash,
		AmountSats: amount, BalanceSats: acc.BalanceSats, OccurredAt: s.now().UTC(),
	})

	return &Result{
		WithdrawalID: wd.WithdrawalID,
		AmountSats:   amount,
		FeeSats:      wd.FeeSats,
		BalanceSats:  acc.BalanceSats,
	}, nil
}

// ReverseRequest names a debit to undo by the ref Withdraw logged for it.
type ReverseRequest struct {
	AccountID string
	Ref       string
	Reason    string
}

// Reverse credits back a withdrawal whose payout was confirmed out of band
// never to have happened. Each debit is reversed at most once.
func (s *Service) Reverse(ctx context.Context, req ReverseRequest) (int64, error) {
	txns, err := s.store.ListTransactions(ctx, req.AccountID, reverseScanLimit)
	if err != nil {
		return 0, err
	}
	var debit *domain.Transaction
	for i := range txns {
		t := &txns[i]
		if t.ProviderRef != req.Ref {
			continue
		}
		switch t.Type {
		case domain.TxWithdrawal:
			debit = t
		case domain.TxDeposit:
			return 0, fmt.Errorf("%w: withdrawal %s", ErrAlreadyReversed, req.Ref)
		}
	}
	if debit == nil {
		return 0, fmt.Errorf("%w: no withdrawal with ref %s on account %s", ErrWithdrawalNotFound, req.Ref, req.AccountID)
	}

	amount := -debit.AmountSats
	balance, err := s.post(ctx, Request{CallerID: debit.CreatorID, AccountID: req.AccountID}, reversalOf(req.Ref, amount))
	if err != nil {
		return 0, err
	}
	log := s.logger.With("account_id", req.AccountID, "payment_hash", debit.PaymentHash)
	log.Warn("withdrawal reversed by operator", "ref", req.Ref, "amount_sats", amount, "reason", req.Reason)
	withdrawalsTotal.WithLabelValues("operator", "reversed").Inc()
	s.emit(ctx, log, notify.Event{
		Type: notify.WithdrawalFailed, AccountID: req.AccountID, PaymentHash: debit.PaymentHash,
		AmountSats: amount, BalanceSats: balance, Ref: req.Ref, Reason: req.Reason, OccurredAt: s.now().UTC(),
	})
	return balance, nil
}

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrAlreadyReversed    = errors.New("withdrawal already reversed")
)

const reverseScanLimit = 500

func reversalOf(ref string, amount int64) *domain.Transaction {
	return &domain.Transaction{
		Type:        domain.TxDeposit,
		Source:      domain.SourceOther,
		AmountSats:  amount,
		ProviderRef: ref,
		Memo:        "withdrawal reversed",
	}
}

// payoutNeverSent reports whether a payout error proves no money moved:
// the provider answered with a refusal, or the connection was never made.
func payoutNeverSent(err error) bool {
	if errors.Is(err, domain.ErrProviderRejected) || errors.Is(err, domain.ErrInsufficientPermission) ||
		errors.Is(err, domain.ErrInvalidPaymentRequest) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (s *Service) authorize(ctx context.Context, req Request) error {
	acc, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return err
	}
	if !acc.CanView(req.CallerID) {
		return domain.ErrForbidden
	}
	return nil
}

// post applies one ledger entry and its balance change atomically.
func (s *Service) post(ctx context.Context, req Request, t *domain.Transaction) (int64, error) {
	t.AccountID = req.AccountID
	t.CreatorID = req.CallerID
	t.Timestamp = s.now().UTC()

	var balance int64
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		if balance, err = tx.AdjustBalance(ctx, req.AccountID, t.AmountSats); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, t)
	})
	return balance, err
}

func (s *Service) emit(ctx context.Context, log *slog.Logger, e notify.Event) {
	if err := s.notifier.Notify(ctx, e); err != nil {
		log.Warn("withdrawal notification failed", "error", err)
	}
}
