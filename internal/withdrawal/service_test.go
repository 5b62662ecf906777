package withdrawal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/notify"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/provider/providertest"
	"github.com/isabell-ah/satsjar/internal/store"
)

type stubDecoder map[string]provider.DecodedPaymentRequest

func (d stubDecoder) Decode(pr string) (*provider.DecodedPaymentRequest, error) {
	dec, ok := d[pr]
	if !ok {
		return nil, domain.ErrInvalidPaymentRequest
	}
	return &dec, nil
}

type fixture struct {
	store    *store.Memory
	lnbits   *providertest.Fake
	decoder  stubDecoder
	notifier notify.Notifier
	svc      *Service

	parent, child, stranger *domain.Account

	mu     sync.Mutex
	events []notify.Event
}

const startingBalance = 5000

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: store.NewMemory(), lnbits: providertest.New(domain.ProviderLNbits)}

	f.parent = &domain.Account{Role: domain.RoleParent}
	f.stranger = &domain.Account{Role: domain.RoleParent}
	for _, a := range []*domain.Account{f.parent, f.stranger} {
		if err := f.store.CreateAccount(ctx, a); err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
	}
	f.child = &domain.Account{Role: domain.RoleChild, ParentID: f.parent.ID}
	if err := f.store.CreateAccount(ctx, f.child); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	for _, c := range []domain.Credential{
		{AccountID: f.parent.ID, Provider: domain.ProviderLNbits, InvoiceKey: "p-inv", AdminKey: "p-admin"},
		{AccountID: f.child.ID, Provider: domain.ProviderLNbits, InvoiceKey: "c-inv"},
		{AccountID: f.stranger.ID, Provider: domain.ProviderLNbits, InvoiceKey: "s-inv", AdminKey: "s-admin"},
	} {
		if err := f.store.PutCredential(ctx, c); err != nil {
			t.Fatalf("PutCredential failed: %v", err)
		}
	}
	err := f.store.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AdjustBalance(ctx, f.child.ID, startingBalance); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &domain.Transaction{
			AccountID: f.child.ID, Type: domain.TxDeposit, Source: domain.SourceOther, AmountSats: startingBalance,
		})
	})
	if err != nil {
		t.Fatalf("seed balance failed: %v", err)
	}

	now := time.Now()
	decoder := stubDecoder{
		"lnbc20u":    {PaymentHash: "aa11", AmountSats: 2000, Description: "toy shop", CreatedAt: now, Expiry: time.Hour},
		"lnbc60u":    {PaymentHash: "bb22", AmountSats: 6000, CreatedAt: now, Expiry: time.Hour},
		"lnbc-any":   {PaymentHash: "cc33", AmountSats: 0, CreatedAt: now, Expiry: time.Hour},
		"lnbc-stale": {PaymentHash: "dd44", AmountSats: 100, CreatedAt: now.Add(-2 * time.Hour), Expiry: time.Hour},
	}
	f.lnbits.Decode = func(pr string) int64 { return decoder[pr].AmountSats }
	f.lnbits.FeeSats = 3

	f.decoder = decoder
	f.notifier = notify.Func(func(_ context.Context, e notify.Event) error {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
		return nil
	})
	f.svc = f.serviceFor(t, f.lnbits)
	return f
}

// serviceFor builds a Service paying out through client.
func (f *fixture) serviceFor(t *testing.T, client provider.Client) *Service {
	t.Helper()
	sel, err := provider.NewSelector(provider.SelectorConfig{Active: domain.ProviderLNbits}, client)
	if err != nil {
		t.Fatalf("NewSelector failed: %v", err)
	}
	return NewService(f.store, sel, f.decoder, f.notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (f *fixture) eventTypes() []notify.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []notify.EventType
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), f.child.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	return acc.BalanceSats
}

func (f *fixture) ledger(t *testing.T) []domain.Transaction {
	t.Helper()
	txns, err := f.store.ListTransactions(context.Background(), f.child.ID, 50)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	return txns
}

func TestWithdrawDebitsJar(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Withdraw(context.Background(), Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"})
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if res.AmountSats != 2000 || res.FeeSats != 3 || res.BalanceSats != 3000 || res.WithdrawalID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.balance(t); got != 3000 {
		t.Fatalf("expected balance 3000, got %d", got)
	}

	txns := f.ledger(t)
	if len(txns) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(txns))
	}
	debit := txns[0]
	if debit.Type != domain.TxWithdrawal || debit.AmountSats != -2000 || debit.PaymentHash != "aa11" || debit.ProviderRef == "" {
		t.Fatalf("unexpected debit: %+v", debit)
	}
	if keys := f.lnbits.KeysSeen(); len(keys) != 1 || keys[0] != "p-admin" {
		t.Fatalf("expected the parent's admin key, got %v", keys)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 1 || f.events[0].Type != notify.WithdrawalCompleted {
		t.Fatalf("unexpected events: %+v", f.events)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Withdraw(context.Background(), Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc60u"})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if n := f.lnbits.Calls(providertest.OpCreateWithdrawal); n != 0 {
		t.Fatalf("provider paid out %d times without funds", n)
	}
	if got := f.balance(t); got != startingBalance {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestWithdrawRefusedPayoutIsReversed(t *testing.T) {
	f := newFixture(t)
	f.lnbits.FailNext(providertest.OpCreateWithdrawal, &provider.Error{
		Provider: domain.ProviderLNbits, Op: providertest.OpCreateWithdrawal, StatusCode: 400,
		Kind: domain.ErrProviderRejected, Message: "route not found",
	})

	_, err := f.svc.Withdraw(context.Background(), Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"})
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if got := f.balance(t); got != startingBalance {
		t.Fatalf("expected balance restored to %d, got %d", startingBalance, got)
	}

	txns := f.ledger(t)
	if len(txns) != 3 {
		t.Fatalf("expected seed, debit and reversal entries, got %d", len(txns))
	}
	reversal, debit := txns[0], txns[1]
	if reversal.AmountSats != 2000 || reversal.Type != domain.TxDeposit || reversal.Source != domain.SourceOther {
		t.Fatalf("unexpected reversal: %+v", reversal)
	}
	if reversal.ProviderRef != debit.ProviderRef {
		t.Fatalf("reversal not linked to debit: %q vs %q", reversal.ProviderRef, debit.ProviderRef)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 1 || f.events[0].Type != notify.WithdrawalFailed || f.events[0].BalanceSats != startingBalance {
		t.Fatalf("unexpected events: %+v", f.events)
	}
}

func TestWithdrawPermissionDeniedByProvider(t *testing.T) {
	f := newFixture(t)
	f.lnbits.FailNext(providertest.OpCreateWithdrawal, &provider.Error{
		Provider: domain.ProviderLNbits, Op: providertest.OpCreateWithdrawal, StatusCode: 403, Kind: domain.ErrInsufficientPermission,
	})

	_, err := f.svc.Withdraw(context.Background(), Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"})
	if !errors.Is(err, domain.ErrInsufficientPermission) || domain.Retryable(err) {
		t.Fatalf("expected non-retryable ErrInsufficientPermission, got %v", err)
	}
	if got := f.balance(t); got != startingBalance {
		t.Fatalf("balance not restored: %d", got)
	}
}

func TestWithdrawWithoutAdminKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Withdraw(context.Background(), Request{CallerID: f.child.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"})
	if !errors.Is(err, domain.ErrInsufficientPermission) {
		t.Fatalf("expected ErrInsufficientPermission, got %v", err)
	}
	if n := f.lnbits.Calls(providertest.OpCreateWithdrawal); n != 0 {
		t.Fatalf("provider called %d times", n)
	}
	if len(f.ledger(t)) != 1 {
		t.Fatal("ledger touched before permission check")
	}
}

func TestWithdrawRejections(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"stranger", Request{CallerID: f.stranger.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"}, domain.ErrForbidden},
		{"amountless", Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc-any"}, domain.ErrInvalidPaymentRequest},
		{"expired", Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc-stale"}, domain.ErrInvalidPaymentRequest},
		{"garbage", Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "hello"}, domain.ErrInvalidPaymentRequest},
		{"unknown account", Request{CallerID: f.parent.ID, AccountID: "nope", PaymentRequest: "lnbc20u"}, domain.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Withdraw(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if n := f.lnbits.Calls(providertest.OpCreateWithdrawal); n != 0 {
		t.Fatalf("provider called %d times", n)
	}
	if got := f.balance(t); got != startingBalance {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestWithdrawUnavailablePayoutKeepsDebit(t *testing.T) {
	f := newFixture(t)
	f.lnbits.FailNext(providertest.OpCreateWithdrawal, providertest.Unavailable(domain.ProviderLNbits, providertest.OpCreateWithdrawal))

	_, err := f.svc.Withdraw(context.Background(), Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"})
	if !errors.Is(err, domain.ErrPayoutUnconfirmed) {
		t.Fatalf("expected ErrPayoutUnconfirmed, got %v", err)
	}
	if domain.Retryable(err) {
		t.Fatal("an unconfirmed payout must not be retried")
	}
	if got := f.balance(t); got != startingBalance-2000 {
		t.Fatalf("expected debit kept at %d, got %d", startingBalance-2000, got)
	}
	txns := f.ledger(t)
	if len(txns) != 2 || txns[0].Type != domain.TxWithdrawal {
		t.Fatalf("expected seed and debit only, got %+v", txns)
	}
	if !strings.Contains(err.Error(), txns[0].ProviderRef) {
		t.Fatalf("error %q does not name ref %s", err, txns[0].ProviderRef)
	}
	if types := f.eventTypes(); len(types) != 1 || types[0] != notify.WithdrawalUnconfirmed {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestWithdrawPaidThenTimedOutKeepsDebit(t *testing.T) {
	f := newFixture(t)

	var paidOut atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/payments" {
			http.NotFound(w, r)
			return
		}
		// The payment leaves the wallet, then the response is too slow.
		paidOut.Add(2000)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"payment_hash":"aa11","checking_id":"aa11"}`))
	}))
	defer server.Close()

	svc := f.serviceFor(t, provider.NewLNbits(server.URL, 100*time.Millisecond))
	_, err := svc.Withdraw(context.Background(), Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"})
	if !errors.Is(err, domain.ErrPayoutUnconfirmed) {
		t.Fatalf("expected ErrPayoutUnconfirmed, got %v", err)
	}
	if paidOut.Load() != 2000 {
		t.Fatalf("expected the wallet to have paid 2000, got %d", paidOut.Load())
	}
	// Jar plus what left the wallet must equal what the jar held.
	if got := f.balance(t); got+paidOut.Load() != startingBalance {
		t.Fatalf("jar %d + paid %d != %d: money created", got, paidOut.Load(), startingBalance)
	}
}

func TestWithdrawUnreachableProviderIsReversed(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	svc := f.serviceFor(t, provider.NewLNbits(addr, time.Second))
	_, err := svc.Withdraw(context.Background(), Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"})
	if !errors.Is(err, domain.ErrProviderUnavailable) || errors.Is(err, domain.ErrPayoutUnconfirmed) {
		t.Fatalf("expected a plain ErrProviderUnavailable, got %v", err)
	}
	if got := f.balance(t); got != startingBalance {
		t.Fatalf("expected balance restored to %d, got %d", startingBalance, got)
	}
}

func TestReverseHeldWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lnbits.FailNext(providertest.OpCreateWithdrawal, providertest.Unavailable(domain.ProviderLNbits, providertest.OpCreateWithdrawal))
	if _, err := f.svc.Withdraw(ctx, Request{CallerID: f.parent.ID, AccountID: f.child.ID, PaymentRequest: "lnbc20u"}); !errors.Is(err, domain.ErrPayoutUnconfirmed) {
		t.Fatalf("expected ErrPayoutUnconfirmed, got %v", err)
	}
	ref := f.ledger(t)[0].ProviderRef

	balance, err := f.svc.Reverse(ctx, ReverseRequest{AccountID: f.child.ID, Ref: ref, Reason: "provider shows payment failed"})
	if err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	if balance != startingBalance || f.balance(t) != startingBalance {
		t.Fatalf("expected balance restored to %d, got %d", startingBalance, balance)
	}
	reversal := f.ledger(t)[0]
	if reversal.Type != domain.TxDeposit || reversal.AmountSats != 2000 || reversal.ProviderRef != ref || reversal.CreatorID != f.parent.ID {
		t.Fatalf("unexpected reversal: %+v", reversal)
	}

	if _, err := f.svc.Reverse(ctx, ReverseRequest{AccountID: f.child.ID, Ref: ref}); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("expected ErrAlreadyReversed, got %v", err)
	}
	if _, err := f.svc.Reverse(ctx, ReverseRequest{AccountID: f.child.ID, Ref: "no-such-ref"}); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("expected ErrWithdrawalNotFound, got %v", err)
	}
	if got := f.balance(t); got != startingBalance {
		t.Fatalf("second reversal changed balance to %d", got)
	}
	types := f.eventTypes()
	if len(types) != 2 || types[0] != notify.WithdrawalUnconfirmed || types[1] != notify.WithdrawalFailed {
		t.Fatalf("unexpected events: %v", types)
	}
}
