package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/invoice"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/provider/providertest"
	"github.com/isabell-ah/satsjar/internal/settlement"
	"github.com/isabell-ah/satsjar/internal/store"
)

type harness struct {
	store    *store.Memory
	lnbits   *providertest.Fake
	opennode *providertest.Fake
	invoices *invoice.Service
	poller   *Poller

	parent, child *domain.Account
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, active domain.Provider) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:    store.NewMemory(),
		lnbits:   providertest.New(domain.ProviderLNbits),
		opennode: providertest.New(domain.ProviderOpenNode),
	}
	h.parent = &domain.Account{Role: domain.RoleParent}
	if err := h.store.CreateAccount(ctx, h.parent); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	h.child = &domain.Account{Role: domain.RoleChild, ParentID: h.parent.ID}
	if err := h.store.CreateAccount(ctx, h.child); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	for _, c := range []domain.Credential{
		{AccountID: h.parent.ID, Provider: domain.ProviderLNbits, InvoiceKey: "parent-lnbits"},
		{AccountID: h.parent.ID, Provider: domain.ProviderOpenNode, InvoiceKey: "parent-opennode"},
		{AccountID: h.child.ID, Provider: domain.ProviderLNbits, InvoiceKey: "child-lnbits"},
	} {
		if err := h.store.PutCredential(ctx, c); err != nil {
			t.Fatalf("PutCredential failed: %v", err)
		}
	}

	sel, err := provider.NewSelector(provider.SelectorConfig{Active: active}, h.lnbits, h.opennode)
	if err != nil {
		t.Fatalf("NewSelector failed: %v", err)
	}
	rec := settlement.New(h.store, settlement.WithRetryPolicy(settlement.RetryPolicy{MaxAttempts: 3}), settlement.WithLogger(quiet()))
	h.invoices = invoice.NewService(h.store, sel, quiet())
	h.poller = New(h.store, sel, rec, quiet())
	return h
}

func (h *harness) create(t *testing.T, amount int64) *domain.Invoice {
	t.Helper()
	inv, err := h.invoices.Create(context.Background(), invoice.CreateRequest{CallerID: h.parent.ID, ChildID: h.child.ID, AmountSats: amount})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return inv
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	acc, err := h.store.GetAccount(context.Background(), h.child.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	return acc.BalanceSats
}

func TestPollBeforeAndAfterPayment(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	inv := h.create(t, 1000)

	st, err := h.poller.Check(context.Background(), inv.PaymentHash)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if st.Invoice.IsPaid() || !st.Verified {
		t.Fatalf("expected verified pending, got %+v", st)
	}

	h.lnbits.MarkPaid(inv.PaymentHash)

	st, err = h.poller.Check(context.Background(), inv.PaymentHash)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !st.Invoice.IsPaid() || st.Invoice.ProcessedVia != domain.ViaPoll || st.Invoice.PaidAt == nil {
		t.Fatalf("expected paid via poll, got %+v", st.Invoice)
	}
	if got := h.balance(t); got != 1000 {
		t.Fatalf("expected balance 1000, got %d", got)
	}
}

func TestPaidInvoiceSkipsProvider(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	inv := h.create(t, 1000)
	h.lnbits.MarkPaid(inv.PaymentHash)
	if _, err := h.poller.Check(context.Background(), inv.PaymentHash); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	before := h.lnbits.Calls(providertest.OpGetStatus)
	h.lnbits.FailNext(providertest.OpGetStatus, providertest.Unavailable(domain.ProviderLNbits, providertest.OpGetStatus))
	for i := 0; i < 3; i++ {
		st, err := h.poller.Check(context.Background(), inv.PaymentHash)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !st.Invoice.IsPaid() || !st.Verified {
			t.Fatalf("expected cached paid state, got %+v", st)
		}
	}
	if after := h.lnbits.Calls(providertest.OpGetStatus); after != before {
		t.Fatalf("provider contacted %d times for a paid invoice", after-before)
	}
}

func TestUnreachableProviderReturnsUnverified(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	inv := h.create(t, 1000)
	h.lnbits.MarkPaid(inv.PaymentHash)
	h.lnbits.FailNext(providertest.OpGetStatus, providertest.Unavailable(domain.ProviderLNbits, providertest.OpGetStatus))

	st, err := h.poller.Check(context.Background(), inv.PaymentHash)
	if err != nil {
		t.Fatalf("Check surfaced an error: %v", err)
	}
	if st.Verified || st.Invoice.IsPaid() {
		t.Fatalf("expected unverified pending, got %+v", st)
	}
	if got := h.balance(t); got != 0 {
		t.Fatalf("balance changed while provider unreachable: %d", got)
	}
	stored, _ := h.store.GetInvoice(context.Background(), inv.PaymentHash)
	if stored.IsPaid() {
		t.Fatal("invoice state changed while provider unreachable")
	}
}

func TestCheckUsesIssuerCredential(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	inv := h.create(t, 10)

	if _, err := h.poller.Check(context.Background(), inv.PaymentHash); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	keys := h.lnbits.KeysSeen()
	if last := keys[len(keys)-1]; last != "parent-lnbits" {
		t.Fatalf("status check used %q, want the issuing parent's key", last)
	}
}

func TestCheckFollowsStoredProviderNotActive(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	inv := h.create(t, 10)
	h.lnbits.MarkPaid(inv.PaymentHash)

	// Redeployed with opennode active; old invoices still resolve to lnbits.
	sel, err := provider.NewSelector(provider.SelectorConfig{Active: domain.ProviderOpenNode}, h.lnbits, h.opennode)
	if err != nil {
		t.Fatalf("NewSelector failed: %v", err)
	}
	p := New(h.store, sel, settlement.New(h.store, settlement.WithLogger(quiet())), quiet())

	st, err := p.Check(context.Background(), inv.PaymentHash)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !st.Invoice.IsPaid() {
		t.Fatal("expected invoice to settle through its own provider")
	}
	if n := h.opennode.Calls(providertest.OpGetStatus); n != 0 {
		t.Fatalf("active provider queried for a foreign invoice: %d calls", n)
	}
}

func TestPollAmountMismatch(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	inv := h.create(t, 1000)
	h.lnbits.MarkPaid(inv.PaymentHash)
	h.lnbits.SetReportedAmount(inv.PaymentHash, 1)

	if _, err := h.poller.Check(context.Background(), inv.PaymentHash); !errors.Is(err, domain.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if got := h.balance(t); got != 0 {
		t.Fatalf("balance changed on mismatch: %d", got)
	}
}

func TestCheckUnknownInvoice(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	if _, err := h.poller.Check(context.Background(), "00"); !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestConcurrentChecksCreditOnce(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	inv := h.create(t, 2500)
	h.lnbits.MarkPaid(inv.PaymentHash)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			st, err := h.poller.Check(context.Background(), inv.PaymentHash)
			if err == nil && !st.Invoice.IsPaid() {
				err = errors.New("check returned unpaid invoice")
			}
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Check failed: %v", err)
		}
	}

	if got := h.balance(t); got != 2500 {
		t.Fatalf("expected a single 2500 credit, got %d", got)
	}
	txns, _ := h.store.ListTransactions(context.Background(), h.child.ID, 50)
	if len(txns) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(txns))
	}
}

func TestSweepSettlesPaidInvoices(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	a := h.create(t, 100)
	b := h.create(t, 200)
	h.create(t, 400)
	h.lnbits.MarkPaid(a.PaymentHash)
	h.lnbits.MarkPaid(b.PaymentHash)

	sw := NewSweeper(h.poller, time.Minute, time.Hour, quiet())
	settled, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if settled != 2 {
		t.Fatalf("expected 2 settled, got %d", settled)
	}
	if got := h.balance(t); got != 300 {
		t.Fatalf("expected balance 300, got %d", got)
	}

	// Second pass only sees the remaining pending invoice.
	before := h.lnbits.Calls(providertest.OpGetStatus)
	if _, err := sw.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if n := h.lnbits.Calls(providertest.OpGetStatus) - before; n != 1 {
		t.Fatalf("expected 1 provider call on second sweep, got %d", n)
	}
}

func TestSweeperDisabledByZeroInterval(t *testing.T) {
	h := newHarness(t, domain.ProviderLNbits)
	done := make(chan error, 1)
	go func() { done <- NewSweeper(h.poller, 0, 0, quiet()).Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper did not return")
	}
}
