// Package poller answers status checks by asking the issuing provider and
// feeding confirmed payments to the settlement reconciler.
package poller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/settlement"
	"github.com/isabell-ah/satsjar/internal/store"
)

var statusChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satsjar_status_checks_total",
	Help: "Invoice status checks by outcome",
}, []string{"outcome"})

// Settler is the reconciler entry point.
type Settler interface {
	Settle(ctx context.Context, paymentHash string, observedAmountSats int64, via domain.SettledVia) (settlement.Result, error)
}

type Status struct {
	Invoice domain.Invoice
	// Verified is false when the provider could not be reached and Invoice
	// is the last known state.
	Verified bool
}

type Poller struct {
	store     store.Store
	providers *provider.Selector
	settler   Settler
	logger    *slog.Logger
	group     singleflight.Group
}

func New(s store.Store, providers *provider.Selector, settler Settler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: s, providers: providers, settler: settler, logger: logger}
}

// Check returns the current state of an invoice. Paid invoices are answered
// from the store without contacting the provider. Concurrent checks of the
// same hash share one provider round trip.
func (p *Poller) Check(ctx context.Context, paymentHash string) (*Status, error) {
	inv, err := p.store.GetInvoice(ctx, paymentHash)
	if err != nil {
		return nil, err
	}
	if inv.IsPaid() {
		statusChecksTotal.WithLabelValues("cached").Inc()
		return &Status{Invoice: *inv, Verified: true}, nil
	}

	v, err, _ := p.group.Do(paymentHash, func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		return p.refresh(context.WithoutCancel(ctx), inv)
	})
	if err != nil {
		statusChecksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	st := v.(*Status)
	return &Status{Invoice: st.Invoice, Verified: st.Verified}, nil
}

func (p *Poller) refresh(ctx context.Context, inv *domain.Invoice) (*Status, error) {
	log := p.logger.With("payment_hash", inv.PaymentHash, "provider", inv.Provider)

	client, err := p.providers.Client(inv.Provider)
	if err != nil {
		return nil, err
	}
	// Always the credential that minted the invoice.
	cred, err := p.store.GetCredential(ctx, inv.IssuerAccountID, inv.Provider)
	if err != nil {
		return nil, err
	}

	remote, err := client.GetStatus(ctx, *cred, inv.ProviderInvoiceID)
	if errors.Is(err, domain.ErrProviderUnavailable) {
		statusChecksTotal.WithLabelValues("unverified").Inc()
		log.Warn("provider unreachable, returning last known state", "error", err)
		return &Status{Invoice: *inv, Verified: false}, nil
	}
	if err != nil {
		return nil, err
	}

	if !remote.Paid {
		statusChecksTotal.WithLabelValues("pending").Inc()
		return &Status{Invoice: *inv, Verified: true}, nil
	}

	observed := remote.AmountSats
	if observed == 0 {
		// Provider confirmed payment without echoing the amount.
		observed = inv.AmountSats
	}
	res, err := p.settler.Settle(ctx, inv.PaymentHash, observed, domain.ViaPoll)
	if err != nil {
		return nil, err
	}
	statusChecksTotal.WithLabelValues("settled").Inc()
	return &Status{Invoice: res.Invoice, Verified: true}, nil
}
