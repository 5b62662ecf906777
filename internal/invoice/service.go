// Package invoice mints Lightning invoices against the caller's own provider
// credential and records them as pending.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/store"
)

var (
	invoicesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satsjar_invoices_created_total",
		Help: "Invoices minted, by provider",
	}, []string{"provider"})

	providerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satsjar_invoice_provider_fallbacks_total",
		Help: "Invoices minted on the secondary provider because the active one was unavailable",
	}, []string{"from", "to"})
)

type CreateRequest struct {
	// CallerID is the authenticated account making the request.
	CallerID string
	// ChildID names the jar being funded. Empty means the caller's own.
	ChildID    string
	AmountSats int64
	Memo       string
}

type Service struct {
	store     store.Store
	providers *provider.Selector
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(s store.Store, providers *provider.Selector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, providers: providers, logger: logger, now: time.Now}
}

// Create validates the request, mints the invoice with the issuing
// account's credential and stores it as pending before returning it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Invoice, error) {
	if req.AmountSats <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	target, issuer, creator, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	client := s.providers.Active()
	created, err := s.mint(ctx, client, issuer, req)
	if err != nil && errors.Is(err, domain.ErrProviderUnavailable) && s.providers.FallbackEnabled() {
		fb, fbErr := s.providers.Fallback()
		if fbErr == nil {
			s.logger.Warn("active provider unavailable, minting on fallback; funds will land in a different wallet",
				"from", client.Kind(), "to", fb.Kind(), "account_id", target, "error", err)
			providerFallbacks.WithLabelValues(string(client.Kind()), string(fb.Kind())).Inc()
			client = fb
			created, err = s.mint(ctx, client, issuer, req)
		}
	}
	if err != nil {
		return nil, err
	}

	inv := &domain.Invoice{
		PaymentHash:       created.PaymentHash,
		ProviderInvoiceID: created.ProviderInvoiceID,
		Provider:          client.Kind(),
		AccountID:         target,
		CreatorID:         creator,
		IssuerAccountID:   issuer,
		AmountSats:        req.AmountSats,
		Memo:              req.Memo,
		PaymentRequest:    created.PaymentRequest,
		Status:            domain.InvoicePending,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("record invoice %s: %w", inv.PaymentHash, err)
	}

	invoicesCreated.WithLabelValues(string(inv.Provider)).Inc()
	s.logger.Info("invoice created",
		"payment_hash", inv.PaymentHash,
		"provider", inv.Provider,
		"account_id", inv.AccountID,
		"amount_sats", inv.AmountSats,
	)
	return inv, nil
}

// resolve decides whose jar is funded and whose credential mints the
// invoice. A child funds itself with its own key; a parent funds one of
// its children with the parent's key.
func (s *Service) resolve(ctx context.Context, req CreateRequest) (target, issuer, creator string, err error) {
	caller, err := s.store.GetAccount(ctx, req.CallerID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return "", "", "", domain.ErrForbidden
	}
	if err != nil {
		return "", "", "", err
	}

	if req.ChildID == "" || req.ChildID == caller.ID {
		if caller.Role != domain.RoleChild {
			return "", "", "", fmt.Errorf("%w: parents fund a child's jar, not their own", domain.ErrForbidden)
		}
		return caller.ID, caller.ID, "", nil
	}

	if caller.Role != domain.RoleParent {
		return "", "", "", domain.ErrForbidden
	}
	child, err := s.store.GetAccount(ctx, req.ChildID)
	if err != nil {
		return "", "", "", err
	}
	if child.Role != domain.RoleChild || child.ParentID != caller.ID {
		return "", "", "", domain.ErrForbidden
	}
	return child.ID, caller.ID, caller.ID, nil
}

func (s *Service) mint(ctx context.Context, client provider.Client, issuer string, req CreateRequest) (*provider.CreatedInvoice, error) {
	cred, err := s.store.GetCredential(ctx, issuer, client.Kind())
	if err != nil {
		return nil, fmt.Errorf("%s credential for %s: %w", client.Kind(), issuer, err)
	}
	return client.CreateInvoice(ctx, *cred, req.AmountSats, req.Memo)
}
