package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/invoice"
	"github.com/isabell-ah/satsjar/internal/poller"
	"github.com/isabell-ah/satsjar/internal/store"
	"github.com/isabell-ah/satsjar/internal/withdrawal"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	store       store.Store
	invoices    *invoice.Service
	status      *poller.Poller
	withdrawals *withdrawal.Service
	logger      *slog.Logger
}

func NewHandler(s store.Store, invoices *invoice.Service, status *poller.Poller, withdrawals *withdrawal.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, invoices: invoices, status: status, withdrawals: withdrawals, logger: logger}
}

// NewRouter mounts the public API. Webhooks authenticate by signature, every
// other /api/v1 route requires a bearer token.
func NewRouter(h *Handler, webhooks http.Handler, jwtSecret []byte) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/webhooks/{provider}", webhooks).Methods(http.MethodPost)

	authed := v1.NewRoute().Subrouter()
	authed.Use(authenticate(jwtSecret))
	authed.HandleFunc("/invoices", h.CreateInvoice).Methods(http.MethodPost)
	authed.HandleFunc("/invoices/{paymentHash}", h.GetInvoiceStatus).Methods(http.MethodGet)
	authed.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	authed.HandleFunc("/accounts/{id}/transactions", h.ListTransactions).Methods(http.MethodGet)
	authed.HandleFunc("/accounts/{id}/withdrawals", h.CreateWithdrawal).Methods(http.MethodPost)

	return r
}

type createInvoiceRequest struct {
	AmountSats json.RawMessage `json:"amountSats"`
	Memo       string          `json:"memo"`
	ChildID    string          `json:"childId"`
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseSats(req.AmountSats)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	inv, err := h.invoices.Create(r.Context(), invoice.CreateRequest{
		CallerID:   CallerID(r.Context()),
		ChildID:    req.ChildID,
		AmountSats: amount,
		Memo:       req.Memo,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/invoices/"+inv.PaymentHash)
	respondWithJSON(w, http.StatusCreated, inv)
}

type invoiceStatusResponse struct {
	PaymentHash string               `json:"paymentHash"`
	Paid        bool                 `json:"paid"`
	Status      domain.InvoiceStatus `json:"status"`
	AmountSats  int64                `json:"amountSats"`
	Memo        string               `json:"memo"`
	PaidAt      *time.Time           `json:"paidAt,omitempty"`
	Verified    bool                 `json:"verified"`
}

func (h *Handler) GetInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["paymentHash"]
	if err := h.canViewInvoice(r, hash); err != nil {
		h.fail(w, r, err)
		return
	}

	st, err := h.status.Check(r.Context(), hash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, invoiceStatusResponse{
		PaymentHash: st.Invoice.PaymentHash,
		Paid:        st.Invoice.IsPaid(),
		Status:      st.Invoice.Status,
		AmountSats:  st.Invoice.AmountSats,
		Memo:        st.Invoice.Memo,
		PaidAt:      st.Invoice.PaidAt,
		Verified:    st.Verified,
	})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.viewableAccount(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	acc, err := h.viewableAccount(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := h.store.ListTransactions(r.Context(), acc.ID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

type createWithdrawalRequest struct {
	PaymentRequest string `json:"paymentRequest"`
}

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req createWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.withdrawals.Withdraw(r.Context(), withdrawal.Request{
		CallerID:       CallerID(r.Context()),
		AccountID:      mux.Vars(r)["id"],
		PaymentRequest: req.PaymentRequest,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) viewableAccount(r *http.Request) (*domain.Account, error) {
	acc, err := h.store.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if !acc.CanView(CallerID(r.Context())) {
		return nil, domain.ErrForbidden
	}
	return acc, nil
}

// canViewInvoice admits the owner of the credited account, its parent and
// whoever created the invoice.
func (h *Handler) canViewInvoice(r *http.Request, hash string) error {
	ctx := r.Context()
	inv, err := h.store.GetInvoice(ctx, hash)
	if err != nil {
		return err
	}
	caller := CallerID(ctx)
	if inv.CreatorID != "" && inv.CreatorID == caller {
		return nil
	}
	acc, err := h.store.GetAccount(ctx, inv.AccountID)
	if err != nil {
		return err
	}
	if !acc.CanView(caller) {
		return domain.ErrForbidden
	}
	return nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", false)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, errCode := classify(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", errCode, "error", err)
		if errCode == "internal" {
			msg = "Internal Server Error"
		}
	}
	respondWithError(w, code, errCode, msg, domain.Retryable(err))
}

// parseSats accepts only a bare JSON integer. Strings, fractions and
// exponents are rejected rather than rounded.
func parseSats(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: amountSats is required", domain.ErrInvalidAmount)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, raw)
	}
	if n <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return n, nil
}
