package webhook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/invoice"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/provider/providertest"
	"github.com/isabell-ah/satsjar/internal/settlement"
	"github.com/isabell-ah/satsjar/internal/store"
)

const lnbitsSecret = "whsec-lnbits"

type env struct {
	store   *store.Memory
	handler *Handler
	server  *httptest.Server
	child   *domain.Account
	inv     *domain.Invoice

	mu      sync.Mutex
	results []Result
}

func newEnv(t *testing.T, amount int64) *env {
	t.Helper()
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{store: store.NewMemory()}

	e.child = &domain.Account{Role: domain.RoleChild}
	if err := e.store.CreateAccount(ctx, e.child); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := e.store.PutCredential(ctx, domain.Credential{AccountID: e.child.ID, Provider: domain.ProviderLNbits, InvoiceKey: "k"}); err != nil {
		t.Fatalf("PutCredential failed: %v", err)
	}

	lnbits := providertest.New(domain.ProviderLNbits)
	sel, err := provider.NewSelector(provider.SelectorConfig{Active: domain.ProviderLNbits}, lnbits, providertest.New(domain.ProviderOpenNode))
	if err != nil {
		t.Fatalf("NewSelector failed: %v", err)
	}
	e.inv, err = invoice.NewService(e.store, sel, quiet).Create(ctx, invoice.CreateRequest{CallerID: e.child.ID, AmountSats: amount})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec := settlement.New(e.store, settlement.WithLogger(quiet))
	e.handler = NewHandler(rec, e.store, Config{
		Secrets: map[domain.Provider]string{domain.ProviderLNbits: lnbitsSecret},
		OnResult: func(r Result) {
			e.mu.Lock()
			e.results = append(e.results, r)
			e.mu.Unlock()
		},
	}, quiet)

	router := mux.NewRouter()
	router.Handle("/api/v1/webhooks/{provider}", e.handler).Methods(http.MethodPost)
	e.server = httptest.NewServer(router)
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) post(t *testing.T, provider string, body []byte, signature string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/v1/webhooks/"+provider, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if signature != "" {
		p, _ := domain.ParseProvider(provider)
		req.Header.Set(SignatureHeader(p), signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	e.handler.Wait()
	return resp.StatusCode
}

func (e *env) lastOutcome(t *testing.T) Outcome {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.results) == 0 {
		t.Fatal("no webhook result recorded")
	}
	return e.results[len(e.results)-1].Outcome
}

func (e *env) balance(t *testing.T) int64 {
	t.Helper()
	acc, err := e.store.GetAccount(context.Background(), e.child.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	return acc.BalanceSats
}

func paidBody(hash string, amount int64) []byte {
	return []byte(`{"payment_hash":"` + hash + `","amount":` + strconv.FormatInt(amount, 10) + `,"paid":true,"pending":false}`)
}

func TestWebhookSettlesOnceAcrossRedelivery(t *testing.T) {
	e := newEnv(t, 5000)
	body := paidBody(e.inv.PaymentHash, 5000)
	sig := Sign(lnbitsSecret, body)

	if code := e.post(t, "lnbits", body, sig); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got := e.lastOutcome(t); got != OutcomeSettled {
		t.Fatalf("expected settled, got %s", got)
	}
	if got := e.balance(t); got != 5000 {
		t.Fatalf("expected balance 5000, got %d", got)
	}

	if code := e.post(t, "lnbits", body, sig); code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", code)
	}
	if got := e.lastOutcome(t); got != OutcomeAlreadySettled {
		t.Fatalf("expected already_settled, got %s", got)
	}
	if got := e.balance(t); got != 5000 {
		t.Fatalf("redelivery changed balance to %d", got)
	}

	inv, _ := e.store.GetInvoice(context.Background(), e.inv.PaymentHash)
	if inv.ProcessedVia != domain.ViaWebhook {
		t.Fatalf("expected processedVia webhook, got %q", inv.ProcessedVia)
	}
}

func TestForgedSignatureIsRejected(t *testing.T) {
	e := newEnv(t, 5000)
	body := paidBody(e.inv.PaymentHash, 5000)

	for name, sig := range map[string]string{
		"wrong secret": Sign("not-the-secret", body),
		"missing":      "",
		"not hex":      "zzzz",
	} {
		t.Run(name, func(t *testing.T) {
			if code := e.post(t, "lnbits", body, sig); code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", code)
			}
		})
	}

	inv, _ := e.store.GetInvoice(context.Background(), e.inv.PaymentHash)
	if inv.IsPaid() {
		t.Fatal("forged webhook settled the invoice")
	}
	if got := e.balance(t); got != 0 {
		t.Fatalf("forged webhook changed balance to %d", got)
	}
}

func TestTamperedBodyIsRejected(t *testing.T) {
	e := newEnv(t, 5000)
	sig := Sign(lnbitsSecret, paidBody(e.inv.PaymentHash, 5000))
	if code := e.post(t, "lnbits", paidBody(e.inv.PaymentHash, 50000), sig); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestNonFinalEventsAreIgnored(t *testing.T) {
	e := newEnv(t, 700)
	bodies := [][]byte{
		[]byte(`{"payment_hash":"` + e.inv.PaymentHash + `","amount":700,"paid":false,"pending":true}`),
		[]byte(`{"payment_hash":"` + e.inv.PaymentHash + `","amount":700,"paid":true,"pending":true}`),
		[]byte(`{"payment_hash":"` + e.inv.PaymentHash + `","amount":700,"status":"processing"}`),
	}
	for _, body := range bodies {
		if code := e.post(t, "lnbits", body, Sign(lnbitsSecret, body)); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if got := e.lastOutcome(t); got != OutcomeIgnored {
			t.Fatalf("expected ignored for %s, got %s", body, got)
		}
	}
	if got := e.balance(t); got != 0 {
		t.Fatalf("non-final event changed balance to %d", got)
	}
}

func TestMalformedAndUnknownAreAcknowledged(t *testing.T) {
	e := newEnv(t, 700)

	cases := []struct {
		body []byte
		want Outcome
	}{
		{[]byte(`{not json`), OutcomeMalformed},
		{[]byte(`{"amount":700,"paid":true}`), OutcomeMalformed},
		{paidBody("ab", 700), OutcomeUnknownInvoice},
		{paidBody(e.inv.PaymentHash, 699), OutcomeAmountMismatch},
	}
	for _, tc := range cases {
		if code := e.post(t, "lnbits", tc.body, Sign(lnbitsSecret, tc.body)); code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", tc.body, code)
		}
		if got := e.lastOutcome(t); got != tc.want {
			t.Fatalf("body %s: expected %s, got %s", tc.body, tc.want, got)
		}
	}
	if got := e.balance(t); got != 0 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestWebhookFromOtherProviderIsNotApplied(t *testing.T) {
	e := newEnv(t, 700)
	// No opennode secret is configured, so verification is skipped.
	body := paidBody(e.inv.PaymentHash, 700)
	if code := e.post(t, "opennode", body, ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got := e.lastOutcome(t); got != OutcomeWrongProvider {
		t.Fatalf("expected wrong_provider, got %s", got)
	}
	if got := e.balance(t); got != 0 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestUnknownProviderRoute(t *testing.T) {
	e := newEnv(t, 700)
	if code := e.post(t, "paypal", []byte(`{}`), ""); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"payment_hash":"x"}`)
	sig := Sign("s3cret", body)
	if !Verify("s3cret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if !Verify("s3cret", body, " "+sig+"\n") {
		t.Fatal("surrounding whitespace should be tolerated")
	}
	if Verify("s3cret", append(body, ' '), sig) {
		t.Fatal("signature over different body accepted")
	}
	if SignatureHeader(domain.ProviderOpenNode) != "X-Opennode-Signature" {
		t.Fatalf("unexpected header %q", SignatureHeader(domain.ProviderOpenNode))
	}
}
