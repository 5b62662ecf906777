package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isabell-ah/satsjar/internal/domain"
)

const (
	opCreateInvoice    = "create_invoice"
	opGetStatus        = "get_status"
	opCreateWithdrawal = "create_withdrawal"
	opGetBalance       = "get_balance"

	maxResponseBytes = 1 << 20
	DefaultTimeout   = 10 * time.Second
)

var (
	providerReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satsjar_provider_requests_total",
		Help: "Calls to external payment providers, labeled by outcome",
	}, []string{"provider", "op", "outcome"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "satsjar_provider_request_duration_seconds",
		Help:    "Latency of external payment provider calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider", "op"})
)

// transport performs one JSON request against a provider and classifies the
// failure. It never retries.
type transport struct {
	kind    domain.Provider
	baseURL string
	http    *http.Client
}

func newTransport(kind domain.Provider, baseURL string, timeout time.Duration) transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return transport{
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (t transport) do(ctx context.Context, op, method, path string, header http.Header, in, out any) error {
	timer := prometheus.NewTimer(providerLatency.WithLabelValues(string(t.kind), op))
	defer timer.ObserveDuration()

	err := t.roundTrip(ctx, op, method, path, header, in, out)
	providerReqTotal.WithLabelValues(string(t.kind), op, outcomeLabel(err)).Inc()
	return err
}

func (t transport) roundTrip(ctx context.Context, op, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode request: %w", t.kind, op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", t.kind, op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return &Error{Provider: t.kind, Op: op, Kind: domain.ErrProviderUnavailable, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Provider: t.kind, Op: op, StatusCode: resp.StatusCode, Kind: domain.ErrProviderUnavailable, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Provider:   t.kind,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
			Kind:       classifyStatus(op, resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Provider: t.kind, Op: op, StatusCode: resp.StatusCode, Kind: domain.ErrProviderUnavailable, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classifyStatus(op string, code int) error {
	switch {
	case code == http.StatusForbidden && op == opCreateWithdrawal:
		return domain.ErrInsufficientPermission
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return domain.ErrProviderUnavailable
	case code == http.StatusTooManyRequests, code >= 500:
		return domain.ErrProviderUnavailable
	default:
		return domain.ErrProviderRejected
	}
}

// errorMessage pulls a human readable message out of the provider's error
// body; both providers use one of these keys.
func errorMessage(raw []byte) string {
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, s := range []string{body.Detail, body.Message, body.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrInsufficientPermission):
		return "forbidden"
	default:
		return "rejected"
	}
}
