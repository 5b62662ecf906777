// Package notify tells the outside world about settled invoices and
// withdrawals. Delivery is best-effort and never blocks a ledger write.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notifyEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satsjar_notify_events_total",
	Help: "Notification events by type and outcome",
}, []string{"type", "outcome"})

type EventType string

const (
	InvoiceSettled      EventType = "invoice.settled"
	WithdrawalCompleted EventType = "withdrawal.completed"
	WithdrawalFailed    EventType = "withdrawal.failed"

	// WithdrawalUnconfirmed means the jar was debited but the provider
	// never said whether it paid.
	WithdrawalUnconfirmed EventType = "withdrawal.unconfirmed"
)

type Event struct {
	Type        EventType `json:"type"`
	AccountID   string    `json:"accountId"`
	PaymentHash string    `json:"paymentHash,omitempty"`
	AmountSats  int64     `json:"amountSats"`
	BalanceSats int64     `json:"balanceSats"`
	Via         string    `json:"via,omitempty"`
	Ref         string    `json:"ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, e Event) error

func (f Func) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
var Nop Notifier = Func(func(context.Context, Event) error { return nil })

type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, e Event) error {
	n.Logger.InfoContext(ctx, "notification",
		"type", e.Type,
		"account_id", e.AccountID,
		"payment_hash", e.PaymentHash,
		"amount_sats", e.AmountSats,
		"balance_sats", e.BalanceSats,
		"ref", e.Ref,
	)
	return nil
}

// HTTPNotifier POSTs each event as JSON. It does not retry.
type HTTPNotifier struct {
	url    string
	client *http.Client
}

func NewHTTPNotifier(url string) *HTTPNotifier {
	return &HTTPNotifier{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (n *HTTPNotifier) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", e.Type, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s: unexpected status %d", e.Type, resp.StatusCode)
	}
	return nil
}

// Async hands events to a single worker through a bounded queue. Notify
// never blocks; when the queue is full the event is dropped.
type Async struct {
	next   Notifier
	logger *slog.Logger
	queue  chan Event

	// mu guards closed. Senders hold it shared so Close cannot close the
	// queue under a send.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

const DefaultQueueSize = 256

func NewAsync(next Notifier, queueSize int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		notifyEventsTotal.WithLabelValues(string(e.Type), "dropped").Inc()
		a.logger.Warn("notifier closed, dropping event", "type", e.Type, "payment_hash", e.PaymentHash)
		return nil
	}
	select {
	case a.queue <- e:
		notifyEventsTotal.WithLabelValues(string(e.Type), "queued").Inc()
	default:
		notifyEventsTotal.WithLabelValues(string(e.Type), "dropped").Inc()
		a.logger.Warn("notification queue full, dropping event", "type", e.Type, "payment_hash", e.PaymentHash)
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.next.Notify(ctx, e); err != nil {
			notifyEventsTotal.WithLabelValues(string(e.Type), "failed").Inc()
			a.logger.Warn("notification failed", "type", e.Type, "payment_hash", e.PaymentHash, "error", err)
		} else {
			notifyEventsTotal.WithLabelValues(string(e.Type), "delivered").Inc()
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
