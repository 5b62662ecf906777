package poller

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultSweepWindow = 24 * time.Hour
	sweepBatch         = 200
)

// Sweeper periodically checks pending invoices so a missed webhook and an
// absent client still end in settlement.
type Sweeper struct {
	poller   *Poller
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(p *Poller, interval, window time.Duration, logger *slog.Logger) *Sweeper {
	if window <= 0 {
		window = DefaultSweepWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{poller: p, interval: interval, window: window, logger: logger, now: time.Now}
}

// Run sweeps every interval until ctx is done. A zero interval disables it.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			settled, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("pending invoice sweep failed", "error", err)
				continue
			}
			if settled > 0 {
				s.logger.Info("pending invoice sweep", "settled", settled)
			}
		}
	}
}

// SweepOnce checks every pending invoice inside the window and reports how
// many are now paid. Per-invoice failures are logged and skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.poller.store.ListPendingInvoices(ctx, s.now().Add(-s.window), sweepBatch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, inv := range pending {
		if ctx.Err() != nil {
			break
		}
		st, err := s.poller.Check(ctx, inv.PaymentHash)
		if err != nil {
			s.logger.Warn("sweep status check failed", "payment_hash", inv.PaymentHash, "error", err)
			continue
		}
		if st.Invoice.IsPaid() {
			settled++
		}
	}
	return settled, nil
}
