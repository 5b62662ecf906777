package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/isabell-ah/satsjar/internal/api"
	"github.com/isabell-ah/satsjar/internal/config"
	"github.com/isabell-ah/satsjar/internal/invoice"
	"github.com/isabell-ah/satsjar/internal/notify"
	"github.com/isabell-ah/satsjar/internal/poller"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/settlement"
	"github.com/isabell-ah/satsjar/internal/store"
	"github.com/isabell-ah/satsjar/internal/webhook"
	"github.com/isabell-ah/satsjar/internal/withdrawal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	decoder, err := provider.NewDecoder(cfg.Providers.Network)
	if err != nil {
		return err
	}
	providers, err := provider.NewSelector(
		provider.SelectorConfig{Active: cfg.ActiveProvider(), FallbackEnabled: cfg.Providers.FallbackEnabled},
		provider.NewLNbits(cfg.Providers.LNbits.BaseURL, cfg.Providers.Timeout),
		provider.NewOpenNode(cfg.Providers.OpenNode.BaseURL, cfg.Providers.Timeout, decoder),
	)
	if err != nil {
		return err
	}

	var sink notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Notify.URL != "" {
		sink = notify.NewHTTPNotifier(cfg.Notify.URL)
	}
	notifier := notify.NewAsync(sink, cfg.Notify.QueueSize, logger)

	reconciler := settlement.New(db,
		settlement.WithRetryPolicy(settlement.RetryPolicy{
			MaxAttempts: cfg.Settlement.MaxAttempts,
			BaseDelay:   cfg.Settlement.BaseDelay,
			MaxDelay:    cfg.Settlement.MaxDelay,
		}),
		settlement.WithTimeout(cfg.Settlement.Timeout),
		settlement.WithNotifier(notifier),
		settlement.WithLogger(logger),
	)
	status := poller.New(db, providers, reconciler, logger)
	sweeper := poller.NewSweeper(status, cfg.Poller.SweepInterval, cfg.Poller.SweepWindow, logger)
	hooks := webhook.NewHandler(reconciler, db, webhook.Config{Secrets: cfg.WebhookSecrets()}, logger)

	handler := api.NewHandler(db,
		invoice.NewService(db, providers, logger),
		status,
		withdrawal.NewService(db, providers, decoder, notifier, logger),
		logger,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(handler, hooks, []byte(cfg.Auth.JWTSecret)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if len(cfg.WebhookSecrets()) == 0 {
		logger.Warn("no webhook secrets configured; webhook signatures are not verified")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Server.Port, "env", cfg.Env,
			"store", cfg.Store.Driver, "provider", cfg.ActiveProvider())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sweepDone := make(chan struct{})
	g.Go(func() error {
		defer close(sweepDone)
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		logger.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		hooks.Wait()
		// Every producer of notifications must be stopped before the
		// notifier closes.
		select {
		case <-sweepDone:
		case <-shutdownCtx.Done():
			logger.Warn("sweeper still running at shutdown deadline")
		}
		if cerr := notifier.Close(shutdownCtx); cerr != nil {
			logger.Warn("notifications dropped on shutdown", "error", cerr)
		}
		return err
	})
	return g.Wait()
}
