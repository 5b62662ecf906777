package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/isabell-ah/satsjar/internal/config"
	"github.com/isabell-ah/satsjar/internal/notify"
	"github.com/isabell-ah/satsjar/internal/provider"
	"github.com/isabell-ah/satsjar/internal/store"
)

var Version = "dev"

// app holds what every subcommand needs, opened once in PersistentPreRunE.
type app struct {
	cfg       *config.Config
	store     store.Store
	providers *provider.Selector
	decoder   provider.PaymentRequestDecoder
	notifier  notify.Notifier
	logger    *slog.Logger
}

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "jarctl",
		Short:         "Operate the satsjar ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			return a.open(cmd.Context(), verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.store != nil {
				a.store.Close()
			}
		},
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")

	rootCmd.AddCommand(migrateCmd(a))
	rootCmd.AddCommand(settleCmd(a))
	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(balanceCmd(a))
	rootCmd.AddCommand(providerBalanceCmd(a))
	rootCmd.AddCommand(sweepCmd(a))
	rootCmd.AddCommand(tokenCmd(a))
	rootCmd.AddCommand(reverseWithdrawalCmd(a))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) open(ctx context.Context, verbose bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a.store, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}

	// Delivered inline: the process exits as soon as the command returns.
	a.notifier = notify.LogNotifier{Logger: a.logger}
	if cfg.Notify.URL != "" {
		a.notifier = notify.NewHTTPNotifier(cfg.Notify.URL)
	}

	decoder, err := provider.NewDecoder(cfg.Providers.Network)
	if err != nil {
		return err
	}
	a.decoder = decoder
	a.providers, err = provider.NewSelector(
		provider.SelectorConfig{Active: cfg.ActiveProvider(), FallbackEnabled: cfg.Providers.FallbackEnabled},
		provider.NewLNbits(cfg.Providers.LNbits.BaseURL, cfg.Providers.Timeout),
		provider.NewOpenNode(cfg.Providers.OpenNode.BaseURL, cfg.Providers.Timeout, decoder),
	)
	return err
}
