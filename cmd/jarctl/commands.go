package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/isabell-ah/satsjar/internal/api"
	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/poller"
	"github.com/isabell-ah/satsjar/internal/settlement"
	"github.com/isabell-ah/satsjar/internal/withdrawal"
)

func (a *app) reconciler() *settlement.Reconciler {
	return settlement.New(a.store,
		settlement.WithRetryPolicy(settlement.RetryPolicy{
			MaxAttempts: a.cfg.Settlement.MaxAttempts,
			BaseDelay:   a.cfg.Settlement.BaseDelay,
			MaxDelay:    a.cfg.Settlement.MaxDelay,
		}),
		settlement.WithTimeout(a.cfg.Settlement.Timeout),
		settlement.WithLogger(a.logger),
		settlement.WithNotifier(a.notifier),
	)
}

func (a *app) poller() *poller.Poller {
	return poller.New(a.store, a.providers, a.reconciler(), a.logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Printf("Schema applied to %s store\n", a.cfg.Store.Driver)
			return nil
		},
	}
}

func settleCmd(a *app) *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "settle [payment-hash]",
		Short: "Manually settle an invoice after confirming payment out of band",
		Long: `Settle runs the same reconciliation as webhooks and polling, recorded as
processed via "manual". The amount must be the amount actually received;
a mismatch is refused.

Examples:
  jarctl settle 3f1c...e9 --amount 5000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return errors.New("--amount must be a positive number of sats")
			}
			res, err := a.reconciler().Settle(cmd.Context(), args[0], amount, domain.ViaManual)
			if err != nil {
				return err
			}
			if res.AlreadySettled {
				fmt.Printf("Invoice %s was already settled via %s; nothing changed\n", args[0], res.Invoice.ProcessedVia)
				return nil
			}
			fmt.Printf("Credited %d sats to %s, balance now %d sats\n", res.Invoice.AmountSats, res.Invoice.AccountID, res.BalanceSats)
			return nil
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "Amount received in sats")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [payment-hash]",
		Short: "Check an invoice with its provider, settling it if paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.poller().Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"invoice":  st.Invoice,
				"verified": st.Verified,
			})
		},
	}
}

func balanceCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "balance [account-id]",
		Short: "Show an account balance and its recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			acc, err := a.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			txns, err := a.store.ListTransactions(ctx, acc.ID, limit)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s) balance: %d sats\n\n", acc.ID, acc.Role, acc.BalanceSats)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tSOURCE\tSATS\tPAYMENT HASH\tREF")
			for _, t := range txns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					t.Timestamp.Format(time.RFC3339), t.Type, t.Source, t.AmountSats, t.PaymentHash, t.ProviderRef)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum ledger entries")
	return cmd
}

func providerBalanceCmd(a *app) *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "provider-balance [account-id]",
		Short: "Show the wallet balance the provider reports for an account's credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := a.providers.Active()
			if providerName != "" {
				p, err := domain.ParseProvider(providerName)
				if err != nil {
					return err
				}
				if client, err = a.providers.Client(p); err != nil {
					return err
				}
			}

			cred, err := a.store.GetCredential(ctx, args[0], client.Kind())
			if err != nil {
				return err
			}
			bal, err := client.GetAccountBalance(ctx, *cred)
			if err != nil {
				return err
			}
			btc := decimal.NewFromInt(bal.AmountSats).Shift(-8)
			fmt.Printf("%s wallet of %s: %d sats (%s BTC)\n", client.Kind(), args[0], bal.AmountSats, btc.StringFixed(8))
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "Provider to ask (default: active provider)")
	return cmd
}

func sweepCmd(a *app) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Check every recent pending invoice once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settled, err := poller.NewSweeper(a.poller(), 0, window, a.logger).SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Sweep complete, %d invoices paid\n", settled)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", poller.DefaultSweepWindow, "Only consider invoices created within this window")
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [account-id]",
		Short: "Issue an API bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.store.GetAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			tok, err := api.IssueToken([]byte(a.cfg.Auth.JWTSecret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func reverseWithdrawalCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reverse-withdrawal [account-id] [ref]",
		Short: "Credit back a withdrawal the provider never paid",
		Long: `Withdrawals whose payout outcome is unknown keep their debit and are
logged with a ref. Once the provider confirms the payment did not go out,
reverse-withdrawal appends the compensating deposit. A ref is reversed at
most once.

Examples:
  jarctl reverse-withdrawal child-leo 5b0c...d1 --reason "lnbits shows payment failed"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := withdrawal.NewService(a.store, a.providers, a.decoder, a.notifier, a.logger)
			balance, err := svc.Reverse(cmd.Context(), withdrawal.ReverseRequest{AccountID: args[0], Ref: args[1], Reason: reason})
			if err != nil {
				return err
			}
			fmt.Printf("Reversed withdrawal %s, balance of %s now %d sats\n", args[1], args[0], balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the payout is known to have failed")
	cmd.MarkFlagRequired("reason")
	return cmd
}
