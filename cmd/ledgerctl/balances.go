package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"ledger-client/pkg/balance"
	"ledger-client/pkg/config"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"

	"go.uber.org/zap"
)

func runBalances(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("balances", flag.ExitOnError)
	file := fs.String("file", "wallets.yaml", "YAML list of accounts")
	out := fs.String("out", "balances.yaml", "where to write the balances")
	concurrency := fs.Int("concurrency", cfg.BalanceConcurrency, "parallel lookups")
	fs.Parse(args)

	wallets, err := config.LoadWallets(*file)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, metrics.NoOpCollector{})
	if err != nil {
		return err
	}

	lookups := a.cache.GetMany(ctx, wallets, *concurrency)
	if err := ctx.Err(); err != nil {
		return err
	}

	lines := printBalances(os.Stdout, lookups, a.logger)
	if err := config.WriteBalances(*out, lines); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	a.logger.Info("balances written",
		zap.String("file", *out),
		zap.Int("found", len(lines)),
		zap.Int("requested", len(wallets)),
	)
	return nil
}

// printBalances prints one "<account> - <amount> SOL" line per successful
// lookup and returns them for the output file. Failures are logged.
func printBalances(w io.Writer, lookups []balance.Lookup, logger *logging.Logger) []config.BalanceLine {
	lines := make([]config.BalanceLine, 0, len(lookups))
	for _, l := range lookups {
		if l.Err != nil {
			logger.Warn("balance lookup failed", logging.Account("account", l.Account), zap.Error(l.Err))
			continue
		}
		fmt.Fprintf(w, "%s - %v SOL\n", l.Account, l.Balance.SOL())
		lines = append(lines, config.BalanceLine{Pubkey: l.Account.String(), Balance: l.Balance.Amount})
	}
	return lines
}
