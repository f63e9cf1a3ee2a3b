// Command ledgerctl reads balances, submits transfer batches and follows
// ledger updates against a Solana RPC node.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ledger-client/pkg/balance"
	"ledger-client/pkg/config"
	"ledger-client/pkg/ledger/solana"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"
	"ledger-client/pkg/resilience"
	"ledger-client/pkg/store"
	pgstore "ledger-client/pkg/store/postgres"
	redisstore "ledger-client/pkg/store/redis"

	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  balances   print balances of the accounts listed in a wallets file
  transfer   submit the transfers listed in a transfer file
  stream     follow blocks and account changes until interrupted
  serve      run the inspection API with a background stream

Configuration is read from the environment and an optional .env file.
Run "ledgerctl <command> -h" for command flags.
`

var commands = map[string]func(ctx context.Context, cfg config.Config, args []string) error{
	"balances": runBalances,
	"transfer": runTransfer,
	"stream":   runStream,
	"serve":    runServe,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, cfg, os.Args[2:]); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted")
			os.Exit(130)
		}
		logger.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

// app holds the components every command shares.
type app struct {
	cfg     config.Config
	keys    *solana.Keyring
	ledger  *resilience.ResilientClient
	cache   *balance.Cache
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// newApp wires node -> resilient client -> balance cache.
func newApp(cfg config.Config, collector metrics.MetricsCollector) (*app, error) {
	keys := solana.NewKeyring()

	node, err := solana.New(solana.Config{
		RPCURL:     cfg.RPCURL,
		WSURL:      cfg.WSURL,
		Commitment: rpc.CommitmentType(cfg.Commitment),
	}, keys)
	if err != nil {
		return nil, err
	}

	client := resilience.NewResilientClientWithMetrics(node, resilience.DefaultResilientConfig(), collector)

	bc := balance.DefaultConfig()
	bc.Concurrency = cfg.BalanceConcurrency
	bc.Metrics = collector
	cache, err := balance.New(client, bc)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		keys:    keys,
		ledger:  client,
		cache:   cache,
		metrics: collector,
		logger:  logging.L(),
	}, nil
}

// openSink opens the report store selected by REPORT_SINK.
func openSink(cfg config.Config) (store.Store, error) {
	switch cfg.ReportSink {
	case config.SinkRedis:
		return redisstore.New(redisstore.DefaultConfig().WithAddrs(cfg.RedisAddr))
	case config.SinkPostgres:
		return pgstore.New(pgstore.Config{DSN: cfg.PostgresDSN})
	default:
		return store.NewMemory(), nil
	}
}
