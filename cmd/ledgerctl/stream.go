package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"ledger-client/pkg/balance"
	"ledger-client/pkg/config"
	"ledger-client/pkg/engine"
	"ledger-client/pkg/ledger"
	"ledger-client/pkg/logging"
	memorycollector "ledger-client/pkg/metrics/memory"
	"ledger-client/pkg/stream"

	"go.uber.org/zap"
)

func runStream(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	file := fs.String("file", "", "YAML stream descriptor {blocks, accounts}")
	blocks := fs.Bool("blocks", false, "subscribe to committed blocks")
	accounts := fs.String("accounts", "", "comma separated accounts to watch")
	transfer := fs.String("transfer", "", "YAML transfer file to submit on every committed block")
	limit := fs.Int("limit", 0, "stop after this many events (0 = until interrupted)")
	fs.Parse(args)

	filter, err := streamFilter(*file, *blocks || *transfer != "", *accounts)
	if err != nil {
		return err
	}

	collector := memorycollector.NewMemoryCollector()
	a, err := newApp(cfg, collector)
	if err != nil {
		return err
	}

	var bt *blockTransfers
	if *transfer != "" {
		filter.Blocks = true
		if bt, err = newBlockTransfers(a, *transfer, cfg.Policy(), os.Stdout); err != nil {
			return err
		}
		if err := bt.checkAccounts(ctx); err != nil {
			return err
		}
	}

	sub, err := subscribe(ctx, a, filter)
	if err != nil {
		return err
	}
	defer sub.Close()

	// ctx ends the subscription; Next keeps draining what is buffered.
	seen := 0
	for ev, err := range sub.Events(context.Background()) {
		if err != nil {
			return err
		}
		fmt.Println(ev)
		if bt != nil && ev.Kind == ledger.KindBlockCommitted {
			if err := bt.onBlock(ctx, ev); err != nil {
				return err
			}
		}
		seen++
		if *limit > 0 && seen >= *limit {
			break
		}
	}

	snap := collector.Snapshot()
	a.logger.Info("stream finished",
		zap.Int("events", seen),
		zap.Int64("reconnects", snap.Reconnects),
		zap.Int64("dropped", snap.DroppedEvents),
	)
	return nil
}

// blockTransfers submits the same set of transfers once per committed block
// and prints each recipient's balance afterwards.
type blockTransfers struct {
	engine  *engine.Engine
	cache   *balance.Cache
	policy  engine.Policy
	intents []ledger.TransferIntent
	out     io.Writer
	logger  *logging.Logger
}

func newBlockTransfers(a *app, file string, policy engine.Policy, out io.Writer) (*blockTransfers, error) {
	descs, err := config.LoadTransfers(file)
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%s lists no transfers", file)
	}
	intents, err := config.Intents(descs, a.keys)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(a.ledger, engine.Config{
		Balances: a.cache,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return &blockTransfers{
		engine:  eng,
		cache:   a.cache,
		policy:  policy,
		intents: intents,
		out:     out,
		logger:  a.logger.Named("block-transfers"),
	}, nil
}

// checkAccounts fails unless every sender and recipient exists on the ledger.
func (bt *blockTransfers) checkAccounts(ctx context.Context) error {
	for _, in := range bt.intents {
		for _, id := range []ledger.AccountID{in.Source, in.Destination} {
			if _, err := bt.cache.Get(ctx, id); err != nil {
				if errors.Is(err, ledger.ErrAccountNotFound) {
					return fmt.Errorf("account %s does not exist", id)
				}
				return err
			}
		}
	}
	return nil
}

// onBlock runs one batch for the block in ev. Failed transfers are
// reported and do not stop the stream; only ctx ending does.
func (bt *blockTransfers) onBlock(ctx context.Context, ev stream.UpdateEvent) error {
	slot := ev.Block.Slot
	intents := make([]ledger.TransferIntent, len(bt.intents))
	for i, in := range bt.intents {
		in.CorrelationID = fmt.Sprintf("%s@%d", in.CorrelationID, slot)
		intents[i] = in
	}

	records, err := bt.engine.SubmitBatch(ctx, intents, bt.policy)
	if err != nil {
		return err
	}

	seen := make(map[ledger.AccountID]bool)
	for _, rec := range records {
		if rec.State != engine.Confirmed {
			fmt.Fprintf(bt.out, "block %d: transfer %s failed: %s\n", slot, rec.Intent.CorrelationID, rec.ReasonText())
			continue
		}
		fmt.Fprintf(bt.out, "block %d: transfer %s confirmed: %s\n", slot, rec.Intent.CorrelationID, rec.Signature)

		to := rec.Intent.Destination
		if seen[to] {
			continue
		}
		seen[to] = true
		bal, err := bt.cache.Get(ctx, to)
		if err != nil {
			bt.logger.Warn("recipient balance unavailable", logging.Account("account", to), zap.Error(err))
			continue
		}
		fmt.Fprintf(bt.out, "block %d: recipient %s balance %v SOL\n", slot, to, bal.SOL())
	}
	return ctx.Err()
}

// subscribe opens a stream that feeds the app's balance cache.
func subscribe(ctx context.Context, a *app, filter ledger.Filter) (*stream.Subscription, error) {
	sc, err := a.cfg.StreamConfig()
	if err != nil {
		return nil, err
	}
	sc.Sink = a.cache
	sc.Metrics = a.metrics
	sc.OnStateChange = func(from, to stream.State) {
		a.logger.Info("stream state", zap.Stringer("from", from), zap.Stringer("to", to))
	}

	client, err := stream.New(a.ledger, sc)
	if err != nil {
		return nil, err
	}
	return client.Subscribe(ctx, filter)
}

func streamFilter(file string, blocks bool, accounts string) (ledger.Filter, error) {
	if file != "" {
		d, err := config.LoadStream(file)
		if err != nil {
			return ledger.Filter{}, err
		}
		return d.Filter()
	}

	d := config.StreamDescriptor{Blocks: blocks}
	for _, s := range strings.Split(accounts, ",") {
		if s = strings.TrimSpace(s); s != "" {
			d.Accounts = append(d.Accounts, s)
		}
	}
	if !d.Blocks && len(d.Accounts) == 0 {
		return ledger.Filter{}, errors.New("nothing to follow: pass -blocks, -accounts or -file")
	}
	return d.Filter()
}
