package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ledger-client/pkg/config"
	"ledger-client/pkg/engine"
	"ledger-client/pkg/logging"
	memorycollector "ledger-client/pkg/metrics/memory"
	"ledger-client/pkg/store"
	"ledger-client/pkg/writer"

	"go.uber.org/zap"
)

func runTransfer(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	file := fs.String("file", "transfer.yaml", "YAML list of {from_pk, to, amount_lamp}")
	fs.Parse(args)

	descs, err := config.LoadTransfers(*file)
	if err != nil {
		return err
	}

	collector := memorycollector.NewMemoryCollector()
	a, err := newApp(cfg, collector)
	if err != nil {
		return err
	}

	intents, err := config.Intents(descs, a.keys)
	if err != nil {
		// Undecodable entries still run and fail as invalid intents.
		a.logger.Warn("some transfers are malformed", zap.Error(err))
	}

	sink, err := openSink(cfg)
	if err != nil {
		return fmt.Errorf("open %s report sink: %w", cfg.ReportSink, err)
	}
	defer sink.Close()

	w := writer.NewAsyncWriterWithMetrics(sink, writer.AsyncWriterConfig{}, collector)

	eng, err := engine.New(a.ledger, engine.Config{
		Balances: a.cache,
		Metrics:  collector,
		OnFinish: w.Record,
	})
	if err != nil {
		return err
	}

	report, err := eng.Run(ctx, intents, cfg.Policy())
	if err != nil {
		return err
	}

	if err := w.Flush(10 * time.Second); err != nil {
		a.logger.Warn("report writer did not drain", zap.Error(err))
	}
	w.Close()

	persist(sink, report, w.Stats(), a)
	printResults(os.Stdout, report)

	snap := collector.Snapshot()
	fmt.Printf("Submit attempts: %d, RPC calls: %d\n", snap.SubmitAttempts, sum(snap.RPCCalls))
	return nil
}

// persist writes the run header. If the writer lost any record the whole
// report is written again; store writes are upserts.
func persist(sink store.Store, report *engine.Report, stats writer.AsyncWriterStats, a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if stats.DroppedWrites > 0 || stats.FailedWrites > 0 {
		err = store.SaveReport(ctx, sink, report)
	} else {
		err = sink.PutRun(ctx, store.NewRunDoc(report))
	}
	if err != nil {
		a.logger.Error("report not persisted", logging.RunID(report.RunID), zap.Error(err))
		return
	}
	a.logger.Info("report persisted", logging.RunID(report.RunID), zap.String("sink", sink.Name()))
}

func printResults(w io.Writer, report *engine.Report) {
	fmt.Fprintln(w, "Transfer Results:")
	fmt.Fprintf(w, "%-88s %-10s %-10s %s\n", "Signature", "Status", "Time (ms)", "Reason")
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, rec := range report.Records {
		sig := rec.Signature.String()
		if sig == "" {
			sig = "-"
		}
		status := rec.State.String()
		if rec.State == engine.Confirmed {
			status = "success"
		}
		fmt.Fprintf(w, "%-88s %-10s %-10d %s\n", sig, status, rec.Elapsed().Milliseconds(), rec.ReasonText())
	}

	s := report.Summary()
	fmt.Fprintln(w, "\nSummary:")
	fmt.Fprintf(w, "Run: %s\n", report.RunID)
	fmt.Fprintf(w, "Total transfers: %d\n", s.Total)
	fmt.Fprintf(w, "Successful: %d\n", s.Confirmed)
	fmt.Fprintf(w, "Failed: %d\n", s.Total-s.Confirmed)
	fmt.Fprintf(w, "Average processing time: %d ms\n", s.AverageTime.Milliseconds())
	fmt.Fprintf(w, "Total processing time: %d ms\n", s.TotalTime.Milliseconds())
}

func sum(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}
