package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"ledger-client/pkg/api"
	"ledger-client/pkg/config"
	"ledger-client/pkg/logging"
	promMetrics "ledger-client/pkg/metrics/prometheus"
	"ledger-client/pkg/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func runServe(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.APIAddr, "listen address")
	file := fs.String("file", "", "YAML stream descriptor for the background stream")
	blocks := fs.Bool("blocks", true, "follow committed blocks in the background")
	accounts := fs.String("accounts", "", "comma separated accounts to keep fresh")
	fs.Parse(args)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := promMetrics.NewPrometheusCollector(cfg.MetricsNamespace)
	if err := collector.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a, err := newApp(cfg, collector)
	if err != nil {
		return err
	}

	sink, err := openSink(cfg)
	if err != nil {
		return fmt.Errorf("open %s report sink: %w", cfg.ReportSink, err)
	}
	defer sink.Close()

	sc := api.DefaultServerConfig()
	sc.Address = *addr
	sc.Registry = registry
	server := api.NewServer(a.cache, sink, collector, sc)

	var sub *stream.Subscription
	if filter, err := streamFilter(*file, *blocks, *accounts); err == nil {
		sub, err = subscribe(ctx, a, filter)
		if err != nil {
			return err
		}
		defer sub.Close()
		server.AttachStream(sub)
		go consume(sub)
	} else {
		a.logger.Info("no background stream", zap.Error(err))
	}

	if err := server.Start(); err != nil {
		return err
	}
	a.logger.Info("serving",
		zap.String("addr", *addr),
		zap.String("sink", sink.Name()),
		zap.Bool("stream", sub != nil),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		a.logger.Error("api shutdown error", zap.Error(err))
	}
	a.logger.Info("stopped")
	return nil
}

// consume keeps the queue moving. The subscription already feeds the
// balance cache, so events are only logged.
func consume(sub *stream.Subscription) {
	logger := logging.Named("serve")
	for ev, err := range sub.Events(context.Background()) {
		if err != nil {
			logger.Error("background stream failed", zap.Error(err))
			return
		}
		if ev.IsMarker() {
			logger.Warn("stream continuity marker", zap.Stringer("event", ev))
			continue
		}
		logger.Debug("stream event", zap.Stringer("event", ev))
	}
}
