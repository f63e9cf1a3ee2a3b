package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ledger-client/pkg/engine"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"
	"ledger-client/pkg/store"

	"go.uber.org/zap"
)

// AsyncWriter persists transfer records without blocking the engine. It
// feeds a bounded queue drained by a worker pool; when the queue stays full
// for MaxWaitTime the record is dropped and counted.
type AsyncWriter struct {
	sink       store.Store
	queue      chan writeOp
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     AsyncWriterConfig
	metrics    metrics.MetricsCollector
	sinkName   string
	logger     *logging.Logger

	dropped  atomic.Int64
	accepted atomic.Int64
	failed   atomic.Int64
	// pending counts writes between enqueue and the end of the sink call.
	pending atomic.Int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
	closeOnce     sync.Once
}

type writeOp struct {
	doc      store.RecordDoc
	enqueued time.Time
}

// AsyncWriterConfig sizes the queue and worker pool. Zero values take
// the defaults: 1000 queued records, 2 workers, 10ms wait on a full queue
// and 5s per store write.
type AsyncWriterConfig struct {
	QueueSize    int
	Workers      int
	MaxWaitTime  time.Duration
	WriteTimeout time.Duration
}

// NewAsyncWriter creates a writer for sink. It must be closed with Close.
func NewAsyncWriter(sink store.Store, config AsyncWriterConfig) *AsyncWriter {
	return NewAsyncWriterWithMetrics(sink, config, metrics.NoOpCollector{})
}

// NewAsyncWriterWithMetrics creates a writer with a custom metrics collector.
func NewAsyncWriterWithMetrics(sink store.Store, config AsyncWriterConfig, metricsCollector metrics.MetricsCollector) *AsyncWriter {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		sink:          sink,
		queue:         make(chan writeOp, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metrics.OrNoOp(metricsCollector),
		sinkName:      sink.Name(),
		logger:        logging.Named("writer").With(zap.String("sink", sink.Name())),
		metricsTicker: time.NewTicker(5 * time.Second),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	go w.reportMetrics()

	return w
}

// Record enqueues a finished record. Its signature matches
// engine.Config.OnFinish. Drops are counted, never returned.
func (w *AsyncWriter) Record(runID string, rec engine.Record) {
	if err := w.Write(context.Background(), store.NewRecordDoc(runID, rec)); err != nil {
		w.logger.Warn("record not persisted",
			logging.RunID(runID),
			zap.Int("index", rec.Index),
			zap.Error(err),
		)
	}
}

// Write enqueues doc. If the queue is full, it waits up to MaxWaitTime
// before dropping the write with ErrQueueFull.
func (w *AsyncWriter) Write(ctx context.Context, doc store.RecordDoc) error {
	select {
	case <-w.ctx.Done():
		return ErrWriterClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	op := writeOp{doc: doc, enqueued: time.Now()}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	w.pending.Add(1)
	select {
	case w.queue <- op:
		w.accepted.Add(1)
		return nil
	case <-timer.C:
		w.pending.Add(-1)
		w.dropped.Add(1)
		w.metrics.RecordReportDropped(w.sinkName)
		return ErrQueueFull
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	case <-w.ctx.Done():
		w.pending.Add(-1)
		return ErrWriterClosed
	}
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.queue:
			w.process(op)
		case <-w.ctx.Done():
			w.drain()
			return
		}
	}
}

// drain writes whatever is still queued once the writer is closing.
func (w *AsyncWriter) drain() {
	for {
		select {
		case op := <-w.queue:
			w.process(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) process(op writeOp) {
	defer w.pending.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := w.sink.PutRecord(ctx, op.doc)
	w.metrics.RecordReportWrite(w.sinkName, err == nil, time.Since(start))

	if err != nil {
		w.failed.Add(1)
		w.logger.Error("record write failed",
			logging.RunID(op.doc.RunID),
			zap.Int("index", op.doc.Index),
			zap.Duration("queued", start.Sub(op.enqueued)),
			zap.Error(err),
		)
	}
}

// Flush waits until every accepted write has been attempted, or timeout.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for w.pending.Load() > 0 {
		select {
		case <-tick.C:
		case <-deadline:
			return ErrFlushTimeout
		}
	}
	return nil
}

// Close stops accepting writes, drains the queue and waits for workers.
// It does not close the sink.
func (w *AsyncWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.metricsStop)
		w.metricsTicker.Stop()
		w.cancelFunc()
		w.wg.Wait()
	})
	return nil
}

func (w *AsyncWriter) reportMetrics() {
	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth("writer", len(w.queue))
		case <-w.metricsStop:
			return
		}
	}
}

// Stats returns a point-in-time view of the counters.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		QueueDepth:    len(w.queue),
		DroppedWrites: w.dropped.Load(),
		TotalWrites:   w.accepted.Load(),
		FailedWrites:  w.failed.Load(),
	}
}
