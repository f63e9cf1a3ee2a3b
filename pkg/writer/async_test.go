package writer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledger-client/pkg/engine"
	"ledger-client/pkg/ledger"
	"ledger-client/pkg/ledger/ledgertest"
	"ledger-client/pkg/metrics/memory"
	"ledger-client/pkg/store"
)

// hookStore wraps a memory store and lets tests intercept PutRecord.
type hookStore struct {
	*store.Memory
	PutRecordFunc func(ctx context.Context, doc store.RecordDoc) error
}

func (h *hookStore) PutRecord(ctx context.Context, doc store.RecordDoc) error {
	if h.PutRecordFunc != nil {
		if err := h.PutRecordFunc(ctx, doc); err != nil {
			return err
		}
	}
	return h.Memory.PutRecord(ctx, doc)
}

func doc(runID string, index int) store.RecordDoc {
	return store.RecordDoc{RunID: runID, Index: index, State: "confirmed"}
}

func TestNewAsyncWriter(t *testing.T) {
	w := NewAsyncWriter(store.NewMemory(), AsyncWriterConfig{
		QueueSize:   100,
		Workers:     4,
		MaxWaitTime: 5 * time.Millisecond,
	})
	defer w.Close()

	if w.workers != 4 {
		t.Errorf("Expected 4 workers, got %d", w.workers)
	}
	if cap(w.queue) != 100 {
		t.Errorf("Expected queue size 100, got %d", cap(w.queue))
	}
	if w.sinkName != "memory" {
		t.Errorf("Expected sink name memory, got %q", w.sinkName)
	}
}

func TestNewAsyncWriter_Defaults(t *testing.T) {
	w := NewAsyncWriter(store.NewMemory(), AsyncWriterConfig{})
	defer w.Close()

	if cap(w.queue) != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", cap(w.queue))
	}
	if w.workers != 2 {
		t.Errorf("Expected default workers 2, got %d", w.workers)
	}
	if w.config.MaxWaitTime != 10*time.Millisecond {
		t.Errorf("Expected default MaxWaitTime 10ms, got %v", w.config.MaxWaitTime)
	}
	if w.config.WriteTimeout != 5*time.Second {
		t.Errorf("Expected default WriteTimeout 5s, got %v", w.config.WriteTimeout)
	}
}

func TestAsyncWriter_Write(t *testing.T) {
	sink := store.NewMemory()
	w := NewAsyncWriter(sink, AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer w.Close()

	if err := w.Write(context.Background(), doc("run", 0)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	recs, _ := sink.ListRecords(context.Background(), "run")
	if len(recs) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(recs))
	}
	if stats := w.Stats(); stats.TotalWrites != 1 || stats.Persisted() != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestAsyncWriter_RecordFromEngine(t *testing.T) {
	sink := store.NewMemory()
	w := NewAsyncWriter(sink, AsyncWriterConfig{Workers: 1})
	defer w.Close()

	var onFinish func(string, engine.Record) = w.Record
	onFinish("run-7", engine.Record{
		Index:     3,
		Intent:    ledger.TransferIntent{Source: ledgertest.Account(1), Destination: ledgertest.Account(2), Amount: 10},
		Signature: "sig",
		State:     engine.Confirmed,
	})

	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	recs, _ := sink.ListRecords(context.Background(), "run-7")
	if len(recs) != 1 || recs[0].Index != 3 || recs[0].Signature != "sig" {
		t.Errorf("Unexpected records: %+v", recs)
	}
}

func TestAsyncWriter_ConcurrentWrites(t *testing.T) {
	sink := store.NewMemory()
	w := NewAsyncWriter(sink, AsyncWriterConfig{QueueSize: 100, Workers: 4})
	defer w.Close()

	var wg sync.WaitGroup
	numWrites := 50
	for i := 0; i < numWrites; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.Write(context.Background(), doc("run", i)); err != nil {
				t.Errorf("Write %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	recs, _ := sink.ListRecords(context.Background(), "run")
	if len(recs) != numWrites {
		t.Errorf("Expected %d records, got %d", numWrites, len(recs))
	}
}

func TestAsyncWriter_Backpressure(t *testing.T) {
	release := make(chan struct{})
	sink := &hookStore{
		Memory: store.NewMemory(),
		PutRecordFunc: func(ctx context.Context, _ store.RecordDoc) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
	mc := memory.NewMemoryCollector()

	w := NewAsyncWriterWithMetrics(sink, AsyncWriterConfig{
		QueueSize:   2,
		Workers:     1,
		MaxWaitTime: 5 * time.Millisecond,
	}, mc)
	defer w.Close()

	var dropped int
	for i := 0; i < 10; i++ {
		if err := w.Write(context.Background(), doc("run", i)); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	close(release)

	if dropped == 0 {
		t.Fatal("Expected some writes to be dropped")
	}
	if got := w.Stats().DroppedWrites; got != int64(dropped) {
		t.Errorf("Expected %d dropped in stats, got %d", dropped, got)
	}
}

func TestAsyncWriter_ContextCancellation(t *testing.T) {
	w := NewAsyncWriter(store.NewMemory(), AsyncWriterConfig{})
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Write(ctx, doc("run", 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestAsyncWriter_ErrorHandling(t *testing.T) {
	sink := &hookStore{
		Memory: store.NewMemory(),
		PutRecordFunc: func(context.Context, store.RecordDoc) error {
			return errors.New("connection refused")
		},
	}
	mc := memory.NewMemoryCollector()
	w := NewAsyncWriterWithMetrics(sink, AsyncWriterConfig{Workers: 1}, mc)
	defer w.Close()

	for i := 0; i < 3; i++ {
		if err := w.Write(context.Background(), doc("run", i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := w.Stats().FailedWrites; got != 3 {
		t.Errorf("Expected 3 failed writes, got %d", got)
	}
}

func TestAsyncWriter_FlushTimeout(t *testing.T) {
	release := make(chan struct{})
	sink := &hookStore{
		Memory: store.NewMemory(),
		PutRecordFunc: func(ctx context.Context, _ store.RecordDoc) error {
			<-release
			return nil
		},
	}
	w := NewAsyncWriter(sink, AsyncWriterConfig{Workers: 1})
	defer w.Close()
	defer close(release)

	if err := w.Write(context.Background(), doc("run", 0)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := w.Flush(20 * time.Millisecond); !errors.Is(err, ErrFlushTimeout) {
		t.Errorf("Expected ErrFlushTimeout, got %v", err)
	}
}

func TestAsyncWriter_CloseDrainsQueue(t *testing.T) {
	var written atomic.Int64
	sink := &hookStore{
		Memory: store.NewMemory(),
		PutRecordFunc: func(context.Context, store.RecordDoc) error {
			time.Sleep(time.Millisecond)
			written.Add(1)
			return nil
		},
	}
	w := NewAsyncWriter(sink, AsyncWriterConfig{QueueSize: 50, Workers: 2})

	for i := 0; i < 20; i++ {
		if err := w.Write(context.Background(), doc("run", i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := written.Load(); got != 20 {
		t.Errorf("Expected 20 writes after close, got %d", got)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestAsyncWriter_WriteAfterClose(t *testing.T) {
	w := NewAsyncWriter(store.NewMemory(), AsyncWriterConfig{})
	w.Close()

	if err := w.Write(context.Background(), doc("run", 0)); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed, got %v", err)
	}
}
