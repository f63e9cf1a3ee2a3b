package writer

import "errors"

// AsyncWriterStats is a point-in-time view of an AsyncWriter.
type AsyncWriterStats struct {
	// QueueDepth is the number of records waiting for a worker.
	QueueDepth int

	// DroppedWrites counts records dropped because the queue stayed full.
	DroppedWrites int64

	// TotalWrites counts records accepted into the queue.
	TotalWrites int64

	// FailedWrites counts records the sink refused.
	FailedWrites int64
}

// Persisted returns the records written successfully so far. It is only
// exact after Flush or Close.
func (s AsyncWriterStats) Persisted() int64 {
	return s.TotalWrites - s.FailedWrites - int64(s.QueueDepth)
}

var (
	// ErrQueueFull is returned when the queue stayed full for MaxWaitTime.
	ErrQueueFull = errors.New("writer: queue full, record dropped")

	// ErrWriterClosed is returned by Write after Close.
	ErrWriterClosed = errors.New("writer: writer is closed")

	// ErrFlushTimeout is returned when Flush times out.
	ErrFlushTimeout = errors.New("writer: flush timeout exceeded")
)
