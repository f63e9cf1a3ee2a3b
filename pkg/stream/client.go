// Package stream maintains push subscriptions to ledger updates.
//
// A Subscription owns one supervising goroutine that connects, reads and
// reconnects the transport feed, and a bounded queue the consumer pulls
// from. Delivered events carry a contiguous sequence number; anything that
// breaks continuity (a transport gap, a reconnect, dropped events) is
// surfaced as a marker event rather than silently.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"ledger-client/pkg/backoff"
	"ledger-client/pkg/ledger"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"

	"go.uber.org/zap"
)

// ErrClosed is returned by Next once a closed subscription is drained.
var ErrClosed = errors.New("stream: subscription closed")

// BalanceSink receives balances and heights seen on the stream.
// The balance cache implements it.
type BalanceSink interface {
	Observe(id ledger.AccountID, bal ledger.Balance) bool
	AdvanceHeight(h uint64)
}

// Config configures a stream client.
type Config struct {
	// QueueSize bounds the events buffered between transport and consumer.
	QueueSize int

	// Overflow decides what happens when the queue is full.
	Overflow OverflowPolicy

	// MaxReconnects is how many consecutive failed connections are retried
	// before the subscription fails with ledger.ErrTransport.
	MaxReconnects int

	// Backoff is the delay before each reconnect. Nil reconnects immediately.
	Backoff backoff.Schedule

	// Sink, if set, is fed account balances and block heights.
	Sink BalanceSink

	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State)

	// Metrics receives stream metrics. Nil means no-op.
	Metrics metrics.MetricsCollector
}

// DefaultConfig returns defaults for a websocket subscription.
func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		Overflow:      OverflowBlock,
		MaxReconnects: 10,
		Backoff:       backoff.ExponentialSchedule{Base: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: true},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("stream: queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("stream: max reconnects must be non-negative, got %d", c.MaxReconnects)
	}
	if c.Overflow != OverflowBlock && c.Overflow != OverflowDropOldest {
		return fmt.Errorf("stream: unknown overflow policy %v", c.Overflow)
	}
	return nil
}

// Client opens subscriptions through a ledger.Subscriber.
type Client struct {
	subscriber ledger.Subscriber
	config     Config
	metrics    metrics.MetricsCollector
	logger     *logging.Logger
}

// New creates a stream client.
func New(subscriber ledger.Subscriber, config Config) (*Client, error) {
	if subscriber == nil {
		return nil, errors.New("stream: subscriber is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		subscriber: subscriber,
		config:     config,
		metrics:    metrics.OrNoOp(config.Metrics),
		logger:     logging.Named("stream"),
	}, nil
}

// Subscribe starts a subscription for filter. It returns immediately; the
// connection is established in the background. Cancelling ctx has the same
// effect as Close.
func (c *Client) Subscribe(ctx context.Context, filter ledger.Filter) (*Subscription, error) {
	if filter.Empty() {
		return nil, errors.New("stream: filter selects no events")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		client: c,
		filter: filter,
		match:  newEventFilter(filter),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger.With(zap.Bool("blocks", filter.Blocks), zap.Int("accounts", len(filter.Accounts))),
	}
	s.queue = newQueue(c.config.QueueSize, c.config.Overflow, func(depth int) {
		c.metrics.RecordQueueDepth("stream", depth)
	})

	s.setState(Connecting)
	go s.supervise(ctx)
	return s, nil
}

// Subscription is a lazy, pull-style sequence of update events.
type Subscription struct {
	client *Client
	filter ledger.Filter
	match  *eventFilter
	queue  *queue
	cancel context.CancelFunc
	done   chan struct{}
	logger *logging.Logger

	mu       sync.Mutex
	state    State
	err      error
	finished bool
}

// State returns the current connection state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FilterStats reports client-side filter activity.
func (s *Subscription) FilterStats() FilterStats {
	return s.match.stats()
}

// Buffered returns the number of events waiting for the consumer.
func (s *Subscription) Buffered() int {
	return s.queue.depth()
}

func (s *Subscription) setState(to State) bool {
	s.mu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.client.metrics.RecordStreamState(to.String())
	s.logger.Debug("stream state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if s.client.config.OnStateChange != nil {
		s.client.config.OnStateChange(from, to)
	}
	return true
}

// Next returns the next event, waiting for one if necessary. After Close
// it keeps returning buffered events, then ErrClosed. A subscription that
// gave up reconnecting returns its ledger.ErrTransport error instead.
func (s *Subscription) Next(ctx context.Context) (UpdateEvent, error) {
	ev, err := s.queue.pop(ctx)
	if err != nil {
		if errors.Is(err, errQueueClosed) {
			s.drained()
			if fatal := s.Err(); fatal != nil {
				return UpdateEvent{}, fatal
			}
			return UpdateEvent{}, ErrClosed
		}
		return UpdateEvent{}, err
	}

	s.client.metrics.RecordStreamEvent(string(ev.Kind))
	if ev.Kind == KindOverflow {
		s.client.metrics.RecordOverflow(ev.Dropped)
		s.logger.Warn("events dropped", zap.Int("dropped", ev.Dropped))
	}
	return ev, nil
}

// Events returns an iterator over the subscription. Iteration stops when
// ctx is done or the subscription ends; errors other than ErrClosed are
// yielded once before stopping.
func (s *Subscription) Events(ctx context.Context) iter.Seq2[UpdateEvent, error] {
	return func(yield func(UpdateEvent, error) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, ErrClosed) {
					yield(UpdateEvent{}, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close stops the transport and waits for the supervisor to exit. Events
// already buffered remain readable through Next.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Done is closed when the supervisor has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// drained finishes Draining once the consumer has seen everything.
func (s *Subscription) drained() {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished && s.queue.empty() {
		s.setState(Disconnected)
	}
}

// supervise owns the transport for the lifetime of the subscription.
func (s *Subscription) supervise(ctx context.Context) {
	var fatal error
	defer func() {
		s.mu.Lock()
		s.err = fatal
		s.mu.Unlock()

		s.setState(Draining)
		s.queue.close()

		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		s.drained()

		s.cancel()
		close(s.done)
	}()

	cfg := s.client.config
	failures := 0
	connected := false

	for {
		feed, err := s.client.subscriber.Subscribe(ctx, s.filter)
		if err == nil {
			s.setState(Streaming)
			if connected {
				err = s.queue.push(ctx, UpdateEvent{Kind: KindResync, ReceivedAt: time.Now()})
			}
			connected = true

			var received bool
			if err == nil {
				received, err = s.pump(ctx, feed)
			}
			if cerr := feed.Close(); cerr != nil {
				s.logger.Debug("feed close failed", zap.Error(cerr))
			}
			if received {
				failures = 0
			}
		}

		if ctx.Err() != nil || errors.Is(err, errQueueClosed) {
			return
		}

		failures++
		if failures > cfg.MaxReconnects {
			if !ledger.IsTransport(err) {
				err = fmt.Errorf("%w: %w", ledger.ErrTransport, err)
			}
			fatal = fmt.Errorf("stream: giving up after %d consecutive failures: %w", failures, err)
			s.logger.Error("stream failed", zap.Int("failures", failures), zap.Error(err))
			return
		}

		s.setState(Reconnecting)
		s.client.metrics.RecordReconnect()
		delay := time.Duration(0)
		if cfg.Backoff != nil {
			delay = cfg.Backoff.Delay(failures)
		}
		s.logger.Warn("stream reconnecting",
			zap.Int("attempt", failures),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if backoff.Sleep(ctx, delay) != nil {
			return
		}
		s.setState(Connecting)
	}
}

// pump moves events from feed into the queue until the feed fails, breaks
// sequence, or ctx is done. received reports whether the connection
// produced at least one good event.
func (s *Subscription) pump(ctx context.Context, feed ledger.Feed) (received bool, err error) {
	var last uint64
	first := true

	for {
		raw, err := feed.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			if !ledger.IsTransport(err) {
				err = fmt.Errorf("%w: %w", ledger.ErrTransport, err)
			}
			return received, err
		}

		if !first && raw.Seq != last+1 {
			return received, fmt.Errorf("%w: sequence gap: expected %d, got %d", ledger.ErrTransport, last+1, raw.Seq)
		}
		first = false
		last = raw.Seq

		if !s.match.admit(raw) {
			received = true
			continue
		}

		ev, err := decode(raw, time.Now())
		if err != nil {
			return received, fmt.Errorf("%w: %w", ledger.ErrTransport, err)
		}
		received = true

		if !s.match.match(ev) {
			continue
		}
		s.observe(ev)

		if err := s.queue.push(ctx, ev); err != nil {
			return received, err
		}
	}
}

// observe feeds the balance sink.
func (s *Subscription) observe(ev UpdateEvent) {
	sink := s.client.config.Sink
	if sink == nil {
		return
	}
	switch ev.Kind {
	case ledger.KindBlockCommitted:
		sink.AdvanceHeight(ev.Block.Slot)
	case ledger.KindAccountChanged:
		sink.Observe(ev.Account.Account, ev.Account.Balance())
	}
}
