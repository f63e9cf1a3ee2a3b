// Package balance caches account balances observed from the ledger.
//
// Entries are refreshed through a ledger.BalanceSource on miss, after
// invalidation, or once they lag the latest known height by more than
// Config.StaleAfter. Other components push fresher balances in with Observe;
// an observation older than what the cache holds is dropped, so the cache
// never goes backwards in height.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledger-client/pkg/ledger"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Entry is a copy of a cached balance.
type Entry struct {
	Balance     ledger.Balance
	RefreshedAt time.Time
	// Valid is false after Invalidate until a refresh or a newer observation.
	Valid bool
}

// Lookup is one result of GetMany.
type Lookup struct {
	Account ledger.AccountID
	Balance ledger.Balance
	Err     error
}

type entry struct {
	mu      sync.Mutex
	e       Entry
	present bool
	// gen changes on every Invalidate so refreshes started earlier are not shared.
	gen     uint64
	missing time.Time
}

// Cache is a concurrency-safe read-through balance cache.
type Cache struct {
	source  ledger.BalanceSource
	config  Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	mu      sync.RWMutex
	entries map[ledger.AccountID]*entry

	head atomic.Uint64
	sf   singleflight.Group
}

// New creates a balance cache reading through source.
func New(source ledger.BalanceSource, config Config) (*Cache, error) {
	if source == nil {
		return nil, errors.New("balance: source is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Concurrency == 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if config.RefreshTimeout == 0 {
		config.RefreshTimeout = DefaultConfig().RefreshTimeout
	}

	return &Cache{
		source:  source,
		config:  config,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logging.Named("balance"),
		entries: make(map[ledger.AccountID]*entry),
	}, nil
}

func (c *Cache) lookup(id ledger.AccountID) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id]
}

func (c *Cache) getOrCreate(id ledger.AccountID) *entry {
	if e := c.lookup(id); e != nil {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e
	}
	e := &entry{}
	c.entries[id] = e
	return e
}

func (c *Cache) stale(height uint64) bool {
	head := c.head.Load()
	return head > height && head-height > c.config.StaleAfter
}

// Get returns the cached balance of id, reading through to the ledger when
// the entry is missing, invalidated or stale. Failures match ledger.ErrLookup.
func (c *Cache) Get(ctx context.Context, id ledger.AccountID) (ledger.Balance, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return ledger.Balance{}, fmt.Errorf("%w: %w", ledger.ErrLookup, err)
	}

	var gen uint64
	if e := c.lookup(id); e != nil {
		e.mu.Lock()
		if e.present && e.e.Valid && !c.stale(e.e.Balance.Height) {
			bal := e.e.Balance
			e.mu.Unlock()
			c.metrics.RecordCacheGet(true, time.Since(start))
			return bal, nil
		}
		if !e.present && c.config.NegativeTTL > 0 && !e.missing.IsZero() && time.Since(e.missing) < c.config.NegativeTTL {
			e.mu.Unlock()
			c.metrics.RecordCacheGet(true, time.Since(start))
			return ledger.Balance{}, ledger.ErrAccountNotFound
		}
		gen = e.gen
		e.mu.Unlock()
	}

	c.metrics.RecordCacheGet(false, time.Since(start))

	// The shared read runs detached from ctx so one caller giving up does
	// not fail the others waiting on it.
	key := fmt.Sprintf("%s/%d", id, gen)
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RefreshTimeout)
		defer cancel()
		return c.refresh(rctx, id, gen)
	})

	select {
	case <-ctx.Done():
		return ledger.Balance{}, fmt.Errorf("%w: %w", ledger.ErrLookup, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return ledger.Balance{}, res.Err
		}
		if res.Shared {
			c.logger.Debug("shared balance refresh", logging.Account("account", id))
		}
		return res.Val.(ledger.Balance), nil
	}
}

// refresh reads id from the ledger and stores the result unless the entry
// already holds a newer balance.
func (c *Cache) refresh(ctx context.Context, id ledger.AccountID, gen uint64) (ledger.Balance, error) {
	start := time.Now()
	bal, err := c.source.GetBalance(ctx, id)
	c.metrics.RecordCacheRefresh(err == nil, time.Since(start))

	if err != nil {
		if !ledger.IsLookup(err) {
			err = fmt.Errorf("%w: %w", ledger.ErrLookup, err)
		}
		if errors.Is(err, ledger.ErrAccountNotFound) && c.config.NegativeTTL > 0 {
			e := c.getOrCreate(id)
			e.mu.Lock()
			if !e.present {
				e.missing = time.Now()
			}
			e.mu.Unlock()
		}
		c.logger.Debug("balance refresh failed",
			logging.Account("account", id),
			zap.Error(err),
		)
		return ledger.Balance{}, err
	}

	c.AdvanceHeight(bal.Height)

	e := c.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.missing = time.Time{}
	switch {
	case !e.present || bal.Height > e.e.Balance.Height:
		e.e = Entry{Balance: bal, RefreshedAt: time.Now(), Valid: true}
		e.present = true
	case bal.Height == e.e.Balance.Height && e.gen == gen:
		e.e = Entry{Balance: bal, RefreshedAt: time.Now(), Valid: true}
	}
	// Otherwise an observation newer than this read landed meanwhile.
	return e.e.Balance, nil
}

// Invalidate forces the next Get of id to read through to the ledger.
func (c *Cache) Invalidate(id ledger.AccountID) {
	e := c.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.e.Valid = false
	e.gen++
	e.missing = time.Time{}
	e.mu.Unlock()
}

// Observe offers a balance seen elsewhere (a confirmed transfer, a stream
// event). It is accepted only if bal is at least as new as the cached entry
// and reports whether it was.
func (c *Cache) Observe(id ledger.AccountID, bal ledger.Balance) bool {
	e := c.getOrCreate(id)

	e.mu.Lock()
	accepted := !e.present || bal.Height >= e.e.Balance.Height
	if accepted {
		// An invalidated entry only becomes valid again on a strictly newer height.
		valid := !e.present || bal.Height > e.e.Balance.Height || e.e.Valid
		e.e = Entry{Balance: bal, RefreshedAt: time.Now(), Valid: valid}
		e.present = true
		e.missing = time.Time{}
	}
	current := e.e.Balance
	e.mu.Unlock()

	c.metrics.RecordCacheObserve(accepted)
	if !accepted {
		c.logger.Debug("stale observation dropped",
			logging.Account("account", id),
			zap.Uint64("height", bal.Height),
			zap.Uint64("cached_height", current.Height),
		)
		return false
	}

	c.AdvanceHeight(bal.Height)
	return true
}

// AdvanceHeight raises the latest known ledger height. Lower heights are ignored.
func (c *Cache) AdvanceHeight(h uint64) {
	for {
		cur := c.head.Load()
		if h <= cur || c.head.CompareAndSwap(cur, h) {
			return
		}
	}
}

// Height returns the latest known ledger height.
func (c *Cache) Height() uint64 {
	return c.head.Load()
}

// Snapshot returns the cached entry for id without touching the network.
func (c *Cache) Snapshot(id ledger.AccountID) (Entry, bool) {
	e := c.lookup(id)
	if e == nil {
		return Entry{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.e, e.present
}

// Len returns the number of accounts with a cached balance.
func (c *Cache) Len() int {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.present {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// GetMany looks up ids with at most concurrency lookups in flight.
// Results are in input order; a failed lookup does not stop the others.
// concurrency <= 0 uses Config.Concurrency.
func (c *Cache) GetMany(ctx context.Context, ids []ledger.AccountID, concurrency int) []Lookup {
	if concurrency <= 0 {
		concurrency = c.config.Concurrency
	}

	results := make([]Lookup, len(ids))
	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, id := range ids {
		results[i].Account = id
		g.Go(func() error {
			results[i].Balance, results[i].Err = c.Get(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	return results
}
