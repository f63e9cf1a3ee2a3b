package balance

import (
	"errors"
	"time"

	"ledger-client/pkg/metrics"
)

// Config configures a balance cache.
type Config struct {
	// StaleAfter is how many slots an entry may lag the latest known
	// height before Get refreshes it. Zero refreshes on any newer slot.
	StaleAfter uint64

	// NegativeTTL is how long an unknown account is remembered as unknown.
	// Zero disables negative caching.
	NegativeTTL time.Duration

	// Concurrency bounds GetMany when the caller passes no limit.
	Concurrency int

	// RefreshTimeout bounds a ledger read shared by concurrent callers.
	// The read outlives any single caller giving up. Zero uses the default.
	RefreshTimeout time.Duration

	// Metrics receives cache metrics. Nil means no-op.
	Metrics metrics.MetricsCollector
}

// DefaultConfig returns defaults suitable for a confirmed-commitment RPC
// endpoint (roughly one minute of slots).
func DefaultConfig() Config {
	return Config{
		StaleAfter:     150,
		NegativeTTL:    30 * time.Second,
		Concurrency:    50,
		RefreshTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NegativeTTL < 0 {
		return errors.New("balance: negative TTL must be non-negative")
	}
	if c.Concurrency < 0 {
		return errors.New("balance: concurrency must be non-negative")
	}
	if c.RefreshTimeout < 0 {
		return errors.New("balance: refresh timeout must be non-negative")
	}
	return nil
}
