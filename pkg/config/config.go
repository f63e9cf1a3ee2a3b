package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"ledger-client/pkg/backoff"
	"ledger-client/pkg/engine"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/stream"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned when an environment value cannot be used.
var ErrInvalidConfig = errors.New("config: invalid value")

// Report sinks.
const (
	SinkMemory   = "memory"
	SinkRedis    = "redis"
	SinkPostgres = "postgres"
)

// Config holds the process configuration.
// It is read from the environment, optionally seeded from a .env file.
type Config struct {
	// RPCURL is the ledger JSON-RPC endpoint (RPC_URL, required)
	RPCURL string

	// WSURL is the websocket endpoint (WS_URL). Empty derives it from RPCURL.
	WSURL string

	// Commitment is the confirmation level transfers wait for (COMMITMENT)
	Commitment string

	Log logging.Config

	// MetricsNamespace prefixes Prometheus metric names (METRICS_NAMESPACE)
	MetricsNamespace string

	// APIAddr is the listen address of the inspection API (API_ADDR)
	APIAddr string

	// ReportSink selects where transfer records go: memory, redis or postgres (REPORT_SINK)
	ReportSink  string
	RedisAddr   string
	PostgresDSN string

	Engine EngineConfig
	Stream StreamConfig

	// BalanceConcurrency bounds parallel balance lookups (BALANCE_CONCURRENCY)
	BalanceConcurrency int
}

// EngineConfig holds the batch engine knobs.
type EngineConfig struct {
	MaxInFlight    int
	MaxRetries     int
	PollInterval   time.Duration
	BatchDeadline  time.Duration
	AttemptTimeout time.Duration
	Precheck       bool
}

// StreamConfig holds the streaming client knobs.
type StreamConfig struct {
	QueueSize     int
	Overflow      string
	MaxReconnects int
}

// Load reads the given .env files, then the environment. With no files it
// tries ".env" and ignores its absence. Values already set in the
// environment win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", strings.Join(files, ","), err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() (Config, error) {
	policy := engine.DefaultPolicy()
	streamDefaults := stream.DefaultConfig()

	var env envReader
	c := Config{
		RPCURL:           getEnv("RPC_URL", ""),
		WSURL:            getEnv("WS_URL", ""),
		Commitment:       getEnv("COMMITMENT", "confirmed"),
		Log:              logging.ConfigFromEnv(),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "ledger"),
		APIAddr:          getEnv("API_ADDR", ":8080"),
		ReportSink:       strings.ToLower(getEnv("REPORT_SINK", SinkMemory)),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:      getEnv("POSTGRES_DSN", ""),
		Engine: EngineConfig{
			MaxInFlight:    env.int("MAX_IN_FLIGHT", policy.MaxInFlight),
			MaxRetries:     env.int("MAX_RETRIES", policy.MaxRetries),
			PollInterval:   env.duration("POLL_INTERVAL", policy.PollInterval),
			BatchDeadline:  env.duration("BATCH_DEADLINE", policy.Deadline),
			AttemptTimeout: env.duration("ATTEMPT_TIMEOUT", policy.AttemptTimeout),
			Precheck:       env.bool("PRECHECK", policy.Precheck),
		},
		Stream: StreamConfig{
			QueueSize:     env.int("STREAM_QUEUE_SIZE", streamDefaults.QueueSize),
			Overflow:      getEnv("STREAM_OVERFLOW", streamDefaults.Overflow.String()),
			MaxReconnects: env.int("STREAM_MAX_RECONNECTS", streamDefaults.MaxReconnects),
		},
		BalanceConcurrency: env.int("BALANCE_CONCURRENCY", 50),
	}

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration before any component is built.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("%w: RPC_URL is required", ErrInvalidConfig)
	}

	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("%w: COMMITMENT %q", ErrInvalidConfig, c.Commitment)
	}

	switch c.ReportSink {
	case SinkMemory, SinkRedis:
	case SinkPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: POSTGRES_DSN is required for the postgres sink", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: REPORT_SINK %q", ErrInvalidConfig, c.ReportSink)
	}

	if c.BalanceConcurrency < 1 {
		return fmt.Errorf("%w: BALANCE_CONCURRENCY must be at least 1", ErrInvalidConfig)
	}

	if err := c.Policy().Validate(); err != nil {
		return err
	}
	_, err := c.StreamConfig()
	return err
}

// Policy returns the engine policy described by the configuration.
func (c Config) Policy() engine.Policy {
	p := engine.DefaultPolicy()
	p.MaxInFlight = c.Engine.MaxInFlight
	p.MaxRetries = c.Engine.MaxRetries
	p.PollInterval = c.Engine.PollInterval
	p.Deadline = c.Engine.BatchDeadline
	p.AttemptTimeout = c.Engine.AttemptTimeout
	p.Precheck = c.Engine.Precheck
	return p
}

// StreamConfig returns the stream client configuration. Sink, callbacks
// and metrics are left for the caller to wire.
func (c Config) StreamConfig() (stream.Config, error) {
	policy, err := stream.ParseOverflowPolicy(c.Stream.Overflow)
	if err != nil {
		return stream.Config{}, fmt.Errorf("%w: STREAM_OVERFLOW: %w", ErrInvalidConfig, err)
	}

	sc := stream.DefaultConfig()
	sc.QueueSize = c.Stream.QueueSize
	sc.Overflow = policy
	sc.MaxReconnects = c.Stream.MaxReconnects
	sc.Backoff = backoff.ExponentialSchedule{Base: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: true}

	if err := sc.Validate(); err != nil {
		return stream.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return sc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed values and keeps every parse failure.
type envReader struct {
	errs []error
}

func (r *envReader) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, raw))
		return def
	}
	return v
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, raw))
		return def
	}
	return v
}

func (r *envReader) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, raw))
		return def
	}
	return v
}
