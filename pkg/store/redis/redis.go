package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"ledger-client/pkg/store"

	"github.com/redis/rueidis"
)

// Store keeps run reports in Redis. A run header is a string key holding
// JSON; records live in a hash keyed by index so upserts are one HSET.
type Store struct {
	client rueidis.Client
	name   string
	config Config
}

var _ store.Store = (*Store)(nil)

// Config selects one of three topologies. SentinelAddrs wins over
// ClusterAddrs, which wins over Addr. Cluster mode ignores DB.
type Config struct {
	Name         string
	Addr         string
	ClusterAddrs []string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// TTL expires runs. Zero keeps them forever.
	TTL time.Duration

	SentinelMasterSet string
	SentinelAddrs     []string
	SentinelUsername  string
	SentinelPassword  string
}

func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "ledger:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		TTL:          7 * 24 * time.Hour,
	}
}

// WithAddrs sets the endpoints from a comma separated list. More than one
// address switches to cluster mode.
func (c Config) WithAddrs(list string) Config {
	var addrs []string
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	c.Addr, c.ClusterAddrs = "", nil
	switch len(addrs) {
	case 0:
	case 1:
		c.Addr = addrs[0]
	default:
		c.ClusterAddrs = addrs
	}
	return c
}

func (c Config) clientOption() (rueidis.ClientOption, error) {
	opt := rueidis.ClientOption{
		Username:         c.Username,
		Password:         c.Password,
		ConnWriteTimeout: c.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	switch {
	case len(c.SentinelAddrs) > 0:
		opt.InitAddress = c.SentinelAddrs
		opt.SelectDB = c.DB
		opt.Sentinel = rueidis.SentinelOption{
			MasterSet: c.SentinelMasterSet,
			Username:  c.SentinelUsername,
			Password:  c.SentinelPassword,
		}
	case len(c.ClusterAddrs) > 0:
		opt.InitAddress = c.ClusterAddrs
	case c.Addr != "":
		opt.InitAddress = []string{c.Addr}
		opt.SelectDB = c.DB
	default:
		return opt, errors.New("redis: no address configured")
	}
	return opt, nil
}

// New connects and pings once within DialTimeout.
func New(config Config) (*Store, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	opt, err := config.clientOption()
	if err != nil {
		return nil, err
	}
	client, err := rueidis.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("redis: connect %v: %w", opt.InitAddress, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %v: %w", opt.InitAddress, err)
	}

	return &Store{client: client, name: config.Name, config: config}, nil
}

func (r *Store) runKey(runID string) string {
	return r.config.KeyPrefix + "run:" + runID
}

func (r *Store) recordsKey(runID string) string {
	return r.config.KeyPrefix + "run:" + runID + ":records"
}

func (r *Store) indexKey() string {
	return r.config.KeyPrefix + "runs"
}

func (r *Store) PutRecord(ctx context.Context, doc store.RecordDoc) error {
	data, err := store.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redis put record: failed to marshal: %w", err)
	}

	key := r.recordsKey(doc.RunID)
	cmds := rueidis.Commands{
		r.client.B().Hset().Key(key).FieldValue().FieldValue(strconv.Itoa(doc.Index), string(data)).Build(),
	}
	if r.config.TTL > 0 {
		cmds = append(cmds, r.client.B().Expire().Key(key).Seconds(int64(r.config.TTL.Seconds())).Build())
	}
	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("redis put record: %w", err)
		}
	}
	return nil
}

func (r *Store) PutRun(ctx context.Context, doc store.RunDoc) error {
	data, err := store.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redis put run: failed to marshal: %w", err)
	}

	set := r.client.B().Set().Key(r.runKey(doc.RunID)).Value(string(data))
	var cmd rueidis.Completed
	if r.config.TTL > 0 {
		cmd = set.Ex(r.config.TTL).Build()
	} else {
		cmd = set.Build()
	}
	index := r.client.B().Zadd().Key(r.indexKey()).ScoreMember().
		ScoreMember(float64(doc.StartedAt.UnixMilli()), doc.RunID).Build()

	var errs []error
	for _, resp := range r.client.DoMulti(ctx, cmd, index) {
		if err := resp.Error(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("redis put run: %w", errors.Join(errs...))
	}
	return nil
}

func (r *Store) GetRun(ctx context.Context, runID string) (store.RunDoc, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.runKey(runID)).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return store.RunDoc{}, store.ErrNotFound
		}
		return store.RunDoc{}, fmt.Errorf("redis get run: %w", err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return store.RunDoc{}, fmt.Errorf("redis get run: failed to read response: %w", err)
	}
	var doc store.RunDoc
	if err := store.Unmarshal(data, &doc); err != nil {
		return store.RunDoc{}, fmt.Errorf("redis get run: failed to unmarshal: %w", err)
	}
	return doc, nil
}

func (r *Store) ListRecords(ctx context.Context, runID string) ([]store.RecordDoc, error) {
	resp := r.client.Do(ctx, r.client.B().Hgetall().Key(r.recordsKey(runID)).Build())
	fields, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("redis list records: %w", err)
	}

	docs := make([]store.RecordDoc, 0, len(fields))
	var errs []error
	for field, value := range fields {
		var doc store.RecordDoc
		if err := store.Unmarshal([]byte(value), &doc); err != nil {
			errs = append(errs, fmt.Errorf("record %s: failed to unmarshal: %w", field, err))
			continue
		}
		docs = append(docs, doc)
	}
	slices.SortFunc(docs, func(a, b store.RecordDoc) int { return a.Index - b.Index })

	if len(errs) > 0 {
		return docs, errors.Join(errs...)
	}
	return docs, nil
}

// RecentRuns returns up to n run IDs, newest first.
func (r *Store) RecentRuns(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	cmd := r.client.B().Zrange().Key(r.indexKey()).Min("0").Max(strconv.Itoa(n - 1)).Rev().Build()
	ids, err := r.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("redis recent runs: %w", err)
	}
	return ids, nil
}

func (r *Store) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Store) Name() string {
	return r.name
}

func (r *Store) Close() error {
	r.client.Close()
	return nil
}
