package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "github_rate_limit_remaining",
		Help: "Requests remaining in the current window by credential fingerprint",
	}, []string{"credential"})

	rateLimitResetTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "github_rate_limit_reset_timestamp_seconds",
		Help: "Unix time when the current window resets by credential fingerprint",
	}, []string{"credential"})

	trackerStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_rate_limit_store_errors_total",
		Help: "Rate limit store failures by operation",
	}, []string{"operation"})
)

// RedisKeyPrefix namespaces quota snapshots in redis. The credential
// fingerprint is appended.
const RedisKeyPrefix = "ghcollector:rate_limit:"

// Store keeps the last quota seen for each credential.
type Store interface {
	Save(ctx context.Context, credential string, q Quota) error
	// Load returns ok=false when nothing is stored for credential.
	Load(ctx context.Context, credential string) (q Quota, ok bool, err error)
}

// Tracker records per-credential quota snapshots and exports them as metrics.
type Tracker struct {
	store  Store
	logger zerolog.Logger
}

// NewTracker creates a tracker. A nil store keeps state in memory.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger,
	}
}

// Record stores q for credential and updates the gauges.
func (t *Tracker) Record(ctx context.Context, credential string, q Quota) error {
	rateLimitRemaining.WithLabelValues(credential).Set(float64(q.Remaining))
	if q.ResetKnown() {
		rateLimitResetTimestamp.WithLabelValues(credential).Set(float64(q.ResetEpoch))
	}

	event := t.logger.Debug()
	if q.Low() {
		event = t.logger.Info()
	}
	event.
		Str("credential", credential).
		Int("remaining", q.Remaining).
		Time("reset_at", q.ResetAt()).
		Msg("Rate limit state updated")

	if err := t.store.Save(ctx, credential, q); err != nil {
		trackerStoreErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("save rate limit state: %w", err)
	}
	return nil
}

// Get returns the last quota recorded for credential.
func (t *Tracker) Get(ctx context.Context, credential string) (Quota, bool, error) {
	q, ok, err := t.store.Load(ctx, credential)
	if err != nil {
		trackerStoreErrorsTotal.WithLabelValues("load").Inc()
		return Quota{}, false, fmt.Errorf("load rate limit state: %w", err)
	}
	return q, ok, nil
}

// Fresh returns the last quota recorded for credential unless it is older
// than maxAge or its window has already reset.
func (t *Tracker) Fresh(ctx context.Context, credential string, now time.Time, maxAge time.Duration) (Quota, bool, error) {
	q, ok, err := t.Get(ctx, credential)
	if err != nil || !ok {
		return Quota{}, false, err
	}
	if q.IsStale(now, maxAge) {
		return Quota{}, false, nil
	}
	return q, true, nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	quotas map[string]Quota
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotas: make(map[string]Quota)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, credential string, q Quota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[credential] = q
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, credential string) (Quota, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotas[credential]
	return q, ok, nil
}

// RedisStore shares quota snapshots between collector runs and dashboards.
// Each credential is a hash that expires shortly after its window resets.
type RedisStore struct {
	redis *redis.Client
	// ttlSlack is kept after the reset so a reader can still see the last value.
	ttlSlack time.Duration
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: client, ttlSlack: time.Minute}
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, credential string, q Quota) error {
	key := RedisKeyPrefix + credential

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key,
		"remaining", q.Remaining,
		"reset_epoch", q.ResetEpoch,
		"observed_at", q.ObservedAt.UnixMilli(),
	)
	if q.ResetKnown() {
		ttl := q.TimeUntilReset(q.ObservedAt) + s.ttlSlack
		pipe.Expire(ctx, key, ttl)
	} else {
		pipe.Persist(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, credential string) (Quota, bool, error) {
	key := RedisKeyPrefix + credential

	fields, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return Quota{}, false, fmt.Errorf("redis load %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Quota{}, false, nil
	}

	remaining, err := strconv.Atoi(fields["remaining"])
	if err != nil {
		return Quota{}, false, fmt.Errorf("parse remaining: %w", err)
	}
	reset, err := strconv.ParseInt(fields["reset_epoch"], 10, 64)
	if err != nil {
		return Quota{}, false, fmt.Errorf("parse reset_epoch: %w", err)
	}
	observed, err := strconv.ParseInt(fields["observed_at"], 10, 64)
	if err != nil {
		return Quota{}, false, fmt.Errorf("parse observed_at: %w", err)
	}

	return Quota{
		Remaining:  remaining,
		ResetEpoch: reset,
		ObservedAt: time.UnixMilli(observed),
	}, true, nil
}
