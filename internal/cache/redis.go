package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/metrics"
)

// DefaultSharedTTL is how long shared entries live when no TTL is configured.
const DefaultSharedTTL = time.Hour

// Shared is a result cache tier visible to every replica. Keys are content
// fingerprints, so entries never go stale on a catalog reload; a TTL bounds
// their lifetime instead.
type Shared interface {
	Get(ctx context.Context, k Key) (Entry, bool, error)
	Put(ctx context.Context, k Key, e Entry) error
}

// RedisStore implements Shared on Redis. Calls go through a circuit
// breaker: after consecutive failures the store fails fast with
// gobreaker.ErrOpenState until a trial call succeeds.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	cb     *gobreaker.CircuitBreaker
}

// breakerTrips is the number of consecutive failures that opens the breaker.
const breakerTrips = 5

// OpenRedis connects to the Redis server at url (redis:// or rediss://)
// and verifies it answers a PING.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStore stores entries through client with the given TTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSharedTTL
	}
	return &RedisStore{
		client: client,
		prefix: "farpoint:result:",
		ttl:    ttl,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "redis-result-cache",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTrips
			},
		}),
	}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + strconv.FormatUint(uint64(k), 16)
}

// record is the stored form of an Entry.
type record struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Distance    float64   `json:"distance"`
	Iterations  int       `json:"iterations"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Get returns the entry for k. A missing key is (Entry{}, false, nil).
func (s *RedisStore) Get(ctx context.Context, k Key) (Entry, bool, error) {
	// A miss is a successful call as far as the breaker is concerned.
	v, err := s.cb.Execute(func() (any, error) {
		data, err := s.client.Get(ctx, s.key(k)).Bytes()
		if errors.Is(err, redis.Nil) {
			return []byte(nil), nil
		}
		return data, err
	})
	if err != nil {
		metrics.IncSharedCache("error")
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	data := v.([]byte)
	if data == nil {
		metrics.IncSharedCache("miss")
		return Entry{}, false, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		metrics.IncSharedCache("error")
		return Entry{}, false, fmt.Errorf("decode shared entry: %w", err)
	}
	metrics.IncSharedCache("hit")
	return Entry{
		Result: farthest.Result{
			Location:          geodesy.New(rec.Lat, rec.Lon),
			DistanceToNearest: rec.Distance,
		},
		Iterations:  rec.Iterations,
		GeneratedAt: rec.GeneratedAt,
	}, true, nil
}

// Put stores e under k. Entries with a NaN objective are skipped, matching
// ResultCache.
func (s *RedisStore) Put(ctx context.Context, k Key, e Entry) error {
	if math.IsNaN(e.Result.DistanceToNearest) {
		return nil
	}
	data, err := json.Marshal(record{
		Lat:         e.Result.Location.Latitude,
		Lon:         e.Result.Location.Longitude,
		Distance:    e.Result.DistanceToNearest,
		Iterations:  e.Iterations,
		GeneratedAt: e.GeneratedAt,
	})
	if err != nil {
		return fmt.Errorf("encode shared entry: %w", err)
	}
	_, err = s.cb.Execute(func() (any, error) {
		return nil, s.client.Set(ctx, s.key(k), data, s.ttl).Err()
	})
	if err != nil {
		metrics.IncSharedCache("error")
		return fmt.Errorf("redis set: %w", err)
	}
	metrics.IncSharedCache("store")
	return nil
}
