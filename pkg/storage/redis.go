package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

const (
	redisDatasetKey        = "bikecast:dataset"
	redisPredictionsPrefix = "bikecast:predictions:"
	// PredictionsChannel receives every stored prediction set.
	PredictionsChannel = "bikecast:predictions"
)

// RedisStore keeps the dataset snapshot and the latest prediction sets in
// Redis so that several instances can serve the same data.
//
// The dataset key never expires. Prediction sets expire after the configured
// TTL and are also published on PredictionsChannel.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore connects to Redis and verifies the connection. A zero ttl
// defaults to two hours.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl == 0 {
		ttl = 2 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// Load reads the dataset document. A missing key yields an empty snapshot.
func (r *RedisStore) Load(ctx context.Context) (*dataset.Snapshot, error) {
	data, err := r.client.Get(ctx, redisDatasetKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dataset.EmptySnapshot(), nil
		}
		return nil, fmt.Errorf("failed to get dataset from redis: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return doc.snapshot(), nil
}

// Save overwrites the dataset document with a single SET.
func (r *RedisStore) Save(ctx context.Context, snap *dataset.Snapshot) error {
	data, err := json.Marshal(toDoc(snap))
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	if err := r.client.Set(ctx, redisDatasetKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store dataset in redis: %w", err)
	}
	return nil
}

// Put stores the prediction set under "bikecast:predictions:{kind}" and
// publishes it. A failed publish is not an error once the set is stored.
func (r *RedisStore) Put(ctx context.Context, set PredictionSet) error {
	if !set.ModelKind.Valid() {
		return fmt.Errorf("prediction set has unknown model kind %q", set.ModelKind)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction set: %w", err)
	}

	if err := r.client.Set(ctx, redisPredictionsPrefix+string(set.ModelKind), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store prediction set in redis: %w", err)
	}
	_ = r.client.Publish(ctx, PredictionsChannel, data).Err()

	return nil
}

// GetLatest returns the stored set for kind; found is false when it is
// missing or expired.
func (r *RedisStore) GetLatest(ctx context.Context, kind dataset.ModelKind) (PredictionSet, bool, error) {
	if !kind.Valid() {
		return PredictionSet{}, false, fmt.Errorf("unknown model kind %q", kind)
	}

	data, err := r.client.Get(ctx, redisPredictionsPrefix+string(kind)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PredictionSet{}, false, nil
		}
		return PredictionSet{}, false, fmt.Errorf("failed to get prediction set from redis: %w", err)
	}

	var set PredictionSet
	if err := json.Unmarshal(data, &set); err != nil {
		return PredictionSet{}, false, fmt.Errorf("failed to unmarshal prediction set: %w", err)
	}
	return set, true, nil
}

// Subscribe returns a subscription to PredictionsChannel.
func (r *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, PredictionsChannel)
}

// Close closes the Redis client. It is safe to call multiple times.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
