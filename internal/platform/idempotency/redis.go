package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "orderflow:idempotency:"

// RedisStore keeps keys in Redis with a native TTL, so expired keys vanish without a sweep.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis parses url, connects and pings within five seconds.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("idempotency: ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = ttlOrDefault(ttl)
	redisKey := redisKeyPrefix + documentID(key)

	// A key can expire between SetNX and Get; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		record := pendingRecord(key, fingerprint, now, ttl)
		payload, err := json.Marshal(record)
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
		}
		created, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}

		existing, err := s.load(ctx, redisKey)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if existing.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: existing}, nil
		}
		return Reservation{State: ReservationStatePending, Record: existing}, nil
	}
	return Reservation{}, fmt.Errorf("idempotency: reserve: key %s kept expiring", documentID(key))
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = ttlOrDefault(ttl)
	redisKey := redisKeyPrefix + documentID(key)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		record := Record{Key: key, Fingerprint: fingerprint}
		existing, err := decodeRecord(tx.Get(ctx, redisKey).Bytes())
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record = existing
		}

		payload, err := json.Marshal(completeRecord(record, resp, now, ttl))
		if err != nil {
			return fmt.Errorf("idempotency: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, ttl)
			return nil
		})
		return err
	}, redisKey)
	if errors.Is(err, ErrFingerprintMismatch) {
		return err
	}
	if err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+documentID(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op; Redis expires keys itself.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, redisKey string) (Record, error) {
	record, err := decodeRecord(s.client.Get(ctx, redisKey).Bytes())
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("idempotency: load: %w", err)
	}
	return record, err
}

func decodeRecord(data []byte, err error) (Record, error) {
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}
