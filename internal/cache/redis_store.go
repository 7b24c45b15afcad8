package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds records that carry no expiry of their own.
	TTL time.Duration
}

// RedisStore keeps CBOR-encoded records under "resource:{url}".
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStore(client, cfg.TTL), nil
}

func newRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

var _ Store = (*RedisStore)(nil)

func (c *RedisStore) keyFor(key string) string {
	return "resource:" + key
}

func (c *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	data, err := c.client.Get(ctx, c.keyFor(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("redis get error: %w", err)
	}

	stored, rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, false, err
	}
	if stored != key {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (c *RedisStore) Set(ctx context.Context, key string, rec Record) error {
	data, err := encodeRecord(key, rec, false)
	if err != nil {
		return err
	}

	// Stale records are kept around for a while so they can still be
	// served when the network is down.
	ttl := c.ttl
	if !rec.Expires.IsZero() {
		if until := rec.Expires.Sub(c.now()); until > 0 {
			ttl += until
		}
	}

	if err := c.client.Set(ctx, c.keyFor(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Clear deletes every "resource:" key in the configured database.
func (c *RedisStore) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.keyFor("*"), 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 256 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

func (c *RedisStore) Close() error {
	return c.client.Close()
}
