package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr" default:"localhost:6379" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" default:"0" validate:"gte=0,lte=15"`
	Prefix   string `yaml:"prefix" default:"flowgate:"`
}

// RedisStore keeps values under "<prefix><namespace>:<key>".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping failed: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (r *RedisStore) redisKey(namespace, key string) string {
	return r.prefix + namespace + ":" + key
}

func (r *RedisStore) Get(ctx context.Context, namespace, key string, dst any) (bool, error) {
	data, err := r.client.Get(ctx, r.redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return true, decode(data, dst)
}

// Expiry reads the remaining PTTL of the key. Redis answers -2 for a
// missing key and -1 for a key without expiry.
func (r *RedisStore) Expiry(ctx context.Context, namespace, key string) (time.Time, bool, error) {
	ttl, err := r.client.PTTL(ctx, r.redisKey(namespace, key)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expiry %s/%s: %w", namespace, key, err)
	}
	switch {
	case ttl == -2:
		return time.Time{}, false, nil
	case ttl < 0:
		return time.Time{}, true, nil
	}
	return time.Now().Add(ttl), true, nil
}

func (r *RedisStore) Set(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.redisKey(namespace, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := r.client.Del(ctx, r.redisKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	prefix := r.redisKey(namespace, "")
	keys := []string{}

	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", namespace, err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
