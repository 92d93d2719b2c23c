// Package kv provides the namespaced key-value stores used to persist
// workflow definitions, execution records and module state. Values are
// stored JSON encoded.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("store is closed")

// Store is the contract shared by every implementation in this package.
type Store interface {
	Get(ctx context.Context, namespace, key string, dst any) (bool, error)
	Set(ctx context.Context, namespace, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
	Close() error
}

// ExpiryReader is implemented by stores that can report when an entry
// expires. A zero time means the entry never expires.
type ExpiryReader interface {
	Expiry(ctx context.Context, namespace, key string) (time.Time, bool, error)
}

func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

func decode(data []byte, dst any) error {
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
