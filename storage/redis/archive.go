package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/vietddude/resilience/deadletter"
	"github.com/vietddude/resilience/internal/metrics"
)

// Archive implements deadletter.Archive on Redis. Items live as
// individual JSON keys with a retention TTL; a sorted set scored by the
// first failure time indexes them so Load returns oldest first.
type Archive struct {
	rdb       *redis.Client
	namespace string
	retention time.Duration
}

// NewArchive creates a Redis-backed dead letter archive. Items expire
// after retention (24h when zero); the namespace keeps multiple
// deployments from sharing one queue.
func NewArchive(client *Client, namespace string, retention time.Duration) *Archive {
	if namespace == "" {
		namespace = "default"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Archive{
		rdb:       client.rdb,
		namespace: namespace,
		retention: retention,
	}
}

// Key helpers
func (a *Archive) indexKey() string {
	return fmt.Sprintf("dead_letters:%s", a.namespace)
}

func (a *Archive) itemKey(id string) string {
	return fmt.Sprintf("dead_letter:%s:%s", a.namespace, id)
}

// Save stores an item and indexes it by first failure time.
func (a *Archive) Save(ctx context.Context, item *deadletter.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		metrics.ArchiveOps.WithLabelValues("redis", "save", "error").Inc()
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	err = a.withRetry(ctx, func() error {
		if err := a.rdb.Set(ctx, a.itemKey(item.ID), data, a.retention).Err(); err != nil {
			return fmt.Errorf("failed to set dead letter: %w", err)
		}
		if err := a.rdb.ZAdd(ctx, a.indexKey(), redis.Z{
			Score:  float64(item.FirstFailure.UnixNano()),
			Member: item.ID,
		}).Err(); err != nil {
			return fmt.Errorf("failed to index dead letter: %w", err)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("redis", "save", statusOf(err)).Inc()
	return err
}

// Delete removes an item and its index entry.
func (a *Archive) Delete(ctx context.Context, id string) error {
	err := a.withRetry(ctx, func() error {
		if err := a.rdb.ZRem(ctx, a.indexKey(), id).Err(); err != nil {
			return fmt.Errorf("failed to remove from index: %w", err)
		}
		if err := a.rdb.Del(ctx, a.itemKey(id)).Err(); err != nil {
			return fmt.Errorf("failed to delete dead letter: %w", err)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("redis", "delete", statusOf(err)).Inc()
	return err
}

// Load returns every archived item, oldest first. Index entries whose
// data has expired are dropped from the index as they are found.
func (a *Archive) Load(ctx context.Context) ([]*deadletter.Item, error) {
	var items []*deadletter.Item
	err := a.withRetry(ctx, func() error {
		ids, err := a.rdb.ZRange(ctx, a.indexKey(), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("zrange failed: %w", err)
		}

		items = make([]*deadletter.Item, 0, len(ids))
		for _, id := range ids {
			data, err := a.rdb.Get(ctx, a.itemKey(id)).Bytes()
			if err == redis.Nil {
				// Data expired but ID still indexed, remove it
				a.rdb.ZRem(ctx, a.indexKey(), id)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to get dead letter: %w", err)
			}

			var item deadletter.Item
			if err := json.Unmarshal(data, &item); err != nil {
				continue
			}
			items = append(items, &item)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("redis", "load", statusOf(err)).Inc()
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Clear drops the index and every archived item.
func (a *Archive) Clear(ctx context.Context) error {
	err := a.withRetry(ctx, func() error {
		ids, err := a.rdb.ZRange(ctx, a.indexKey(), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("zrange failed: %w", err)
		}
		for _, id := range ids {
			if err := a.rdb.Del(ctx, a.itemKey(id)).Err(); err != nil {
				return fmt.Errorf("failed to delete dead letter: %w", err)
			}
		}
		if err := a.rdb.Del(ctx, a.indexKey()).Err(); err != nil {
			return fmt.Errorf("failed to delete index: %w", err)
		}
		return nil
	})
	metrics.ArchiveOps.WithLabelValues("redis", "clear", statusOf(err)).Inc()
	return err
}

// Count returns the number of indexed items.
func (a *Archive) Count(ctx context.Context) (int, error) {
	count, err := a.rdb.ZCard(ctx, a.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

// withRetry wraps an operation with exponential backoff retry logic.
// Retries on transient Redis errors; context cancellation stops
// immediately.
func (a *Archive) withRetry(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
