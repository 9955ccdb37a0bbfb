package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store and WorkQueue over github.com/redis/go-redis/v9,
// the KV substrate named in jordigilh-kubernaut's go.mod — the pack's only
// example wired for a Redis-backed distributed lock/queue, which the
// teacher has no use for since it coordinates through the Kubernetes API
// server instead.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. Callers own the client's lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Set(ctx context.Context, key, value string, expiry time.Duration, ifAbsent bool) (bool, error) {
	var cmd *redis.BoolCmd
	if ifAbsent {
		cmd = r.client.SetNX(ctx, key, value, expiry)
	} else {
		if err := r.client.Set(ctx, key, value, expiry).Err(); err != nil {
			return false, &Unavailable{Err: err}
		}
		return true, nil
	}
	ok, err := cmd.Result()
	if err != nil {
		return false, &Unavailable{Err: err}
	}
	return ok, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, &Unavailable{Err: err}
	}
	return v, true, nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return &Unavailable{Err: err}
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &Unavailable{Err: err}
	}
	return n > 0, nil
}

// processingKey names the per-queue sorted set tracking in-flight handles,
// scored by reservation time, which StalledHandles scans.
func processingKey(queue string) string { return "queue:" + queue + ":processing" }
func readyKey(queue string) string      { return "queue:" + queue + ":ready" }

func (r *RedisStore) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if err := r.client.LPush(ctx, readyKey(queue), payload).Err(); err != nil {
		return &Unavailable{Err: err}
	}
	return nil
}

// Reserve uses BRPOPLPUSH to atomically move a payload from the ready list
// to a processing list, the standard Redis reliable-queue pattern: a crash
// between pop and ack leaves the payload recoverable via StalledHandles
// rather than lost.
func (r *RedisStore) Reserve(ctx context.Context, queue string, timeout time.Duration) ([]byte, string, bool, error) {
	v, err := r.client.BRPopLPush(ctx, readyKey(queue), processingKey(queue), timeout).Result()
	if err == redis.Nil {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, &Unavailable{Err: err}
	}
	handle := v // the payload itself doubles as its own handle; LRem matches by value
	if err := r.client.ZAdd(ctx, processingKey(queue)+":scores", redis.Z{
		Score: float64(time.Now().UnixMilli()), Member: handle,
	}).Err(); err != nil {
		return nil, "", false, &Unavailable{Err: err}
	}
	return []byte(v), handle, true, nil
}

func (r *RedisStore) Ack(ctx context.Context, queue string, handle string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, handle)
	pipe.ZRem(ctx, processingKey(queue)+":scores", handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return &Unavailable{Err: err}
	}
	return nil
}

func (r *RedisStore) Nack(ctx context.Context, queue string, handle string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, handle)
	pipe.ZRem(ctx, processingKey(queue)+":scores", handle)
	pipe.LPush(ctx, readyKey(queue), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return &Unavailable{Err: err}
	}
	return nil
}

func (r *RedisStore) StalledHandles(ctx context.Context, queue string, staleAfter time.Duration) ([]string, error) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-staleAfter).UnixMilli())
	handles, err := r.client.ZRangeByScore(ctx, processingKey(queue)+":scores", &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return nil, &Unavailable{Err: err}
	}
	return handles, nil
}
