package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrphanQueue schedules orphaned webhook callbacks for a delayed internal replay.
type OrphanQueue interface {
	Enqueue(ctx context.Context, callbackID uint64, at time.Time) error
	// Claim removes and returns up to limit callbacks whose replay time is at or before now.
	Claim(ctx context.Context, now time.Time, limit int64) ([]uint64, error)
}

// Backoff returns the delay before replay attempt n (1-based): base doubled per attempt, capped at maxDelay.
func Backoff(attempt int32, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := int32(1); i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

type zsetClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// RedisOrphanQueue keeps orphans in a sorted set scored by replay time in unix milliseconds.
type RedisOrphanQueue struct {
	client zsetClient
	key    string
}

func NewRedisOrphanQueue(client *redis.Client, key string) *RedisOrphanQueue {
	return &RedisOrphanQueue{client: client, key: key}
}

func (q *RedisOrphanQueue) Enqueue(ctx context.Context, callbackID uint64, at time.Time) error {
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: strconv.FormatUint(callbackID, 10),
	}).Err()
}

// Claim only returns members this caller removed, so concurrent workers never replay the same orphan.
func (q *RedisOrphanQueue) Claim(ctx context.Context, now time.Time, limit int64) ([]uint64, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	claimed := make([]uint64, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return claimed, err
		}
		if removed == 0 {
			continue
		}
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			continue
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// MemoryOrphanQueue is a process-local queue for single-instance deployments and tests.
type MemoryOrphanQueue struct {
	mu    sync.Mutex
	items map[uint64]time.Time
}

func NewMemoryOrphanQueue() *MemoryOrphanQueue {
	return &MemoryOrphanQueue{items: make(map[uint64]time.Time)}
}

func (q *MemoryOrphanQueue) Enqueue(_ context.Context, callbackID uint64, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[callbackID] = at
	return nil
}

func (q *MemoryOrphanQueue) Claim(_ context.Context, now time.Time, limit int64) ([]uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]uint64, 0)
	for id, at := range q.items {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if q.items[due[i]].Equal(q.items[due[j]]) {
			return due[i] < due[j]
		}
		return q.items[due[i]].Before(q.items[due[j]])
	})
	if limit > 0 && int64(len(due)) > limit {
		due = due[:limit]
	}
	for _, id := range due {
		delete(q.items, id)
	}
	return due, nil
}

func (q *MemoryOrphanQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
