package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/memohai/wabridge/internal/clock"
)

// ErrConflict is returned when a bucket kept changing under optimistic locking.
var ErrConflict = errors.New("retryqueue: concurrent bucket update")

const maxTxAttempts = 8

// RedisQueue stores one JSON bucket per instance with the policy TTL as key
// expiry, so buckets survive restarts and are shared by replicas.
type RedisQueue struct {
	client *redis.Client
	prefix string
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
	locks  sync.Map
}

func NewRedisQueue(log *slog.Logger, client *redis.Client, prefix string, clk clock.Clock, policy Policy) *RedisQueue {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if prefix == "" {
		prefix = "wabridge"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		policy: policy.normalized(),
		clock:  clk,
		logger: log.With(slog.String("component", "retryqueue"), slog.String("backend", "redis")),
	}
}

func (q *RedisQueue) bucketKey(instance string) string {
	return fmt.Sprintf("%s:retry:%s", q.prefix, instance)
}

func (q *RedisQueue) indexKey() string {
	return q.prefix + ":retry:instances"
}

func (q *RedisQueue) instanceLock(instance string) *sync.Mutex {
	v, _ := q.locks.LoadOrStore(instance, &sync.Mutex{})
	return v.(*sync.Mutex)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (q *RedisQueue) load(ctx context.Context, cmd stringGetter, instance string) (bucket, error) {
	raw, err := cmd.Get(ctx, q.bucketKey(instance)).Bytes()
	if errors.Is(err, redis.Nil) {
		return bucket{}, nil
	}
	if err != nil {
		return bucket{}, fmt.Errorf("load retry bucket %s: %w", instance, err)
	}
	var b bucket
	if err := json.Unmarshal(raw, &b); err != nil {
		return bucket{}, fmt.Errorf("decode retry bucket %s: %w", instance, err)
	}
	return b, nil
}

// update runs fn over the instance bucket inside a WATCH transaction. fn
// reports whether the bucket must be written back.
func (q *RedisQueue) update(ctx context.Context, instance string, fn func(b *bucket) bool) error {
	mu := q.instanceLock(instance)
	mu.Lock()
	defer mu.Unlock()

	key := q.bucketKey(instance)
	txf := func(tx *redis.Tx) error {
		b, err := q.load(ctx, tx, instance)
		if err != nil {
			return err
		}
		if !fn(&b) {
			return nil
		}
		var payload []byte
		if len(b.Entries) > 0 {
			payload, err = json.Marshal(b)
			if err != nil {
				return fmt.Errorf("encode retry bucket %s: %w", instance, err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if payload == nil {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, q.indexKey(), instance)
				return nil
			}
			pipe.Set(ctx, key, payload, q.policy.TTL)
			pipe.SAdd(ctx, q.indexKey(), instance)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := q.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) (Entry, bool, error) {
	if err := validateEntry(e); err != nil {
		return Entry{}, false, err
	}
	var (
		stored Entry
		added  bool
		depth  int
	)
	err := q.update(ctx, e.InstanceName, func(b *bucket) bool {
		stored, added = b.enqueue(e, q.policy, q.clock.Now())
		depth = len(b.Entries)
		return added
	})
	if err != nil {
		return Entry{}, false, err
	}
	observeEnqueue(e.InstanceName, added, depth)
	return stored, added, nil
}

func (q *RedisQueue) ListReady(ctx context.Context, instance string) ([]Entry, error) {
	b, err := q.load(ctx, q.client, instance)
	if err != nil {
		return nil, err
	}
	return b.ready(q.policy, q.clock.Now()), nil
}

func (q *RedisQueue) List(ctx context.Context, instance string) ([]Entry, error) {
	b, err := q.load(ctx, q.client, instance)
	if err != nil {
		return nil, err
	}
	return cloneEntries(b.Entries), nil
}

func (q *RedisQueue) RecordOutcome(ctx context.Context, instance, entryID string, success bool) (Outcome, error) {
	var (
		outcome Outcome
		depth   int
	)
	err := q.update(ctx, instance, func(b *bucket) bool {
		outcome = b.record(entryID, success, q.policy, q.clock.Now())
		depth = len(b.Entries)
		return outcome != OutcomeNotFound
	})
	if err != nil {
		return "", err
	}
	if outcome != OutcomeNotFound {
		observeOutcome(instance, outcome, depth)
	}
	return outcome, nil
}

func (q *RedisQueue) Drain(ctx context.Context, instance string) ([]Entry, error) {
	var drained []Entry
	err := q.update(ctx, instance, func(b *bucket) bool {
		drained = cloneEntries(b.Entries)
		b.Entries = nil
		return true
	})
	if err != nil {
		return nil, err
	}
	observeOutcome(instance, OutcomeDrained, 0)
	return drained, nil
}

func (q *RedisQueue) Stats(ctx context.Context) ([]InstanceStats, error) {
	instances, err := q.Instances(ctx)
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	out := make([]InstanceStats, 0, len(instances))
	for _, instance := range instances {
		b, err := q.load(ctx, q.client, instance)
		if err != nil {
			return nil, err
		}
		if len(b.Entries) == 0 {
			continue
		}
		out = append(out, b.stats(instance, q.policy, now))
	}
	return out, nil
}

// Instances lists indexed instances whose bucket key still exists, pruning
// index members left behind by key expiry.
func (q *RedisQueue) Instances(ctx context.Context) ([]string, error) {
	members, err := q.client.SMembers(ctx, q.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list retry instances: %w", err)
	}
	out := make([]string, 0, len(members))
	for _, instance := range members {
		n, err := q.client.Exists(ctx, q.bucketKey(instance)).Result()
		if err != nil {
			return nil, fmt.Errorf("check retry bucket %s: %w", instance, err)
		}
		if n == 0 {
			if err := q.client.SRem(ctx, q.indexKey(), instance).Err(); err != nil {
				q.logger.Warn("prune retry index failed", slog.String("instance", instance), slog.Any("error", err))
			}
			continue
		}
		out = append(out, instance)
	}
	sort.Strings(out)
	return out, nil
}
