package retryqueue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/memohai/wabridge/internal/clock"
)

// MemoryQueue keeps buckets in process memory. Each instance has its own lock.
type MemoryQueue struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	policy  Policy
	clock   clock.Clock
	logger  *slog.Logger
}

type memoryBucket struct {
	mu        sync.Mutex
	b         bucket
	expiresAt time.Time
	removed   bool
}

func NewMemoryQueue(log *slog.Logger, clk clock.Clock, policy Policy) *MemoryQueue {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryQueue{
		buckets: map[string]*memoryBucket{},
		policy:  policy.normalized(),
		clock:   clk,
		logger:  log.With(slog.String("component", "retryqueue"), slog.String("backend", "memory")),
	}
}

// acquire returns the instance bucket locked, with an expired bucket already
// reset. Without create it returns nil for an instance that has no bucket.
func (q *MemoryQueue) acquire(instance string, create bool) *memoryBucket {
	for {
		q.mu.Lock()
		mb, ok := q.buckets[instance]
		if !ok {
			if !create {
				q.mu.Unlock()
				return nil
			}
			mb = &memoryBucket{}
			q.buckets[instance] = mb
		}
		q.mu.Unlock()

		mb.mu.Lock()
		if mb.removed {
			mb.mu.Unlock()
			continue
		}
		if len(mb.b.Entries) > 0 && !q.clock.Now().Before(mb.expiresAt) {
			q.logger.Info("retry bucket expired",
				slog.String("instance", instance),
				slog.Int("dropped", len(mb.b.Entries)),
			)
			mb.b = bucket{}
		}
		return mb
	}
}

// release unlocks mb and forgets it once it holds no entries.
func (q *MemoryQueue) release(instance string, mb *memoryBucket) {
	if len(mb.b.Entries) == 0 {
		mb.removed = true
		q.mu.Lock()
		if q.buckets[instance] == mb {
			delete(q.buckets, instance)
		}
		q.mu.Unlock()
	}
	mb.mu.Unlock()
}

func (q *MemoryQueue) touch(mb *memoryBucket, now time.Time) {
	mb.expiresAt = now.Add(q.policy.TTL)
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) (Entry, bool, error) {
	if err := validateEntry(e); err != nil {
		return Entry{}, false, err
	}
	mb := q.acquire(e.InstanceName, true)
	defer q.release(e.InstanceName, mb)
	now := q.clock.Now()
	stored, added := mb.b.enqueue(e, q.policy, now)
	if added {
		q.touch(mb, now)
	}
	observeEnqueue(e.InstanceName, added, len(mb.b.Entries))
	return stored, added, nil
}

func (q *MemoryQueue) ListReady(_ context.Context, instance string) ([]Entry, error) {
	mb := q.acquire(instance, false)
	if mb == nil {
		return []Entry{}, nil
	}
	defer q.release(instance, mb)
	return mb.b.ready(q.policy, q.clock.Now()), nil
}

func (q *MemoryQueue) List(_ context.Context, instance string) ([]Entry, error) {
	mb := q.acquire(instance, false)
	if mb == nil {
		return []Entry{}, nil
	}
	defer q.release(instance, mb)
	return cloneEntries(mb.b.Entries), nil
}

func (q *MemoryQueue) RecordOutcome(_ context.Context, instance, entryID string, success bool) (Outcome, error) {
	mb := q.acquire(instance, false)
	if mb == nil {
		return OutcomeNotFound, nil
	}
	defer q.release(instance, mb)
	now := q.clock.Now()
	outcome := mb.b.record(entryID, success, q.policy, now)
	if outcome == OutcomeNotFound {
		return outcome, nil
	}
	q.touch(mb, now)
	observeOutcome(instance, outcome, len(mb.b.Entries))
	return outcome, nil
}

func (q *MemoryQueue) Drain(_ context.Context, instance string) ([]Entry, error) {
	mb := q.acquire(instance, false)
	if mb == nil {
		return []Entry{}, nil
	}
	defer q.release(instance, mb)
	out := cloneEntries(mb.b.Entries)
	mb.b = bucket{}
	observeOutcome(instance, OutcomeDrained, 0)
	return out, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) ([]InstanceStats, error) {
	instances, err := q.Instances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceStats, 0, len(instances))
	for _, instance := range instances {
		mb := q.acquire(instance, false)
		if mb == nil {
			continue
		}
		if len(mb.b.Entries) > 0 {
			out = append(out, mb.b.stats(instance, q.policy, q.clock.Now()))
		}
		q.release(instance, mb)
	}
	return out, nil
}

// Instances lists instances with live entries and prunes expired buckets.
func (q *MemoryQueue) Instances(_ context.Context) ([]string, error) {
	q.mu.Lock()
	names := make([]string, 0, len(q.buckets))
	for name := range q.buckets {
		names = append(names, name)
	}
	q.mu.Unlock()

	out := make([]string, 0, len(names))
	for _, name := range names {
		mb := q.acquire(name, false)
		if mb == nil {
			continue
		}
		if len(mb.b.Entries) > 0 {
			out = append(out, name)
		}
		q.release(name, mb)
	}
	sort.Strings(out)
	return out, nil
}
