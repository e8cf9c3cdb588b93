package queuechecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/wabridge/internal/healthcheck"
	"github.com/memohai/wabridge/internal/retryqueue"
)

const (
	checkTypeRetryQueue = "retry.queue"
	defaultStaleAfter   = 30 * time.Minute
)

// StatsReader reads per-instance retry queue statistics.
type StatsReader interface {
	Stats(ctx context.Context) ([]retryqueue.InstanceStats, error)
}

// Checker evaluates retry queue backlog checks.
type Checker struct {
	logger     *slog.Logger
	stats      StatsReader
	now        func() time.Time
	staleAfter time.Duration
}

// NewChecker creates a retry queue health checker. Entries older than
// staleAfter turn the check into an error.
func NewChecker(log *slog.Logger, stats StatsReader, now func() time.Time, staleAfter time.Duration) *Checker {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Checker{
		logger:     log.With(slog.String("checker", "healthcheck_queue")),
		stats:      stats,
		now:        now,
		staleAfter: staleAfter,
	}
}

// ListChecks reports the retry backlog of one instance.
func (c *Checker) ListChecks(ctx context.Context, instance string) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return []healthcheck.CheckResult{}
	}
	if c.stats == nil {
		c.logger.Warn("queue healthcheck dependency is unavailable", slog.String("instance", instance))
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeRetryQueue + ".service",
				Type:    checkTypeRetryQueue,
				Status:  healthcheck.StatusWarn,
				Summary: "Retry queue is not available.",
				Detail:  "stats reader is nil",
			},
		}
	}

	all, err := c.stats.Stats(ctx)
	if err != nil {
		c.logger.Warn("queue healthcheck stats failed", slog.String("instance", instance), slog.Any("error", err))
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeRetryQueue + ".stats",
				Type:    checkTypeRetryQueue,
				Status:  healthcheck.StatusError,
				Summary: "Failed to read retry queue statistics.",
				Detail:  err.Error(),
			},
		}
	}

	var st retryqueue.InstanceStats
	for _, item := range all {
		if item.Instance == instance {
			st = item
			break
		}
	}

	item := healthcheck.CheckResult{
		ID:       fmt.Sprintf("%s.%s", checkTypeRetryQueue, instance),
		Type:     checkTypeRetryQueue,
		Subtitle: instance,
		Metadata: map[string]any{
			"total":           st.Total,
			"ready":           st.Ready,
			"max_retry_count": st.MaxRetryCount,
		},
	}
	switch {
	case st.Total == 0:
		item.Status = healthcheck.StatusOK
		item.Summary = "No messages waiting for retry."
	case !st.OldestQueuedAt.IsZero() && c.now().Sub(st.OldestQueuedAt) > c.staleAfter:
		item.Status = healthcheck.StatusError
		item.Summary = fmt.Sprintf("%d message(s) waiting for retry.", st.Total)
		item.Detail = "oldest entry queued at " + st.OldestQueuedAt.UTC().Format(time.RFC3339)
	default:
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("%d message(s) waiting for retry.", st.Total)
	}
	return []healthcheck.CheckResult{item}
}
