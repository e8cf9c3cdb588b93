package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/wabridge/internal/metrics"
)

// ProcessFunc handles one coalesced batch of fragments, in arrival order.
type ProcessFunc func(ctx context.Context, fragments []string) error

// Coalescer wires a Store and a Debouncer into the inbound fragment intake.
type Coalescer struct {
	mu        sync.Mutex
	store     *Store
	debouncer *Debouncer
	delay     time.Duration
	logger    *slog.Logger

	janitorSpec string
	cron        *cron.Cron
}

// CoalescerOptions configures a Coalescer.
type CoalescerOptions struct {
	Delay time.Duration
	// JanitorSpec is a cron spec for purging expired buffers. Empty disables it.
	JanitorSpec string
}

func NewCoalescer(log *slog.Logger, store *Store, debouncer *Debouncer, opts CoalescerOptions) *Coalescer {
	if log == nil {
		log = slog.Default()
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	return &Coalescer{
		store:       store,
		debouncer:   debouncer,
		delay:       opts.Delay,
		janitorSpec: opts.JanitorSpec,
		logger:      log.With(slog.String("component", "coalescer")),
	}
}

// Intake buffers text for the key and re-arms its debounce window. The batch is
// handed to process once no fragment arrives for the configured delay. It
// reports whether the fragment was accepted into the buffer.
func (c *Coalescer) Intake(ctx context.Context, contactID, channel, text string, process ProcessFunc) bool {
	if process == nil {
		return false
	}
	key := Key{ContactID: contactID, Channel: channel}
	fireCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	accepted := c.store.Push(contactID, channel, text)
	expected := c.store.Len(contactID, channel)
	if expected == 0 {
		return accepted
	}
	c.debouncer.Setup(contactID, channel, func() {
		c.fire(fireCtx, key, expected, process)
	}, c.delay)
	return accepted
}

// Cancel stops the key's pending fire and drops its buffer.
func (c *Coalescer) Cancel(contactID, channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	existed := c.debouncer.Cancel(contactID, channel)
	c.store.Clear(contactID, channel)
	return existed
}

func (c *Coalescer) fire(ctx context.Context, key Key, expected int, process ProcessFunc) {
	c.mu.Lock()
	fragments, ok := c.store.Take(key, expected)
	c.mu.Unlock()
	if !ok {
		metrics.BufferStale.Inc()
		c.logger.Debug("debounce snapshot stale, skipping",
			slog.String("key", key.String()),
			slog.Int("expected", expected),
		)
		return
	}
	metrics.BufferFires.Inc()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("buffer process panicked",
				slog.String("key", key.String()),
				slog.Any("panic", r),
			)
		}
	}()
	if err := process(ctx, fragments); err != nil {
		c.logger.Error("buffer process failed",
			slog.String("key", key.String()),
			slog.Int("fragments", len(fragments)),
			slog.Any("error", err),
		)
	}
}

// Start schedules the expired-buffer janitor.
func (c *Coalescer) Start(_ context.Context) error {
	if c.janitorSpec == "" {
		return nil
	}
	sched := cron.New()
	if _, err := sched.AddFunc(c.janitorSpec, func() {
		if n := c.store.PurgeExpired(); n > 0 {
			c.logger.Debug("purged expired buffers", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("buffer janitor: %w", err)
	}
	sched.Start()
	c.cron = sched
	return nil
}

// Stop halts the janitor and cancels every pending fire.
func (c *Coalescer) Stop(ctx context.Context) error {
	if c.cron != nil {
		stopped := c.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n := c.debouncer.StopAll(); n > 0 {
		c.logger.Info("dropped pending debounce timers on shutdown", slog.Int("count", n))
	}
	return nil
}
