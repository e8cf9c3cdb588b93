package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/memohai/wabridge/internal/delivery"
	"github.com/memohai/wabridge/internal/metrics"
)

// ConnectionSink receives connection.update states.
type ConnectionSink interface {
	OnConnectionEvent(ctx context.Context, instance, state string) error
}

// MessageSink receives decoded messages.
type MessageSink interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
	HandleCRMOutbound(ctx context.Context, out CRMOutbound) (delivery.Result, error)
}

// Dispatcher runs webhook events on a fixed set of workers. Events sharing a
// ShardKey land on the same worker and keep their arrival order.
type Dispatcher struct {
	connections ConnectionSink
	messages    MessageSink
	logger      *slog.Logger

	shards   []chan Event
	startMu  sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher sizes the pool with workers goroutines sharing queueLen slots.
func NewDispatcher(log *slog.Logger, connections ConnectionSink, messages MessageSink, workers, queueLen int) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if queueLen <= 0 {
		queueLen = 256
	}
	perShard := queueLen / workers
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan Event, workers)
	for i := range shards {
		shards[i] = make(chan Event, perShard)
	}
	return &Dispatcher{
		connections: connections,
		messages:    messages,
		logger:      log.With(slog.String("component", "dispatcher")),
		shards:      shards,
	}
}

// Start launches the workers. ctx bounds every event handled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true
	workCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i, shard := range d.shards {
		d.wg.Add(1)
		go d.work(workCtx, i, shard)
	}
	d.logger.Info("webhook workers started", slog.Int("workers", len(d.shards)))
}

// Submit queues ev without blocking. It reports false when the shard is full.
func (d *Dispatcher) Submit(ev Event) bool {
	shard := d.shards[xxhash.Sum64String(ev.ShardKey())%uint64(len(d.shards))]
	select {
	case shard <- ev:
		return true
	default:
		metrics.WebhookDropped.Inc()
		d.logger.Warn("webhook queue full, event dropped",
			slog.String("instance", ev.Instance),
			slog.Int("kind", int(ev.Kind)),
		)
		return false
	}
}

// Stop cancels in-flight work and waits for the workers.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.startMu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.startMu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context, id int, shard <-chan Event) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-shard:
			d.handle(ctx, id, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, worker int, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("webhook handler panicked", slog.Int("worker", worker), slog.Any("panic", r))
		}
	}()
	var err error
	switch ev.Kind {
	case KindConnection:
		if d.connections != nil {
			err = d.connections.OnConnectionEvent(ctx, ev.Instance, ev.State)
		}
	case KindInbound:
		if d.messages != nil {
			err = d.messages.HandleInbound(ctx, ev.Inbound)
		}
	case KindCRMOutbound:
		if d.messages != nil {
			_, err = d.messages.HandleCRMOutbound(ctx, ev.Outbound)
		}
	}
	if err != nil && !errors.Is(err, ErrIgnoredEvent) {
		d.logger.Warn("webhook event failed",
			slog.Int("worker", worker),
			slog.String("instance", ev.Instance),
			slog.Int("kind", int(ev.Kind)),
			slog.Any("error", err),
		)
	}
}
