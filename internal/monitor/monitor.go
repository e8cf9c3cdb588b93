package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/wabridge/internal/alert"
	"github.com/memohai/wabridge/internal/clock"
	"github.com/memohai/wabridge/internal/gateway"
	"github.com/memohai/wabridge/internal/metrics"
)

const (
	triggerGrace    = "grace"
	triggerOperator = "operator"
)

// Monitor tracks every known gateway instance.
type Monitor struct {
	mu      sync.Mutex
	records map[string]*record
	seq     uint64
	replay  ReplayFunc
	baseCtx context.Context

	gateway  Gateway
	tenants  InstanceLister
	queue    QueueView
	notifier alert.Notifier
	clock    clock.Clock
	opts     Options
	logger   *slog.Logger

	cron *cron.Cron
	wg   sync.WaitGroup
}

type record struct {
	status      Status
	graceTimer  clock.Timer
	graceGen    uint64
	attempt     uint64
	trigger     string
	settleTimer clock.Timer
}

// effects are computed under the lock and executed after it is released.
type effects struct {
	alerts []alert.Alert
	replay bool
}

func New(log *slog.Logger, gw Gateway, tenants InstanceLister, queue QueueView, notifier alert.Notifier, clk clock.Clock, opts Options) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{
		records:  map[string]*record{},
		baseCtx:  context.Background(),
		gateway:  gw,
		tenants:  tenants,
		queue:    queue,
		notifier: notifier,
		clock:    clk,
		opts:     opts.normalized(),
		logger:   log.With(slog.String("component", "monitor")),
	}
}

// SetReplayer installs the retry queue replay hook run on every recovery.
func (m *Monitor) SetReplayer(fn ReplayFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replay = fn
}

// OnConnectionEvent ingests a connection.update webhook state.
func (m *Monitor) OnConnectionEvent(ctx context.Context, instance, state string) error {
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return fmt.Errorf("connection event: instance is required")
	}
	state = strings.ToLower(strings.TrimSpace(state))
	connected, ok := EventConnected(state)
	if !ok {
		if state != gateway.StateConnecting {
			m.logger.Warn("unknown connection state ignored", slog.String("instance", instance), slog.String("state", state))
			return fmt.Errorf("%w: %q", ErrUnknownState, state)
		}
		m.logger.Debug("transitional state ignored", slog.String("instance", instance), slog.String("state", state))
		return nil
	}
	obs := Observation{
		Instance:   instance,
		Connected:  connected,
		RawState:   state,
		ObservedAt: m.clock.Now(),
	}
	if !connected {
		obs.Cause = CauseInstanceClosed
	}
	m.mu.Lock()
	fx := m.observeLocked(obs)
	m.mu.Unlock()
	m.apply(ctx, instance, fx)
	return nil
}

// CurrentState performs a live check and records it. A failing check counts as
// down with cause api_unreachable.
func (m *Monitor) CurrentState(ctx context.Context, instance string) (Observation, error) {
	if strings.TrimSpace(instance) == "" {
		return Observation{}, fmt.Errorf("current state: instance is required")
	}
	obs := m.liveCheck(ctx, instance)
	m.mu.Lock()
	fx := m.observeLocked(obs)
	m.mu.Unlock()
	m.apply(ctx, instance, fx)
	return obs, nil
}

// Restart runs an operator-triggered restart through the same path as grace
// expiry.
func (m *Monitor) Restart(ctx context.Context, instance string) (Status, error) {
	m.mu.Lock()
	rec := m.recordLocked(instance)
	if rec.status.State == StateRestartAttempted {
		st := rec.status
		m.mu.Unlock()
		return st, ErrRestartInProgress
	}
	m.stopGraceLocked(rec)
	attempt := m.beginRestartLocked(rec, triggerOperator)
	m.mu.Unlock()

	m.logger.Info("operator restart requested", slog.String("instance", instance))
	m.runRestart(ctx, instance, attempt)
	st, _ := m.Status(instance)
	return st, nil
}

// Statuses returns a snapshot of every tracked instance.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func (m *Monitor) Status(instance string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[instance]
	if !ok {
		return Status{}, false
	}
	return rec.status, true
}

// Sweep polls every known instance and reacts to edges only. Connected
// instances with due retry entries are replayed.
func (m *Monitor) Sweep(ctx context.Context) error {
	instances, listErr := m.knownInstances(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.SweepConcurrency)
	for _, instance := range instances {
		g.Go(func() error {
			m.sweepOne(gctx, instance)
			return nil
		})
	}
	_ = g.Wait()
	return listErr
}

func (m *Monitor) sweepOne(ctx context.Context, instance string) {
	obs := m.liveCheck(ctx, instance)
	m.mu.Lock()
	fx := m.observeLocked(obs)
	m.mu.Unlock()
	m.apply(ctx, instance, fx)
	if !obs.Connected || fx.replay || m.queue == nil {
		return
	}
	ready, err := m.queue.ListReady(ctx, instance)
	if err != nil {
		m.logger.Warn("sweep queue check failed", slog.String("instance", instance), slog.Any("error", err))
		return
	}
	if len(ready) > 0 {
		m.triggerReplay(instance)
	}
}

func (m *Monitor) knownInstances(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var errs []error
	if m.tenants != nil {
		names, err := m.tenants.ListInstances(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list tenant instances: %w", err))
		}
		for _, name := range names {
			seen[name] = struct{}{}
		}
	}
	if m.queue != nil {
		names, err := m.queue.Instances(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list queued instances: %w", err))
		}
		for _, name := range names {
			seen[name] = struct{}{}
		}
	}
	m.mu.Lock()
	for name := range m.records {
		seen[name] = struct{}{}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		if strings.TrimSpace(name) != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, errors.Join(errs...)
}

// Start schedules the periodic sweep and runs a first one in the background.
// ctx bounds every background call made by the monitor.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
	if m.opts.SweepSpec == "" {
		return nil
	}
	sched := cron.New()
	if _, err := sched.AddFunc(m.opts.SweepSpec, func() { m.runSweep(ctx) }); err != nil {
		return fmt.Errorf("monitor sweep schedule: %w", err)
	}
	sched.Start()
	m.cron = sched
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSweep(ctx)
	}()
	m.logger.Info("monitor started", slog.String("sweep", m.opts.SweepSpec), slog.Duration("grace", m.opts.GracePeriod))
	return nil
}

func (m *Monitor) runSweep(ctx context.Context) {
	if err := m.Sweep(ctx); err != nil {
		m.logger.Warn("sweep incomplete", slog.Any("error", err))
	}
}

// Stop halts the sweep, cancels pending timers and waits for running replays.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.mu.Lock()
	for _, rec := range m.records {
		m.stopGraceLocked(rec)
		if rec.settleTimer != nil {
			rec.settleTimer.Stop()
			rec.settleTimer = nil
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until background replays and sweeps finish.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) liveCheck(ctx context.Context, instance string) Observation {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()
	state, err := m.gateway.CheckConnection(callCtx, instance)
	obs := Observation{Instance: instance, ObservedAt: m.clock.Now()}
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		obs.Cause = CauseInstanceClosed
		obs.Detail = err.Error()
	case err != nil:
		obs.Cause = CauseAPIUnreachable
		obs.Detail = err.Error()
	default:
		obs.RawState = state.State
		obs.Connected = state.Connected
		if !state.Connected {
			obs.Cause = CauseInstanceClosed
		}
	}
	return obs
}

func (m *Monitor) recordLocked(instance string) *record {
	rec, ok := m.records[instance]
	if !ok {
		rec = &record{status: Status{Instance: instance, State: StateUnknown}}
		m.records[instance] = rec
	}
	return rec
}

func (m *Monitor) observeLocked(obs Observation) effects {
	rec := m.recordLocked(obs.Instance)
	st := &rec.status
	prev := st.State
	st.LastObservedAt = obs.ObservedAt
	st.Connected = obs.Connected

	var fx effects
	if obs.Connected {
		switch prev {
		case StateConnected:
			return fx
		case StateGracePending:
			m.stopGraceLocked(rec)
			metrics.MonitorFalseAlarms.WithLabelValues(obs.Instance).Inc()
			fx.alerts = append(fx.alerts, m.newAlert(*st, alert.SeverityInfo, "Instance reconnected within grace period (false alarm)", nil))
			fx.replay = true
		case StateRestartAttempted:
			m.abandonRestartLocked(rec)
			fx.replay = true
		case StateDisconnected:
			if st.NeedsManual {
				fx.alerts = append(fx.alerts, m.newAlert(*st, alert.SeverityInfo, "Instance reconnected", nil))
			}
			fx.replay = true
		}
		m.logger.Info("instance connected",
			slog.String("instance", obs.Instance),
			slog.String("previous", string(prev)),
		)
		metrics.MonitorEdges.WithLabelValues(obs.Instance, "up").Inc()
		st.State = StateConnected
		st.Cause = CauseNone
		st.NeedsManual = false
		st.NeedsPairing = false
		st.DisconnectedSince = time.Time{}
		return fx
	}

	st.Cause = obs.Cause
	if prev != StateUnknown && prev != StateConnected {
		return fx
	}
	st.State = StateGracePending
	st.DisconnectedSince = obs.ObservedAt
	m.startGraceLocked(rec)
	metrics.MonitorEdges.WithLabelValues(obs.Instance, "down").Inc()
	metrics.MonitorGraceStarted.WithLabelValues(obs.Instance).Inc()
	m.logger.Warn("instance disconnected, grace period started",
		slog.String("instance", obs.Instance),
		slog.String("previous", string(prev)),
		slog.String("cause", string(obs.Cause)),
		slog.Duration("grace", m.opts.GracePeriod),
	)
	return fx
}

func (m *Monitor) startGraceLocked(rec *record) {
	m.stopGraceLocked(rec)
	m.seq++
	gen := m.seq
	instance := rec.status.Instance
	rec.graceGen = gen
	rec.graceTimer = m.clock.AfterFunc(m.opts.GracePeriod, func() {
		m.onGraceExpired(instance, gen)
	})
}

func (m *Monitor) stopGraceLocked(rec *record) {
	if rec.graceTimer != nil {
		rec.graceTimer.Stop()
	}
	rec.graceTimer = nil
	rec.graceGen = 0
}

func (m *Monitor) beginRestartLocked(rec *record, trigger string) uint64 {
	m.seq++
	rec.attempt = m.seq
	rec.trigger = trigger
	rec.status.State = StateRestartAttempted
	rec.status.LastRestartAt = m.clock.Now()
	if rec.status.DisconnectedSince.IsZero() && !rec.status.Connected {
		rec.status.DisconnectedSince = rec.status.LastRestartAt
	}
	return rec.attempt
}

func (m *Monitor) abandonRestartLocked(rec *record) {
	rec.attempt = 0
	if rec.settleTimer != nil {
		rec.settleTimer.Stop()
		rec.settleTimer = nil
	}
}

func (m *Monitor) attemptCurrentLocked(instance string, attempt uint64) (*record, bool) {
	rec, ok := m.records[instance]
	if !ok || rec.attempt != attempt || rec.status.State != StateRestartAttempted {
		return nil, false
	}
	return rec, true
}

func (m *Monitor) onGraceExpired(instance string, gen uint64) {
	m.mu.Lock()
	rec, ok := m.records[instance]
	if !ok || rec.graceGen != gen || rec.status.State != StateGracePending {
		m.mu.Unlock()
		return
	}
	rec.graceTimer = nil
	rec.graceGen = 0
	attempt := m.beginRestartLocked(rec, triggerGrace)
	ctx := m.baseCtx
	m.mu.Unlock()

	m.logger.Info("grace period elapsed, rechecking", slog.String("instance", instance))
	obs := m.liveCheck(ctx, instance)
	if obs.Connected {
		m.mu.Lock()
		if _, ok := m.attemptCurrentLocked(instance, attempt); !ok {
			m.mu.Unlock()
			return
		}
		fx := m.observeLocked(obs)
		m.mu.Unlock()
		m.apply(ctx, instance, fx)
		return
	}

	m.mu.Lock()
	if rec, ok := m.attemptCurrentLocked(instance, attempt); ok {
		rec.status.Cause = obs.Cause
		rec.status.LastObservedAt = obs.ObservedAt
	}
	m.mu.Unlock()
	m.runRestart(ctx, instance, attempt)
}

func (m *Monitor) runRestart(ctx context.Context, instance string, attempt uint64) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	res, err := m.gateway.Restart(callCtx, instance)
	cancel()

	m.mu.Lock()
	rec, ok := m.attemptCurrentLocked(instance, attempt)
	if !ok {
		m.mu.Unlock()
		m.logger.Info("restart result superseded", slog.String("instance", instance))
		return
	}
	var fx effects
	switch {
	case err != nil:
		metrics.MonitorRestarts.WithLabelValues(instance, "error").Inc()
		cause := CauseAPIUnreachable
		if errors.Is(err, gateway.ErrNotFound) {
			cause = CauseInstanceClosed
		}
		fx = m.giveUpLocked(rec, cause, false, err.Error())
	case res.Connected:
		metrics.MonitorRestarts.WithLabelValues(instance, "connected").Inc()
		fx = m.restoredLocked(rec)
	case res.NeedsPairing:
		metrics.MonitorRestarts.WithLabelValues(instance, "needs_pairing").Inc()
		fx = m.giveUpLocked(rec, CauseInstanceClosed, true, "gateway requested QR pairing")
	default:
		metrics.MonitorRestarts.WithLabelValues(instance, "pending").Inc()
		m.logger.Info("restart issued, verifying after settle",
			slog.String("instance", instance),
			slog.String("state", res.State),
			slog.Duration("settle", m.opts.RestartSettle),
		)
		rec.settleTimer = m.clock.AfterFunc(m.opts.RestartSettle, func() {
			m.verifyRestart(instance, attempt)
		})
	}
	m.mu.Unlock()
	m.apply(ctx, instance, fx)
}

func (m *Monitor) verifyRestart(instance string, attempt uint64) {
	m.mu.Lock()
	rec, ok := m.attemptCurrentLocked(instance, attempt)
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.settleTimer = nil
	ctx := m.baseCtx
	m.mu.Unlock()

	obs := m.liveCheck(ctx, instance)

	m.mu.Lock()
	rec, ok = m.attemptCurrentLocked(instance, attempt)
	if !ok {
		m.mu.Unlock()
		return
	}
	var fx effects
	if obs.Connected {
		rec.status.LastObservedAt = obs.ObservedAt
		fx = m.restoredLocked(rec)
	} else {
		rec.status.LastObservedAt = obs.ObservedAt
		fx = m.giveUpLocked(rec, obs.Cause, false, obs.Detail)
	}
	m.mu.Unlock()
	m.apply(ctx, instance, fx)
}

func (m *Monitor) restoredLocked(rec *record) effects {
	st := &rec.status
	title := "Instance auto-restarted"
	if rec.trigger == triggerOperator {
		title = "Instance restarted by operator"
	}
	a := m.newAlert(*st, alert.SeverityWarn, title, nil)
	m.logger.Info("instance restored by restart", slog.String("instance", st.Instance))
	metrics.MonitorEdges.WithLabelValues(st.Instance, "up").Inc()
	rec.attempt = 0
	st.State = StateConnected
	st.Connected = true
	st.Cause = CauseNone
	st.NeedsManual = false
	st.NeedsPairing = false
	st.DisconnectedSince = time.Time{}
	return effects{alerts: []alert.Alert{a}, replay: true}
}

func (m *Monitor) giveUpLocked(rec *record, cause Cause, pairing bool, detail string) effects {
	st := &rec.status
	rec.attempt = 0
	st.State = StateDisconnected
	st.Connected = false
	st.Cause = cause
	st.NeedsManual = true
	st.NeedsPairing = pairing

	title := "Instance still down: logged out, needs manual reconnection"
	if pairing {
		title = "Instance still down: needs manual reconnection (QR pairing)"
	}
	if cause == CauseAPIUnreachable {
		title = "Instance still down: gateway API unreachable"
	}
	extra := map[string]string{"needs_manual": "true"}
	if detail != "" {
		extra["detail"] = detail
	}
	m.logger.Error("instance still down after restart attempt",
		slog.String("instance", st.Instance),
		slog.String("cause", string(cause)),
		slog.Bool("needs_pairing", pairing),
	)
	return effects{alerts: []alert.Alert{m.newAlert(*st, alert.SeverityError, title, extra)}}
}

func (m *Monitor) newAlert(st Status, severity alert.Severity, title string, extra map[string]string) alert.Alert {
	now := m.clock.Now()
	fields := map[string]string{"state": string(st.State)}
	if st.Cause != CauseNone {
		fields["cause"] = string(st.Cause)
	}
	if !st.DisconnectedSince.IsZero() {
		fields["disconnected_since"] = st.DisconnectedSince.UTC().Format(time.RFC3339)
		fields["down_for"] = now.Sub(st.DisconnectedSince).Round(time.Second).String()
	}
	for k, v := range extra {
		fields[k] = v
	}
	return alert.Alert{
		Title:    title,
		Severity: severity,
		Instance: st.Instance,
		Context:  fields,
		At:       now,
	}
}

func (m *Monitor) apply(ctx context.Context, instance string, fx effects) {
	if m.notifier != nil {
		for _, a := range fx.alerts {
			m.notifier.Notify(ctx, a)
		}
	}
	if fx.replay {
		m.triggerReplay(instance)
	}
}

func (m *Monitor) triggerReplay(instance string) {
	m.mu.Lock()
	fn := m.replay
	ctx := m.baseCtx
	m.mu.Unlock()
	if fn == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx, instance)
	}()
}
