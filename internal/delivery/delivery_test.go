package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/wabridge/internal/alert"
	"github.com/memohai/wabridge/internal/clock"
	"github.com/memohai/wabridge/internal/crm"
	"github.com/memohai/wabridge/internal/gateway"
	"github.com/memohai/wabridge/internal/monitor"
	"github.com/memohai/wabridge/internal/retryqueue"
	"github.com/memohai/wabridge/internal/tenants"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeStates struct {
	connected bool
	calls     int
}

func (f *fakeStates) CurrentState(_ context.Context, instance string) (monitor.Observation, error) {
	f.calls++
	obs := monitor.Observation{Instance: instance, Connected: f.connected}
	if !f.connected {
		obs.Cause = monitor.CauseInstanceClosed
	}
	return obs, nil
}

type fakeGateway struct {
	mu         sync.Mutex
	sendErr    error
	failFor    map[string]bool
	block      bool
	started    chan struct{}
	release    chan struct{}
	reach      gateway.Reachability
	reachErr   error
	sent       []string
	checkCalls int
}

func (g *fakeGateway) SendText(ctx context.Context, _ string, recipient, text string) (gateway.SendResult, error) {
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	if g.block {
		<-ctx.Done()
		return gateway.SendResult{}, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return gateway.SendResult{}, g.sendErr
	}
	if g.failFor[recipient] {
		return gateway.SendResult{}, errors.New("gateway: status 500")
	}
	g.sent = append(g.sent, text)
	return gateway.SendResult{MessageID: "wamid-1"}, nil
}

func (g *fakeGateway) CheckNumber(context.Context, string, string) (gateway.Reachability, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkCalls++
	return g.reach, g.reachErr
}

type fakeCRM struct {
	tags    map[string]bool
	notices []crm.Message
	tagErr  error
}

func (c *fakeCRM) SearchOrCreateContact(_ context.Context, _ crm.Account, phone, _ string) (crm.Contact, error) {
	return crm.Contact{ID: "contact-" + phone, Phone: phone}, nil
}

func (c *fakeCRM) SearchOrCreateThread(_ context.Context, _ crm.Account, contactID string) (string, error) {
	return "conv-" + contactID, nil
}

func (c *fakeCRM) PostMessage(_ context.Context, _ crm.Account, msg crm.Message) (string, error) {
	c.notices = append(c.notices, msg)
	return "msg-1", nil
}

func (c *fakeCRM) AddTag(_ context.Context, _ crm.Account, contactID, tag string) (bool, error) {
	if c.tagErr != nil {
		return false, c.tagErr
	}
	if c.tags == nil {
		c.tags = map[string]bool{}
	}
	key := contactID + "/" + tag
	if c.tags[key] {
		return false, nil
	}
	c.tags[key] = true
	return true, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *fakeNotifier) Notify(_ context.Context, a alert.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *fakeNotifier) all() []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Alert(nil), n.alerts...)
}

type fixture struct {
	clk      *clock.Fake
	states   *fakeStates
	gw       *fakeGateway
	crm      *fakeCRM
	queue    *retryqueue.MemoryQueue
	notifier *fakeNotifier
	orch     *Orchestrator
	sender   *Sender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk:      clock.NewFake(testStart),
		states:   &fakeStates{connected: true},
		gw:       &fakeGateway{},
		crm:      &fakeCRM{},
		notifier: &fakeNotifier{},
	}
	f.queue = retryqueue.NewMemoryQueue(nil, f.clk, retryqueue.DefaultPolicy())
	registry := tenants.NewStaticRegistry([]tenants.Tenant{{
		ID:             "t-acme",
		LocationID:     "loc-acme",
		InstanceName:   "acme",
		CRMAccessToken: "token",
	}})
	f.orch = NewOrchestrator(nil, registry, f.states, f.gw, f.crm, f.queue, f.notifier, Options{NoChannelTag: "no-whatsapp"})
	f.sender = NewSender(nil, f.gw, f.orch, f.queue, f.notifier, 50*time.Millisecond)
	return f
}

func failure(messageID string) Failure {
	return Failure{
		Instance:  "acme",
		Recipient: "5215512345678",
		Message:   "your order shipped",
		ContactID: "c-1",
		MessageID: messageID,
		Err:       errors.New("gateway: status 500"),
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()
	opts := Options{}.normalized()
	assert.Equal(t, "no-whatsapp", opts.NoChannelTag)
	assert.Equal(t, defaultNoChannelNotice, opts.NoChannelNotice)
	assert.Equal(t, 10*time.Second, opts.CheckTimeout)

	opts = Options{NoChannelTag: "x", CheckTimeout: time.Second}.normalized()
	assert.Equal(t, "x", opts.NoChannelTag)
	assert.Equal(t, time.Second, opts.CheckTimeout)
}

func TestOnSendFailureUnknownTenant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fl := failure("m1")
	fl.Instance = "ghost"

	res, err := f.orch.OnSendFailure(context.Background(), fl)
	require.ErrorIs(t, err, ErrTenantNotConfigured)
	assert.Equal(t, OutcomeFault, res.Outcome)
	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityError, alerts[0].Severity)
	assert.Equal(t, 0, f.states.calls)
}

func TestOnSendFailureInstanceDownQueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.states.connected = false
	ctx := context.Background()

	res, err := f.orch.OnSendFailure(ctx, failure("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.NotEmpty(t, res.EntryID)
	assert.False(t, res.Duplicate)

	again, err := f.orch.OnSendFailure(ctx, failure("m1"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.EntryID, again.EntryID)

	items, err := f.queue.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "loc-acme", items[0].LocationID)
	assert.Equal(t, "c-1", items[0].ContactID)
	assert.Equal(t, 0, f.gw.checkCalls, "reachability is not checked while the instance is down")
	assert.Empty(t, f.notifier.all())
}

func TestOnSendFailureUnreachableTagsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.reach = gateway.Unreachable
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.orch.OnSendFailure(ctx, failure(""))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoChannel, res.Outcome)
	}
	assert.True(t, f.crm.tags["c-1/no-whatsapp"])
	require.Len(t, f.crm.notices, 1, "notice is posted only when the tag is new")
	assert.Equal(t, "conv-c-1", f.crm.notices[0].ConversationID)
	assert.Equal(t, crm.Outbound, f.crm.notices[0].Direction)

	items, err := f.queue.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, f.notifier.all())
}

func TestOnSendFailureUnreachableResolvesContact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.reach = gateway.Unreachable
	fl := failure("")
	fl.ContactID = ""

	res, err := f.orch.OnSendFailure(context.Background(), fl)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChannel, res.Outcome)
	assert.True(t, f.crm.tags["contact-5215512345678/no-whatsapp"])
}

func TestOnSendFailureTagErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.reach = gateway.Unreachable
	f.crm.tagErr = errors.New("crm: status 502")

	res, err := f.orch.OnSendFailure(context.Background(), failure(""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChannel, res.Outcome)
	assert.Empty(t, f.crm.notices)
}

func TestOnSendFailureUnknownReachabilityQueuesAndAlerts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.reachErr = errors.New("timeout")
	ctx := context.Background()

	res, err := f.orch.OnSendFailure(ctx, failure("m2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)

	items, err := f.queue.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityWarn, alerts[0].Severity)
	assert.Equal(t, res.EntryID, alerts[0].Context["entry_id"])
	assert.Empty(t, f.crm.tags)
}

func TestOnSendFailureReachableIsFault(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.reach = gateway.Reachable
	ctx := context.Background()

	res, err := f.orch.OnSendFailure(ctx, failure("m3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFault, res.Outcome)

	items, err := f.queue.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, items, "reachable recipients are never retried")
	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityError, alerts[0].Severity)
	assert.Equal(t, "gateway: status 500", alerts[0].Context["send_error"])
	assert.Equal(t, "5215512345678", alerts[0].Context["recipient"])
	assert.Equal(t, "m3", alerts[0].Context["message_id"])
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.sender.Send(context.Background(), OutboundMessage{Instance: "acme", Recipient: "5215512345678", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "wamid-1", res.MessageID)
	assert.Equal(t, 0, f.states.calls)
}

func TestSendFailureRoutesToOrchestrator(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.sendErr = errors.New("connection refused")
	f.states.connected = false

	res, err := f.sender.Send(context.Background(), OutboundMessage{Instance: "acme", Recipient: "5215512345678", Text: "hi", MessageID: "m9"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.block = true
	f.states.connected = false

	res, err := f.sender.Send(context.Background(), OutboundMessage{Instance: "acme", Recipient: "5215512345678", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
}

func TestSendRequiresInstanceAndRecipient(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.sender.Send(context.Background(), OutboundMessage{Instance: "acme"})
	require.Error(t, err)
}

func enqueue(t *testing.T, f *fixture, recipient, messageID string) retryqueue.Entry {
	t.Helper()
	e, added, err := f.queue.Enqueue(context.Background(), retryqueue.Entry{
		InstanceName: "acme",
		LocationID:   "loc-acme",
		Recipient:    recipient,
		Message:      "queued " + messageID,
		MessageID:    messageID,
	})
	require.NoError(t, err)
	require.True(t, added)
	return e
}

func TestReplayRecordsOutcomes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enqueue(t, f, "111", "m1")
	enqueue(t, f, "222", "m2")
	f.gw.failFor = map[string]bool{"222": true}
	ctx := context.Background()

	report := f.sender.Replay(ctx, "acme")
	assert.Equal(t, 0, report.Attempted, "entries are not ready before the first backoff")

	f.clk.Advance(5 * time.Minute)
	report = f.sender.Replay(ctx, "acme")
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Rescheduled)
	assert.Equal(t, []string{"queued m1"}, f.gw.sent)

	items, err := f.queue.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestReplayAlertsOnExhaustion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enqueue(t, f, "222", "m1")
	f.gw.failFor = map[string]bool{"222": true}
	ctx := context.Background()

	exhausted := 0
	for _, wait := range []time.Duration{5, 10, 20, 40, 60} {
		f.clk.Advance(wait * time.Minute)
		report := f.sender.Replay(ctx, "acme")
		require.Equal(t, 1, report.Attempted)
		exhausted += report.Exhausted
	}
	assert.Equal(t, 1, exhausted)

	items, err := f.queue.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, items)
	alerts := f.notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Message dropped after retries exhausted", alerts[0].Title)
	assert.Equal(t, "5", alerts[0].Context["retry_count"])
}

func TestReplayIsExclusivePerInstance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enqueue(t, f, "111", "m1")
	f.clk.Advance(5 * time.Minute)
	f.gw.started = make(chan struct{}, 1)
	f.gw.release = make(chan struct{})

	done := make(chan ReplayReport, 1)
	go func() { done <- f.sender.Replay(context.Background(), "acme") }()
	<-f.gw.started

	second := f.sender.Replay(context.Background(), "acme")
	assert.True(t, second.Skipped)
	assert.Equal(t, 0, second.Attempted)

	close(f.gw.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Delivered)
}

func TestDrainWaitsForRunningReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enqueue(t, f, "111", "m1")
	f.clk.Advance(5 * time.Minute)
	f.gw.started = make(chan struct{}, 1)
	f.gw.release = make(chan struct{})

	done := make(chan ReplayReport, 1)
	go func() { done <- f.sender.Replay(context.Background(), "acme") }()
	<-f.gw.started

	drained, err := f.sender.Drain(context.Background(), "acme")
	require.ErrorIs(t, err, ErrReplayInProgress)
	assert.Empty(t, drained)

	close(f.gw.release)
	report := <-done
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Delivered)

	drained, err = f.sender.Drain(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestDrainRemovesQueuedEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enqueue(t, f, "111", "m1")
	enqueue(t, f, "222", "m2")

	drained, err := f.sender.Drain(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, drained, 2)

	items, err := f.queue.List(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSendAdminTextBypassesQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.sendErr = errors.New("down")
	err := f.sender.SendAdminText(context.Background(), "ops", "5215500000000", "alert")
	require.Error(t, err)

	items, err := f.queue.List(context.Background(), "ops")
	require.NoError(t, err)
	assert.Empty(t, items)
}
