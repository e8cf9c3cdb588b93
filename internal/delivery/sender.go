package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/memohai/wabridge/internal/alert"
	"github.com/memohai/wabridge/internal/metrics"
	"github.com/memohai/wabridge/internal/retryqueue"
)

// Sender is the single outbound path. Live sends that fail are handed to the
// FailureHandler; replays record their outcome in the retry queue instead.
type Sender struct {
	gateway  Gateway
	failures FailureHandler
	queue    retryqueue.Queue
	notifier alert.Notifier
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	replaying map[string]struct{}
}

func NewSender(log *slog.Logger, gw Gateway, failures FailureHandler, queue retryqueue.Queue, notifier alert.Notifier, timeout time.Duration) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Sender{
		gateway:   gw,
		failures:  failures,
		queue:     queue,
		notifier:  notifier,
		timeout:   timeout,
		logger:    log.With(slog.String("component", "sender")),
		replaying: map[string]struct{}{},
	}
}

// Send delivers msg. A failed or timed out gateway call is routed through the
// failure handler and its resolution is returned.
func (s *Sender) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	if strings.TrimSpace(msg.Instance) == "" || strings.TrimSpace(msg.Recipient) == "" {
		return Result{}, fmt.Errorf("send: instance and recipient are required")
	}
	res, err := s.sendText(ctx, msg.Instance, msg.Recipient, msg.Text)
	if err == nil {
		metrics.DeliveryResults.WithLabelValues(string(OutcomeSent)).Inc()
		return Result{Outcome: OutcomeSent, MessageID: res}, nil
	}
	s.logger.Warn("send failed",
		slog.String("instance", msg.Instance),
		slog.String("recipient", msg.Recipient),
		slog.Any("error", err),
	)
	if s.failures == nil {
		return Result{Outcome: OutcomeFault}, err
	}
	return s.failures.OnSendFailure(ctx, Failure{
		Instance:  msg.Instance,
		Recipient: msg.Recipient,
		Message:   msg.Text,
		ContactID: msg.ContactID,
		MessageID: msg.MessageID,
		Err:       err,
	})
}

// SendAdminText sends an operator notification. Failures are returned, never
// queued.
func (s *Sender) SendAdminText(ctx context.Context, instance, recipient, text string) error {
	_, err := s.sendText(ctx, instance, recipient, text)
	return err
}

func (s *Sender) sendText(ctx context.Context, instance, recipient, text string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.gateway.SendText(callCtx, instance, recipient, text)
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

// Replay sends every ready entry of instance once and records each outcome.
// A second Replay of the same instance returns immediately while one runs.
func (s *Sender) Replay(ctx context.Context, instance string) ReplayReport {
	report := ReplayReport{Instance: instance}
	if !s.acquire(instance) {
		report.Skipped = true
		return report
	}
	defer s.release(instance)

	entries, err := s.queue.ListReady(ctx, instance)
	if err != nil {
		s.logger.Error("replay list failed", slog.String("instance", instance), slog.Any("error", err))
		report.Error = err.Error()
		return report
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			report.Error = ctx.Err().Error()
			break
		}
		report.Attempted++
		_, sendErr := s.sendText(ctx, instance, e.Recipient, e.Message)
		outcome, err := s.queue.RecordOutcome(ctx, instance, e.ID, sendErr == nil)
		if err != nil {
			s.logger.Error("record replay outcome failed",
				slog.String("instance", instance),
				slog.String("entry_id", e.ID),
				slog.Any("error", err),
			)
			continue
		}
		switch outcome {
		case retryqueue.OutcomeDelivered:
			report.Delivered++
		case retryqueue.OutcomeRescheduled:
			report.Rescheduled++
			s.logger.Info("replay failed, rescheduled",
				slog.String("instance", instance),
				slog.String("entry_id", e.ID),
				slog.Int("retry_count", e.RetryCount+1),
				slog.Any("error", sendErr),
			)
		case retryqueue.OutcomeExhausted:
			report.Exhausted++
			s.alertExhausted(ctx, e, sendErr)
		}
	}
	if report.Attempted > 0 {
		s.logger.Info("replay finished",
			slog.String("instance", instance),
			slog.Int("attempted", report.Attempted),
			slog.Int("delivered", report.Delivered),
			slog.Int("rescheduled", report.Rescheduled),
			slog.Int("exhausted", report.Exhausted),
		)
	}
	return report
}

// Drain removes every queued entry of instance. It shares the replay guard, so
// an entry is never abandoned while a replay is sending it.
func (s *Sender) Drain(ctx context.Context, instance string) ([]retryqueue.Entry, error) {
	if !s.acquire(instance) {
		return nil, ErrReplayInProgress
	}
	defer s.release(instance)
	entries, err := s.queue.Drain(ctx, instance)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", instance, err)
	}
	s.logger.Info("retry queue drained", slog.String("instance", instance), slog.Int("entries", len(entries)))
	return entries, nil
}

// ReplayInstance adapts Replay to the monitor recovery hook.
func (s *Sender) ReplayInstance(ctx context.Context, instance string) {
	s.Replay(ctx, instance)
}

func (s *Sender) alertExhausted(ctx context.Context, e retryqueue.Entry, sendErr error) {
	s.logger.Error("retries exhausted, message dropped",
		slog.String("instance", e.InstanceName),
		slog.String("entry_id", e.ID),
		slog.String("recipient", e.Recipient),
	)
	if s.notifier == nil {
		return
	}
	fields := map[string]string{
		"entry_id":    e.ID,
		"recipient":   e.Recipient,
		"location_id": e.LocationID,
		"retry_count": strconv.Itoa(e.RetryCount + 1),
		"queued_at":   e.QueuedAt.UTC().Format(time.RFC3339),
	}
	if e.ContactID != "" {
		fields["contact_id"] = e.ContactID
	}
	if sendErr != nil {
		fields["last_error"] = sendErr.Error()
	}
	s.notifier.Notify(ctx, alert.Alert{
		Title:    "Message dropped after retries exhausted",
		Severity: alert.SeverityError,
		Instance: e.InstanceName,
		Context:  fields,
	})
}

func (s *Sender) acquire(instance string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.replaying[instance]; busy {
		return false
	}
	s.replaying[instance] = struct{}{}
	return true
}

func (s *Sender) release(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replaying, instance)
}
