package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/memohai/wabridge/internal/alert"
	"github.com/memohai/wabridge/internal/crm"
	"github.com/memohai/wabridge/internal/gateway"
	"github.com/memohai/wabridge/internal/metrics"
	"github.com/memohai/wabridge/internal/retryqueue"
	"github.com/memohai/wabridge/internal/tenants"
)

// Orchestrator decides what happens to a message whose send failed: queue it,
// mark the contact as unreachable, or raise a fault.
type Orchestrator struct {
	tenants  tenants.Registry
	states   StateSource
	gateway  Gateway
	crm      CRM
	queue    retryqueue.Queue
	notifier alert.Notifier
	opts     Options
	logger   *slog.Logger
}

func NewOrchestrator(log *slog.Logger, registry tenants.Registry, states StateSource, gw Gateway, crmClient CRM, queue retryqueue.Queue, notifier alert.Notifier, opts Options) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		tenants:  registry,
		states:   states,
		gateway:  gw,
		crm:      crmClient,
		queue:    queue,
		notifier: notifier,
		opts:     opts.normalized(),
		logger:   log.With(slog.String("component", "delivery")),
	}
}

// OnSendFailure routes a failed send. A down instance queues the message; on a
// live instance the recipient reachability picks the remediation. Only a
// missing tenant or a queue failure is returned as an error.
func (o *Orchestrator) OnSendFailure(ctx context.Context, f Failure) (Result, error) {
	f.Instance = strings.TrimSpace(f.Instance)
	tenant, err := o.tenants.LookupByInstance(ctx, f.Instance)
	if err != nil {
		if errors.Is(err, tenants.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrTenantNotConfigured, f.Instance)
		} else {
			err = fmt.Errorf("lookup tenant: %w", err)
		}
		o.notify(ctx, f, alert.SeverityError, "Send failed for unconfigured instance", map[string]string{"lookup_error": err.Error()})
		return o.finish(f, Result{Outcome: OutcomeFault}), err
	}
	acct := crm.Account{LocationID: tenant.LocationID, AccessToken: tenant.CRMAccessToken}

	obs, err := o.states.CurrentState(ctx, f.Instance)
	if err != nil || !obs.Connected {
		o.logger.Info("instance down, queueing message",
			slog.String("instance", f.Instance),
			slog.String("cause", string(obs.Cause)),
		)
		return o.enqueue(ctx, f, tenant)
	}

	reach := o.checkNumber(ctx, f)
	switch reach {
	case gateway.Unreachable:
		return o.markNoChannel(ctx, f, acct)
	case gateway.Reachable:
		o.notify(ctx, f, alert.SeverityError, "Message delivery failed for a reachable recipient", map[string]string{
			"location_id": tenant.LocationID,
		})
		return o.finish(f, Result{Outcome: OutcomeFault}), nil
	default:
		res, err := o.enqueue(ctx, f, tenant)
		if err == nil {
			o.notify(ctx, f, alert.SeverityWarn, "Reachability check failed, message queued", map[string]string{
				"entry_id": res.EntryID,
			})
		}
		return res, err
	}
}

func (o *Orchestrator) checkNumber(ctx context.Context, f Failure) gateway.Reachability {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CheckTimeout)
	defer cancel()
	reach, err := o.gateway.CheckNumber(callCtx, f.Instance, f.Recipient)
	if err != nil {
		o.logger.Warn("reachability check failed",
			slog.String("instance", f.Instance),
			slog.String("recipient", f.Recipient),
			slog.Any("error", err),
		)
		return gateway.ReachabilityUnknown
	}
	return reach
}

func (o *Orchestrator) enqueue(ctx context.Context, f Failure, tenant tenants.Tenant) (Result, error) {
	entry, added, err := o.queue.Enqueue(ctx, retryqueue.Entry{
		InstanceName: f.Instance,
		LocationID:   tenant.LocationID,
		ContactID:    f.ContactID,
		Recipient:    f.Recipient,
		Message:      f.Message,
		MessageID:    f.MessageID,
	})
	if err != nil {
		o.notify(ctx, f, alert.SeverityError, "Retry queue rejected a failed message", map[string]string{
			"queue_error": err.Error(),
		})
		return o.finish(f, Result{Outcome: OutcomeFault}), fmt.Errorf("enqueue retry: %w", err)
	}
	if !added {
		o.logger.Info("message already queued",
			slog.String("instance", f.Instance),
			slog.String("message_id", f.MessageID),
		)
	}
	return o.finish(f, Result{Outcome: OutcomeQueued, EntryID: entry.ID, Duplicate: !added}), nil
}

// markNoChannel tags the contact and posts the notice only when the tag is
// new, so the thread sees it once.
func (o *Orchestrator) markNoChannel(ctx context.Context, f Failure, acct crm.Account) (Result, error) {
	res := Result{Outcome: OutcomeNoChannel}
	contactID := f.ContactID
	if contactID == "" {
		contact, err := o.crm.SearchOrCreateContact(ctx, acct, f.Recipient, "")
		if err != nil {
			o.logger.Warn("resolve unreachable contact failed", slog.String("recipient", f.Recipient), slog.Any("error", err))
			return o.finish(f, res), nil
		}
		contactID = contact.ID
	}
	added, err := o.crm.AddTag(ctx, acct, contactID, o.opts.NoChannelTag)
	if err != nil {
		o.logger.Warn("tag unreachable contact failed",
			slog.String("contact_id", contactID),
			slog.String("tag", o.opts.NoChannelTag),
			slog.Any("error", err),
		)
		return o.finish(f, res), nil
	}
	if !added {
		return o.finish(f, res), nil
	}
	o.logger.Info("contact has no whatsapp account, tagged",
		slog.String("instance", f.Instance),
		slog.String("contact_id", contactID),
	)
	threadID, err := o.crm.SearchOrCreateThread(ctx, acct, contactID)
	if err == nil {
		_, err = o.crm.PostMessage(ctx, acct, crm.Message{
			ConversationID: threadID,
			ContactID:      contactID,
			Text:           o.opts.NoChannelNotice,
			Direction:      crm.Outbound,
		})
	}
	if err != nil {
		o.logger.Warn("post no-channel notice failed", slog.String("contact_id", contactID), slog.Any("error", err))
	}
	return o.finish(f, res), nil
}

func (o *Orchestrator) notify(ctx context.Context, f Failure, severity alert.Severity, title string, extra map[string]string) {
	if o.notifier == nil {
		return
	}
	fields := map[string]string{
		"recipient":      f.Recipient,
		"message_length": strconv.Itoa(len(f.Message)),
	}
	if f.ContactID != "" {
		fields["contact_id"] = f.ContactID
	}
	if f.MessageID != "" {
		fields["message_id"] = f.MessageID
	}
	if f.Err != nil {
		fields["send_error"] = f.Err.Error()
	}
	for k, v := range extra {
		fields[k] = v
	}
	o.notifier.Notify(ctx, alert.Alert{
		Title:    title,
		Severity: severity,
		Instance: f.Instance,
		Context:  fields,
	})
}

func (o *Orchestrator) finish(f Failure, res Result) Result {
	metrics.DeliveryResults.WithLabelValues(string(res.Outcome)).Inc()
	o.logger.Debug("send failure resolved",
		slog.String("instance", f.Instance),
		slog.String("outcome", string(res.Outcome)),
	)
	return res
}
