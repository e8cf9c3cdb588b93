package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memohai/wabridge/internal/agent"
	"github.com/memohai/wabridge/internal/buffer"
	"github.com/memohai/wabridge/internal/clock"
	"github.com/memohai/wabridge/internal/crm"
	"github.com/memohai/wabridge/internal/delivery"
	"github.com/memohai/wabridge/internal/gateway"
	"github.com/memohai/wabridge/internal/tenants"
)

// Channel is the buffer channel name of WhatsApp conversations.
const Channel = "whatsapp"

const echoTTL = 10 * time.Minute

// Coalescer batches inbound fragments per contact.
type Coalescer interface {
	Intake(ctx context.Context, contactID, channel, text string, process buffer.ProcessFunc) bool
	Cancel(contactID, channel string) bool
}

// Sender is the outbound send path.
type Sender interface {
	Send(ctx context.Context, msg delivery.OutboundMessage) (delivery.Result, error)
}

// Pipeline mirrors WhatsApp traffic into the CRM and drives agent replies.
type Pipeline struct {
	tenants   tenants.Registry
	crm       crm.API
	agent     agent.API
	coalescer Coalescer
	sender    Sender
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	echoes map[string]time.Time
}

func NewPipeline(log *slog.Logger, registry tenants.Registry, crmClient crm.API, agentClient agent.API, coalescer Coalescer, sender Sender, clk clock.Clock) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Pipeline{
		tenants:   registry,
		crm:       crmClient,
		agent:     agentClient,
		coalescer: coalescer,
		sender:    sender,
		clock:     clk,
		logger:    log.With(slog.String("component", "pipeline")),
		echoes:    map[string]time.Time{},
	}
}

type turn struct {
	tenant    tenants.Tenant
	acct      crm.Account
	contactID string
	threadID  string
	phone     string
}

// HandleInbound records an incoming WhatsApp message in the CRM and feeds it
// to the coalescer. The agent is called once the contact goes quiet.
func (p *Pipeline) HandleInbound(ctx context.Context, msg InboundMessage) error {
	if msg.FromMe {
		return fmt.Errorf("%w: own message", ErrIgnoredEvent)
	}
	if strings.HasSuffix(msg.RemoteJID, "@g.us") || strings.HasSuffix(msg.RemoteJID, "@broadcast") {
		return fmt.Errorf("%w: group or broadcast chat", ErrIgnoredEvent)
	}
	tenant, err := p.tenants.LookupByInstance(ctx, msg.Instance)
	if err != nil {
		return fmt.Errorf("inbound tenant %s: %w", msg.Instance, err)
	}
	text, err := p.textOf(ctx, tenant, msg)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: no text content", ErrIgnoredEvent)
	}

	t := turn{
		tenant: tenant,
		acct:   crm.Account{LocationID: tenant.LocationID, AccessToken: tenant.CRMAccessToken},
		phone:  gateway.NormalizeNumber(msg.RemoteJID),
	}
	contact, err := p.crm.SearchOrCreateContact(ctx, t.acct, t.phone, msg.PushName)
	if err != nil {
		return fmt.Errorf("inbound contact: %w", err)
	}
	t.contactID = contact.ID
	t.threadID, err = p.crm.SearchOrCreateThread(ctx, t.acct, contact.ID)
	if err != nil {
		return fmt.Errorf("inbound thread: %w", err)
	}
	if _, err := p.crm.PostMessage(ctx, t.acct, crm.Message{
		ConversationID: t.threadID,
		ContactID:      t.contactID,
		Text:           text,
		Direction:      crm.Inbound,
	}); err != nil {
		p.logger.Warn("mirror inbound message failed", slog.String("contact_id", t.contactID), slog.Any("error", err))
	}

	accepted := p.coalescer.Intake(ctx, t.contactID, Channel, text, func(ctx context.Context, fragments []string) error {
		return p.respond(ctx, t, fragments)
	})
	if !accepted {
		p.logger.Warn("fragment not buffered",
			slog.String("instance", msg.Instance),
			slog.String("contact_id", t.contactID),
		)
	}
	return nil
}

func (p *Pipeline) textOf(ctx context.Context, tenant tenants.Tenant, msg InboundMessage) (string, error) {
	if msg.Text != "" || msg.Media == nil {
		return msg.Text, nil
	}
	described, err := p.agent.DescribeMedia(ctx, tenant.ID, *msg.Media)
	if err != nil {
		p.logger.Warn("describe media failed",
			slog.String("instance", msg.Instance),
			slog.String("kind", string(msg.Media.Kind)),
			slog.Any("error", err),
		)
		if msg.Media.Caption != "" {
			return msg.Media.Caption, nil
		}
		return "", fmt.Errorf("describe %s: %w", msg.Media.Kind, err)
	}
	if msg.Media.Caption != "" {
		return msg.Media.Caption + "\n" + described, nil
	}
	return described, nil
}

func (p *Pipeline) respond(ctx context.Context, t turn, fragments []string) error {
	reply, err := p.agent.Reply(ctx, agent.Request{
		TenantID:  t.tenant.ID,
		AgentID:   t.tenant.AgentID,
		ContactID: t.contactID,
		Channel:   Channel,
		Text:      strings.Join(fragments, "\n"),
	})
	if err != nil {
		return fmt.Errorf("agent reply: %w", err)
	}
	res, err := p.sender.Send(ctx, delivery.OutboundMessage{
		Instance:  t.tenant.InstanceName,
		Recipient: t.phone,
		Text:      reply,
		ContactID: t.contactID,
	})
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if res.Outcome != delivery.OutcomeSent && res.Outcome != delivery.OutcomeQueued {
		p.logger.Info("reply not delivered", slog.String("contact_id", t.contactID), slog.String("outcome", string(res.Outcome)))
		return nil
	}
	id, err := p.crm.PostMessage(ctx, t.acct, crm.Message{
		ConversationID: t.threadID,
		ContactID:      t.contactID,
		Text:           reply,
		Direction:      crm.Outbound,
	})
	if err != nil {
		p.logger.Warn("mirror reply failed", slog.String("contact_id", t.contactID), slog.Any("error", err))
		return nil
	}
	p.rememberEcho(id)
	return nil
}

// HandleCRMOutbound sends a message written in the CRM. Messages the bridge
// mirrored itself are skipped. A human reply cancels the pending agent turn.
func (p *Pipeline) HandleCRMOutbound(ctx context.Context, out CRMOutbound) (delivery.Result, error) {
	if p.isEcho(out.MessageID) {
		return delivery.Result{}, fmt.Errorf("%w: own mirrored message %s", ErrIgnoredEvent, out.MessageID)
	}
	if strings.TrimSpace(out.Message) == "" {
		return delivery.Result{}, fmt.Errorf("%w: empty message", ErrIgnoredEvent)
	}
	tenant, err := p.tenants.LookupByLocation(ctx, out.LocationID)
	if err != nil {
		return delivery.Result{}, fmt.Errorf("outbound tenant %s: %w", out.LocationID, err)
	}
	if p.coalescer.Cancel(out.ContactID, Channel) {
		p.logger.Info("pending agent turn canceled by crm reply", slog.String("contact_id", out.ContactID))
	}
	res, err := p.sender.Send(ctx, delivery.OutboundMessage{
		Instance:  tenant.InstanceName,
		Recipient: gateway.NormalizeNumber(out.Phone),
		Text:      out.Message,
		ContactID: out.ContactID,
		MessageID: out.MessageID,
	})
	if err != nil {
		return res, fmt.Errorf("send crm message: %w", err)
	}
	p.logger.Debug("crm message handled",
		slog.String("instance", tenant.InstanceName),
		slog.String("message_id", out.MessageID),
		slog.String("outcome", string(res.Outcome)),
	)
	return res, nil
}

func (p *Pipeline) rememberEcho(id string) {
	if id == "" {
		return
	}
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, at := range p.echoes {
		if now.Sub(at) > echoTTL {
			delete(p.echoes, k)
		}
	}
	p.echoes[id] = now
}

func (p *Pipeline) isEcho(id string) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.echoes[id]
	return ok && p.clock.Now().Sub(at) <= echoTTL
}
