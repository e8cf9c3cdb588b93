// Package delivery owns the outbound send path: it sends through the gateway,
// classifies failures and replays the retry queue.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/memohai/wabridge/internal/crm"
	"github.com/memohai/wabridge/internal/gateway"
	"github.com/memohai/wabridge/internal/monitor"
)

// ErrTenantNotConfigured is returned when a failed send names an instance no
// tenant owns.
var ErrTenantNotConfigured = errors.New("delivery: tenant not configured")

// ErrReplayInProgress is returned by Drain while the instance is replaying.
var ErrReplayInProgress = errors.New("delivery: replay in progress")

// Outcome is how a send or send failure was resolved.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeQueued    Outcome = "queued"
	OutcomeNoChannel Outcome = "no_channel"
	OutcomeFault     Outcome = "fault"
)

// Failure describes one failed outbound send.
type Failure struct {
	Instance  string
	Recipient string
	Message   string
	ContactID string
	// MessageID is the upstream id used to dedup retry entries.
	MessageID string
	Err       error
}

type Result struct {
	Outcome Outcome `json:"outcome"`
	// EntryID is set when the message sits in the retry queue.
	EntryID string `json:"entry_id,omitempty"`
	// Duplicate reports that the message was already queued.
	Duplicate bool `json:"duplicate,omitempty"`
	// MessageID is the gateway id of a sent message.
	MessageID string `json:"message_id,omitempty"`
}

// OutboundMessage is one message to send to a WhatsApp recipient.
type OutboundMessage struct {
	Instance  string `json:"instance"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	ContactID string `json:"contact_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// ReplayReport summarizes one replay pass over an instance queue.
type ReplayReport struct {
	Instance    string `json:"instance"`
	Attempted   int    `json:"attempted"`
	Delivered   int    `json:"delivered"`
	Rescheduled int    `json:"rescheduled"`
	Exhausted   int    `json:"exhausted"`
	// Skipped is set when another replay of the instance was running.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Gateway is the part of the gateway client used for delivery.
type Gateway interface {
	SendText(ctx context.Context, instance, recipient, text string) (gateway.SendResult, error)
	CheckNumber(ctx context.Context, instance, number string) (gateway.Reachability, error)
}

// StateSource answers whether an instance is connected right now.
type StateSource interface {
	CurrentState(ctx context.Context, instance string) (monitor.Observation, error)
}

// CRM is the part of the CRM client used by the no-channel remediation.
type CRM interface {
	SearchOrCreateContact(ctx context.Context, acct crm.Account, phone, name string) (crm.Contact, error)
	SearchOrCreateThread(ctx context.Context, acct crm.Account, contactID string) (string, error)
	PostMessage(ctx context.Context, acct crm.Account, msg crm.Message) (string, error)
	AddTag(ctx context.Context, acct crm.Account, contactID, tag string) (bool, error)
}

// FailureHandler classifies a failed send.
type FailureHandler interface {
	OnSendFailure(ctx context.Context, f Failure) (Result, error)
}

type Options struct {
	NoChannelTag    string
	NoChannelNotice string
	CheckTimeout    time.Duration
}

const defaultNoChannelNotice = "This contact has no WhatsApp account; messages to this number cannot be delivered."

func (o Options) normalized() Options {
	if o.NoChannelTag == "" {
		o.NoChannelTag = "no-whatsapp"
	}
	if o.NoChannelNotice == "" {
		o.NoChannelNotice = defaultNoChannelNotice
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 10 * time.Second
	}
	return o
}
