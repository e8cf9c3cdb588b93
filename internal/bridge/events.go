// Package bridge turns gateway and CRM webhooks into work for the core: it
// decodes events, fans them out to a keyed worker pool and runs the inbound
// and CRM outbound pipelines.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/wabridge/internal/agent"
)

// ErrIgnoredEvent marks a well-formed event the bridge does not act on.
var ErrIgnoredEvent = errors.New("bridge: event ignored")

const (
	GatewayConnectionUpdate = "connection.update"
	GatewayMessagesUpsert   = "messages.upsert"
	CRMOutboundMessage      = "OutboundMessage"
)

// EventKind selects the handler of an Event.
type EventKind int

const (
	KindConnection EventKind = iota + 1
	KindInbound
	KindCRMOutbound
)

// Event is a decoded webhook ready for dispatch.
type Event struct {
	Kind     EventKind
	Instance string
	State    string
	Inbound  InboundMessage
	Outbound CRMOutbound
}

// ShardKey keeps the events of one conversation on one worker.
func (e Event) ShardKey() string {
	switch e.Kind {
	case KindInbound:
		return e.Instance + "|" + e.Inbound.RemoteJID
	case KindCRMOutbound:
		return e.Outbound.LocationID + "|" + e.Outbound.ContactID
	default:
		return e.Instance
	}
}

// InboundMessage is one WhatsApp message received by an instance.
type InboundMessage struct {
	Instance  string
	MessageID string
	RemoteJID string
	PushName  string
	FromMe    bool
	Text      string
	Media     *agent.Media
}

// CRMOutbound is a CRM request to send a message to a contact.
type CRMOutbound struct {
	Type           string `json:"type" validate:"required"`
	LocationID     string `json:"locationId" validate:"required"`
	ContactID      string `json:"contactId" validate:"required"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Phone          string `json:"phone" validate:"required"`
	Message        string `json:"message"`
}

type gatewayEnvelope struct {
	Event    string          `json:"event" validate:"required"`
	Instance string          `json:"instance" validate:"required"`
	Data     json.RawMessage `json:"data" validate:"required"`
}

type connectionData struct {
	State string `json:"state"`
}

type mediaMessage struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
}

type messageData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage    *mediaMessage `json:"imageMessage"`
		AudioMessage    *mediaMessage `json:"audioMessage"`
		VideoMessage    *mediaMessage `json:"videoMessage"`
		DocumentMessage *mediaMessage `json:"documentMessage"`
		Base64          string        `json:"base64"`
	} `json:"message"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NormalizeEventName maps "CONNECTION_UPDATE" and "connection.update" alike.
func NormalizeEventName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", ".")
}

// DecodeGatewayEvent parses a gateway webhook body. Unhandled event types
// return ErrIgnoredEvent.
func DecodeGatewayEvent(body []byte) (Event, error) {
	var env gatewayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("decode gateway event: %w", err)
	}
	if err := validate.Struct(env); err != nil {
		return Event{}, fmt.Errorf("invalid gateway event: %w", err)
	}
	switch NormalizeEventName(env.Event) {
	case GatewayConnectionUpdate:
		var data connectionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Event{}, fmt.Errorf("decode connection update: %w", err)
		}
		return Event{Kind: KindConnection, Instance: env.Instance, State: data.State}, nil
	case GatewayMessagesUpsert:
		msg, err := decodeMessage(env.Instance, env.Data)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: KindInbound, Instance: env.Instance, Inbound: msg}, nil
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, env.Event)
	}
}

func decodeMessage(instance string, raw json.RawMessage) (InboundMessage, error) {
	var data messageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return InboundMessage{}, fmt.Errorf("decode message: %w", err)
	}
	if data.Key.RemoteJID == "" {
		return InboundMessage{}, fmt.Errorf("decode message: remoteJid is required")
	}
	msg := InboundMessage{
		Instance:  instance,
		MessageID: data.Key.ID,
		RemoteJID: data.Key.RemoteJID,
		PushName:  data.PushName,
		FromMe:    data.Key.FromMe,
	}
	m := data.Message
	switch {
	case m.Conversation != "":
		msg.Text = m.Conversation
	case m.ExtendedTextMessage != nil:
		msg.Text = m.ExtendedTextMessage.Text
	case m.AudioMessage != nil:
		msg.Media = toMedia(agent.MediaAudio, m.AudioMessage, m.Base64)
	case m.ImageMessage != nil:
		msg.Media = toMedia(agent.MediaImage, m.ImageMessage, m.Base64)
	case m.VideoMessage != nil:
		msg.Media = toMedia(agent.MediaVideo, m.VideoMessage, m.Base64)
	case m.DocumentMessage != nil:
		msg.Media = toMedia(agent.MediaDocument, m.DocumentMessage, m.Base64)
	}
	return msg, nil
}

func toMedia(kind agent.MediaKind, m *mediaMessage, b64 string) *agent.Media {
	return &agent.Media{
		Kind:     kind,
		MimeType: m.Mimetype,
		URL:      m.URL,
		Base64:   b64,
		Caption:  m.Caption,
	}
}

// DecodeCRMEvent parses a CRM conversation provider webhook.
func DecodeCRMEvent(body []byte) (Event, error) {
	var out CRMOutbound
	if err := json.Unmarshal(body, &out); err != nil {
		return Event{}, fmt.Errorf("decode crm event: %w", err)
	}
	if out.Type != "" && out.Type != CRMOutboundMessage {
		return Event{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, out.Type)
	}
	if err := validate.Struct(out); err != nil {
		return Event{}, fmt.Errorf("invalid crm event: %w", err)
	}
	return Event{Kind: KindCRMOutbound, Outbound: out}, nil
}
