// Package crm is a client for the CRM conversations API used to mirror
// WhatsApp traffic into contact threads and to tag unreachable contacts.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("crm: unauthorized")

// Account scopes calls to one tenant location.
type Account struct {
	LocationID  string
	AccessToken string
}

type Contact struct {
	ID    string   `json:"id"`
	Phone string   `json:"phone"`
	Name  string   `json:"name"`
	Tags  []string `json:"tags"`
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is a thread message to record.
type Message struct {
	ConversationID string
	ContactID      string
	Text           string
	Direction      Direction
}

// API is the CRM surface used by the bridge.
type API interface {
	SearchOrCreateContact(ctx context.Context, acct Account, phone, name string) (Contact, error)
	SearchOrCreateThread(ctx context.Context, acct Account, contactID string) (string, error)
	PostMessage(ctx context.Context, acct Account, msg Message) (string, error)
	// AddTag reports whether the tag was newly added.
	AddTag(ctx context.Context, acct Account, contactID, tag string) (bool, error)
}

type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	// MessageType is the channel type recorded on thread messages.
	MessageType string
}

type Client struct {
	baseURL     string
	apiVersion  string
	messageType string
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	messageType := cfg.MessageType
	if messageType == "" {
		messageType = "WhatsApp"
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:  cfg.APIVersion,
		messageType: messageType,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      log.With(slog.String("component", "crm_client")),
	}
}

type contactEnvelope struct {
	Contact *Contact `json:"contact"`
}

// SearchOrCreateContact finds the contact by phone, creating it when missing.
func (c *Client) SearchOrCreateContact(ctx context.Context, acct Account, phone, name string) (Contact, error) {
	q := url.Values{}
	q.Set("locationId", acct.LocationID)
	q.Set("number", phone)
	var found contactEnvelope
	if err := c.do(ctx, acct, http.MethodGet, "/contacts/search/duplicate?"+q.Encode(), nil, &found); err != nil {
		return Contact{}, fmt.Errorf("search contact: %w", err)
	}
	if found.Contact != nil && found.Contact.ID != "" {
		return *found.Contact, nil
	}

	payload := map[string]string{
		"locationId": acct.LocationID,
		"phone":      phone,
	}
	if strings.TrimSpace(name) != "" {
		payload["name"] = name
	}
	var created contactEnvelope
	if err := c.do(ctx, acct, http.MethodPost, "/contacts/", payload, &created); err != nil {
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}
	if created.Contact == nil || created.Contact.ID == "" {
		return Contact{}, fmt.Errorf("create contact: empty response")
	}
	return *created.Contact, nil
}

type conversationsEnvelope struct {
	Conversations []struct {
		ID string `json:"id"`
	} `json:"conversations"`
}

type conversationEnvelope struct {
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

// SearchOrCreateThread returns the contact's conversation id.
func (c *Client) SearchOrCreateThread(ctx context.Context, acct Account, contactID string) (string, error) {
	q := url.Values{}
	q.Set("locationId", acct.LocationID)
	q.Set("contactId", contactID)
	var found conversationsEnvelope
	if err := c.do(ctx, acct, http.MethodGet, "/conversations/search?"+q.Encode(), nil, &found); err != nil {
		return "", fmt.Errorf("search conversation: %w", err)
	}
	if len(found.Conversations) > 0 && found.Conversations[0].ID != "" {
		return found.Conversations[0].ID, nil
	}

	var created conversationEnvelope
	payload := map[string]string{"locationId": acct.LocationID, "contactId": contactID}
	if err := c.do(ctx, acct, http.MethodPost, "/conversations/", payload, &created); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if created.Conversation.ID == "" {
		return "", fmt.Errorf("create conversation: empty response")
	}
	return created.Conversation.ID, nil
}

type postMessageResponse struct {
	MessageID string `json:"messageId"`
}

// PostMessage records a message in a thread. Inbound messages are added to
// the conversation; outbound ones are logged against the contact.
func (c *Client) PostMessage(ctx context.Context, acct Account, msg Message) (string, error) {
	payload := map[string]string{
		"type":    c.messageType,
		"message": msg.Text,
	}
	path := "/conversations/messages"
	if msg.Direction == Inbound {
		path = "/conversations/messages/inbound"
		payload["conversationId"] = msg.ConversationID
	} else {
		payload["contactId"] = msg.ContactID
		if msg.ConversationID != "" {
			payload["conversationId"] = msg.ConversationID
		}
	}
	var resp postMessageResponse
	if err := c.do(ctx, acct, http.MethodPost, path, payload, &resp); err != nil {
		return "", fmt.Errorf("post %s message: %w", msg.Direction, err)
	}
	return resp.MessageID, nil
}

// AddTag tags the contact unless the tag is already present.
func (c *Client) AddTag(ctx context.Context, acct Account, contactID, tag string) (bool, error) {
	var current contactEnvelope
	if err := c.do(ctx, acct, http.MethodGet, "/contacts/"+url.PathEscape(contactID), nil, &current); err != nil {
		return false, fmt.Errorf("get contact: %w", err)
	}
	if current.Contact != nil {
		for _, existing := range current.Contact.Tags {
			if strings.EqualFold(existing, tag) {
				return false, nil
			}
		}
	}
	payload := map[string][]string{"tags": {tag}}
	if err := c.do(ctx, acct, http.MethodPost, "/contacts/"+url.PathEscape(contactID)+"/tags", payload, nil); err != nil {
		return false, fmt.Errorf("add tag: %w", err)
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, acct Account, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if acct.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	}
	if c.apiVersion != "" {
		req.Header.Set("Version", c.apiVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		c.logger.Warn("crm error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", snippet),
		)
		return fmt.Errorf("crm status %d: %s", resp.StatusCode, strings.TrimSpace(snippet))
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode crm response: %w", err)
	}
	return nil
}
