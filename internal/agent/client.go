// Package agent calls the downstream conversational agent and its media
// description capability.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyReply is returned when the agent answered without text.
var ErrEmptyReply = errors.New("agent: empty reply")

type Request struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id,omitempty"`
	ContactID string `json:"contact_id"`
	Channel   string `json:"channel"`
	Text      string `json:"message"`
}

// MediaKind names the type of an inbound attachment.
type MediaKind string

const (
	MediaAudio    MediaKind = "audio"
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

type Media struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type,omitempty"`
	URL      string    `json:"url,omitempty"`
	Base64   string    `json:"data,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

// API is the agent surface used by the inbound pipeline.
type API interface {
	Reply(ctx context.Context, req Request) (string, error)
	// DescribeMedia turns an attachment into text (transcript or description).
	DescribeMedia(ctx context.Context, tenantID string, media Media) (string, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "agent_client")),
	}
}

type replyResponse struct {
	Reply string `json:"reply"`
}

func (c *Client) Reply(ctx context.Context, req Request) (string, error) {
	var resp replyResponse
	if err := c.post(ctx, "/v1/chat", req, &resp); err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

type describeRequest struct {
	TenantID string `json:"tenant_id"`
	Media
}

type describeResponse struct {
	Text string `json:"text"`
}

func (c *Client) DescribeMedia(ctx context.Context, tenantID string, media Media) (string, error) {
	var resp describeResponse
	if err := c.post(ctx, "/v1/describe", describeRequest{TenantID: tenantID, Media: media}, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("agent error", slog.String("url", url), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("agent error: %s", strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse agent response: %w", err)
	}
	return nil
}
