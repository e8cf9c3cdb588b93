// Package gateway is a client for the WhatsApp gateway REST API (Evolution API
// dialect): connection state, text sends, instance restarts and number checks.
package gateway

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

// ErrNotFound is returned when the gateway does not know the instance.
var ErrNotFound = errors.New("gateway: instance not found")

const (
	StateOpen       = "open"
	StateClose      = "close"
	StateConnecting = "connecting"
	StateRefused    = "refused"
	StateLogout     = "logout"
)

// Reachability is the tri-state answer of a number check.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	Reachable
	Unreachable
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ConnectionState is the reported state of an instance.
type ConnectionState struct {
	Instance  string
	State     string
	Connected bool
}

// RestartResult is the state reported after a restart request.
type RestartResult struct {
	State     string
	Connected bool
	// NeedsPairing is set when the gateway answered with a QR or pairing code.
	NeedsPairing bool
}

// SendResult carries the gateway id of a sent message.
type SendResult struct {
	MessageID string
}

// API is the subset of the gateway used by the bridge.
type API interface {
	CheckConnection(ctx context.Context, instance string) (ConnectionState, error)
	SendText(ctx context.Context, instance, recipient, text string) (SendResult, error)
	Restart(ctx context.Context, instance string) (RestartResult, error)
	CheckNumber(ctx context.Context, instance, number string) (Reachability, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to one gateway deployment.
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
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "gateway_client")),
	}
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// CheckConnection reports the live state of an instance.
func (c *Client) CheckConnection(ctx context.Context, instance string) (ConnectionState, error) {
	var resp connectionStateResponse
	if err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instance), nil, &resp); err != nil {
		return ConnectionState{}, fmt.Errorf("check connection %s: %w", instance, err)
	}
	state := strings.ToLower(strings.TrimSpace(resp.Instance.State))
	return ConnectionState{
		Instance:  instance,
		State:     state,
		Connected: state == StateOpen,
	}, nil
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendText sends a plain text message to recipient.
func (c *Client) SendText(ctx context.Context, instance, recipient, text string) (SendResult, error) {
	var resp sendTextResponse
	req := sendTextRequest{Number: recipient, Text: text}
	if err := c.do(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(instance), req, &resp); err != nil {
		return SendResult{}, fmt.Errorf("send text via %s: %w", instance, err)
	}
	return SendResult{MessageID: resp.Key.ID}, nil
}

type restartResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
	State       string `json:"state"`
	PairingCode string `json:"pairingCode"`
	Code        string `json:"code"`
	Base64      string `json:"base64"`
}

// Restart asks the gateway to reconnect the instance.
func (c *Client) Restart(ctx context.Context, instance string) (RestartResult, error) {
	var resp restartResponse
	if err := c.do(ctx, http.MethodPut, "/instance/restart/"+url.PathEscape(instance), nil, &resp); err != nil {
		return RestartResult{}, fmt.Errorf("restart %s: %w", instance, err)
	}
	state := resp.Instance.State
	if state == "" {
		state = resp.State
	}
	state = strings.ToLower(strings.TrimSpace(state))
	return RestartResult{
		State:        state,
		Connected:    state == StateOpen,
		NeedsPairing: resp.PairingCode != "" || resp.Code != "" || resp.Base64 != "",
	}, nil
}

type numbersRequest struct {
	Numbers []string `json:"numbers"`
}

type numberResult struct {
	Exists bool   `json:"exists"`
	JID    string `json:"jid"`
	Number string `json:"number"`
}

// CheckNumber reports whether number has a WhatsApp account. Any failure of
// the check yields ReachabilityUnknown with the error.
func (c *Client) CheckNumber(ctx context.Context, instance, number string) (Reachability, error) {
	var resp []numberResult
	req := numbersRequest{Numbers: []string{NormalizeNumber(number)}}
	if err := c.do(ctx, http.MethodPost, "/chat/whatsappNumbers/"+url.PathEscape(instance), req, &resp); err != nil {
		return ReachabilityUnknown, fmt.Errorf("check number via %s: %w", instance, err)
	}
	if len(resp) == 0 {
		return ReachabilityUnknown, fmt.Errorf("check number via %s: empty response", instance)
	}
	if resp[0].Exists {
		return Reachable, nil
	}
	return Unreachable, nil
}

// NormalizeNumber strips a JID suffix and formatting characters.
func NormalizeNumber(recipient string) string {
	recipient = strings.TrimSpace(recipient)
	if idx := strings.Index(recipient, "@"); idx >= 0 {
		recipient = recipient[:idx]
	}
	var b strings.Builder
	for _, r := range recipient {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
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
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
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
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("gateway error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(truncate(string(respBody), 300)))
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
