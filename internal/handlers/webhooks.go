package handlers

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/wabridge/internal/bridge"
)

const (
	// WebhookSecretHeader carries the shared secret when one is configured.
	WebhookSecretHeader = "X-Webhook-Secret"
	maxWebhookBody      = 32 << 20
)

// EventSubmitter accepts decoded events without blocking.
type EventSubmitter interface {
	Submit(ev bridge.Event) bool
}

// WebhookHandler receives gateway and CRM webhooks and hands them to the
// dispatcher. Accepted events are answered with 202 before any processing.
type WebhookHandler struct {
	logger     *slog.Logger
	dispatcher EventSubmitter
	secret     string
}

func NewWebhookHandler(log *slog.Logger, dispatcher EventSubmitter, secret string) *WebhookHandler {
	return &WebhookHandler{
		logger:     log.With(slog.String("handler", "webhooks")),
		dispatcher: dispatcher,
		secret:     strings.TrimSpace(secret),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	g := e.Group("/webhooks")
	g.POST("/gateway", h.HandleGateway)
	g.POST("/crm", h.HandleCRM)
}

// HandleGateway godoc
// @Summary Gateway webhook
// @Description Receives connection.update and messages.upsert events
// @Tags webhooks
// @Success 202 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /webhooks/gateway [post]
func (h *WebhookHandler) HandleGateway(c echo.Context) error {
	return h.accept(c, "gateway", bridge.DecodeGatewayEvent)
}

// HandleCRM godoc
// @Summary CRM outbound webhook
// @Description Receives outbound message requests from the CRM
// @Tags webhooks
// @Success 202 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /webhooks/crm [post]
func (h *WebhookHandler) HandleCRM(c echo.Context) error {
	return h.accept(c, "crm", bridge.DecodeCRMEvent)
}

func (h *WebhookHandler) accept(c echo.Context, source string, decode func([]byte) (bridge.Event, error)) error {
	if !h.authorized(c.Request()) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid webhook secret")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	ev, err := decode(body)
	if errors.Is(err, bridge.ErrIgnoredEvent) {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "ignored"})
	}
	if err != nil {
		h.logger.Warn("webhook rejected", slog.String("source", source), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !h.dispatcher.Submit(ev) {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "dropped"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get(WebhookSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}
