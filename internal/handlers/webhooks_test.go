package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/wabridge/internal/bridge"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	events []bridge.Event
	full   bool
}

func (f *fakeSubmitter) Submit(ev bridge.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postWebhook(e *echo.Echo, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookGatewayAccepted(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	e := echo.New()
	NewWebhookHandler(newTestLogger(), sub, "").Register(e)

	rec := postWebhook(e, "/webhooks/gateway", `{"event":"CONNECTION_UPDATE","instance":"acme","data":{"state":"close"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sub.events, 1)
	assert.Equal(t, bridge.KindConnection, sub.events[0].Kind)
	assert.Equal(t, "acme", sub.events[0].Instance)
	assert.Equal(t, "close", sub.events[0].State)
}

func TestWebhookIgnoredAndInvalid(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	e := echo.New()
	NewWebhookHandler(newTestLogger(), sub, "").Register(e)

	rec := postWebhook(e, "/webhooks/gateway", `{"event":"presence.update","instance":"acme","data":{}}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")

	rec = postWebhook(e, "/webhooks/gateway", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postWebhook(e, "/webhooks/crm", `{"type":"OutboundMessage","locationId":"loc-acme"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, sub.events)
}

func TestWebhookCRMAccepted(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	e := echo.New()
	NewWebhookHandler(newTestLogger(), sub, "").Register(e)

	body := `{"type":"OutboundMessage","locationId":"loc-acme","contactId":"c-1","messageId":"m-1","phone":"+15550001111","message":"hello"}`
	rec := postWebhook(e, "/webhooks/crm", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sub.events, 1)
	assert.Equal(t, bridge.KindCRMOutbound, sub.events[0].Kind)
	assert.Equal(t, "m-1", sub.events[0].Outbound.MessageID)
}

func TestWebhookSecret(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	e := echo.New()
	NewWebhookHandler(newTestLogger(), sub, "s3cret").Register(e)
	body := `{"event":"connection.update","instance":"acme","data":{"state":"open"}}`

	rec := postWebhook(e, "/webhooks/gateway", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postWebhook(e, "/webhooks/gateway", body, map[string]string{WebhookSecretHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postWebhook(e, "/webhooks/gateway", body, map[string]string{WebhookSecretHeader: "s3cret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, sub.events, 1)
}

func TestWebhookDroppedStillAccepted(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{full: true}
	e := echo.New()
	NewWebhookHandler(newTestLogger(), sub, "").Register(e)

	rec := postWebhook(e, "/webhooks/gateway", `{"event":"connection.update","instance":"acme","data":{"state":"open"}}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "dropped")
}
