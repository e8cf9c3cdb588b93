package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "Hola\nqué tal?" || req.TenantID != "t-1" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"reply":" ¡Hola! "}`))
	}))
	defer srv.Close()

	client := NewClient(nil, Config{BaseURL: srv.URL, APIKey: "key"})
	reply, err := client.Reply(context.Background(), Request{TenantID: "t-1", ContactID: "c-1", Channel: "whatsapp", Text: "Hola\nqué tal?"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply != "¡Hola!" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestReplyEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reply":""}`))
	}))
	defer srv.Close()

	_, err := NewClient(nil, Config{BaseURL: srv.URL}).Reply(context.Background(), Request{})
	if !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
}

func TestDescribeMedia(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req describeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Kind != MediaAudio || req.URL != "https://cdn/x.ogg" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"text":"quiero una cita"}`))
	}))
	defer srv.Close()

	text, err := NewClient(nil, Config{BaseURL: srv.URL}).DescribeMedia(context.Background(), "t-1", Media{Kind: MediaAudio, URL: "https://cdn/x.ogg"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if text != "quiero una cita" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestReplyServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewClient(nil, Config{BaseURL: srv.URL}).Reply(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error")
	}
}
