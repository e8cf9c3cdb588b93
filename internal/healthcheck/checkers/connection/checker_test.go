package connectionchecker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/memohai/wabridge/internal/healthcheck"
	"github.com/memohai/wabridge/internal/monitor"
)

type fakeStatusReader struct {
	items map[string]monitor.Status
}

func (f *fakeStatusReader) Status(instance string) (monitor.Status, bool) {
	st, ok := f.items[instance]
	return st, ok
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	checker := NewChecker(newTestLogger(), &fakeStatusReader{items: map[string]monitor.Status{
		"acme": {Instance: "acme", State: monitor.StateConnected, Connected: true, LastObservedAt: now},
		"globex": {
			Instance:          "globex",
			State:             monitor.StateRestartAttempted,
			Cause:             monitor.CauseInstanceClosed,
			NeedsManual:       true,
			NeedsPairing:      true,
			DisconnectedSince: now.Add(-5 * time.Minute),
			LastObservedAt:    now,
		},
		"initech": {Instance: "initech", State: monitor.StateGracePending, LastObservedAt: now},
	}})

	cases := []struct {
		instance string
		status   string
		detail   string
	}{
		{instance: "acme", status: healthcheck.StatusOK},
		{instance: "globex", status: healthcheck.StatusError, detail: "QR pairing required"},
		{instance: "initech", status: healthcheck.StatusWarn},
		{instance: "unseen", status: healthcheck.StatusUnknown},
	}
	for _, tc := range cases {
		items := checker.ListChecks(context.Background(), tc.instance)
		if len(items) != 1 {
			t.Fatalf("%s: expected 1 check, got %d", tc.instance, len(items))
		}
		if items[0].ID != "instance.connection."+tc.instance {
			t.Fatalf("%s: unexpected id %s", tc.instance, items[0].ID)
		}
		if items[0].Status != tc.status {
			t.Fatalf("%s: expected %s, got %s", tc.instance, tc.status, items[0].Status)
		}
		if tc.detail != "" && !strings.Contains(items[0].Detail, tc.detail) {
			t.Fatalf("%s: expected detail to contain %q, got %q", tc.instance, tc.detail, items[0].Detail)
		}
	}
}

func TestCheckerNilReader(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), nil)
	items := checker.ListChecks(context.Background(), "acme")
	if len(items) != 1 {
		t.Fatalf("expected 1 check, got %d", len(items))
	}
	if items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("expected warn, got %s", items[0].Status)
	}
}

func TestCheckerEmptyInstance(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeStatusReader{})
	if items := checker.ListChecks(context.Background(), "  "); len(items) != 0 {
		t.Fatalf("expected no checks, got %d", len(items))
	}
}
