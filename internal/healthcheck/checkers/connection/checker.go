package connectionchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/wabridge/internal/healthcheck"
	"github.com/memohai/wabridge/internal/monitor"
)

const checkTypeInstanceConnection = "instance.connection"

// StatusReader reads the reconciler status of an instance.
type StatusReader interface {
	Status(instance string) (monitor.Status, bool)
}

// Checker evaluates gateway instance connection health checks.
type Checker struct {
	logger *slog.Logger
	reader StatusReader
}

// NewChecker creates an instance connection health checker.
func NewChecker(log *slog.Logger, reader StatusReader) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_connection")),
		reader: reader,
	}
}

// ListChecks reports the monitor view of one instance.
func (c *Checker) ListChecks(ctx context.Context, instance string) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return []healthcheck.CheckResult{}
	}
	if c.reader == nil {
		c.logger.Warn("connection healthcheck dependency is unavailable", slog.String("instance", instance))
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeInstanceConnection + ".service",
				Type:    checkTypeInstanceConnection,
				Status:  healthcheck.StatusWarn,
				Summary: "Connection monitor is not available.",
				Detail:  "status reader is nil",
			},
		}
	}

	st, ok := c.reader.Status(instance)
	if !ok {
		return []healthcheck.CheckResult{
			{
				ID:       buildCheckID(instance),
				Type:     checkTypeInstanceConnection,
				Subtitle: instance,
				Status:   healthcheck.StatusUnknown,
				Summary:  "Instance has not been observed yet.",
			},
		}
	}

	item := healthcheck.CheckResult{
		ID:       buildCheckID(instance),
		Type:     checkTypeInstanceConnection,
		Subtitle: instance,
		Metadata: map[string]any{
			"state":            string(st.State),
			"needs_manual":     st.NeedsManual,
			"needs_pairing":    st.NeedsPairing,
			"last_observed_at": formatTime(st.LastObservedAt),
		},
	}
	switch {
	case st.Connected:
		item.Status = healthcheck.StatusOK
		item.Summary = "Instance is connected."
	case st.State == monitor.StateUnknown:
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Instance state is unknown."
	case st.NeedsManual:
		item.Status = healthcheck.StatusError
		item.Summary = "Instance is down and needs manual action."
		item.Detail = buildDetail(st)
	default:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Instance is disconnected, recovery in progress."
		item.Detail = buildDetail(st)
	}
	return []healthcheck.CheckResult{item}
}

func buildCheckID(instance string) string {
	return fmt.Sprintf("%s.%s", checkTypeInstanceConnection, instance)
}

func buildDetail(st monitor.Status) string {
	parts := make([]string, 0, 3)
	if st.Cause != monitor.CauseNone {
		parts = append(parts, "cause: "+string(st.Cause))
	}
	if !st.DisconnectedSince.IsZero() {
		parts = append(parts, "down since "+formatTime(st.DisconnectedSince))
	}
	if st.NeedsPairing {
		parts = append(parts, "QR pairing required")
	}
	return strings.Join(parts, "; ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
