// Package alert delivers operator notifications. Delivery is best-effort: sink
// failures are logged and never reach the caller.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// ParseSeverity maps a name to a Severity, defaulting to warn.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "info":
		return SeverityInfo
	case "error":
		return SeverityError
	default:
		return SeverityWarn
	}
}

// Alert is a title plus key/value context.
type Alert struct {
	Title    string
	Severity Severity
	Instance string
	Context  map[string]string
	At       time.Time
}

// Notifier accepts alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Text renders the alert as plain text, context keys sorted.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(a.Severity.String()), a.Title)
	if a.Instance != "" {
		fmt.Fprintf(&b, "\ninstance: %s", a.Instance)
	}
	keys := make([]string, 0, len(a.Context))
	for k := range a.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Context[k])
	}
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", a.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Dispatcher fans an alert out to every sink at or above the minimum severity.
type Dispatcher struct {
	sinks       []Sink
	minSeverity Severity
	timeout     time.Duration
	logger      *slog.Logger
}

func NewDispatcher(log *slog.Logger, minSeverity Severity, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sinks:       sinks,
		minSeverity: minSeverity,
		timeout:     15 * time.Second,
		logger:      log.With(slog.String("component", "alert")),
	}
}

func (d *Dispatcher) Notify(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	if a.Severity < d.minSeverity {
		d.logger.Debug("alert below threshold", slog.String("title", a.Title), slog.String("severity", a.Severity.String()))
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		d.send(ctx, sink, a)
	}
}

func (d *Dispatcher) send(ctx context.Context, sink Sink, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alert sink panicked", slog.String("sink", sink.Name()), slog.Any("panic", r))
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := sink.Send(sendCtx, a); err != nil {
		d.logger.Warn("alert delivery failed",
			slog.String("sink", sink.Name()),
			slog.String("title", a.Title),
			slog.Any("error", err),
		)
	}
}
