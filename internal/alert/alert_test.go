package alert

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	name  string
	err   error
	panic bool
	got   []Alert
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(_ context.Context, a Alert) error {
	if s.panic {
		panic("sink exploded")
	}
	s.got = append(s.got, a)
	return s.err
}

type fakeSender struct {
	instance, recipient, text string
}

func (f *fakeSender) SendAdminText(_ context.Context, instance, recipient, text string) error {
	f.instance, f.recipient, f.text = instance, recipient, text
	return nil
}

func TestDispatcherFiltersBySeverity(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "a"}
	d := NewDispatcher(nil, SeverityWarn, sink)
	d.Notify(context.Background(), Alert{Title: "false alarm", Severity: SeverityInfo})
	d.Notify(context.Background(), Alert{Title: "still down", Severity: SeverityError})

	require.Len(t, sink.got, 1)
	assert.Equal(t, "still down", sink.got[0].Title)
	assert.False(t, sink.got[0].At.IsZero())
}

func TestDispatcherSwallowsSinkFailures(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	failing := &fakeSink{name: "failing", err: errors.New("smtp down")}
	panicking := &fakeSink{name: "panicking", panic: true}
	ok := &fakeSink{name: "ok"}
	d := NewDispatcher(log, SeverityInfo, failing, panicking, ok)

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Alert{Title: "x", Severity: SeverityWarn})
	})
	assert.Len(t, ok.got, 1)
	assert.Contains(t, buf.String(), "alert delivery failed")
	assert.Contains(t, buf.String(), "alert sink panicked")
}

func TestAlertTextSortsContext(t *testing.T) {
	t.Parallel()

	a := Alert{
		Title:    "Instance still down",
		Severity: SeverityError,
		Instance: "acme",
		Context:  map[string]string{"z": "last", "cause": "api_unreachable"},
		At:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	want := "[ERROR] Instance still down\ninstance: acme\ncause: api_unreachable\nz: last\nat: 2026-01-02T03:04:05Z"
	assert.Equal(t, want, a.Text())
}

func TestWhatsAppSink(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	sink := NewWhatsAppSink(sender, "ops", "5215500000000")
	require.NoError(t, sink.Send(context.Background(), Alert{Title: "hi", Instance: "acme"}))
	assert.Equal(t, "ops", sender.instance)
	assert.Equal(t, "5215500000000", sender.recipient)
	assert.True(t, strings.HasPrefix(sender.text, "[INFO] hi"))

	assert.Error(t, sink.Send(context.Background(), Alert{Title: "ops down", Instance: "ops"}))
}

func TestMailSinkMessage(t *testing.T) {
	t.Parallel()

	sink := NewMailSink(MailConfig{Host: "smtp.example.com", From: "bridge@example.com", To: []string{"ops@example.com"}})
	m, err := sink.Message(Alert{Title: "Instance still down", Severity: SeverityError})
	require.NoError(t, err)
	assert.Equal(t, []string{"[wabridge] Instance still down"}, m.GetGenHeader("Subject"))
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SeverityInfo, ParseSeverity("INFO"))
	assert.Equal(t, SeverityError, ParseSeverity("error"))
	assert.Equal(t, SeverityWarn, ParseSeverity(""))
}
