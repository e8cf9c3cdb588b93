package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"
)

// LogSink writes alerts to the process log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{logger: log.With(slog.String("sink", "log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, a Alert) error {
	attrs := []any{slog.String("title", a.Title), slog.String("instance", a.Instance)}
	for k, v := range a.Context {
		attrs = append(attrs, slog.String(k, v))
	}
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarn:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "alert", attrs...)
	return nil
}

// TextSender sends a WhatsApp text through the gateway.
type TextSender interface {
	SendAdminText(ctx context.Context, instance, recipient, text string) error
}

// WhatsAppSink messages an admin phone through a dedicated gateway instance.
type WhatsAppSink struct {
	sender   TextSender
	instance string
	phone    string
}

func NewWhatsAppSink(sender TextSender, instance, phone string) *WhatsAppSink {
	return &WhatsAppSink{sender: sender, instance: instance, phone: phone}
}

func (s *WhatsAppSink) Name() string { return "whatsapp" }

func (s *WhatsAppSink) Send(ctx context.Context, a Alert) error {
	if s.sender == nil || s.instance == "" || s.phone == "" {
		return errors.New("whatsapp alert sink not configured")
	}
	if a.Instance == s.instance {
		// The admin instance cannot report its own outage.
		return fmt.Errorf("admin instance %s is the subject of the alert", s.instance)
	}
	return s.sender.SendAdminText(ctx, s.instance, s.phone, a.Text())
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string
	From     string
	To       []string
}

// MailSink emails alerts over SMTP.
type MailSink struct {
	cfg MailConfig
}

func NewMailSink(cfg MailConfig) *MailSink {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &MailSink{cfg: cfg}
}

func (s *MailSink) Name() string { return "mail" }

// Message builds the email for an alert.
func (s *MailSink) Message(a Alert) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(s.cfg.To...); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	m.Subject(fmt.Sprintf("[wabridge] %s", strings.TrimSpace(a.Title)))
	m.SetBodyString(mail.TypeTextPlain, a.Text())
	m.SetMessageID()
	return m, nil
}

func (s *MailSink) Send(ctx context.Context, a Alert) error {
	m, err := s.Message(a)
	if err != nil {
		return err
	}
	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	switch s.cfg.Security {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
