package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultJWTExpiresIn    = "24h"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "wabridge"
	DefaultPGSSLMode       = "disable"
	DefaultRedisAddr       = "127.0.0.1:6379"
	DefaultRedisKeyPrefix  = "wabridge"
	DefaultGatewayTimeout  = "15s"
	DefaultCRMBaseURL      = "https://services.leadconnectorhq.com"
	DefaultCRMAPIVersion   = "2021-07-28"
	DefaultCRMTimeout      = "15s"
	DefaultAgentTimeout    = "120s"
	DefaultNoChannelTag    = "no-whatsapp"
	DefaultDebounceMs      = 7000
	DefaultMaxFragments    = 7
	DefaultBufferTTL       = "10m"
	DefaultRetryBackend    = "memory"
	DefaultRetryMax        = 5
	DefaultRetryTTL        = "8h"
	DefaultGracePeriod     = "60s"
	DefaultSweepSpec       = "@every 2m"
	DefaultCheckTimeout    = "10s"
	DefaultRestartSettle   = "15s"
	DefaultMinSeverity     = "warn"
	DefaultInboundWorkers  = 4
	DefaultInboundQueueLen = 256
)

// DefaultRetryBackoff is the fixed retry schedule, one entry per attempt.
var DefaultRetryBackoff = []string{"5m", "10m", "20m", "40m", "60m"}

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Gateway  GatewayConfig  `toml:"gateway"`
	CRM      CRMConfig      `toml:"crm"`
	Agent    AgentConfig    `toml:"agent"`
	Alerts   AlertsConfig   `toml:"alerts"`
	Buffer   BufferConfig   `toml:"buffer"`
	Retry    RetryConfig    `toml:"retry"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Tenants  []TenantConfig `toml:"tenants" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"WABRIDGE_LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" env:"WABRIDGE_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr           string `toml:"addr" env:"WABRIDGE_HTTP_ADDR" validate:"required"`
	WebhookSecret  string `toml:"webhook_secret" env:"WABRIDGE_WEBHOOK_SECRET"`
	InboundWorkers int    `toml:"inbound_workers" validate:"gte=0"`
	InboundQueue   int    `toml:"inbound_queue" validate:"gte=0"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" env:"WABRIDGE_JWT_SECRET"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host" env:"WABRIDGE_PG_HOST"`
	Port     int    `toml:"port" env:"WABRIDGE_PG_PORT"`
	User     string `toml:"user" env:"WABRIDGE_PG_USER"`
	Password string `toml:"password" env:"WABRIDGE_PG_PASSWORD"`
	Database string `toml:"database" env:"WABRIDGE_PG_DATABASE"`
	SSLMode  string `toml:"sslmode" env:"WABRIDGE_PG_SSLMODE"`
	// Disabled switches the tenant registry to the static [[tenants]] list.
	Disabled bool `toml:"disabled" env:"WABRIDGE_PG_DISABLED"`
}

// DSN renders a postgres URL usable by pgx.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addr      string `toml:"addr" env:"WABRIDGE_REDIS_ADDR"`
	Password  string `toml:"password" env:"WABRIDGE_REDIS_PASSWORD"`
	DB        int    `toml:"db" env:"WABRIDGE_REDIS_DB"`
	KeyPrefix string `toml:"key_prefix"`
}

type GatewayConfig struct {
	BaseURL string `toml:"base_url" env:"WABRIDGE_GATEWAY_URL" validate:"omitempty,url"`
	APIKey  string `toml:"api_key" env:"WABRIDGE_GATEWAY_API_KEY"`
	Timeout string `toml:"timeout"`
}

type CRMConfig struct {
	BaseURL      string `toml:"base_url" env:"WABRIDGE_CRM_URL" validate:"omitempty,url"`
	APIVersion   string `toml:"api_version"`
	Timeout      string `toml:"timeout"`
	NoChannelTag string `toml:"no_channel_tag"`
	// NoChannelNotice is posted once into the thread of a contact found unreachable.
	NoChannelNotice string `toml:"no_channel_notice"`
}

type AgentConfig struct {
	BaseURL string `toml:"base_url" env:"WABRIDGE_AGENT_URL" validate:"omitempty,url"`
	APIKey  string `toml:"api_key" env:"WABRIDGE_AGENT_API_KEY"`
	Timeout string `toml:"timeout"`
}

type AlertsConfig struct {
	MinSeverity   string     `toml:"min_severity" validate:"omitempty,oneof=info warn error"`
	AdminPhone    string     `toml:"admin_phone" env:"WABRIDGE_ALERT_ADMIN_PHONE"`
	AdminInstance string     `toml:"admin_instance" env:"WABRIDGE_ALERT_ADMIN_INSTANCE"`
	Mail          MailConfig `toml:"mail"`
}

type MailConfig struct {
	Host     string   `toml:"host" env:"WABRIDGE_SMTP_HOST"`
	Port     int      `toml:"port" env:"WABRIDGE_SMTP_PORT"`
	Username string   `toml:"username" env:"WABRIDGE_SMTP_USERNAME"`
	Password string   `toml:"password" env:"WABRIDGE_SMTP_PASSWORD"`
	Security string   `toml:"security" validate:"omitempty,oneof=tls starttls none"`
	From     string   `toml:"from" validate:"omitempty,email"`
	To       []string `toml:"to" validate:"omitempty,dive,email"`
}

// Enabled reports whether enough SMTP settings are present to send mail.
func (c MailConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != "" && len(c.To) > 0
}

type BufferConfig struct {
	DebounceMs   int    `toml:"debounce_ms" validate:"gte=0"`
	MaxFragments int    `toml:"max_fragments" validate:"gte=0"`
	TTL          string `toml:"ttl"`
}

type RetryConfig struct {
	Backend    string   `toml:"backend" env:"WABRIDGE_RETRY_BACKEND" validate:"omitempty,oneof=memory redis"`
	MaxRetries int      `toml:"max_retries" validate:"gte=0"`
	Backoff    []string `toml:"backoff"`
	TTL        string   `toml:"ttl"`
}

type MonitorConfig struct {
	GracePeriod  string `toml:"grace_period"`
	SweepSpec    string `toml:"sweep_spec"`
	CheckTimeout string `toml:"check_timeout"`
	// RestartSettle is how long to wait before verifying a restart that did
	// not report an open connection right away.
	RestartSettle string `toml:"restart_settle"`
}

// TenantConfig is one static registry entry, used when postgres is disabled.
type TenantConfig struct {
	ID             string `toml:"id" validate:"required"`
	LocationID     string `toml:"location_id" validate:"required"`
	InstanceName   string `toml:"instance_name" validate:"required"`
	CRMAccessToken string `toml:"crm_access_token"`
	AgentID        string `toml:"agent_id"`
	AdminPhone     string `toml:"admin_phone"`
	Disabled       bool   `toml:"disabled"`
}

// DebounceDelay returns the configured quiet window.
func (c BufferConfig) DebounceDelay() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// ParseDuration parses raw, falling back to def when raw is empty.
func ParseDuration(raw, def string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

// BackoffDurations parses the retry backoff table.
func (c RetryConfig) BackoffDurations() ([]time.Duration, error) {
	raw := c.Backoff
	if len(raw) == 0 {
		raw = DefaultRetryBackoff
	}
	out := make([]time.Duration, 0, len(raw))
	for _, item := range raw {
		d, err := ParseDuration(item, "")
		if err != nil {
			return nil, fmt.Errorf("retry backoff: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("retry backoff: %q must be positive", item)
		}
		out = append(out, d)
	}
	return out, nil
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:           DefaultHTTPAddr,
			InboundWorkers: DefaultInboundWorkers,
			InboundQueue:   DefaultInboundQueueLen,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addr:      DefaultRedisAddr,
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		Gateway: GatewayConfig{
			Timeout: DefaultGatewayTimeout,
		},
		CRM: CRMConfig{
			BaseURL:         DefaultCRMBaseURL,
			APIVersion:      DefaultCRMAPIVersion,
			Timeout:         DefaultCRMTimeout,
			NoChannelTag:    DefaultNoChannelTag,
			NoChannelNotice: "This contact has no WhatsApp account; messages to this number cannot be delivered.",
		},
		Agent: AgentConfig{
			Timeout: DefaultAgentTimeout,
		},
		Alerts: AlertsConfig{
			MinSeverity: DefaultMinSeverity,
			Mail: MailConfig{
				Port:     587,
				Security: "starttls",
			},
		},
		Buffer: BufferConfig{
			DebounceMs:   DefaultDebounceMs,
			MaxFragments: DefaultMaxFragments,
			TTL:          DefaultBufferTTL,
		},
		Retry: RetryConfig{
			Backend:    DefaultRetryBackend,
			MaxRetries: DefaultRetryMax,
			Backoff:    append([]string(nil), DefaultRetryBackoff...),
			TTL:        DefaultRetryTTL,
		},
		Monitor: MonitorConfig{
			GracePeriod:   DefaultGracePeriod,
			SweepSpec:     DefaultSweepSpec,
			CheckTimeout:  DefaultCheckTimeout,
			RestartSettle: DefaultRestartSettle,
		},
	}
}

// Load reads the TOML file at path (missing file keeps defaults), applies
// WABRIDGE_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Retry.Backend == "redis" && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("invalid config: redis.addr is required for the redis retry backend")
	}
	if _, err := cfg.Retry.BackoffDurations(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	durations := map[string]string{
		"auth.jwt_expires_in":    cfg.Auth.JWTExpiresIn,
		"gateway.timeout":        cfg.Gateway.Timeout,
		"crm.timeout":            cfg.CRM.Timeout,
		"agent.timeout":          cfg.Agent.Timeout,
		"buffer.ttl":             cfg.Buffer.TTL,
		"retry.ttl":              cfg.Retry.TTL,
		"monitor.grace_period":   cfg.Monitor.GracePeriod,
		"monitor.check_timeout":  cfg.Monitor.CheckTimeout,
		"monitor.restart_settle": cfg.Monitor.RestartSettle,
	}
	for key, raw := range durations {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid config: %s: %w", key, err)
		}
	}
	return nil
}
