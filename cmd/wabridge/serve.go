package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/wabridge/internal/agent"
	"github.com/memohai/wabridge/internal/alert"
	"github.com/memohai/wabridge/internal/bridge"
	"github.com/memohai/wabridge/internal/buffer"
	"github.com/memohai/wabridge/internal/clock"
	"github.com/memohai/wabridge/internal/config"
	"github.com/memohai/wabridge/internal/crm"
	"github.com/memohai/wabridge/internal/db"
	"github.com/memohai/wabridge/internal/delivery"
	"github.com/memohai/wabridge/internal/gateway"
	"github.com/memohai/wabridge/internal/handlers"
	"github.com/memohai/wabridge/internal/healthcheck"
	connectionchecker "github.com/memohai/wabridge/internal/healthcheck/checkers/connection"
	queuechecker "github.com/memohai/wabridge/internal/healthcheck/checkers/queue"
	"github.com/memohai/wabridge/internal/logger"
	"github.com/memohai/wabridge/internal/metrics"
	"github.com/memohai/wabridge/internal/monitor"
	"github.com/memohai/wabridge/internal/retryqueue"
	"github.com/memohai/wabridge/internal/server"
	"github.com/memohai/wabridge/internal/tenants"
	"github.com/memohai/wabridge/internal/version"
)

const bufferJanitorSpec = "@every 1m"

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClock,
			provideRegistry,
			provideRetryQueue,
			provideGatewayClient,
			provideCRMClient,
			provideAgentClient,
			provideNotifier,
			provideMonitor,
			provideOrchestrator,
			provideSender,
			provideCoalescer,
			providePipeline,
			provideDispatcher,
			provideHealthChecks,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideAdminHandler),
			provideServer,
		),
		fx.Invoke(
			startMetrics,
			startMonitor,
			startCoalescer,
			startDispatcher,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideClock() clock.Clock { return clock.Real() }

func provideRegistry(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (tenants.Registry, error) {
	if cfg.Postgres.Disabled {
		log.Info("postgres disabled, serving tenants from config", slog.Int("tenants", len(cfg.Tenants)))
		return tenants.NewStaticRegistry(tenants.FromConfig(cfg.Tenants)), nil
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return tenants.NewPGRegistry(conn), nil
}

func provideRetryQueue(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, clk clock.Clock) (retryqueue.Queue, error) {
	backoff, err := cfg.Retry.BackoffDurations()
	if err != nil {
		return nil, err
	}
	ttl, err := config.ParseDuration(cfg.Retry.TTL, config.DefaultRetryTTL)
	if err != nil {
		return nil, err
	}
	policy := retryqueue.Policy{MaxRetries: cfg.Retry.MaxRetries, Backoff: backoff, TTL: ttl}

	if cfg.Retry.Backend != "redis" {
		return retryqueue.NewMemoryQueue(log, clk, policy), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return retryqueue.NewRedisQueue(log, client, cfg.Redis.KeyPrefix, clk, policy), nil
}

func provideGatewayClient(log *slog.Logger, cfg config.Config) (*gateway.Client, error) {
	timeout, err := config.ParseDuration(cfg.Gateway.Timeout, config.DefaultGatewayTimeout)
	if err != nil {
		return nil, err
	}
	return gateway.NewClient(log, gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: timeout,
	}), nil
}

func provideCRMClient(log *slog.Logger, cfg config.Config) (*crm.Client, error) {
	timeout, err := config.ParseDuration(cfg.CRM.Timeout, config.DefaultCRMTimeout)
	if err != nil {
		return nil, err
	}
	return crm.NewClient(log, crm.Config{
		BaseURL:    cfg.CRM.BaseURL,
		APIVersion: cfg.CRM.APIVersion,
		Timeout:    timeout,
	}), nil
}

func provideAgentClient(log *slog.Logger, cfg config.Config) (*agent.Client, error) {
	timeout, err := config.ParseDuration(cfg.Agent.Timeout, config.DefaultAgentTimeout)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(log, agent.Config{
		BaseURL: cfg.Agent.BaseURL,
		APIKey:  cfg.Agent.APIKey,
		Timeout: timeout,
	}), nil
}

// provideNotifier builds the alert fan-out. The WhatsApp sink gets its own
// sender without failure handling so alert delivery never enters the retry
// queue.
func provideNotifier(log *slog.Logger, cfg config.Config, gw *gateway.Client) (alert.Notifier, error) {
	timeout, err := config.ParseDuration(cfg.Gateway.Timeout, config.DefaultGatewayTimeout)
	if err != nil {
		return nil, err
	}
	sinks := []alert.Sink{alert.NewLogSink(log)}
	if strings.TrimSpace(cfg.Alerts.AdminPhone) != "" && strings.TrimSpace(cfg.Alerts.AdminInstance) != "" {
		adminSender := delivery.NewSender(log, gw, nil, nil, nil, timeout)
		sinks = append(sinks, alert.NewWhatsAppSink(adminSender, cfg.Alerts.AdminInstance, cfg.Alerts.AdminPhone))
	}
	if cfg.Alerts.Mail.Enabled() {
		m := cfg.Alerts.Mail
		sinks = append(sinks, alert.NewMailSink(alert.MailConfig{
			Host:     m.Host,
			Port:     m.Port,
			Username: m.Username,
			Password: m.Password,
			Security: m.Security,
			From:     m.From,
			To:       m.To,
		}))
	}
	return alert.NewDispatcher(log, alert.ParseSeverity(cfg.Alerts.MinSeverity), sinks...), nil
}

func provideMonitor(log *slog.Logger, cfg config.Config, gw *gateway.Client, registry tenants.Registry, queue retryqueue.Queue, notifier alert.Notifier, clk clock.Clock) (*monitor.Monitor, error) {
	grace, err := config.ParseDuration(cfg.Monitor.GracePeriod, config.DefaultGracePeriod)
	if err != nil {
		return nil, err
	}
	checkTimeout, err := config.ParseDuration(cfg.Monitor.CheckTimeout, config.DefaultCheckTimeout)
	if err != nil {
		return nil, err
	}
	settle, err := config.ParseDuration(cfg.Monitor.RestartSettle, config.DefaultRestartSettle)
	if err != nil {
		return nil, err
	}
	return monitor.New(log, gw, registry, queue, notifier, clk, monitor.Options{
		GracePeriod:   grace,
		CheckTimeout:  checkTimeout,
		RestartSettle: settle,
		SweepSpec:     cfg.Monitor.SweepSpec,
	}), nil
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, registry tenants.Registry, mon *monitor.Monitor, gw *gateway.Client, crmClient *crm.Client, queue retryqueue.Queue, notifier alert.Notifier) (*delivery.Orchestrator, error) {
	checkTimeout, err := config.ParseDuration(cfg.Monitor.CheckTimeout, config.DefaultCheckTimeout)
	if err != nil {
		return nil, err
	}
	return delivery.NewOrchestrator(log, registry, mon, gw, crmClient, queue, notifier, delivery.Options{
		NoChannelTag:    cfg.CRM.NoChannelTag,
		NoChannelNotice: cfg.CRM.NoChannelNotice,
		CheckTimeout:    checkTimeout,
	}), nil
}

func provideSender(log *slog.Logger, cfg config.Config, gw *gateway.Client, orchestrator *delivery.Orchestrator, queue retryqueue.Queue, notifier alert.Notifier, mon *monitor.Monitor) (*delivery.Sender, error) {
	timeout, err := config.ParseDuration(cfg.Gateway.Timeout, config.DefaultGatewayTimeout)
	if err != nil {
		return nil, err
	}
	sender := delivery.NewSender(log, gw, orchestrator, queue, notifier, timeout)
	mon.SetReplayer(sender.ReplayInstance)
	return sender, nil
}

func provideCoalescer(log *slog.Logger, cfg config.Config, clk clock.Clock) (*buffer.Coalescer, error) {
	ttl, err := config.ParseDuration(cfg.Buffer.TTL, config.DefaultBufferTTL)
	if err != nil {
		return nil, err
	}
	store := buffer.NewStore(log, clk, cfg.Buffer.MaxFragments, ttl)
	return buffer.NewCoalescer(log, store, buffer.NewDebouncer(clk), buffer.CoalescerOptions{
		Delay:       cfg.Buffer.DebounceDelay(),
		JanitorSpec: bufferJanitorSpec,
	}), nil
}

func providePipeline(log *slog.Logger, registry tenants.Registry, crmClient *crm.Client, agentClient *agent.Client, coalescer *buffer.Coalescer, sender *delivery.Sender, clk clock.Clock) *bridge.Pipeline {
	return bridge.NewPipeline(log, registry, crmClient, agentClient, coalescer, sender, clk)
}

func provideDispatcher(log *slog.Logger, cfg config.Config, mon *monitor.Monitor, pipeline *bridge.Pipeline) *bridge.Dispatcher {
	return bridge.NewDispatcher(log, mon, pipeline, cfg.Server.InboundWorkers, cfg.Server.InboundQueue)
}

func provideHealthChecks(log *slog.Logger, mon *monitor.Monitor, queue retryqueue.Queue, clk clock.Clock) healthcheck.Checker {
	return healthcheck.NewAggregator(
		connectionchecker.NewChecker(log, mon),
		queuechecker.NewChecker(log, queue, clk.Now, 0),
	)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, dispatcher *bridge.Dispatcher) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, dispatcher, cfg.Server.WebhookSecret)
}

func provideAdminHandler(log *slog.Logger, cfg config.Config, queue retryqueue.Queue, sender *delivery.Sender, mon *monitor.Monitor, checks healthcheck.Checker) (*handlers.AdminHandler, error) {
	expiresIn, err := config.ParseDuration(cfg.Auth.JWTExpiresIn, config.DefaultJWTExpiresIn)
	if err != nil {
		return nil, err
	}
	return handlers.NewAdminHandler(log, queue, sender, mon, checks, cfg.Auth.JWTSecret, expiresIn), nil
}

type serverParams struct {
	fx.In

	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if strings.TrimSpace(params.Config.Auth.JWTSecret) == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.Handlers...), nil
}

func startMetrics() {
	metrics.Register()
}

func startMonitor(lc fx.Lifecycle, mon *monitor.Monitor) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return mon.Start(ctx) },
		OnStop:  func(stopCtx context.Context) error { cancel(); return mon.Stop(stopCtx) },
	})
}

func startCoalescer(lc fx.Lifecycle, coalescer *buffer.Coalescer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return coalescer.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return coalescer.Stop(ctx) },
	})
}

func startDispatcher(lc fx.Lifecycle, dispatcher *bridge.Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { dispatcher.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return dispatcher.Stop(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting wabridge %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
