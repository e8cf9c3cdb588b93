package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/wabridge/internal/auth"
	"github.com/memohai/wabridge/internal/delivery"
	"github.com/memohai/wabridge/internal/healthcheck"
	"github.com/memohai/wabridge/internal/monitor"
	"github.com/memohai/wabridge/internal/retryqueue"
)

// QueueAdmin is the operator view of the retry queue.
type QueueAdmin interface {
	Stats(ctx context.Context) ([]retryqueue.InstanceStats, error)
	List(ctx context.Context, instance string) ([]retryqueue.Entry, error)
}

// Replayer forces a replay of ready entries. Drain shares the replay guard of
// the instance.
type Replayer interface {
	Replay(ctx context.Context, instance string) delivery.ReplayReport
	Drain(ctx context.Context, instance string) ([]retryqueue.Entry, error)
}

// InstanceMonitor exposes reconciler state and operator restarts.
type InstanceMonitor interface {
	Statuses() []monitor.Status
	Status(instance string) (monitor.Status, bool)
	Restart(ctx context.Context, instance string) (monitor.Status, error)
}

type AdminHandler struct {
	logger       *slog.Logger
	queue        QueueAdmin
	replayer     Replayer
	monitor      InstanceMonitor
	checks       healthcheck.Checker
	jwtSecret    string
	tokenExpires time.Duration
}

type drainResponse struct {
	Instance string             `json:"instance"`
	Drained  int                `json:"drained"`
	Entries  []retryqueue.Entry `json:"entries"`
}

type checksResponse struct {
	Instance string                    `json:"instance"`
	Overall  string                    `json:"overall"`
	Items    []healthcheck.CheckResult `json:"items"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

func NewAdminHandler(log *slog.Logger, queue QueueAdmin, replayer Replayer, mon InstanceMonitor, checks healthcheck.Checker, jwtSecret string, tokenExpires time.Duration) *AdminHandler {
	return &AdminHandler{
		logger:       log.With(slog.String("handler", "admin")),
		queue:        queue,
		replayer:     replayer,
		monitor:      mon,
		checks:       checks,
		jwtSecret:    jwtSecret,
		tokenExpires: tokenExpires,
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	g := e.Group("/admin", auth.RequireOperator)
	g.GET("/queue", h.QueueStats)
	g.GET("/queue/:instance", h.QueueList)
	g.DELETE("/queue/:instance", h.QueueDrain)
	g.POST("/queue/:instance/replay", h.QueueReplay)
	g.GET("/instances", h.InstanceList)
	g.GET("/instances/:instance", h.InstanceGet)
	g.POST("/instances/:instance/restart", h.InstanceRestart)
	g.GET("/instances/:instance/checks", h.InstanceChecks)
	g.POST("/token/refresh", h.RefreshToken)
}

// QueueStats godoc
// @Summary Retry queue statistics
// @Tags admin
// @Success 200 {array} retryqueue.InstanceStats
// @Failure 500 {object} ErrorResponse
// @Router /admin/queue [get]
func (h *AdminHandler) QueueStats(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// QueueList godoc
// @Summary List queued entries of an instance
// @Tags admin
// @Param instance path string true "Instance name"
// @Success 200 {array} retryqueue.Entry
// @Router /admin/queue/{instance} [get]
func (h *AdminHandler) QueueList(c echo.Context) error {
	instance, err := instanceParam(c)
	if err != nil {
		return err
	}
	entries, err := h.queue.List(c.Request().Context(), instance)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

// QueueDrain godoc
// @Summary Drop every queued entry of an instance
// @Tags admin
// @Param instance path string true "Instance name"
// @Success 200 {object} drainResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/queue/{instance} [delete]
func (h *AdminHandler) QueueDrain(c echo.Context) error {
	instance, err := instanceParam(c)
	if err != nil {
		return err
	}
	entries, err := h.replayer.Drain(c.Request().Context(), instance)
	if errors.Is(err, delivery.ErrReplayInProgress) {
		return echo.NewHTTPError(http.StatusConflict, "replay running, retry the drain later")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("retry queue drained by operator", slog.String("instance", instance), slog.Int("entries", len(entries)))
	return c.JSON(http.StatusOK, drainResponse{Instance: instance, Drained: len(entries), Entries: entries})
}

// QueueReplay godoc
// @Summary Replay ready entries of an instance now
// @Tags admin
// @Param instance path string true "Instance name"
// @Success 200 {object} delivery.ReplayReport
// @Failure 409 {object} ErrorResponse
// @Router /admin/queue/{instance}/replay [post]
func (h *AdminHandler) QueueReplay(c echo.Context) error {
	instance, err := instanceParam(c)
	if err != nil {
		return err
	}
	report := h.replayer.Replay(c.Request().Context(), instance)
	if report.Skipped {
		return echo.NewHTTPError(http.StatusConflict, "replay already running")
	}
	return c.JSON(http.StatusOK, report)
}

// InstanceList godoc
// @Summary List monitored instances
// @Tags admin
// @Success 200 {array} monitor.Status
// @Router /admin/instances [get]
func (h *AdminHandler) InstanceList(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.Statuses())
}

// InstanceGet godoc
// @Summary Get the monitor status of an instance
// @Tags admin
// @Param instance path string true "Instance name"
// @Success 200 {object} monitor.Status
// @Failure 404 {object} ErrorResponse
// @Router /admin/instances/{instance} [get]
func (h *AdminHandler) InstanceGet(c echo.Context) error {
	instance, err := instanceParam(c)
	if err != nil {
		return err
	}
	st, ok := h.monitor.Status(instance)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "instance not observed")
	}
	return c.JSON(http.StatusOK, st)
}

// InstanceRestart godoc
// @Summary Restart an instance through the gateway
// @Tags admin
// @Param instance path string true "Instance name"
// @Success 200 {object} monitor.Status
// @Failure 409 {object} ErrorResponse
// @Router /admin/instances/{instance}/restart [post]
func (h *AdminHandler) InstanceRestart(c echo.Context) error {
	instance, err := instanceParam(c)
	if err != nil {
		return err
	}
	operator, _ := auth.SubjectFromContext(c)
	h.logger.Info("operator restart", slog.String("instance", instance), slog.String("operator", operator))
	st, err := h.monitor.Restart(c.Request().Context(), instance)
	if errors.Is(err, monitor.ErrRestartInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

// InstanceChecks godoc
// @Summary Run health checks for an instance
// @Tags admin
// @Param instance path string true "Instance name"
// @Success 200 {object} checksResponse
// @Router /admin/instances/{instance}/checks [get]
func (h *AdminHandler) InstanceChecks(c echo.Context) error {
	instance, err := instanceParam(c)
	if err != nil {
		return err
	}
	items := []healthcheck.CheckResult{}
	if h.checks != nil {
		items = h.checks.ListChecks(c.Request().Context(), instance)
	}
	return c.JSON(http.StatusOK, checksResponse{
		Instance: instance,
		Overall:  healthcheck.Overall(items),
		Items:    items,
	})
}

// RefreshToken godoc
// @Summary Reissue the caller's token
// @Tags admin
// @Success 200 {object} tokenResponse
// @Failure 401 {object} ErrorResponse
// @Router /admin/token/refresh [post]
func (h *AdminHandler) RefreshToken(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.jwtSecret, h.tokenExpires)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	})
}

func instanceParam(c echo.Context) (string, error) {
	instance := strings.TrimSpace(c.Param("instance"))
	if instance == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "instance is required")
	}
	return instance, nil
}
