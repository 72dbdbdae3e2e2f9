package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"teleclinic-engine/internal/callq"
	"teleclinic-engine/internal/channel"
	"teleclinic-engine/internal/meeting"
	"teleclinic-engine/internal/models"
	"teleclinic-engine/internal/reconciler"
	"teleclinic-engine/internal/session"
	"teleclinic-engine/internal/settings"
)

// API is the ops surface of the engine: state inspection, metrics, the
// wake-up push ingress webhook, and the native answer/end callbacks.
type API struct {
	controller *session.Controller
	rec        *reconciler.Reconciler
	ch         *channel.Channel
	pending    *callq.Queue
	creds      *settings.Credentials
	launcher   *meeting.URLLauncher
}

func NewAPI(controller *session.Controller, rec *reconciler.Reconciler, ch *channel.Channel, pending *callq.Queue, creds *settings.Credentials, launcher *meeting.URLLauncher) *API {
	return &API{
		controller: controller,
		rec:        rec,
		ch:         ch,
		pending:    pending,
		creds:      creds,
		launcher:   launcher,
	}
}

func (a *API) Start(addr string) error {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE},
	}))

	// Metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// ─── State ───────────────────────────────────────────
	e.GET("/api/state", a.getState)
	e.GET("/api/queue", a.getQueue)
	e.DELETE("/api/queue/:id", a.removeQueueEntry)

	// ─── Call lifecycle ──────────────────────────────────
	e.POST("/api/push", a.handlePush)
	e.POST("/api/call/answer", a.answerCall)
	e.POST("/api/call/end", a.endCall)

	// ─── Identity ────────────────────────────────────────
	e.POST("/api/identity", a.setIdentity)

	return e.Start(addr)
}

// ─── State ───────────────────────────────────────────────────────────────────
func (a *API) getState(c echo.Context) error {
	state, reason := a.ch.State()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"channel_state":  state,
		"channel_reason": reason,
		"session":        a.controller.Snapshot(),
		"pending_calls":  a.pending.Depth(),
		"queue_size":     len(a.rec.Snapshot()),
		"meeting_url":    a.launcher.LastURL(),
	})
}

func (a *API) getQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, a.rec.Snapshot())
}

func (a *API) removeQueueEntry(c echo.Context) error {
	id := c.Param("id")
	if err := a.rec.RemoveEntry(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

// ─── Call lifecycle ──────────────────────────────────────────────────────────
func (a *API) handlePush(c echo.Context) error {
	var payload models.PushPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := a.controller.HandlePush(payload); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, a.controller.Snapshot())
}

func (a *API) answerCall(c echo.Context) error {
	if err := a.controller.HandleAnswer(); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, a.controller.Snapshot())
}

func (a *API) endCall(c echo.Context) error {
	a.controller.HandleEnd()
	return c.JSON(http.StatusOK, a.controller.Snapshot())
}

// ─── Identity ────────────────────────────────────────────────────────────────
func (a *API) setIdentity(c echo.Context) error {
	var ident models.DoctorIdentity
	if err := c.Bind(&ident); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if !ident.Complete() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "doctor_user_id and doctor_user_uuid are required"})
	}
	if err := a.creds.SetIdentity(c.Request().Context(), ident); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}
