package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/call-pilot/internal/agent"
	"github.com/chadiek/call-pilot/internal/events"
	"github.com/chadiek/call-pilot/internal/history"
	"github.com/chadiek/call-pilot/internal/metrics"
	mw "github.com/chadiek/call-pilot/internal/middleware"
	"github.com/chadiek/call-pilot/internal/provider"
	twilioprovider "github.com/chadiek/call-pilot/internal/provider/twilio"
	"github.com/chadiek/call-pilot/internal/usecase"
)

type Config struct {
	// AuthPassword gates the dashboard routes when set.
	AuthPassword string
	// WebhookSecret, when set, must match the X-Vapi-Secret header of provider webhooks.
	WebhookSecret   string
	TwilioAuthToken string
	// CallbackPath is the route the provider pushes status updates to.
	CallbackPath string
}

// Server bundles the Echo router and its dependencies.
type Server struct {
	Echo    *echo.Echo
	cfg     Config
	calls   usecase.CallService
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// New constructs the HTTP server with routes.
func New(cfg Config, calls usecase.CallService, m *metrics.Metrics, logger *logrus.Logger) *Server {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/webhooks/vapi"
	}
	s := &Server{Echo: NewEcho(logger), cfg: cfg, calls: calls, metrics: m, log: logger}
	e := s.Echo

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	api := e.Group("/calls", requirePassword(cfg.AuthPassword))
	api.POST("", s.startCall)
	api.GET("", s.listCalls)
	api.GET("/:id", s.getCall)
	api.GET("/:id/events", s.streamEvents)
	api.POST("/:id/actions", s.act)
	api.POST("/:id/turns", s.turn)
	api.DELETE("/:id", s.cancelCall)

	e.POST("/webhooks/vapi", s.vapiWebhook)
	e.POST("/twilio/status", s.twilioStatus, mw.TwilioAuth(
		func() string { return cfg.TwilioAuthToken },
		func(c echo.Context) string { return calls.BuildAbsoluteURL(c, c.Request().URL.RequestURI()) },
	))
	return s
}

// ServeHTTP lets Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Echo.ServeHTTP(w, r) }

func (s *Server) startCall(c echo.Context) error {
	var req usecase.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	req.CallbackURL = s.calls.BuildAbsoluteURL(c, s.cfg.CallbackPath)

	snap, err := s.calls.Start(c.Request().Context(), req)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) listCalls(c echo.Context) error {
	limit := history.DefaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	records, err := s.calls.List(c.Request().Context(), limit)
	if err != nil {
		return s.httpError(err)
	}
	if records == nil {
		records = []history.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) getCall(c echo.Context) error {
	snap, err := s.calls.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

type actionRequest struct {
	agent.Decision
	// Fragment, when set, is run through keypad detection instead of an explicit decision.
	Fragment string `json:"fragment,omitempty"`
}

type actionResponse struct {
	Decision agent.Decision `json:"decision"`
	Result   agent.Result   `json:"result"`
}

func (s *Server) act(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	d := req.Decision
	if req.Fragment != "" {
		detected := agent.Detect(req.Fragment)
		if detected == nil {
			snap, err := s.calls.Get(c.Request().Context(), c.Param("id"))
			if err != nil {
				return s.httpError(err)
			}
			if !snap.Live {
				return s.httpError(usecase.ErrCallEnded)
			}
			return c.JSON(http.StatusOK, actionResponse{
				Decision: agent.Decision{Action: agent.ActionWait, Confidence: agent.ConfidenceLow},
				Result:   agent.Result{Action: agent.ActionWait, Detail: "no keypad prompt detected"},
			})
		}
		d = *detected
	}
	res, err := s.calls.Act(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Decision: d, Result: res})
}

func (s *Server) turn(c echo.Context) error {
	var req struct {
		Heard string `json:"heard"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(req.Heard) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "heard is required")
	}
	d, res, err := s.calls.Turn(c.Request().Context(), c.Param("id"), req.Heard)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Decision: d, Result: res})
}

func (s *Server) cancelCall(c echo.Context) error {
	if err := s.calls.Cancel(c.Param("id")); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) vapiWebhook(c echo.Context) error {
	if s.cfg.WebhookSecret != "" && !same(c.Request().Header.Get("X-Vapi-Secret"), s.cfg.WebhookSecret) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook secret")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	msg, err := events.ParseWebhook(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.metrics.WebhookMessages.WithLabelValues("vapi").Inc()
	if msg.Call == nil || msg.Call.ID == "" {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	if err := s.calls.Ingest(msg.Call.ID, events.NormalizeAll(msg)); err != nil {
		if errors.Is(err, usecase.ErrNotFound) {
			s.log.WithFields(logrus.Fields{"call_id": msg.Call.ID, "type": msg.Type}).Debug("webhook for unknown call")
			return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
		}
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) twilioStatus(c echo.Context) error {
	params, ok := c.Get(mw.TwilioParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	s.metrics.WebhookMessages.WithLabelValues("twilio").Inc()
	callID, ev := twilioprovider.StatusEvent(params)
	if callID != "" {
		if err := s.calls.Ingest(callID, []events.Event{ev}); err != nil && !errors.Is(err, usecase.ErrNotFound) {
			return s.httpError(err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, usecase.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, usecase.ErrCallEnded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, usecase.ErrInvalidRequest), errors.Is(err, provider.ErrInvalidNumber):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		s.log.WithError(err).Warn("provider request failed")
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	s.log.WithError(err).Error("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
