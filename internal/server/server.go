// Package server exposes the operations API: health, metrics, autopilot
// status, the kill switch, transaction records and pending signatures.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggonzalez94/defi-autopilot/internal/alerting"
	"github.com/ggonzalez94/defi-autopilot/internal/autopilot"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/records"
	"github.com/ggonzalez94/defi-autopilot/internal/safety"
	"github.com/ggonzalez94/defi-autopilot/internal/version"
)

const HeaderAdminToken = "X-Admin-Token"

// SafetyState is the slice of the safety store the API reads and toggles.
type SafetyState interface {
	KillSwitch(ctx context.Context) (safety.KillSwitch, error)
	SetKillSwitch(ctx context.Context, active bool, reason string) error
	LoadDailySpend(ctx context.Context) (safety.DailySpend, error)
}

type StatusSource interface {
	Status() autopilot.Status
}

type Server struct {
	safety     SafetyState
	records    records.Store
	autopilot  StatusSource
	alerts     alerting.Dispatcher
	adminToken string
	log        *slog.Logger
	now        func() time.Time
}

type Option func(*Server)

// WithAutoPilot reports the loop's status on /v1/status.
func WithAutoPilot(s StatusSource) Option { return func(srv *Server) { srv.autopilot = s } }

func WithAlerts(d alerting.Dispatcher) Option { return func(srv *Server) { srv.alerts = d } }

// WithAdminToken requires X-Admin-Token on mutating routes.
func WithAdminToken(token string) Option {
	return func(srv *Server) { srv.adminToken = strings.TrimSpace(token) }
}

func WithLogger(l *slog.Logger) Option { return func(srv *Server) { srv.log = l } }

func New(safetyState SafetyState, store records.Store, opts ...Option) *Server {
	s := &Server{
		safety:  safetyState,
		records: store,
		log:     logger.Named("server"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe(), s.renderErrors())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": version.CLIName, "version": version.CLIVersion})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/status", s.status)
	v1.GET("/killswitch", s.getKillSwitch)
	v1.POST("/killswitch", s.admin(), s.setKillSwitch)
	v1.GET("/records", s.listRecords)
	v1.GET("/pending", s.listPending)
	v1.POST("/pending/:id/fulfill", s.admin(), s.fulfill)
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("operations api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return clierr.Wrap(clierr.CodeUnavailable, "operations api", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) admin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" {
			c.Next()
			return
		}
		if c.GetHeader(HeaderAdminToken) != s.adminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}

// renderErrors renders the last handler error with a status derived from its code.
func (s *Server) renderErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := httpStatus(err)
		body := gin.H{"error": err.Error()}
		if typed, ok := clierr.As(err); ok {
			body["code"] = int(typed.Code)
		}
		if status >= http.StatusInternalServerError {
			s.log.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		} else {
			s.log.Warn("request rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		}
		c.JSON(status, body)
	}
}

func httpStatus(err error) int {
	typed, ok := clierr.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch typed.Code {
	case clierr.CodeUsage:
		return http.StatusBadRequest
	case clierr.CodeAuth:
		return http.StatusUnauthorized
	case clierr.CodeRateLimited:
		return http.StatusTooManyRequests
	case clierr.CodeUnavailable, clierr.CodeStale:
		return http.StatusServiceUnavailable
	case clierr.CodeUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	AutoPilot  *autopilot.Status `json:"autopilot,omitempty"`
	KillSwitch safety.KillSwitch `json:"kill_switch"`
	DailySpend safety.DailySpend `json:"daily_spend"`
	CheckedAt  time.Time         `json:"checked_at"`
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	ks, err := s.safety.KillSwitch(ctx)
	if err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUnavailable, "read kill switch", err))
		return
	}
	spend, err := s.safety.LoadDailySpend(ctx)
	if err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUnavailable, "read daily spend", err))
		return
	}
	resp := statusResponse{KillSwitch: ks, DailySpend: spend, CheckedAt: s.now().UTC()}
	if s.autopilot != nil {
		st := s.autopilot.Status()
		resp.AutoPilot = &st
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getKillSwitch(c *gin.Context) {
	ks, err := s.safety.KillSwitch(c.Request.Context())
	if err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUnavailable, "read kill switch", err))
		return
	}
	c.JSON(http.StatusOK, ks)
}

type killSwitchRequest struct {
	Active *bool  `json:"active"`
	Reason string `json:"reason"`
}

func (s *Server) setKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		_ = c.Error(clierr.New(clierr.CodeUsage, "body must be {\"active\": bool, \"reason\": string}"))
		return
	}
	ctx := c.Request.Context()
	if err := s.safety.SetKillSwitch(ctx, *req.Active, req.Reason); err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUnavailable, "set kill switch", err))
		return
	}
	logger.Audit().Warn("kill switch changed", "active", *req.Active, "reason", req.Reason, "source", "api", "client_ip", c.ClientIP())
	if s.alerts != nil {
		severity := alerting.SeverityInfo
		msg := "kill switch released"
		if *req.Active {
			severity = alerting.SeverityCritical
			msg = "kill switch engaged"
		}
		event := alerting.Event{Kind: alerting.KindKillSwitch, Severity: severity, Message: msg, Metadata: map[string]string{"reason": req.Reason}}
		if err := s.alerts.Notify(ctx, event); err != nil {
			s.log.Warn("kill switch alert failed", "err", err)
		}
	}
	ks, err := s.safety.KillSwitch(ctx)
	if err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUnavailable, "read kill switch", err))
		return
	}
	c.JSON(http.StatusOK, ks)
}

func (s *Server) listRecords(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	f := records.Filter{
		Status: model.RecordStatus(c.Query("status")),
		Type:   model.TxType(c.Query("type")),
		Chain:  c.Query("chain"),
		Limit:  limit,
	}
	list, err := s.records.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUnavailable, "list records", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list, "count": len(list)})
}

func (s *Server) listPending(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status := model.PendingSignatureStatus(c.DefaultQuery("status", string(model.SignaturePending)))
	list, err := s.records.ListPending(c.Request.Context(), status, limit)
	if err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUnavailable, "list pending signatures", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": list, "count": len(list)})
}

type fulfillRequest struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) fulfill(c *gin.Context) {
	var req fulfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(clierr.Wrap(clierr.CodeUsage, "body must be {\"tx_hash\": string}", err))
		return
	}
	p, err := records.Fulfill(c.Request.Context(), s.records, c.Param("id"), req.TxHash, s.now())
	if err != nil {
		_ = c.Error(err)
		return
	}
	logger.Audit().Info("pending signature fulfilled", "pending_id", p.ID, "record_id", p.RecordID, "tx_hash", p.TxHash)
	c.JSON(http.StatusOK, p)
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, clierr.New(clierr.CodeUsage, "limit must be a non-negative integer")
	}
	return n, nil
}
