package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/auth"
	"github.com/mbd888/altscore/internal/borrower"
	"github.com/mbd888/altscore/internal/health"
	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/scoreruns"
	"github.com/mbd888/altscore/internal/scoring"
	"github.com/mbd888/altscore/internal/security"
	"github.com/mbd888/altscore/internal/tokens"
)

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live score and run events
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
	s.router.GET("/v1/ws/stats", s.realtimeStatsHandler)

	v1 := s.router.Group("/v1")

	// Token broker and the borrower endpoint it gates. Both are called from
	// browsers, so they carry their own CORS policy.
	tokens.NewHandler(s.broker, s.cfg.CORSAllowedOrigin).
		RegisterRoutes(v1.Group("", security.NoStore()))

	gate := tokens.Gate(s.checker, tokens.DemoConfig{
		Enabled: s.tokenCfg.DemoMode,
		Prefix:  s.tokenCfg.DemoPrefix,
	})
	borrower.NewHandler(s.scoring, s.cfg.DefaultModelID, s.tokenCfg.Pepper, s.cfg.CORSAllowedOrigin).
		RegisterRoutes(v1.Group("", security.NoStore()), gate)

	// Integrator API (API key)
	api := v1.Group("", auth.Middleware(s.authMgr))
	auth.NewHandler(s.authMgr).RegisterRoutes(api)

	scoringHandler := scoring.NewHandler(s.scoring)
	scoringHandler.RegisterProtectedRoutes(api.Group("", auth.RequireScope(auth.ScopeScoring)))

	scoreruns.NewHandler(s.runs).
		RegisterProtectedRoutes(api.Group("", auth.RequireScope(auth.ScopeRuns)))

	// Administration
	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	scoringHandler.RegisterAdminRoutes(admin)
	auth.NewHandler(s.authMgr).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}
