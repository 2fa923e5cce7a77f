package main

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/auth"
	"github.com/itskum47/forgeci/control_plane/cache"
	"github.com/itskum47/forgeci/control_plane/jobstatus"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/middleware"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/registry"
	"github.com/itskum47/forgeci/control_plane/remoting"
	"github.com/itskum47/forgeci/control_plane/resilience"
	"github.com/itskum47/forgeci/control_plane/scheduler"
	"github.com/itskum47/forgeci/control_plane/store"
)

// API serves the agent protocol and the operator endpoints.
type API struct {
	remoting  *remoting.Service
	agents    *registry.Registry
	jobStatus *jobstatus.Service
	scheduler *scheduler.Scheduler
	store     store.Store
	dashboard *cache.DashboardCache
	pipelines *pipelineconfig.Service
	signer    *auth.Signer
	hub       *DashboardHub
	log       *logger.Logger
}

func NewAPI(app *App) *API {
	return &API{
		remoting:  app.Remoting,
		agents:    app.Agents,
		jobStatus: app.JobStatus,
		scheduler: app.Scheduler,
		store:     app.Store,
		dashboard: app.Dashboard,
		pipelines: app.Pipelines,
		signer:    app.Signer,
		hub:       app.Hub,
		log:       app.Log.WithFields(zap.String("component", "api")),
	}
}

// Router builds the gin engine with every route.
func (a *API) Router(serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.Tracing(serviceName),
		middleware.RequestLogger(a.log),
		middleware.CORS(),
	)

	router.GET("/health", a.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/agent/register", a.handleRegister)

	agentRoutes := router.Group("/remoting", middleware.RequireToken(a.signer, auth.RoleAgent))
	agentRoutes.POST("/agent", a.handleRemoting)
	agentRoutes.PUT("/console/:buildId", a.handleConsole)

	api := router.Group("/api", middleware.RequireToken(a.signer, auth.RoleUser))
	api.GET("/agents", a.handleListAgents)
	api.GET("/dashboard", a.handleGetDashboard)
	api.GET("/dashboard/pipelines/:name", a.handleGetDashboardPipeline)
	api.GET("/dashboard/stream", a.handleDashboardStream)
	api.POST("/pipelines/:name/schedule", a.handleSchedulePipeline)
	api.POST("/jobs/:buildId/cancel", a.handleCancelJob)
	api.POST("/jobs/:buildId/reschedule", a.handleRescheduleJob)
	api.GET("/jobs/:buildId/history", a.handleJobHistory)

	admin := router.Group("/api", middleware.RequireToken(a.signer, auth.RoleAdmin))
	admin.POST("/agents/:uuid/approve", a.handleApproveAgent)
	admin.POST("/agents/:uuid/enable", a.handleEnableAgent)
	admin.POST("/agents/:uuid/disable", a.handleDisableAgent)
	admin.DELETE("/agents/:uuid", a.handleDeleteAgent)
	admin.POST("/admin/config/reload", a.handleReloadConfig)

	return router
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"scheduler": a.scheduler.GetMetrics(),
		"agents":    len(a.agents.List()),
		"websocket": a.hub.ClientCount(),
	})
}

// writeError maps domain errors to status codes. Anything unknown is a 500,
// which agents treat as retryable.
func (a *API) writeError(c *gin.Context, err error) {
	var (
		mismatch *remoting.IdentityMismatchError
		dup      *registry.DuplicateUUIDError
		limited  *remoting.RateLimitedError
	)
	switch {
	case errors.As(err, &mismatch):
		c.JSON(http.StatusForbidden, remoting.ErrorResponse{Error: "identity_mismatch", Message: err.Error()})
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, remoting.ErrorResponse{Error: "duplicate_uuid"})
	case errors.As(err, &limited):
		observability.APIRateLimited.WithLabelValues(c.FullPath()).Inc()
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(http.StatusTooManyRequests, remoting.ErrorResponse{Error: "rate_limited", Message: err.Error()})
	case errors.Is(err, jobstatus.ErrJobNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, scheduler.ErrPipelineNotFound),
		errors.Is(err, scheduler.ErrStageNotFound):
		c.JSON(http.StatusNotFound, remoting.ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, remoting.ErrInvalidRequest), errors.Is(err, jobstatus.ErrInvalidState):
		observability.RemotingRejections.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, remoting.ErrorResponse{Error: "bad_request", Message: err.Error()})
	case errors.Is(err, registry.ErrAgentBuilding), errors.Is(err, scheduler.ErrJobNotReschedulable):
		c.JSON(http.StatusConflict, remoting.ErrorResponse{Error: "conflict", Message: err.Error()})
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, resilience.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, remoting.ErrorResponse{Error: "unavailable", Message: err.Error()})
	default:
		a.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, remoting.ErrorResponse{Error: "internal_error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	observability.RemotingRejections.WithLabelValues("bad_request").Inc()
	c.JSON(http.StatusBadRequest, remoting.ErrorResponse{Error: "bad_request", Message: msg})
}

func buildIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("buildId"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "buildId must be a positive integer")
		return 0, false
	}
	return id, true
}
