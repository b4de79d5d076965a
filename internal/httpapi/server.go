// Package httpapi exposes the session control API, submission job status,
// health probes and Prometheus metrics over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/stuartshay/path-worker/internal/auth"
	"github.com/stuartshay/path-worker/internal/gameapi"
	"github.com/stuartshay/path-worker/internal/metrics"
	"github.com/stuartshay/path-worker/internal/queue"
	"github.com/stuartshay/path-worker/internal/sampler"
	"github.com/stuartshay/path-worker/internal/session"
	"github.com/stuartshay/path-worker/internal/store"
)

// TriggerAPI marks submission jobs requested over HTTP
const TriggerAPI = "api"

// Deps are the collaborators served by the API
type Deps struct {
	ServiceName string
	DeviceID    string
	Session     *session.Session
	Queue       *queue.Queue
	Store       store.PointStore
	Metrics     *metrics.Metrics
	Auth        *auth.Manager
}

type handlers struct {
	Deps
}

// NewRouter builds the gin engine with every route registered
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(d.ServiceName))
	r.Use(requestLogger())

	h := &handlers{Deps: d}

	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/session", h.sessionStatus)
		v1.POST("/session/start", h.startSession)
		v1.POST("/session/stop", h.stopSession)
		v1.GET("/session/events", h.sessionEvents)
		v1.POST("/fixes", h.postFix)

		v1.GET("/submissions", h.listSubmissions)
		v1.GET("/submissions/:id", h.getSubmission)

		if d.Auth != nil {
			v1.POST("/auth/login", h.login)
			v1.POST("/auth/logout", h.logout)
		}
	}

	return r
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.HealthCheck(ctx); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *handlers) sessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Session.Status(c.Request.Context()))
}

func (h *handlers) startSession(c *gin.Context) {
	if err := h.Session.Start(); err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Session.Status(c.Request.Context()))
}

// stopSession halts collection synchronously and queues the submission.
// With ?wait=true the response carries the finished job.
func (h *handlers) stopSession(c *gin.Context) {
	if err := h.Session.BeginStop(); err != nil {
		writeSessionError(c, err)
		return
	}

	jobID, err := h.Queue.Enqueue(h.DeviceID, TriggerAPI)
	if err != nil {
		// the session is already finalizing, so finish it inline
		_ = c.Error(err)
		outcome, ferr := h.Session.CompleteStop(c.Request.Context())
		if ferr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": ferr.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome, "message": outcome.Message()})
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": queue.StatusQueued})
		return
	}

	job, err := h.Queue.Wait(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handlers) postFix(c *gin.Context) {
	var fix sampler.Fix
	if err := c.ShouldBindJSON(&fix); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Session.HandleFix(fix); err != nil {
		writeSessionError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) listSubmissions(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	status := queue.JobStatus(c.Query("status"))

	jobs := h.Queue.ListJobs(status, limit, offset)
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"stats": h.Queue.GetStats(),
	})
}

func (h *handlers) getSubmission(c *gin.Context) {
	job, err := h.Queue.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := h.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		_ = c.Error(err)
		var apiErr *gameapi.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": tokens.UserID})
}

func (h *handlers) logout(c *gin.Context) {
	if err := h.Auth.Logout(); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotCollecting):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
