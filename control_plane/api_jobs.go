package main

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/auth"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/jobstatus"
	"github.com/itskum47/forgeci/control_plane/middleware"
	"github.com/itskum47/forgeci/control_plane/remoting"
)

// canOperate applies the operator list of the pipeline's group. Admins may
// operate everything. It writes the error response when it reports false.
func (a *API) canOperate(c *gin.Context, claims *auth.Claims, pipeline string) bool {
	if claims.IsAdmin() {
		return true
	}
	group, ok := a.pipelines.FindGroupByPipeline(pipeline)
	if !ok {
		c.JSON(http.StatusNotFound, remoting.ErrorResponse{Error: "not_found", Message: "pipeline not found"})
		return false
	}
	if !group.Permissions.CanOperate(claims.Subject) {
		c.JSON(http.StatusForbidden, remoting.ErrorResponse{Error: "forbidden", Message: "not an operator of " + group.Name})
		return false
	}
	return true
}

func (a *API) handleSchedulePipeline(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	name := c.Param("name")
	if !a.canOperate(c, claims, name) {
		return
	}

	counter, err := a.scheduler.TriggerPipeline(c.Request.Context(), name)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.log.Info("pipeline scheduled by user",
		zap.String("pipeline", name),
		zap.Int("counter", counter),
		zap.String("by", claims.Subject),
	)
	c.JSON(http.StatusAccepted, gin.H{"pipeline": name, "counter": counter})
}

// loadJob fetches the job named by the buildId path parameter. It writes the
// error response when it returns nil.
func (a *API) loadJob(c *gin.Context) *domain.JobInstance {
	buildID, ok := buildIDParam(c)
	if !ok {
		return nil
	}
	job, err := a.store.GetJob(c.Request.Context(), buildID)
	if err != nil {
		a.writeError(c, fmt.Errorf("load job %d: %w", buildID, err))
		return nil
	}
	if job == nil {
		a.writeError(c, fmt.Errorf("%w: build %d", jobstatus.ErrJobNotFound, buildID))
		return nil
	}
	return job
}

func (a *API) handleCancelJob(c *gin.Context) {
	job := a.loadJob(c)
	if job == nil {
		return
	}
	claims := middleware.ClaimsFrom(c)
	if !a.canOperate(c, claims, job.Identifier.PipelineName) {
		return
	}

	cancelled, err := a.jobStatus.Cancel(c.Request.Context(), job.BuildID())
	if err != nil {
		a.writeError(c, err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, remoting.ErrorResponse{Error: "conflict", Message: "job already completed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buildId": job.BuildID(), "cancelled": true})
}

func (a *API) handleRescheduleJob(c *gin.Context) {
	job := a.loadJob(c)
	if job == nil {
		return
	}
	claims := middleware.ClaimsFrom(c)
	if !a.canOperate(c, claims, job.Identifier.PipelineName) {
		return
	}

	replacement, err := a.scheduler.Reschedule(c.Request.Context(), job.BuildID())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, replacement)
}

func (a *API) handleJobHistory(c *gin.Context) {
	job := a.loadJob(c)
	if job == nil {
		return
	}
	claims := middleware.ClaimsFrom(c)
	if p := a.dashboard.Get(job.Identifier.PipelineName); p != nil && !p.CanBeViewedBy(claims.Subject, claims.IsAdmin()) {
		c.JSON(http.StatusNotFound, remoting.ErrorResponse{Error: "not_found", Message: "job not found"})
		return
	}

	history, err := a.store.FindJobStatusHistory(c.Request.Context(), job.BuildID())
	if err != nil {
		a.writeError(c, fmt.Errorf("load history of %d: %w", job.BuildID(), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "history": history})
}

func (a *API) handleReloadConfig(c *gin.Context) {
	if err := a.pipelines.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, remoting.ErrorResponse{Error: "invalid_config", Message: err.Error()})
		return
	}
	cfg := a.pipelines.CurrentConfig()
	c.JSON(http.StatusOK, gin.H{"pipelines": len(cfg.Pipelines())})
}
