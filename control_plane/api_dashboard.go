package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/middleware"
	"github.com/itskum47/forgeci/control_plane/remoting"
)

// DashboardResponse is the body of GET /api/dashboard.
type DashboardResponse struct {
	Version   uint64                      `json:"version"`
	Pipelines []*domain.DashboardPipeline `json:"pipelines"`
}

// handleGetDashboard serves the caller's view of the dashboard. The ETag is
// the snapshot's: a caller's view only changes when the snapshot does.
func (a *API) handleGetDashboard(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	snapshot := a.dashboard.Snapshot()

	etag := quoteETag(snapshot.ETag)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if etagMatches(c.GetHeader("If-None-Match"), etag) {
		c.Status(http.StatusNotModified)
		return
	}

	c.JSON(http.StatusOK, DashboardResponse{
		Version:   snapshot.Version,
		Pipelines: snapshot.VisibleTo(claims.Subject, claims.IsAdmin()),
	})
}

// handleGetDashboardPipeline serves one entry with its fingerprint as ETag.
// Pipelines the caller may not view are reported as missing.
func (a *API) handleGetDashboardPipeline(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	p := a.dashboard.Get(c.Param("name"))
	if p == nil || !p.CanBeViewedBy(claims.Subject, claims.IsAdmin()) {
		c.JSON(http.StatusNotFound, remoting.ErrorResponse{Error: "not_found", Message: "pipeline not found"})
		return
	}

	etag := quoteETag(p.Fingerprint)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if etagMatches(c.GetHeader("If-None-Match"), etag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, p)
}

func quoteETag(tag string) string {
	return `"` + tag + `"`
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
