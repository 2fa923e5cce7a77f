package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/middleware"
)

func (a *API) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": a.agents.List()})
}

func (a *API) handleApproveAgent(c *gin.Context) {
	a.changeAgent(c, "approved", a.agents.Approve)
}

func (a *API) handleEnableAgent(c *gin.Context) {
	a.changeAgent(c, "enabled", a.agents.Enable)
}

func (a *API) handleDisableAgent(c *gin.Context) {
	a.changeAgent(c, "disabled", a.agents.Disable)
}

func (a *API) handleDeleteAgent(c *gin.Context) {
	a.changeAgent(c, "deleted", a.agents.Delete)
}

func (a *API) changeAgent(c *gin.Context, action string, fn func(ctx context.Context, uuid string) error) {
	uuid := c.Param("uuid")
	if err := fn(c.Request.Context(), uuid); err != nil {
		a.writeError(c, err)
		return
	}
	a.log.Info("agent "+action,
		zap.String("agent_uuid", uuid),
		zap.String("by", middleware.ClaimsFrom(c).Subject),
	)
	agent, ok := a.agents.FindAgentAndRefreshStatus(uuid)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, agent)
}
