package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/auth"
	"github.com/itskum47/forgeci/control_plane/middleware"
	"github.com/itskum47/forgeci/control_plane/remoting"
)

const (
	maxEnvelopeBytes = 1 << 20
	maxConsoleChunk  = 4 << 20
)

// handleRegister records a new agent as Pending and hands it its token. The
// token proves nothing until an admin approves the agent.
func (a *API) handleRegister(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvelopeBytes))
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}
	var req remoting.RegisterRequest
	if err := remoting.DecodeStrict(body, &req); err != nil {
		a.writeError(c, err)
		return
	}

	agent, err := a.remoting.Register(c.Request.Context(), req.Identity, req.Resources)
	if err != nil {
		a.writeError(c, err)
		return
	}
	token, err := a.signer.Issue(agent.UUID, auth.RoleAgent)
	if err != nil {
		a.writeError(c, fmt.Errorf("issue agent token: %w", err))
		return
	}
	a.log.Info("agent registered", zap.String("agent_uuid", agent.UUID), zap.String("state", string(agent.State)))
	c.JSON(http.StatusOK, remoting.RegisterResponse{Token: token, Agent: agent})
}

// handleRemoting dispatches one protocol call. The asserted identity is the
// token subject; the payload identity is checked against it by the service.
func (a *API) handleRemoting(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvelopeBytes))
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}
	var env remoting.Envelope
	if err := remoting.DecodeStrict(body, &env); err != nil {
		a.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	asserted := middleware.ClaimsFrom(c).Subject

	switch env.Method {
	case remoting.MethodPing:
		var p remoting.PingParams
		if !a.decodeParams(c, env, &p) {
			return
		}
		instruction, err := a.remoting.Ping(ctx, asserted, p.RuntimeInfo)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, remoting.PingResponse{Instruction: instruction})

	case remoting.MethodGetWork:
		var p remoting.GetWorkParams
		if !a.decodeParams(c, env, &p) {
			return
		}
		work, err := a.remoting.GetWork(ctx, asserted, p.RuntimeInfo)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, work)

	case remoting.MethodReportCurrentStatus:
		var p remoting.ReportStatusParams
		if !a.decodeParams(c, env, &p) {
			return
		}
		a.reply(c, a.remoting.ReportCurrentStatus(ctx, asserted, p.RuntimeInfo, p.Job, p.State))

	case remoting.MethodReportCompleting:
		var p remoting.ReportResultParams
		if !a.decodeParams(c, env, &p) {
			return
		}
		a.reply(c, a.remoting.ReportCompleting(ctx, asserted, p.RuntimeInfo, p.Job, p.Result))

	case remoting.MethodReportCompleted:
		var p remoting.ReportResultParams
		if !a.decodeParams(c, env, &p) {
			return
		}
		a.reply(c, a.remoting.ReportCompleted(ctx, asserted, p.RuntimeInfo, p.Job, p.Result))

	case remoting.MethodIsIgnored:
		var p remoting.IsIgnoredParams
		if !a.decodeParams(c, env, &p) {
			return
		}
		ignored, err := a.remoting.IsIgnored(ctx, asserted, p.Job)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, remoting.IsIgnoredResponse{Ignored: ignored})

	case remoting.MethodGetCookie:
		var p remoting.GetCookieParams
		if !a.decodeParams(c, env, &p) {
			return
		}
		cookie, err := a.remoting.GetCookie(ctx, p.Identity, p.Location)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, remoting.GetCookieResponse{Cookie: cookie})

	default:
		badRequest(c, fmt.Sprintf("unknown method %q", env.Method))
	}
}

func (a *API) decodeParams(c *gin.Context, env remoting.Envelope, v interface{}) bool {
	if err := remoting.DecodeStrict(env.Params, v); err != nil {
		a.writeError(c, fmt.Errorf("%s params: %w", env.Method, err))
		return false
	}
	return true
}

func (a *API) reply(c *gin.Context, err error) {
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleConsole appends the request body to the job's console log.
func (a *API) handleConsole(c *gin.Context) {
	buildID, ok := buildIDParam(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxConsoleChunk))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, remoting.ErrorResponse{Error: "too_large", Message: err.Error()})
		return
	}
	asserted := middleware.ClaimsFrom(c).Subject
	a.reply(c, a.remoting.AppendConsole(c.Request.Context(), asserted, buildID, data))
}
