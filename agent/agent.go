package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/forgeci/agent/client"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/remoting"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// errDeleted stops the agent after the server told it to delete itself.
var errDeleted = errors.New("agent deleted by server")

// Remote is the control plane as the agent sees it.
type Remote interface {
	Register(ctx context.Context, identity domain.AgentIdentity, resources []string) (*remoting.RegisterResponse, error)
	GetCookie(ctx context.Context, identity domain.AgentIdentity, location string) (string, error)
	Ping(ctx context.Context, info domain.AgentRuntimeInfo) (domain.Instruction, error)
	GetWork(ctx context.Context, info domain.AgentRuntimeInfo) (domain.Work, error)
	ReportCurrentStatus(ctx context.Context, info domain.AgentRuntimeInfo, job domain.JobIdentifier, state domain.JobState) error
	ReportCompleting(ctx context.Context, info domain.AgentRuntimeInfo, job domain.JobIdentifier, result domain.JobResult) error
	ReportCompleted(ctx context.Context, info domain.AgentRuntimeInfo, job domain.JobIdentifier, result domain.JobResult) error
	IsIgnored(ctx context.Context, job domain.JobIdentifier) (bool, error)
	AppendConsole(ctx context.Context, buildID int64, data []byte) error
}

// Agent runs the ping and work loops against one control plane.
type Agent struct {
	cfg    *Config
	remote Remote
	log    *logger.Logger

	mu        sync.Mutex
	identity  domain.AgentIdentity
	building  *domain.JobIdentifier
	cancelJob func()
	disabled  bool
}

func NewAgent(cfg *Config, identity domain.AgentIdentity, remote Remote, log *logger.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		remote:   remote,
		identity: identity,
		log:      log.WithComponent("agent").WithAgent(identity.UUID),
	}
}

// Run registers and then pings and builds until ctx is cancelled or the
// server deletes the agent.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pingLoop(gctx) })
	g.Go(func() error { return a.workLoop(gctx) })

	err := g.Wait()
	switch {
	case errors.Is(err, errDeleted):
		a.log.Warn("agent was deleted on the server, stopping")
		return nil
	case ctx.Err() != nil:
		return nil
	}
	return err
}

// register retries with exponential backoff until the server answers. A
// duplicate UUID is fatal: another process is using our identity.
func (a *Agent) register(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := a.tryRegister(ctx)
		if err == nil {
			return nil
		}
		if client.IsDuplicateUUID(err) {
			return fmt.Errorf("another agent is registered with uuid %s: %w", a.uuid(), err)
		}
		if wait, ok := client.RetryAfter(err); ok {
			backoff = wait
		}

		a.log.Warn("registration failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Agent) tryRegister(ctx context.Context) error {
	resp, err := a.remote.Register(ctx, a.snapshotIdentity(), a.cfg.Resources)
	if err != nil {
		return err
	}
	a.log.Info("registered", zap.String("state", string(resp.Agent.State)))
	return a.refreshCookie(ctx)
}

func (a *Agent) refreshCookie(ctx context.Context) error {
	cookie, err := a.remote.GetCookie(ctx, a.snapshotIdentity(), a.cfg.Location)
	if err != nil {
		return fmt.Errorf("get cookie: %w", err)
	}
	a.mu.Lock()
	a.identity.Cookie = cookie
	a.mu.Unlock()
	return nil
}

func (a *Agent) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		instruction, err := a.remote.Ping(ctx, a.runtimeInfo())
		if err != nil {
			if stop := a.backoff(ctx, "ping", err); stop != nil {
				return stop
			}
		} else if err := a.handleInstruction(ctx, instruction); err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) handleInstruction(ctx context.Context, instruction domain.Instruction) error {
	a.mu.Lock()
	wasDisabled := a.disabled
	a.disabled = instruction == domain.InstructionDisable
	a.mu.Unlock()

	switch instruction {
	case domain.InstructionNone:
		if wasDisabled {
			a.log.Info("agent enabled")
		}
	case domain.InstructionReregister:
		a.log.Info("server asked for a new cookie")
		if err := a.refreshCookie(ctx); err != nil {
			a.log.Warn("reregister failed", zap.Error(err))
		}
	case domain.InstructionCancel:
		if a.cancelRunning() {
			a.log.Info("cancelling running job on server request")
		}
	case domain.InstructionDisable:
		if !wasDisabled {
			a.log.Warn("agent disabled by server")
		}
	case domain.InstructionDeleteSelf:
		a.cancelRunning()
		return errDeleted
	default:
		a.log.Warn("unknown instruction", zap.String("instruction", string(instruction)))
	}
	return nil
}

func (a *Agent) workLoop(ctx context.Context) error {
	for {
		work, err := a.remote.GetWork(ctx, a.runtimeInfo())
		if err != nil {
			if stop := a.backoff(ctx, "getWork", err); stop != nil {
				return stop
			}
			continue
		}

		switch work.Type {
		case domain.WorkBuild:
			if work.Job == nil || work.Plan == nil {
				a.log.Error("build work without job or plan")
				break
			}
			a.build(ctx, *work.Job, *work.Plan)
			continue
		case domain.WorkCancel:
			if work.Job != nil {
				a.log.Info("job cancelled before it started", zap.String("job", work.Job.String()))
			}
		case domain.WorkDenied:
			a.log.Debug("no work", zap.String("reason", work.Reason))
		}

		select {
		case <-time.After(a.cfg.WorkPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff waits after a failed call. It returns a non-nil error when the
// loop must stop.
func (a *Agent) backoff(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if client.IsDuplicateUUID(err) {
		return fmt.Errorf("%s: %w", method, err)
	}

	wait := a.cfg.WorkPollInterval
	if after, ok := client.RetryAfter(err); ok {
		wait = after
	}
	a.log.Warn("call failed", zap.String("method", method), zap.Error(err), zap.Duration("retry_in", wait))

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) uuid() string {
	return a.snapshotIdentity().UUID
}

func (a *Agent) snapshotIdentity() domain.AgentIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

func (a *Agent) runtimeInfo() domain.AgentRuntimeInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := domain.AgentRuntimeInfo{
		Identity:             a.identity,
		Status:               domain.AgentIdle,
		UsableSpace:          usableSpace(a.cfg.WorkDir),
		OperatingSystem:      operatingSystem(),
		AgentLauncherVersion: agentVersion,
	}
	if a.building != nil {
		job := *a.building
		info.Status = domain.AgentBuilding
		info.BuildingInfo = &job
	}
	return info
}

func (a *Agent) startBuilding(job domain.JobIdentifier, cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.building = &job
	a.cancelJob = cancel
}

func (a *Agent) stopBuilding() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.building = nil
	a.cancelJob = nil
}

// cancelRunning kills the running job, if any.
func (a *Agent) cancelRunning() bool {
	a.mu.Lock()
	cancel := a.cancelJob
	a.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}
