// Package remoting implements the operations agents call on the server:
// ping, getWork, status and result reports, isIgnored and getCookie.
//
// Every call names the agent twice: once through the transport (the UUID the
// caller authenticated as) and once in its payload. The two must agree.
package remoting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/jobstatus"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/registry"
	"github.com/itskum47/forgeci/control_plane/tracing"
)

// Registry is the agent table the protocol reads and updates.
type Registry interface {
	UpdateRuntimeInfo(ctx context.Context, info domain.AgentRuntimeInfo) error
	FindAgentAndRefreshStatus(uuid string) (registry.AgentInstance, bool)
	TakeInstruction(uuid string) domain.Instruction
	AssignCookie(ctx context.Context, identity domain.AgentIdentity) (string, error)
	Register(ctx context.Context, identity domain.AgentIdentity, resources []string) (domain.AgentConfig, error)
}

// WorkAssigner hands out jobs.
type WorkAssigner interface {
	AssignWorkToAgent(ctx context.Context, agent registry.AgentInstance) (domain.Work, error)
}

// StatusReporter applies job reports.
type StatusReporter interface {
	Report(ctx context.Context, r jobstatus.Reported) error
	IsIgnored(ctx context.Context, id domain.JobIdentifier) (bool, error)
}

// JobFinder loads jobs to check who owns them.
type JobFinder interface {
	GetJob(ctx context.Context, buildID int64) (*domain.JobInstance, error)
}

// ConsoleWriter stores console output.
type ConsoleWriter interface {
	Append(ctx context.Context, id domain.JobIdentifier, data []byte) error
}

// Limiter throttles chatty agents.
type Limiter interface {
	Reserve(key string) (bool, time.Duration)
}

// Service is the agent protocol.
type Service struct {
	registry    Registry
	work        WorkAssigner
	status      StatusReporter
	jobs        JobFinder
	console     ConsoleWriter
	limiter     Limiter
	pingTimeout time.Duration
	log         *logger.Logger
}

func NewService(
	reg Registry,
	work WorkAssigner,
	status StatusReporter,
	jobs JobFinder,
	console ConsoleWriter,
	limiter Limiter,
	pingTimeout time.Duration,
	log *logger.Logger,
) *Service {
	return &Service{
		registry:    reg,
		work:        work,
		status:      status,
		jobs:        jobs,
		console:     console,
		limiter:     limiter,
		pingTimeout: pingTimeout,
		log:         log.WithFields(zap.String("component", "remoting")),
	}
}

// call wraps one protocol operation with a span and metrics.
func (s *Service) call(ctx context.Context, method, agent string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := tracing.StartAgentCall(ctx, method, agent)
	err := fn(ctx)
	tracing.EndWithError(span, err)

	observability.RemotingLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.RemotingRequests.WithLabelValues(method, outcome).Inc()
	return err
}

// guard checks that the authenticated agent speaks for itself. Nothing is
// read or written before it passes.
func (s *Service) guard(method, asserted, claimed string) error {
	if asserted != "" && asserted == claimed {
		return nil
	}
	return s.reject(method, &IdentityMismatchError{
		Asserted: asserted,
		Claimed:  claimed,
		Reason:   "payload uuid does not match the authenticated agent",
	})
}

func (s *Service) reject(method string, err *IdentityMismatchError) error {
	observability.RemotingRejections.WithLabelValues("identity_mismatch").Inc()
	s.log.Warn("rejected agent call",
		zap.String("method", method),
		zap.String("asserted_uuid", err.Asserted),
		zap.String("claimed", err.Claimed),
		zap.String("reason", err.Reason),
	)
	return err
}

func (s *Service) throttle(method, uuid string) error {
	if s.limiter == nil {
		return nil
	}
	if ok, wait := s.limiter.Reserve(uuid); !ok {
		observability.RemotingRejections.WithLabelValues("rate_limited").Inc()
		observability.APIRateLimited.WithLabelValues(method).Inc()
		return &RateLimitedError{RetryAfter: wait}
	}
	return nil
}

// refresh records the runtime info that came with a call.
func (s *Service) refresh(ctx context.Context, info domain.AgentRuntimeInfo) error {
	err := s.registry.UpdateRuntimeInfo(ctx, info)
	var dup *registry.DuplicateUUIDError
	if errors.As(err, &dup) {
		observability.RemotingRejections.WithLabelValues("duplicate_uuid").Inc()
	}
	return err
}

// Ping records the agent's runtime info and returns what it should do next.
func (s *Service) Ping(ctx context.Context, asserted string, info domain.AgentRuntimeInfo) (domain.Instruction, error) {
	instruction := domain.InstructionNone
	err := s.call(ctx, "ping", asserted, func(ctx context.Context) error {
		if err := s.guard("ping", asserted, info.UUID()); err != nil {
			return err
		}
		if err := s.throttle("ping", asserted); err != nil {
			return err
		}

		if s.pingTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.pingTimeout)
			defer cancel()
		}
		if err := s.refresh(ctx, info); err != nil {
			if errors.Is(err, registry.ErrNoCookie) {
				instruction = domain.InstructionReregister
				return nil
			}
			return err
		}

		agent, ok := s.registry.FindAgentAndRefreshStatus(asserted)
		switch {
		case !ok:
			instruction = domain.InstructionReregister
		case agent.Deleted:
			instruction = domain.InstructionDeleteSelf
		case agent.Status == domain.AgentDisabled:
			instruction = domain.InstructionDisable
		default:
			instruction = s.registry.TakeInstruction(asserted)
		}
		return nil
	})
	if err != nil {
		return domain.InstructionNone, err
	}
	if instruction != domain.InstructionNone {
		s.log.Info("instruction sent to agent",
			zap.String("agent_uuid", asserted),
			zap.String("instruction", string(instruction)),
		)
	}
	return instruction, nil
}

// GetWork returns the agent's current job, a new one, or no work. Asking
// again while a job is assigned returns the same job.
func (s *Service) GetWork(ctx context.Context, asserted string, info domain.AgentRuntimeInfo) (domain.Work, error) {
	var work domain.Work
	err := s.call(ctx, "getWork", asserted, func(ctx context.Context) error {
		if err := s.guard("getWork", asserted, info.UUID()); err != nil {
			return err
		}
		if err := s.throttle("getWork", asserted); err != nil {
			return err
		}
		if err := s.refresh(ctx, info); err != nil {
			if errors.Is(err, registry.ErrNoCookie) {
				work = domain.DeniedWork("agent has no cookie")
				return nil
			}
			return err
		}

		agent, ok := s.registry.FindAgentAndRefreshStatus(asserted)
		if !ok {
			work = domain.DeniedWork("agent is not registered")
			return nil
		}
		var err error
		work, err = s.work.AssignWorkToAgent(ctx, agent)
		return err
	})
	return work, err
}

func (s *Service) report(ctx context.Context, method, asserted string, info domain.AgentRuntimeInfo, r jobstatus.Reported) error {
	return s.call(ctx, method, asserted, func(ctx context.Context) error {
		if err := s.guard(method, asserted, info.UUID()); err != nil {
			return err
		}
		if r.Job.BuildID == 0 {
			return fmt.Errorf("%w: job identifier has no build id", ErrInvalidRequest)
		}
		tracing.RecordJob(ctx, r.Job.BuildID, r.Job.String())

		if err := s.refresh(ctx, info); err != nil {
			return err
		}

		r.AgentUUID = asserted
		err := s.status.Report(ctx, r)
		if errors.Is(err, jobstatus.ErrJobNotAssignedToAgent) {
			return s.reject(method, &IdentityMismatchError{
				Asserted: asserted,
				Claimed:  r.Job.String(),
				Reason:   "job is assigned to another agent",
				err:      err,
			})
		}
		return err
	})
}

// ReportCurrentStatus records a job state reported by its agent.
func (s *Service) ReportCurrentStatus(ctx context.Context, asserted string, info domain.AgentRuntimeInfo, job domain.JobIdentifier, state domain.JobState) error {
	return s.report(ctx, "reportCurrentStatus", asserted, info, jobstatus.Reported{
		Job:   job,
		Kind:  jobstatus.KindStatus,
		State: state,
	})
}

// ReportCompleting records the job result and moves the job to Completing.
func (s *Service) ReportCompleting(ctx context.Context, asserted string, info domain.AgentRuntimeInfo, job domain.JobIdentifier, result domain.JobResult) error {
	return s.report(ctx, "reportCompleting", asserted, info, jobstatus.Reported{
		Job:    job,
		Kind:   jobstatus.KindCompleting,
		Result: result,
	})
}

// ReportCompleted records the job result and completes the job.
func (s *Service) ReportCompleted(ctx context.Context, asserted string, info domain.AgentRuntimeInfo, job domain.JobIdentifier, result domain.JobResult) error {
	return s.report(ctx, "reportCompleted", asserted, info, jobstatus.Reported{
		Job:    job,
		Kind:   jobstatus.KindCompleted,
		Result: result,
	})
}

// ownJob checks that job exists and, once assigned, belongs to asserted.
func (s *Service) ownJob(ctx context.Context, method, asserted string, id domain.JobIdentifier) (*domain.JobInstance, error) {
	if asserted == "" {
		return nil, s.reject(method, &IdentityMismatchError{Claimed: id.String(), Reason: "no authenticated agent"})
	}
	job, err := s.jobs.GetJob(ctx, id.BuildID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", id.BuildID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", jobstatus.ErrJobNotFound, id)
	}
	if job.AgentUUID != "" && job.AgentUUID != asserted {
		return nil, s.reject(method, &IdentityMismatchError{
			Asserted: asserted,
			Claimed:  id.String(),
			Reason:   "job is assigned to another agent",
			err:      jobstatus.ErrJobNotAssignedToAgent,
		})
	}
	return job, nil
}

// IsIgnored reports whether the agent should stop working on job.
func (s *Service) IsIgnored(ctx context.Context, asserted string, job domain.JobIdentifier) (bool, error) {
	var ignored bool
	err := s.call(ctx, "isIgnored", asserted, func(ctx context.Context) error {
		if _, err := s.ownJob(ctx, "isIgnored", asserted, job); err != nil {
			return err
		}
		var err error
		ignored, err = s.status.IsIgnored(ctx, job)
		return err
	})
	return ignored, err
}

// AppendConsole stores console output sent by the agent running the job.
func (s *Service) AppendConsole(ctx context.Context, asserted string, buildID int64, data []byte) error {
	return s.call(ctx, "appendConsole", asserted, func(ctx context.Context) error {
		job, err := s.ownJob(ctx, "appendConsole", asserted, domain.JobIdentifier{BuildID: buildID})
		if err != nil {
			return err
		}
		return s.console.Append(ctx, job.Identifier, data)
	})
}

// GetCookie issues a cookie for the agent. It is the one call made before the
// agent has an identity the server knows.
func (s *Service) GetCookie(ctx context.Context, identity domain.AgentIdentity, location string) (string, error) {
	var cookie string
	err := s.call(ctx, "getCookie", identity.UUID, func(ctx context.Context) error {
		if identity.UUID == "" {
			return fmt.Errorf("%w: missing uuid", ErrInvalidRequest)
		}
		identity.Location = location
		var err error
		cookie, err = s.registry.AssignCookie(ctx, identity)
		return err
	})
	return cookie, err
}

// Register records an agent asking to join. New agents stay Pending until an
// admin approves them.
func (s *Service) Register(ctx context.Context, identity domain.AgentIdentity, resources []string) (domain.AgentConfig, error) {
	var cfg domain.AgentConfig
	err := s.call(ctx, "register", identity.UUID, func(ctx context.Context) error {
		if identity.UUID == "" || identity.Hostname == "" {
			return fmt.Errorf("%w: uuid and hostname are required", ErrInvalidRequest)
		}
		var err error
		cfg, err = s.registry.Register(ctx, identity, resources)
		return err
	})
	return cfg, err
}
