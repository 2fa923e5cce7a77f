// Package jobstatus turns agent reports into persisted job transitions and
// publishes the resulting job and stage events.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrJobNotAssignedToAgent = errors.New("job is not assigned to this agent")
	ErrInvalidState          = errors.New("invalid job state")
)

// Kind tells which protocol call produced a report.
type Kind int

const (
	KindStatus Kind = iota
	KindCompleting
	KindCompleted
)

func (k Kind) String() string {
	switch k {
	case KindCompleting:
		return "completing"
	case KindCompleted:
		return "completed"
	default:
		return "status"
	}
}

// Reported is one status or result report from an agent.
type Reported struct {
	Job       domain.JobIdentifier
	AgentUUID string
	Kind      Kind
	State     domain.JobState  // KindStatus only
	Result    domain.JobResult // KindCompleting and KindCompleted
}

// Store is the persistence the pipeline needs.
type Store interface {
	GetJob(ctx context.Context, buildID int64) (*domain.JobInstance, error)
	UpdateJobState(ctx context.Context, buildID int64, state domain.JobState, at time.Time) (bool, error)
	RecordJobResult(ctx context.Context, buildID int64, result domain.JobResult) (bool, error)
	IgnoreJob(ctx context.Context, buildID int64, state domain.JobState, result domain.JobResult, at time.Time) (bool, error)
	GetStage(ctx context.Context, id domain.StageIdentifier) (*domain.Stage, error)
}

// AgentTracker is the part of the agent registry that follows job progress.
type AgentTracker interface {
	MarkIdle(uuid string, buildID int64)
	SetInstruction(uuid string, instruction domain.Instruction)
}

const lockStripes = 64

// Service is the single place where job state changes. Every change is
// persisted before its events are published, and both happen under a lock
// striped by build ID so reports for one job are published in order. Stage
// snapshots are read and published under a second lock striped by stage run,
// so jobs of one stage finishing together publish stages in read order.
type Service struct {
	store       Store
	agents      AgentTracker
	jobEvents   *streaming.Bus[domain.JobStatusChanged]
	stageEvents *streaming.Bus[domain.StageStatusChanged]
	locks       [lockStripes]sync.Mutex
	stageLocks  [lockStripes]sync.Mutex
	now         func() time.Time
	log         *logger.Logger
}

func NewService(
	st Store,
	agents AgentTracker,
	jobEvents *streaming.Bus[domain.JobStatusChanged],
	stageEvents *streaming.Bus[domain.StageStatusChanged],
	log *logger.Logger,
) *Service {
	return &Service{
		store:       st,
		agents:      agents,
		jobEvents:   jobEvents,
		stageEvents: stageEvents,
		now:         time.Now,
		log:         log.WithFields(zap.String("component", "job-status")),
	}
}

func (s *Service) lockFor(buildID int64) *sync.Mutex {
	i := buildID % lockStripes
	if i < 0 {
		i = -i
	}
	return &s.locks[i]
}

// stageLockFor is always taken after the job lock, never before.
func (s *Service) stageLockFor(id domain.StageIdentifier) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(id.String())))
	return &s.stageLocks[h.Sum32()%lockStripes]
}

// Report applies one agent report. Repeating a report that was already
// applied changes nothing and publishes nothing.
func (s *Service) Report(ctx context.Context, r Reported) error {
	target, err := targetState(r)
	if err != nil {
		return err
	}

	buildID := r.Job.BuildID
	mu := s.lockFor(buildID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.GetJob(ctx, buildID)
	if err != nil {
		return s.persistFailure("load job", buildID, err)
	}
	if job == nil || !strings.EqualFold(job.Identifier.PipelineName, r.Job.PipelineName) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, r.Job)
	}
	if job.Ignored {
		s.log.Debug("ignoring report for ignored job",
			zap.Int64("build_id", buildID),
			zap.String("kind", r.Kind.String()),
		)
		return nil
	}
	if r.AgentUUID != "" && job.AgentUUID != r.AgentUUID {
		return fmt.Errorf("%w: %s is assigned to %q", ErrJobNotAssignedToAgent, r.Job, job.AgentUUID)
	}

	now := s.now()
	changed := false

	if r.Kind != KindStatus && r.Result != domain.ResultUnknown {
		ok, err := s.store.RecordJobResult(ctx, buildID, r.Result)
		if err != nil {
			return s.persistFailure("record result", buildID, err)
		}
		changed = changed || ok
	}

	for _, state := range transitionChain(job.State, target) {
		ok, err := s.store.UpdateJobState(ctx, buildID, state, now)
		if err != nil {
			return s.persistFailure("update state", buildID, err)
		}
		if ok {
			changed = true
			observability.JobTransitions.WithLabelValues(string(state)).Inc()
		}
	}

	if !changed {
		s.log.Debug("duplicate report",
			zap.Int64("build_id", buildID),
			zap.String("kind", r.Kind.String()),
			zap.String("state", string(target)),
		)
		return nil
	}

	return s.publish(ctx, job.State, buildID)
}

// JobScheduled publishes a newly scheduled job.
func (s *Service) JobScheduled(ctx context.Context, buildID int64) error {
	mu := s.lockFor(buildID)
	mu.Lock()
	defer mu.Unlock()
	observability.JobTransitions.WithLabelValues(string(domain.JobScheduled)).Inc()
	return s.publish(ctx, "", buildID)
}

// JobAssigned publishes the Assigned transition made by the scheduler.
func (s *Service) JobAssigned(ctx context.Context, buildID int64) error {
	mu := s.lockFor(buildID)
	mu.Lock()
	defer mu.Unlock()
	observability.JobTransitions.WithLabelValues(string(domain.JobAssigned)).Inc()
	return s.publish(ctx, domain.JobScheduled, buildID)
}

// IsIgnored reports whether the job was cancelled or rescheduled.
func (s *Service) IsIgnored(ctx context.Context, id domain.JobIdentifier) (bool, error) {
	job, err := s.store.GetJob(ctx, id.BuildID)
	if err != nil {
		return false, fmt.Errorf("load job %d: %w", id.BuildID, err)
	}
	if job == nil {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Ignored, nil
}

// Cancel marks the job ignored with result Cancelled. The agent running it is
// told on its next ping. It reports false if the job had already finished.
func (s *Service) Cancel(ctx context.Context, buildID int64) (bool, error) {
	job, ok, err := s.ignore(ctx, buildID, domain.JobCompleted, domain.ResultCancelled)
	if err != nil || !ok {
		return ok, err
	}
	s.log.Info("job cancelled", zap.Int64("build_id", buildID), zap.String("job", job.Identifier.String()))
	return true, nil
}

// Reschedule marks the job ignored as Rescheduled and returns the replaced
// job so the caller can schedule its copy.
func (s *Service) Reschedule(ctx context.Context, buildID int64) (*domain.JobInstance, bool, error) {
	job, ok, err := s.ignore(ctx, buildID, domain.JobRescheduled, domain.ResultUnknown)
	if err != nil || !ok {
		return job, ok, err
	}
	s.log.Info("job rescheduled", zap.Int64("build_id", buildID), zap.String("job", job.Identifier.String()))
	return job, true, nil
}

func (s *Service) ignore(ctx context.Context, buildID int64, state domain.JobState, result domain.JobResult) (*domain.JobInstance, bool, error) {
	mu := s.lockFor(buildID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.GetJob(ctx, buildID)
	if err != nil {
		return nil, false, s.persistFailure("load job", buildID, err)
	}
	if job == nil {
		return nil, false, fmt.Errorf("%w: build %d", ErrJobNotFound, buildID)
	}

	ok, err := s.store.IgnoreJob(ctx, buildID, state, result, s.now())
	if err != nil {
		return nil, false, s.persistFailure("ignore job", buildID, err)
	}
	if !ok {
		return job, false, nil
	}
	observability.JobTransitions.WithLabelValues(string(state)).Inc()

	if job.AgentUUID != "" && job.State.IsActiveOnAgent() {
		s.agents.SetInstruction(job.AgentUUID, domain.InstructionCancel)
	}
	return job, true, s.publish(ctx, job.State, buildID)
}

// publish reloads the job and its stage and publishes both events. Must be
// called with the job's lock held.
func (s *Service) publish(ctx context.Context, previous domain.JobState, buildID int64) error {
	job, err := s.store.GetJob(ctx, buildID)
	if err != nil {
		return s.persistFailure("reload job", buildID, err)
	}
	if job == nil {
		return fmt.Errorf("%w: build %d", ErrJobNotFound, buildID)
	}

	event := domain.JobStatusChanged{Job: *job, Previous: previous}
	if event.BecameCompleted() {
		observability.JobResults.WithLabelValues(string(job.Result)).Inc()
		if job.AssignedAt != nil && job.CompletedAt != nil {
			observability.JobDurationSeconds.Observe(job.CompletedAt.Sub(*job.AssignedAt).Seconds())
		}
	}
	s.jobEvents.Publish(ctx, event)

	// Freed only after the event is queued, so the next assignment's event
	// follows this one.
	if job.AgentUUID != "" && !job.IsActiveOnAgent() && !job.Ignored {
		s.agents.MarkIdle(job.AgentUUID, buildID)
	}

	if err := s.publishStage(ctx, job.Identifier.StageIdentifier(), buildID); err != nil {
		return err
	}

	s.log.Debug("job transition published",
		zap.Int64("build_id", buildID),
		zap.String("previous", string(previous)),
		zap.String("state", string(job.State)),
		zap.String("result", string(job.Result)),
	)
	return nil
}

// publishStage reads the stage and queues its event under the stage lock. A
// snapshot read later is therefore always queued later.
func (s *Service) publishStage(ctx context.Context, id domain.StageIdentifier, buildID int64) error {
	mu := s.stageLockFor(id)
	mu.Lock()
	defer mu.Unlock()

	stage, err := s.store.GetStage(ctx, id)
	if err != nil {
		return s.persistFailure("load stage", buildID, err)
	}
	if stage != nil {
		s.stageEvents.Publish(ctx, domain.StageStatusChanged{Stage: *stage})
	}
	return nil
}

func (s *Service) persistFailure(op string, buildID int64, err error) error {
	observability.JobPersistFailures.Inc()
	s.log.Error("job status persistence failed",
		zap.String("op", op),
		zap.Int64("build_id", buildID),
		zap.Error(err),
	)
	return fmt.Errorf("%s for build %d: %w", op, buildID, err)
}

func targetState(r Reported) (domain.JobState, error) {
	switch r.Kind {
	case KindCompleting:
		return domain.JobCompleting, nil
	case KindCompleted:
		return domain.JobCompleted, nil
	}
	if !r.State.Valid() || r.State == domain.JobRescheduled || r.State == domain.JobScheduled {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, r.State)
	}
	return r.State, nil
}

// transitionChain lists the states to persist to reach target from current.
// Completing and Completed fill in the Building (and Completing) steps an
// agent skipped.
func transitionChain(current, target domain.JobState) []domain.JobState {
	var chain []domain.JobState
	if (target == domain.JobCompleting || target == domain.JobCompleted) && current.Rank() < domain.JobBuilding.Rank() {
		chain = append(chain, domain.JobBuilding)
	}
	if target == domain.JobCompleted && current.Rank() < domain.JobCompleting.Rank() {
		chain = append(chain, domain.JobCompleting)
	}
	return append(chain, target)
}
