package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/registry"
	"github.com/itskum47/forgeci/control_plane/resilience"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

var (
	ErrQueueFull           = errors.New("scheduler queue is full")
	ErrPipelineNotFound    = errors.New("pipeline not found")
	ErrStageNotFound       = errors.New("stage not found")
	ErrJobNotReschedulable = errors.New("job is already completed")
)

// Store is the persistence the scheduler needs.
type Store interface {
	NextPipelineCounter(ctx context.Context, pipeline string) (int, error)
	NextStageCounter(ctx context.Context, pipeline string, pipelineCounter int, stage string) (int, error)
	ScheduleJob(ctx context.Context, job *domain.JobInstance) error
	GetJob(ctx context.Context, buildID int64) (*domain.JobInstance, error)
	AssignJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) (bool, error)
	ListScheduledJobs(ctx context.Context) ([]*domain.JobInstance, error)
	MostRecentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error)
}

// AgentTracker records which job an agent is building.
type AgentTracker interface {
	MarkBuilding(uuid string, job domain.JobIdentifier)
	MarkIdle(uuid string, buildID int64)
}

// StatusPublisher publishes the transitions the scheduler makes.
type StatusPublisher interface {
	JobScheduled(ctx context.Context, buildID int64) error
	JobAssigned(ctx context.Context, buildID int64) error
	Reschedule(ctx context.Context, buildID int64) (*domain.JobInstance, bool, error)
}

// ActiveJobs finds the job an agent is running.
type ActiveJobs interface {
	LatestActiveJobOnAgent(ctx context.Context, uuid string) (*domain.JobInstance, error)
}

// Scheduler creates job runs and hands them to agents that ask for work.
type Scheduler struct {
	store       Store
	agents      AgentTracker
	status      StatusPublisher
	assignments ActiveJobs
	config      pipelineconfig.Lookup

	queue   *ThreadSafeQueue
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
	now     func() time.Time

	// scheduleMu serializes counter allocation; assignMu serializes queue
	// takes so a job is offered to one agent at a time. agentLocks holds one
	// mutex per agent UUID so one agent's getWork calls run one at a time.
	scheduleMu sync.Mutex
	assignMu   sync.Mutex
	agentLocks sync.Map
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(
	st Store,
	agents AgentTracker,
	status StatusPublisher,
	assignments ActiveJobs,
	config pipelineconfig.Lookup,
	cfg Config,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		store:       st,
		agents:      agents,
		status:      status,
		assignments: assignments,
		config:      config,
		queue:       NewThreadSafeQueue(),
		breaker:     resilience.NewCircuitBreaker("scheduler", cfg.QueueThreshold),
		log:         log.WithFields(zap.String("component", "scheduler")),
		now:         time.Now,
	}
}

// TriggerPipeline starts a new run of the pipeline and schedules its first
// stage. It returns the new pipeline counter.
func (s *Scheduler) TriggerPipeline(ctx context.Context, name string) (int, error) {
	p, ok := s.config.FindPipeline(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	counter, err := s.store.NextPipelineCounter(ctx, p.Name)
	if err != nil {
		return 0, fmt.Errorf("allocate counter for %s: %w", p.Name, err)
	}
	if _, err := s.scheduleStageLocked(ctx, p, counter, p.Stages[0].Name); err != nil {
		return 0, err
	}
	s.log.Info("pipeline triggered", zap.String("pipeline", p.Name), zap.Int("counter", counter))
	return counter, nil
}

// ScheduleStage schedules every job of a stage in the given pipeline run.
func (s *Scheduler) ScheduleStage(ctx context.Context, pipeline string, counter int, stage string) ([]*domain.JobInstance, error) {
	p, ok := s.config.FindPipeline(pipeline)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipeline)
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()
	return s.scheduleStageLocked(ctx, p, counter, stage)
}

func (s *Scheduler) scheduleStageLocked(ctx context.Context, p *pipelineconfig.Pipeline, counter int, stageName string) ([]*domain.JobInstance, error) {
	stage, ok := p.Stage(stageName)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrStageNotFound, p.Name, stageName)
	}
	if !s.breaker.ShouldAdmit(s.queue.Len()) {
		observability.SchedulerRejections.WithLabelValues("queue_full").Inc()
		return nil, fmt.Errorf("%w: %w", ErrQueueFull, resilience.ErrCircuitOpen)
	}

	stageCounter, err := s.store.NextStageCounter(ctx, p.Name, counter, stage.Name)
	if err != nil {
		return nil, fmt.Errorf("allocate stage counter for %s/%d/%s: %w", p.Name, counter, stage.Name, err)
	}

	jobs := make([]*domain.JobInstance, 0, len(stage.Jobs))
	for _, j := range stage.Jobs {
		job := &domain.JobInstance{
			Identifier: domain.JobIdentifier{
				PipelineName:    p.Name,
				PipelineCounter: counter,
				StageName:       stage.Name,
				StageCounter:    stageCounter,
				JobName:         j.Name,
			},
			Plan:        j.Plan(),
			ScheduledAt: s.now(),
		}
		if err := s.enqueueNew(ctx, job, PriorityDefault); err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}

	s.log.Info("stage scheduled",
		zap.String("stage", domain.StageIdentifier{PipelineName: p.Name, PipelineCounter: counter, StageName: stage.Name, StageCounter: stageCounter}.String()),
		zap.Int("jobs", len(jobs)),
	)
	return jobs, nil
}

func (s *Scheduler) enqueueNew(ctx context.Context, job *domain.JobInstance, priority int) error {
	if err := s.store.ScheduleJob(ctx, job); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Identifier, err)
	}
	s.queue.Push(newQueuedJob(job, priority))
	s.reportQueue()
	if err := s.status.JobScheduled(ctx, job.BuildID()); err != nil {
		s.log.Warn("failed to publish scheduled job", zap.Int64("build_id", job.BuildID()), zap.Error(err))
	}
	return nil
}

// Reschedule replaces a job that has not completed with a fresh copy at the
// front of the queue.
func (s *Scheduler) Reschedule(ctx context.Context, buildID int64) (*domain.JobInstance, error) {
	old, ok, err := s.status.Reschedule(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: build %d", ErrJobNotReschedulable, buildID)
	}

	id := old.Identifier
	id.BuildID = 0
	job := &domain.JobInstance{Identifier: id, Plan: old.Plan, ScheduledAt: s.now()}
	if err := s.enqueueNew(ctx, job, PriorityRescheduled); err != nil {
		return nil, err
	}
	s.log.Info("job rescheduled", zap.Int64("old_build_id", buildID), zap.Int64("build_id", job.BuildID()))
	return job, nil
}

// AssignWorkToAgent answers getWork. Asking again while a job is active on
// the agent returns the same work.
func (s *Scheduler) AssignWorkToAgent(ctx context.Context, agent registry.AgentInstance) (domain.Work, error) {
	uuid := agent.UUID()

	switch agent.Config.State {
	case domain.AgentConfigPending:
		s.logDecision(SchedulingDecision{Decision: "DENY", AgentUUID: uuid, Reason: "pending"})
		return domain.DeniedWork("agent is pending approval"), nil
	case domain.AgentConfigDisabled:
		s.logDecision(SchedulingDecision{Decision: "DENY", AgentUUID: uuid, Reason: "disabled"})
		return domain.DeniedWork("agent is disabled"), nil
	}
	if agent.Deleted {
		s.logDecision(SchedulingDecision{Decision: "DENY", AgentUUID: uuid, Reason: "deleted"})
		return domain.DeniedWork("agent was deleted"), nil
	}

	unlock := s.lockAgent(uuid)
	defer unlock()

	if work, ok, err := s.currentWork(ctx, agent); err != nil || ok {
		return work, err
	}

	if !agent.CanBuild() {
		s.logDecision(SchedulingDecision{Decision: "NO_WORK", AgentUUID: uuid, Reason: string(agent.Status)})
		return domain.NoWork(), nil
	}

	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	for {
		next := s.queue.Take(func(q *QueuedJob) bool {
			return agent.Config.HasAllResources(q.Resources)
		})
		if next == nil {
			s.reportQueue()
			s.logDecision(SchedulingDecision{Decision: "NO_WORK", AgentUUID: uuid, Reason: "queue_empty"})
			return domain.NoWork(), nil
		}

		assigned, err := s.store.AssignJob(ctx, next.BuildID(), uuid, s.now())
		if err != nil {
			s.queue.Push(next)
			return domain.Work{}, fmt.Errorf("assign build %d to %s: %w", next.BuildID(), uuid, err)
		}
		if !assigned {
			// Cancelled or rescheduled while queued.
			s.logDecision(SchedulingDecision{Decision: "SKIP", AgentUUID: uuid, BuildID: next.BuildID(), Reason: "not_assignable"})
			continue
		}

		s.agents.MarkBuilding(uuid, next.Identifier)
		wait := s.now().Sub(next.SubmitTime)
		observability.SchedulerTaskWaitSeconds.Observe(wait.Seconds())
		s.reportQueue()

		if err := s.status.JobAssigned(ctx, next.BuildID()); err != nil {
			s.log.Warn("failed to publish assignment", zap.Int64("build_id", next.BuildID()), zap.Error(err))
		}
		job, err := s.store.GetJob(ctx, next.BuildID())
		if err != nil || job == nil {
			return domain.Work{}, fmt.Errorf("reload assigned build %d: %w", next.BuildID(), err)
		}
		s.logDecision(SchedulingDecision{Decision: "ASSIGN", AgentUUID: uuid, BuildID: next.BuildID(), Wait: wait})
		return domain.BuildWork(job), nil
	}
}

func (s *Scheduler) lockAgent(uuid string) func() {
	v, _ := s.agentLocks.LoadOrStore(uuid, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// currentWork returns the work the agent already holds, if any. The agent
// snapshot may predate an assignment made by a concurrent call, so the store
// has the last word.
func (s *Scheduler) currentWork(ctx context.Context, agent registry.AgentInstance) (domain.Work, bool, error) {
	uuid := agent.UUID()

	if agent.Building != nil {
		job, err := s.store.GetJob(ctx, agent.Building.BuildID)
		if err != nil {
			return domain.Work{}, false, fmt.Errorf("load build %d: %w", agent.Building.BuildID, err)
		}
		switch {
		case job == nil:
		case job.Ignored:
			s.agents.MarkIdle(uuid, job.BuildID())
			s.logDecision(SchedulingDecision{Decision: "CANCEL", AgentUUID: uuid, BuildID: job.BuildID(), Reason: "ignored"})
			return domain.CancelWork(job.Identifier), true, nil
		case job.IsActiveOnAgent() && job.AgentUUID == uuid:
			s.logDecision(SchedulingDecision{Decision: "RESUME", AgentUUID: uuid, BuildID: job.BuildID()})
			return domain.BuildWork(job), true, nil
		}
		s.agents.MarkIdle(uuid, agent.Building.BuildID)
	}

	// After a restart the registry does not know what agents are building.
	active, err := s.assignments.LatestActiveJobOnAgent(ctx, uuid)
	if err != nil {
		return domain.Work{}, false, err
	}
	if active == nil {
		return domain.Work{}, false, nil
	}
	// The cache lags the store by one topic hop.
	active, err = s.store.GetJob(ctx, active.BuildID())
	if err != nil {
		return domain.Work{}, false, fmt.Errorf("load build: %w", err)
	}
	if active == nil || active.Ignored || !active.IsActiveOnAgent() || active.AgentUUID != uuid {
		return domain.Work{}, false, nil
	}
	s.agents.MarkBuilding(uuid, active.Identifier)
	s.logDecision(SchedulingDecision{Decision: "RESUME", AgentUUID: uuid, BuildID: active.BuildID(), Reason: "store"})
	return domain.BuildWork(active), true, nil
}

// RehydrateQueue loads every Scheduled job into the queue. Called once at
// startup before agents are served.
func (s *Scheduler) RehydrateQueue(ctx context.Context) error {
	jobs, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate queue: %w", err)
	}
	s.queue.Reset()
	for _, job := range jobs {
		s.queue.Push(newQueuedJob(job, PriorityDefault))
	}
	s.reportQueue()
	s.log.Info("queue rehydrated", zap.Int("jobs", len(jobs)))
	return nil
}

// OnStageStatusChanged schedules the next configured stage once a stage
// passes.
func (s *Scheduler) OnStageStatusChanged(ctx context.Context, e domain.StageStatusChanged) error {
	if e.Stage.State != domain.StagePassed {
		return nil
	}
	id := e.Stage.Identifier
	p, ok := s.config.FindPipeline(id.PipelineName)
	if !ok {
		return nil
	}
	next, ok := p.NextStage(id.StageName)
	if !ok {
		return nil
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	latest, err := s.store.MostRecentStage(ctx, domain.StageConfigIdentifier{PipelineName: p.Name, StageName: next.Name})
	if err != nil {
		return fmt.Errorf("load stage %s/%s: %w", p.Name, next.Name, err)
	}
	if latest != nil && latest.Identifier.PipelineCounter >= id.PipelineCounter {
		s.log.Debug("next stage already scheduled", zap.String("stage", id.String()))
		return nil
	}

	_, err = s.scheduleStageLocked(ctx, p, id.PipelineCounter, next.Name)
	return err
}

// Register subscribes the scheduler on topic.
func (s *Scheduler) Register(topic *streaming.Topic, stages *streaming.Bus[domain.StageStatusChanged]) func() {
	return stages.Subscribe(topic, "schedule-next-stage", s.OnStageStatusChanged)
}

// GetMetrics returns the queue state.
func (s *Scheduler) GetMetrics() Metrics {
	return Metrics{
		QueueDepth:          s.queue.Len(),
		CircuitBreakerState: s.breaker.GetState().String(),
	}
}

func (s *Scheduler) reportQueue() {
	observability.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	if oldest := s.queue.Peek(); oldest != nil {
		observability.QueueOldestJobAge.Set(s.now().Sub(oldest.SubmitTime).Seconds())
	} else {
		observability.QueueOldestJobAge.Set(0)
	}
}

func (s *Scheduler) logDecision(d SchedulingDecision) {
	s.log.Debug("scheduling decision",
		zap.String("decision", d.Decision),
		zap.String("agent_uuid", d.AgentUUID),
		zap.Int64("build_id", d.BuildID),
		zap.String("reason", d.Reason),
		zap.Duration("wait", d.Wait),
	)
	observability.SchedulerDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}
