package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/forgeci/control_plane/domain"
)

// MemoryStore holds agents and jobs in process memory.
// It implements the Store interface.
type MemoryStore struct {
	mu      sync.RWMutex
	agents  map[string]*domain.AgentConfig
	cookies map[string]string
	jobs    map[int64]*domain.JobInstance
	history map[int64][]domain.StateTransition
	nextID  int64
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[string]*domain.AgentConfig),
		cookies: make(map[string]string),
		jobs:    make(map[int64]*domain.JobInstance),
		history: make(map[int64][]domain.StateTransition),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Agent Operations ---

func (s *MemoryStore) SaveAgent(ctx context.Context, a *domain.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agentCopy := *a
	agentCopy.Resources = append([]string(nil), a.Resources...)
	s.agents[a.UUID] = &agentCopy
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, uuid string) (*domain.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[uuid]
	if !ok {
		return nil, nil
	}
	agentCopy := *a
	return &agentCopy, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*domain.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.AgentConfig, 0, len(s.agents))
	for _, a := range s.agents {
		agentCopy := *a
		result = append(result, &agentCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UUID < result[j].UUID })
	return result, nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, uuid)
	delete(s.cookies, uuid)
	return nil
}

func (s *MemoryStore) CookieFor(ctx context.Context, uuid string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cookies[uuid], nil
}

func (s *MemoryStore) AssociateCookie(ctx context.Context, identity domain.AgentIdentity, cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[identity.UUID] = cookie
	return nil
}

// --- Job Operations ---

func (s *MemoryStore) NextPipelineCounter(ctx context.Context, pipeline string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, j := range s.jobs {
		if strings.EqualFold(j.Identifier.PipelineName, pipeline) && j.Identifier.PipelineCounter > max {
			max = j.Identifier.PipelineCounter
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) NextStageCounter(ctx context.Context, pipeline string, pipelineCounter int, stage string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, j := range s.jobs {
		id := j.Identifier
		if strings.EqualFold(id.PipelineName, pipeline) && id.PipelineCounter == pipelineCounter &&
			strings.EqualFold(id.StageName, stage) && id.StageCounter > max {
			max = id.StageCounter
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) ScheduleJob(ctx context.Context, job *domain.JobInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	job.Identifier.BuildID = s.nextID
	job.State = domain.JobScheduled
	job.Result = domain.ResultUnknown
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	job.StateChangedAt = job.ScheduledAt

	s.jobs[job.Identifier.BuildID] = cloneJob(job)
	s.history[job.Identifier.BuildID] = []domain.StateTransition{{BuildID: job.Identifier.BuildID, State: domain.JobScheduled, At: job.ScheduledAt}}
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, buildID int64) (*domain.JobInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[buildID]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListScheduledJobs(ctx context.Context) ([]*domain.JobInstance, error) {
	return s.filterJobs(func(j *domain.JobInstance) bool {
		return !j.Ignored && j.State == domain.JobScheduled
	}), nil
}

func (s *MemoryStore) ListActiveJobs(ctx context.Context) ([]*domain.JobInstance, error) {
	return s.filterJobs(func(j *domain.JobInstance) bool {
		return j.IsActiveOnAgent()
	}), nil
}

func (s *MemoryStore) filterJobs(keep func(*domain.JobInstance) bool) []*domain.JobInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*domain.JobInstance
	for _, j := range s.jobs {
		if keep(j) {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].BuildID() < result[b].BuildID() })
	return result
}

func (s *MemoryStore) AssignJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[buildID]
	if !ok || j.Ignored || j.State != domain.JobScheduled {
		return false, nil
	}
	assignedAt := at
	j.AgentUUID = agentUUID
	j.AssignedAt = &assignedAt
	s.transition(j, domain.JobAssigned, at)
	return true, nil
}

func (s *MemoryStore) UpdateJobState(ctx context.Context, buildID int64, state domain.JobState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[buildID]
	if !ok || j.Ignored || j.State.IsFinal() || state.Rank() <= j.State.Rank() {
		return false, nil
	}
	s.transition(j, state, at)
	return true, nil
}

func (s *MemoryStore) RecordJobResult(ctx context.Context, buildID int64, result domain.JobResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[buildID]
	if !ok || j.Ignored || j.Result != domain.ResultUnknown || result == domain.ResultUnknown {
		return false, nil
	}
	j.Result = result
	return true, nil
}

func (s *MemoryStore) IgnoreJob(ctx context.Context, buildID int64, state domain.JobState, result domain.JobResult, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[buildID]
	if !ok || j.Ignored || j.State.IsFinal() {
		return false, nil
	}
	j.Ignored = true
	j.Result = result
	s.transition(j, state, at)
	return true, nil
}

// transition must be called with mu held.
func (s *MemoryStore) transition(j *domain.JobInstance, state domain.JobState, at time.Time) {
	j.State = state
	j.StateChangedAt = at
	if state.IsFinal() {
		completedAt := at
		j.CompletedAt = &completedAt
	}
	s.history[j.Identifier.BuildID] = append(s.history[j.Identifier.BuildID], domain.StateTransition{
		BuildID: j.Identifier.BuildID,
		State:   state,
		At:      at,
	})
}

func (s *MemoryStore) FindJobStatusHistory(ctx context.Context, buildID int64) ([]domain.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StateTransition(nil), s.history[buildID]...), nil
}

func (s *MemoryStore) LatestInProgressBuildByAgentUUID(ctx context.Context, uuid string) (*domain.JobInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.JobInstance
	for _, j := range s.jobs {
		if j.AgentUUID != uuid || !j.IsActiveOnAgent() {
			continue
		}
		if latest == nil || j.BuildID() > latest.BuildID() {
			latest = j
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneJob(latest), nil
}

// --- Stage Operations ---

func (s *MemoryStore) GetStage(ctx context.Context, id domain.StageIdentifier) (*domain.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []domain.JobInstance
	for _, j := range s.jobs {
		if sameStageRun(j.Identifier, id) {
			jobs = append(jobs, *cloneJob(j))
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	stage := domain.AggregateStage(id, jobs)
	return &stage, nil
}

func (s *MemoryStore) MostRecentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error) {
	s.mu.RLock()
	var latest *domain.StageIdentifier
	for _, j := range s.jobs {
		if j.Identifier.StageConfig().Key() != id.Key() {
			continue
		}
		run := j.Identifier.StageIdentifier()
		if latest == nil || run.PipelineCounter > latest.PipelineCounter ||
			(run.PipelineCounter == latest.PipelineCounter && run.StageCounter > latest.StageCounter) {
			latest = &run
		}
	}
	s.mu.RUnlock()

	if latest == nil {
		return nil, nil
	}
	return s.GetStage(ctx, *latest)
}

func sameStageRun(j domain.JobIdentifier, id domain.StageIdentifier) bool {
	return strings.EqualFold(j.PipelineName, id.PipelineName) &&
		j.PipelineCounter == id.PipelineCounter &&
		strings.EqualFold(j.StageName, id.StageName) &&
		j.StageCounter == id.StageCounter
}

func cloneJob(j *domain.JobInstance) *domain.JobInstance {
	c := *j
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
