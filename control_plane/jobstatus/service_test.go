package jobstatus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/store"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

type fakeAgents struct {
	mu           sync.Mutex
	idle         []int64
	instructions map[string]domain.Instruction
}

func (f *fakeAgents) MarkIdle(uuid string, buildID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = append(f.idle, buildID)
}

func (f *fakeAgents) SetInstruction(uuid string, instruction domain.Instruction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instructions == nil {
		f.instructions = make(map[string]domain.Instruction)
	}
	f.instructions[uuid] = instruction
}

type harness struct {
	svc    *Service
	store  *store.MemoryStore
	agents *fakeAgents
	topic  *streaming.Topic

	jobBus   *streaming.Bus[domain.JobStatusChanged]
	stageBus *streaming.Bus[domain.StageStatusChanged]

	mu     sync.Mutex
	jobs   []domain.JobStatusChanged
	stages []domain.StageStatusChanged
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(), agents: &fakeAgents{}}
	h.topic = streaming.NewTopic("test", logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.topic.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	jobBus := streaming.NewBus[domain.JobStatusChanged]("job-status")
	stageBus := streaming.NewBus[domain.StageStatusChanged]("stage-status")
	jobBus.Subscribe(h.topic, "recorder", func(ctx context.Context, e domain.JobStatusChanged) error {
		h.mu.Lock()
		h.jobs = append(h.jobs, e)
		h.mu.Unlock()
		return nil
	})
	stageBus.Subscribe(h.topic, "recorder", func(ctx context.Context, e domain.StageStatusChanged) error {
		h.mu.Lock()
		h.stages = append(h.stages, e)
		h.mu.Unlock()
		return nil
	})

	h.jobBus, h.stageBus = jobBus, stageBus
	h.svc = NewService(h.store, h.agents, jobBus, stageBus, logger.NewNop())
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.topic.Flush(ctx))
}

func (h *harness) published() ([]domain.JobStatusChanged, []domain.StageStatusChanged) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.JobStatusChanged(nil), h.jobs...), append([]domain.StageStatusChanged(nil), h.stages...)
}

// assigned schedules a job and assigns it to agent.
func (h *harness) assigned(t *testing.T, agent string) domain.JobIdentifier {
	t.Helper()
	return h.assignedJob(t, "unit", agent)
}

// assignedJob schedules job name in build/1/compile/1 and assigns it to agent.
func (h *harness) assignedJob(t *testing.T, name, agent string) domain.JobIdentifier {
	t.Helper()
	ctx := context.Background()
	job := &domain.JobInstance{
		Identifier: domain.JobIdentifier{
			PipelineName: "build", PipelineCounter: 1,
			StageName: "compile", StageCounter: 1,
			JobName: name,
		},
	}
	require.NoError(t, h.store.ScheduleJob(ctx, job))
	ok, err := h.store.AssignJob(ctx, job.BuildID(), agent, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return job.Identifier
}

func TestReportPersistsThenPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	require.NoError(t, h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A1", Kind: KindStatus, State: domain.JobBuilding}))
	h.flush(t)

	job, err := h.store.GetJob(ctx, id.BuildID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobBuilding, job.State)

	jobs, stages := h.published()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobAssigned, jobs[0].Previous)
	assert.Equal(t, domain.JobBuilding, jobs[0].Job.State)
	require.Len(t, stages, 1)
	assert.Equal(t, domain.StageBuilding, stages[0].Stage.State)
}

func TestDuplicateReportIsNotPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	completed := Reported{Job: id, AgentUUID: "A1", Kind: KindCompleted, Result: domain.ResultPassed}
	require.NoError(t, h.svc.Report(ctx, completed))
	require.NoError(t, h.svc.Report(ctx, completed))
	h.flush(t)

	jobs, _ := h.published()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].BecameCompleted())
	assert.Equal(t, domain.ResultPassed, jobs[0].Job.Result)
}

func TestCompletingFillsInBuilding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	require.NoError(t, h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A1", Kind: KindStatus, State: domain.JobPreparing}))
	require.NoError(t, h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A1", Kind: KindCompleting, Result: domain.ResultFailed}))

	history, err := h.store.FindJobStatusHistory(ctx, id.BuildID)
	require.NoError(t, err)
	var states []domain.JobState
	for _, tr := range history {
		states = append(states, tr.State)
	}
	assert.Equal(t, []domain.JobState{
		domain.JobScheduled, domain.JobAssigned, domain.JobPreparing, domain.JobBuilding, domain.JobCompleting,
	}, states)

	job, _ := h.store.GetJob(ctx, id.BuildID)
	assert.Equal(t, domain.ResultFailed, job.Result)
}

func TestResultIsImmutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	require.NoError(t, h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A1", Kind: KindCompleting, Result: domain.ResultFailed}))
	require.NoError(t, h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A1", Kind: KindCompleted, Result: domain.ResultPassed}))

	job, _ := h.store.GetJob(ctx, id.BuildID)
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Equal(t, domain.ResultFailed, job.Result)
}

func TestCompletionFreesAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	require.NoError(t, h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A1", Kind: KindCompleted, Result: domain.ResultPassed}))
	assert.Equal(t, []int64{id.BuildID}, h.agents.idle)
}

func TestReportRejectsOtherAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	err := h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A2", Kind: KindStatus, State: domain.JobBuilding})
	assert.ErrorIs(t, err, ErrJobNotAssignedToAgent)

	job, _ := h.store.GetJob(ctx, id.BuildID)
	assert.Equal(t, domain.JobAssigned, job.State)
}

func TestReportUnknownJob(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Report(context.Background(), Reported{
		Job:  domain.JobIdentifier{PipelineName: "nope", BuildID: 99},
		Kind: KindStatus, State: domain.JobBuilding,
	})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestReportRejectsInvalidState(t *testing.T) {
	h := newHarness(t)
	id := h.assigned(t, "A1")
	err := h.svc.Report(context.Background(), Reported{Job: id, AgentUUID: "A1", Kind: KindStatus, State: domain.JobRescheduled})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelledJobIgnoresReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	ok, err := h.svc.Cancel(ctx, id.BuildID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.InstructionCancel, h.agents.instructions["A1"])

	require.NoError(t, h.svc.Report(ctx, Reported{Job: id, AgentUUID: "A1", Kind: KindCompleted, Result: domain.ResultPassed}))
	job, _ := h.store.GetJob(ctx, id.BuildID)
	assert.Equal(t, domain.ResultCancelled, job.Result)

	ignored, err := h.svc.IsIgnored(ctx, id)
	require.NoError(t, err)
	assert.True(t, ignored)

	ok, err = h.svc.Cancel(ctx, id.BuildID)
	require.NoError(t, err)
	assert.False(t, ok, "cancelling twice is a no-op")

	h.flush(t)
	jobs, stages := h.published()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StageCancelled, stages[len(stages)-1].Stage.State)
}

func TestRescheduleMarksJobIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	old, ok, err := h.svc.Reschedule(ctx, id.BuildID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, old.Identifier)

	job, _ := h.store.GetJob(ctx, id.BuildID)
	assert.Equal(t, domain.JobRescheduled, job.State)
	assert.True(t, job.Ignored)
}

func TestConcurrentReportsPublishInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.assigned(t, "A1")

	var wg sync.WaitGroup
	for _, r := range []Reported{
		{Job: id, AgentUUID: "A1", Kind: KindStatus, State: domain.JobPreparing},
		{Job: id, AgentUUID: "A1", Kind: KindStatus, State: domain.JobBuilding},
		{Job: id, AgentUUID: "A1", Kind: KindCompleting, Result: domain.ResultPassed},
		{Job: id, AgentUUID: "A1", Kind: KindCompleted, Result: domain.ResultPassed},
	} {
		wg.Add(1)
		go func(r Reported) {
			defer wg.Done()
			assert.NoError(t, h.svc.Report(ctx, r))
		}(r)
	}
	wg.Wait()
	h.flush(t)

	jobs, _ := h.published()
	require.NotEmpty(t, jobs)
	for i := 1; i < len(jobs); i++ {
		assert.Less(t, jobs[i-1].Job.State.Rank(), jobs[i].Job.State.Rank())
	}
	assert.Equal(t, domain.JobCompleted, jobs[len(jobs)-1].Job.State)
}

// slowStageStore parks the first GetStage after it has read the stage, so the
// caller holds an old snapshot while other reports go through.
type slowStageStore struct {
	*store.MemoryStore
	hold    atomic.Bool
	reading chan struct{}
	release chan struct{}
}

func (s *slowStageStore) GetStage(ctx context.Context, id domain.StageIdentifier) (*domain.Stage, error) {
	if !s.hold.CompareAndSwap(true, false) {
		return s.MemoryStore.GetStage(ctx, id)
	}
	stage, err := s.MemoryStore.GetStage(ctx, id)
	close(s.reading)
	<-s.release
	return stage, err
}

func TestStageEventsFollowReadOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	unit := h.assignedJob(t, "unit", "A1")
	lint := h.assignedJob(t, "lint", "A2")

	slow := &slowStageStore{MemoryStore: h.store, reading: make(chan struct{}), release: make(chan struct{})}
	h.svc = NewService(slow, h.agents, h.jobBus, h.stageBus, logger.NewNop())
	slow.hold.Store(true)

	unitDone := make(chan error, 1)
	go func() {
		unitDone <- h.svc.Report(ctx, Reported{Job: unit, AgentUUID: "A1", Kind: KindCompleted, Result: domain.ResultPassed})
	}()
	<-slow.reading

	lintDone := make(chan error, 1)
	go func() {
		lintDone <- h.svc.Report(ctx, Reported{Job: lint, AgentUUID: "A2", Kind: KindCompleted, Result: domain.ResultPassed})
	}()
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(ctx, lint.BuildID)
		return err == nil && job != nil && job.State == domain.JobCompleted
	}, 5*time.Second, 5*time.Millisecond)

	close(slow.release)
	require.NoError(t, <-unitDone)
	require.NoError(t, <-lintDone)
	h.flush(t)

	_, stages := h.published()
	require.NotEmpty(t, stages)
	last := stages[len(stages)-1].Stage
	assert.Equal(t, domain.StagePassed, last.State, "the last stage event carries the newest snapshot")

	persisted, err := h.store.GetStage(ctx, unit.StageIdentifier())
	require.NoError(t, err)
	assert.Equal(t, persisted.State, last.State)
}
