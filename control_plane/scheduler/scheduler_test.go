package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/forgeci/control_plane/cache"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/jobstatus"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/registry"
	"github.com/itskum47/forgeci/control_plane/store"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

type staticSource struct {
	cfg *pipelineconfig.Config
}

func (s staticSource) Load(ctx context.Context) (*pipelineconfig.Config, error) {
	return s.cfg, nil
}

func twoStagePipeline() *pipelineconfig.Config {
	return &pipelineconfig.Config{Groups: []pipelineconfig.Group{{
		Name: "main",
		Pipelines: []pipelineconfig.Pipeline{{
			Name: "build",
			Stages: []pipelineconfig.Stage{
				{Name: "compile", Jobs: []pipelineconfig.Job{{Name: "unit", Command: "make", Resources: []string{"linux"}}}},
				{Name: "deploy", Jobs: []pipelineconfig.Job{{Name: "ship", Command: "./ship"}}},
			},
		}},
	}}}
}

type harness struct {
	sched    *Scheduler
	store    *store.MemoryStore
	registry *registry.Registry
	status   *jobstatus.Service
	stages   *streaming.Bus[domain.StageStatusChanged]
	topic    *streaming.Topic

	assignments *cache.AgentAssignment
	config      *pipelineconfig.Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{store: store.NewMemoryStore()}
	h.registry = registry.New(h.store, 5*time.Minute, log)

	h.topic = streaming.NewTopic("test", log)
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

	jobs := streaming.NewBus[domain.JobStatusChanged]("jobs")
	h.stages = streaming.NewBus[domain.StageStatusChanged]("stages")
	h.status = jobstatus.NewService(h.store, h.registry, jobs, h.stages, log)

	assignments := cache.NewAgentAssignment(h.store)
	assignments.Register(h.topic, jobs)

	config := pipelineconfig.NewService(staticSource{cfg: twoStagePipeline()}, streaming.NewBus[pipelineconfig.ConfigChanged]("config"), log)
	require.NoError(t, config.Reload(context.Background()))

	h.assignments, h.config = assignments, config
	h.sched = NewScheduler(h.store, h.registry, h.status, assignments, config, cfg, log)
	h.sched.Register(h.topic, h.stages)
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.topic.Flush(ctx))
}

// agent registers, pings and (optionally) approves an agent.
func (h *harness) agent(t *testing.T, uuid string, approve bool, resources ...string) registry.AgentInstance {
	t.Helper()
	ctx := context.Background()
	identity := domain.AgentIdentity{UUID: uuid, Hostname: "host-" + uuid, IPAddress: "10.0.0.1"}
	_, err := h.registry.Register(ctx, identity, resources)
	require.NoError(t, err)
	cookie, err := h.registry.AssignCookie(ctx, identity)
	require.NoError(t, err)
	identity.Cookie = cookie
	require.NoError(t, h.registry.UpdateRuntimeInfo(ctx, domain.AgentRuntimeInfo{Identity: identity, Status: domain.AgentIdle}))
	if approve {
		require.NoError(t, h.registry.Approve(ctx, uuid))
	}
	return h.refresh(t, uuid)
}

func (h *harness) refresh(t *testing.T, uuid string) registry.AgentInstance {
	t.Helper()
	a, ok := h.registry.FindAgentAndRefreshStatus(uuid)
	require.True(t, ok)
	return a
}

func TestQueueOrdering(t *testing.T) {
	q := NewThreadSafeQueue()
	now := time.Now()
	job := func(id int64, priority int, submitted time.Time) *QueuedJob {
		return &QueuedJob{Identifier: domain.JobIdentifier{BuildID: id}, Priority: priority, SubmitTime: submitted}
	}

	// P10 but old (effective P ~ -2)
	q.Push(job(1, 10, now.Add(-2*time.Minute)))
	q.Push(job(2, 0, now))
	q.Push(job(3, 5, now))

	assert.Equal(t, int64(1), q.Pop().BuildID(), "aging lifts the old job first")
	assert.Equal(t, int64(2), q.Pop().BuildID())
	assert.Equal(t, int64(3), q.Pop().BuildID())
	assert.Nil(t, q.Pop())
}

func TestQueueTakeSkipsUnmatched(t *testing.T) {
	q := NewThreadSafeQueue()
	now := time.Now()
	q.Push(&QueuedJob{Identifier: domain.JobIdentifier{BuildID: 1}, Resources: []string{"windows"}, Priority: 5, SubmitTime: now})
	q.Push(&QueuedJob{Identifier: domain.JobIdentifier{BuildID: 2}, Priority: 5, SubmitTime: now})
	assert.False(t, q.Push(&QueuedJob{Identifier: domain.JobIdentifier{BuildID: 2}}), "a build is queued once")

	got := q.Take(func(j *QueuedJob) bool { return len(j.Resources) == 0 })
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.BuildID())
	assert.Equal(t, 1, q.Len())
	assert.Nil(t, q.Take(func(*QueuedJob) bool { return false }))
	assert.Equal(t, 1, q.Len())
}

func TestAssignWorkIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	agent := h.agent(t, "A1", true, "linux")

	counter, err := h.sched.TriggerPipeline(ctx, "BUILD")
	require.NoError(t, err)
	assert.Equal(t, 1, counter)

	first, err := h.sched.AssignWorkToAgent(ctx, agent)
	require.NoError(t, err)
	require.Equal(t, domain.WorkBuild, first.Type)
	assert.Equal(t, "unit", first.Job.JobName)
	assert.Equal(t, "make", first.Plan.Command)

	again, err := h.sched.AssignWorkToAgent(ctx, h.refresh(t, "A1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other := h.agent(t, "A2", true, "linux")
	work, err := h.sched.AssignWorkToAgent(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkNone, work.Type)
}

func TestAssignWorkResumesAfterRestart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	agent := h.agent(t, "A1", true, "linux")
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)
	first, err := h.sched.AssignWorkToAgent(ctx, agent)
	require.NoError(t, err)

	// The registry forgot the assignment; the store still has it.
	h.registry.MarkIdle("A1", first.Job.BuildID)
	again, err := h.sched.AssignWorkToAgent(ctx, h.refresh(t, "A1"))
	require.NoError(t, err)
	assert.Equal(t, first.Job, again.Job)
	assert.Equal(t, domain.AgentBuilding, h.refresh(t, "A1").Status)
}

func TestPendingAndDisabledAgentsAreDenied(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)

	work, err := h.sched.AssignWorkToAgent(ctx, h.agent(t, "P1", false, "linux"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkDenied, work.Type)

	h.agent(t, "D1", true, "linux")
	require.NoError(t, h.registry.Disable(ctx, "D1"))
	work, err = h.sched.AssignWorkToAgent(ctx, h.refresh(t, "D1"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkDenied, work.Type)

	assert.Equal(t, 1, h.sched.GetMetrics().QueueDepth)
}

func TestAgentWithoutResourcesGetsNoWork(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)

	work, err := h.sched.AssignWorkToAgent(ctx, h.agent(t, "A1", true))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkNone, work.Type)
	assert.Equal(t, 1, h.sched.GetMetrics().QueueDepth)
}

func TestCancelledJobBecomesCancelWork(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	agent := h.agent(t, "A1", true, "linux")
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)
	work, err := h.sched.AssignWorkToAgent(ctx, agent)
	require.NoError(t, err)

	ok, err := h.status.Cancel(ctx, work.Job.BuildID)
	require.NoError(t, err)
	require.True(t, ok)

	cancel, err := h.sched.AssignWorkToAgent(ctx, h.refresh(t, "A1"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkCancel, cancel.Type)
	assert.Equal(t, work.Job.BuildID, cancel.Job.BuildID)

	h.flush(t)
	next, err := h.sched.AssignWorkToAgent(ctx, h.refresh(t, "A1"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkNone, next.Type)
}

func TestCancelledQueuedJobIsSkipped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)

	scheduled, err := h.store.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	_, err = h.status.Cancel(ctx, scheduled[0].BuildID())
	require.NoError(t, err)

	work, err := h.sched.AssignWorkToAgent(ctx, h.agent(t, "A1", true, "linux"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkNone, work.Type)
}

func TestRescheduleQueuesCopy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)
	work, err := h.sched.AssignWorkToAgent(ctx, h.agent(t, "A1", true, "linux"))
	require.NoError(t, err)

	copyJob, err := h.sched.Reschedule(ctx, work.Job.BuildID)
	require.NoError(t, err)
	assert.NotEqual(t, work.Job.BuildID, copyJob.BuildID())
	assert.Equal(t, work.Job.StageCounter, copyJob.Identifier.StageCounter)

	_, err = h.sched.Reschedule(ctx, work.Job.BuildID)
	assert.ErrorIs(t, err, ErrJobNotReschedulable)

	other, err := h.sched.AssignWorkToAgent(ctx, h.agent(t, "A2", true, "linux"))
	require.NoError(t, err)
	require.Equal(t, domain.WorkBuild, other.Type)
	assert.Equal(t, copyJob.BuildID(), other.Job.BuildID)
}

func TestNextStageIsScheduledWhenStagePasses(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	agent := h.agent(t, "A1", true, "linux")
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)
	work, err := h.sched.AssignWorkToAgent(ctx, agent)
	require.NoError(t, err)

	require.NoError(t, h.status.Report(ctx, jobstatus.Reported{
		Job: *work.Job, AgentUUID: "A1", Kind: jobstatus.KindCompleted, Result: domain.ResultPassed,
	}))
	h.flush(t)

	scheduled, err := h.store.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "deploy", scheduled[0].Identifier.StageName)
	assert.Equal(t, 1, scheduled[0].Identifier.PipelineCounter)

	// A repeated Passed event does not schedule the stage again.
	stage, err := h.store.GetStage(ctx, work.Job.StageIdentifier())
	require.NoError(t, err)
	h.stages.Publish(ctx, domain.StageStatusChanged{Stage: *stage})
	h.flush(t)
	scheduled, err = h.store.ListScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestFailedStageStopsPipeline(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)
	work, err := h.sched.AssignWorkToAgent(ctx, h.agent(t, "A1", true, "linux"))
	require.NoError(t, err)

	require.NoError(t, h.status.Report(ctx, jobstatus.Reported{
		Job: *work.Job, AgentUUID: "A1", Kind: jobstatus.KindCompleted, Result: domain.ResultFailed,
	}))
	h.flush(t)

	scheduled, err := h.store.ListScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func TestRehydrateQueue(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.sched.TriggerPipeline(ctx, "build")
		require.NoError(t, err)
	}

	restarted := NewScheduler(h.store, h.registry, h.status, cache.NewAgentAssignment(h.store), h.sched.config, DefaultConfig(), logger.NewNop())
	require.NoError(t, restarted.RehydrateQueue(ctx))
	assert.Equal(t, 3, restarted.GetMetrics().QueueDepth)
}

func TestQueueAdmissionBreaker(t *testing.T) {
	h := newHarness(t, Config{QueueThreshold: 1})
	ctx := context.Background()

	_, err := h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)
	_, err = h.sched.TriggerPipeline(ctx, "build")
	require.NoError(t, err)
	_, err = h.sched.TriggerPipeline(ctx, "build")
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = h.sched.TriggerPipeline(ctx, "missing")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestConcurrentAgentsNeverShareAJob(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	const jobs = 5
	for i := 0; i < jobs; i++ {
		_, err := h.sched.TriggerPipeline(ctx, "build")
		require.NoError(t, err)
	}

	agents := make([]registry.AgentInstance, 10)
	for i := range agents {
		agents[i] = h.agent(t, fmt.Sprintf("A%d", i), true, "linux")
	}

	var mu sync.Mutex
	assigned := map[int64]string{}
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a registry.AgentInstance) {
			defer wg.Done()
			work, err := h.sched.AssignWorkToAgent(ctx, a)
			if !assert.NoError(t, err) || work.Type != domain.WorkBuild {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := assigned[work.Job.BuildID]
			assert.False(t, dup, "build %d assigned twice", work.Job.BuildID)
			assigned[work.Job.BuildID] = a.UUID()
		}(a)
	}
	wg.Wait()
	assert.Len(t, assigned, jobs)
}

// gatedAssignStore parks the first AssignJob until release is closed.
type gatedAssignStore struct {
	*store.MemoryStore
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedAssignStore) AssignJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) (bool, error) {
	if s.gate.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.AssignJob(ctx, buildID, agentUUID, at)
}

func TestRepeatedGetWorkFromOneAgentAssignsOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	gated := &gatedAssignStore{MemoryStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	sched := NewScheduler(gated, h.registry, h.status, h.assignments, h.config, DefaultConfig(), logger.NewNop())
	for i := 0; i < 2; i++ {
		_, err := sched.TriggerPipeline(ctx, "build")
		require.NoError(t, err)
	}
	agent := h.agent(t, "A1", true, "linux")
	gated.gate.Store(true)

	results := make(chan domain.Work, 2)
	assign := func() {
		work, err := sched.AssignWorkToAgent(ctx, agent)
		assert.NoError(t, err)
		results <- work
	}
	go assign()
	<-gated.entered

	// The retry starts from the same stale snapshot as the first call.
	go assign()
	time.Sleep(50 * time.Millisecond)
	close(gated.release)

	first, second := <-results, <-results
	require.Equal(t, domain.WorkBuild, first.Type)
	require.Equal(t, domain.WorkBuild, second.Type)
	assert.Equal(t, first.Job.BuildID, second.Job.BuildID)

	active, err := h.store.ListActiveJobs(ctx)
	require.NoError(t, err)
	var onAgent []int64
	for _, job := range active {
		if job.AgentUUID == "A1" {
			onAgent = append(onAgent, job.BuildID())
		}
	}
	assert.Len(t, onAgent, 1, "one active job per agent")
}
