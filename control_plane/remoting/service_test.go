package remoting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/forgeci/control_plane/cache"
	"github.com/itskum47/forgeci/control_plane/console"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/idempotency"
	"github.com/itskum47/forgeci/control_plane/jobstatus"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/registry"
	"github.com/itskum47/forgeci/control_plane/scheduler"
	"github.com/itskum47/forgeci/control_plane/store"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

type staticSource struct{}

func (staticSource) Load(ctx context.Context) (*pipelineconfig.Config, error) {
	return &pipelineconfig.Config{Groups: []pipelineconfig.Group{{
		Name: "main",
		Pipelines: []pipelineconfig.Pipeline{{
			Name: "P",
			Stages: []pipelineconfig.Stage{
				{Name: "S", Jobs: []pipelineconfig.Job{{Name: "J1", Command: "make"}}},
			},
		}},
	}}}, nil
}

// countingGuard counts successful claims.
type countingGuard struct {
	inner    idempotency.Guard
	acquired atomic.Int32
}

func (g *countingGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.inner.Claim(ctx, key)
	if ok {
		g.acquired.Add(1)
	}
	return ok, err
}

func (g *countingGuard) Release(ctx context.Context, key string) error {
	return g.inner.Release(ctx, key)
}

type harness struct {
	svc         *Service
	store       *store.MemoryStore
	registry    *registry.Registry
	status      *jobstatus.Service
	sched       *scheduler.Scheduler
	assignments *cache.AgentAssignment
	relocator   *console.Relocator
	console     *console.Store
	guard       *countingGuard
	topic       *streaming.Topic

	mu          sync.Mutex
	completions int
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	log := logger.NewNop()
	dir := t.TempDir()
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
	stages := streaming.NewBus[domain.StageStatusChanged]("stages")
	h.status = jobstatus.NewService(h.store, h.registry, jobs, stages, log)

	h.assignments = cache.NewAgentAssignment(h.store)
	h.assignments.Register(h.topic, jobs)

	h.console = console.NewStore(filepath.Join(dir, "console"), log)
	h.guard = &countingGuard{inner: idempotency.NewMemoryGuard(time.Hour)}
	h.relocator = console.NewRelocator(h.console, filepath.Join(dir, "artifacts"), h.guard, log)
	h.relocator.Register(h.topic, jobs)

	jobs.Subscribe(h.topic, "completions", func(ctx context.Context, e domain.JobStatusChanged) error {
		if e.BecameCompleted() {
			h.mu.Lock()
			h.completions++
			h.mu.Unlock()
		}
		return nil
	})

	config := pipelineconfig.NewService(staticSource{}, streaming.NewBus[pipelineconfig.ConfigChanged]("config"), log)
	require.NoError(t, config.Reload(context.Background()))
	h.sched = scheduler.NewScheduler(h.store, h.registry, h.status, h.assignments, config, scheduler.DefaultConfig(), log)

	h.svc = NewService(h.registry, h.sched, h.status, h.store, h.console, limiter, time.Second, log)
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.topic.Flush(ctx))
}

// join registers, approves and cookies an agent and returns the runtime info
// it pings with.
func (h *harness) join(t *testing.T, uuid string) domain.AgentRuntimeInfo {
	t.Helper()
	ctx := context.Background()
	identity := domain.AgentIdentity{UUID: uuid, Hostname: "host-" + uuid, IPAddress: "10.0.0.1"}
	_, err := h.svc.Register(ctx, identity, nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Approve(ctx, uuid))

	cookie, err := h.svc.GetCookie(ctx, identity, "/var/lib/agent")
	require.NoError(t, err)
	identity.Cookie = cookie
	info := domain.AgentRuntimeInfo{Identity: identity, Status: domain.AgentIdle}

	instruction, err := h.svc.Ping(ctx, uuid, info)
	require.NoError(t, err)
	require.Equal(t, domain.InstructionNone, instruction)
	return info
}

func TestAgentRunsJobToCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	info := h.join(t, "A1")

	_, err := h.sched.TriggerPipeline(ctx, "P")
	require.NoError(t, err)

	work, err := h.svc.GetWork(ctx, "A1", info)
	require.NoError(t, err)
	require.Equal(t, domain.WorkBuild, work.Type)
	j1 := *work.Job
	assert.Equal(t, "J1", j1.JobName)

	info.Status = domain.AgentBuilding
	require.NoError(t, h.svc.ReportCurrentStatus(ctx, "A1", info, j1, domain.JobBuilding))
	h.flush(t)

	active, err := h.assignments.LatestActiveJobOnAgent(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, j1.BuildID, active.BuildID())

	require.NoError(t, h.svc.AppendConsole(ctx, "A1", j1.BuildID, []byte("compiling\n")))
	require.NoError(t, h.svc.ReportCompleting(ctx, "A1", info, j1, domain.ResultPassed))
	require.NoError(t, h.svc.ReportCompleted(ctx, "A1", info, j1, domain.ResultPassed))
	h.flush(t)

	active, err = h.assignments.LatestActiveJobOnAgent(ctx, "A1")
	require.NoError(t, err)
	assert.Nil(t, active)

	// The agent retries the last report.
	require.NoError(t, h.svc.ReportCompleted(ctx, "A1", info, j1, domain.ResultPassed))
	h.flush(t)

	assert.Equal(t, int32(1), h.guard.acquired.Load(), "relocation runs once")
	h.mu.Lock()
	assert.Equal(t, 1, h.completions)
	h.mu.Unlock()

	job, err := h.store.GetJob(ctx, j1.BuildID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Equal(t, domain.ResultPassed, job.Result)

	data, err := os.ReadFile(h.relocator.ArtifactPath(j1))
	require.NoError(t, err)
	assert.Equal(t, "compiling\n", string(data))

	agent, _ := h.registry.FindAgentAndRefreshStatus("A1")
	assert.Nil(t, agent.Building)
}

func TestIdentityMismatchChangesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a1 := h.join(t, "A1")
	a2 := h.join(t, "A2")

	_, err := h.sched.TriggerPipeline(ctx, "P")
	require.NoError(t, err)
	work, err := h.svc.GetWork(ctx, "A1", a1)
	require.NoError(t, err)
	require.Equal(t, domain.WorkBuild, work.Type)
	j1 := *work.Job

	before, _ := h.registry.FindAgentAndRefreshStatus("A1")

	// A2 speaks for A1.
	spoofed := a1
	spoofed.Status = domain.AgentLostContact
	_, err = h.svc.Ping(ctx, "A2", spoofed)
	var mismatch *IdentityMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "A2", mismatch.Asserted)

	err = h.svc.ReportCompleted(ctx, "A2", spoofed, j1, domain.ResultFailed)
	assert.ErrorAs(t, err, &mismatch)

	// A2 speaks for itself about A1's job.
	err = h.svc.ReportCompleted(ctx, "A2", a2, j1, domain.ResultFailed)
	require.ErrorAs(t, err, &mismatch)
	assert.ErrorIs(t, err, jobstatus.ErrJobNotAssignedToAgent)

	err = h.svc.AppendConsole(ctx, "A2", j1.BuildID, []byte("injected"))
	assert.ErrorAs(t, err, &mismatch)
	_, err = h.svc.IsIgnored(ctx, "A2", j1)
	assert.ErrorAs(t, err, &mismatch)
	h.flush(t)

	after, _ := h.registry.FindAgentAndRefreshStatus("A1")
	assert.Equal(t, before, after)

	job, err := h.store.GetJob(ctx, j1.BuildID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, job.State)
	assert.Equal(t, domain.ResultUnknown, job.Result)
	_, err = os.Stat(h.console.PathFor(j1))
	assert.True(t, os.IsNotExist(err))
}

func TestDuplicateCookieIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.join(t, "U1")
	before, _ := h.registry.FindAgentAndRefreshStatus("U1")

	imposter := domain.AgentRuntimeInfo{
		Identity: domain.AgentIdentity{UUID: "U1", Hostname: "other", IPAddress: "10.9.9.9", Cookie: "not-the-cookie"},
		Status:   domain.AgentIdle,
	}
	_, err := h.svc.Ping(ctx, "U1", imposter)
	var dup *registry.DuplicateUUIDError
	require.ErrorAs(t, err, &dup)

	after, _ := h.registry.FindAgentAndRefreshStatus("U1")
	assert.Equal(t, before.Runtime, after.Runtime)
	assert.Equal(t, before.Config, after.Config)

	instruction, err := h.svc.Ping(ctx, "U1", first)
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionNone, instruction)
}

func TestPingInstructions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	info := h.join(t, "A1")

	noCookie := info
	noCookie.Identity.Cookie = ""
	instruction, err := h.svc.Ping(ctx, "A1", noCookie)
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionReregister, instruction)

	_, err = h.sched.TriggerPipeline(ctx, "P")
	require.NoError(t, err)
	work, err := h.svc.GetWork(ctx, "A1", info)
	require.NoError(t, err)
	require.Equal(t, domain.WorkBuild, work.Type)

	cancelled, err := h.status.Cancel(ctx, work.Job.BuildID)
	require.NoError(t, err)
	require.True(t, cancelled)

	instruction, err = h.svc.Ping(ctx, "A1", info)
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionCancel, instruction)
	ignored, err := h.svc.IsIgnored(ctx, "A1", *work.Job)
	require.NoError(t, err)
	assert.True(t, ignored)

	// Reports for the cancelled job are accepted and change nothing.
	require.NoError(t, h.svc.ReportCompleted(ctx, "A1", info, *work.Job, domain.ResultPassed))
	job, err := h.store.GetJob(ctx, work.Job.BuildID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCancelled, job.Result)

	instruction, err = h.svc.Ping(ctx, "A1", info)
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionNone, instruction, "an instruction is delivered once")

	work, err = h.svc.GetWork(ctx, "A1", info)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkCancel, work.Type)

	require.NoError(t, h.registry.Disable(ctx, "A1"))
	instruction, err = h.svc.Ping(ctx, "A1", info)
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionDisable, instruction)

	require.NoError(t, h.registry.Delete(ctx, "A1"))
	instruction, err = h.svc.Ping(ctx, "A1", info)
	require.NoError(t, err)
	assert.Equal(t, domain.InstructionDeleteSelf, instruction)
}

func TestPendingAgentIsDeniedWork(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	identity := domain.AgentIdentity{UUID: "P1", Hostname: "host-P1", IPAddress: "10.0.0.2"}
	_, err := h.svc.Register(ctx, identity, nil)
	require.NoError(t, err)
	identity.Cookie, err = h.svc.GetCookie(ctx, identity, "")
	require.NoError(t, err)

	_, err = h.sched.TriggerPipeline(ctx, "P")
	require.NoError(t, err)
	work, err := h.svc.GetWork(ctx, "P1", domain.AgentRuntimeInfo{Identity: identity, Status: domain.AgentIdle})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkDenied, work.Type)
}

func TestRateLimitedAgentGetsRetryAfter(t *testing.T) {
	h := newHarness(t, scheduler.NewTokenBucketLimiter(0.1, 1))
	ctx := context.Background()
	info := h.join(t, "A1")

	_, err := h.svc.Ping(ctx, "A1", info)
	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	info := h.join(t, "A1")

	err := h.svc.ReportCurrentStatus(ctx, "A1", info, domain.JobIdentifier{}, domain.JobBuilding)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.GetCookie(ctx, domain.AgentIdentity{}, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = h.svc.ReportCurrentStatus(ctx, "A1", info, domain.JobIdentifier{PipelineName: "P", BuildID: 999}, domain.JobBuilding)
	assert.ErrorIs(t, err, jobstatus.ErrJobNotFound)
}
