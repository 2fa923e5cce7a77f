package dashboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/forgeci/control_plane/cache"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

type staticSource struct {
	cfg *pipelineconfig.Config
}

func (s *staticSource) Load(ctx context.Context) (*pipelineconfig.Config, error) {
	return s.cfg, nil
}

type fakeStages struct {
	stages map[string]*domain.Stage
	err    error
}

func (f *fakeStages) CurrentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stages[id.Key()], nil
}

func (f *fakeStages) set(pipeline string, counter int, stage string, state domain.StageState) {
	f.stages[domain.StageConfigIdentifier{PipelineName: pipeline, StageName: stage}.Key()] = &domain.Stage{
		Identifier: domain.StageIdentifier{PipelineName: pipeline, PipelineCounter: counter, StageName: stage, StageCounter: 1},
		State:      state,
		Result:     domain.ResultUnknown,
	}
}

func job(name string) pipelineconfig.Job {
	return pipelineconfig.Job{Name: name, Command: "true"}
}

func testConfig(stages ...string) *pipelineconfig.Config {
	p := pipelineconfig.Pipeline{Name: "build"}
	for _, s := range stages {
		p.Stages = append(p.Stages, pipelineconfig.Stage{Name: s, Jobs: []pipelineconfig.Job{job("j")}})
	}
	return &pipelineconfig.Config{Groups: []pipelineconfig.Group{
		{
			Name:        "main",
			Permissions: &domain.Permissions{Viewers: []string{"bob"}},
			Pipelines:   []pipelineconfig.Pipeline{p, {Name: "docs", Stages: []pipelineconfig.Stage{{Name: "render", Jobs: []pipelineconfig.Job{job("html")}}}}},
		},
		{
			Name:      "secret",
			Pipelines: []pipelineconfig.Pipeline{{Name: "vault", Stages: []pipelineconfig.Stage{{Name: "seal", Jobs: []pipelineconfig.Job{job("j")}}}}},
		},
	}}
}

type builderHarness struct {
	builder *Builder
	source  *staticSource
	config  *pipelineconfig.Service
	stages  *fakeStages
	cache   *cache.DashboardCache
}

func newBuilderHarness(t *testing.T, cfg *pipelineconfig.Config) *builderHarness {
	t.Helper()
	h := &builderHarness{
		source: &staticSource{cfg: cfg},
		stages: &fakeStages{stages: map[string]*domain.Stage{}},
		cache:  cache.NewDashboardCache(),
	}
	h.config = pipelineconfig.NewService(h.source, streaming.NewBus[pipelineconfig.ConfigChanged]("config"), logger.NewNop())
	require.NoError(t, h.config.Reload(context.Background()))
	h.builder = NewBuilder(h.config, h.stages, h.cache, logger.NewNop())
	return h
}

func TestFullConfigBuildsEveryPipeline(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile", "deploy"))
	h.stages.set("build", 3, "compile", domain.StagePassed)

	require.NoError(t, h.builder.OnFullConfigChanged(context.Background(), h.config.CurrentConfig()))

	snap := h.cache.Snapshot()
	require.Len(t, snap.Entries, 3)
	entry := snap.Get("BUILD")
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.Model.Counter)
	assert.Equal(t, domain.StagePassed, entry.Model.Stages[0].State)
	assert.Equal(t, domain.StageUnknown, entry.Model.Stages[1].State)
}

func TestStageChangeRebuildsOnlyItsPipeline(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile"))
	ctx := context.Background()
	require.NoError(t, h.builder.OnFullConfigChanged(ctx, h.config.CurrentConfig()))
	docs := h.cache.Get("docs")

	h.stages.set("build", 1, "compile", domain.StageBuilding)
	require.NoError(t, h.builder.OnStageStatusChanged(ctx, domain.StageStatusChanged{Stage: *h.stages.stages["build/compile"]}))

	assert.Equal(t, domain.StageBuilding, h.cache.Get("build").Model.Stages[0].State)
	assert.Same(t, docs, h.cache.Get("docs"))
}

func TestStageOfUnknownPipelineIsIgnored(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile"))
	ctx := context.Background()
	require.NoError(t, h.builder.OnFullConfigChanged(ctx, h.config.CurrentConfig()))
	before := h.cache.Snapshot()

	err := h.builder.OnStageStatusChanged(ctx, domain.StageStatusChanged{Stage: domain.Stage{
		Identifier: domain.StageIdentifier{PipelineName: "removed", PipelineCounter: 1, StageName: "s", StageCounter: 1},
	}})
	require.NoError(t, err)
	assert.Same(t, before, h.cache.Snapshot())
}

func TestOlderStageRunsShowAsNotRun(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile", "deploy"))
	h.stages.set("build", 2, "compile", domain.StageBuilding)
	h.stages.set("build", 1, "deploy", domain.StagePassed)

	require.NoError(t, h.builder.OnFullConfigChanged(context.Background(), h.config.CurrentConfig()))
	entry := h.cache.Get("build")
	assert.Equal(t, 2, entry.Model.Counter)
	assert.Equal(t, domain.StageUnknown, entry.Model.Stages[1].State)
	assert.Zero(t, entry.Model.Stages[1].Counter)
}

func TestNewStageChangesFingerprint(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile"))
	ctx := context.Background()
	require.NoError(t, h.builder.OnFullConfigChanged(ctx, h.config.CurrentConfig()))
	before := h.cache.Get("build")
	etag := h.cache.Snapshot().ETag

	h.source.cfg = testConfig("compile", "deploy")
	require.NoError(t, h.config.Reload(ctx))
	require.NoError(t, h.builder.OnPipelineConfigChanged(ctx, h.config.CurrentConfig(), "build"))

	after := h.cache.Get("build")
	assert.Len(t, after.Model.Stages, 2)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
	assert.NotEqual(t, etag, h.cache.Snapshot().ETag)
}

func TestFailedFullRebuildKeepsSnapshot(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile"))
	ctx := context.Background()
	require.NoError(t, h.builder.OnFullConfigChanged(ctx, h.config.CurrentConfig()))
	before := h.cache.Snapshot()

	h.stages.err = errors.New("db down")
	assert.Error(t, h.builder.OnFullConfigChanged(ctx, h.config.CurrentConfig()))
	assert.Same(t, before, h.cache.Snapshot())
}

func TestGroupWithoutPermissionsIsHidden(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile"))
	require.NoError(t, h.builder.OnFullConfigChanged(context.Background(), h.config.CurrentConfig()))

	vault := h.cache.Get("vault")
	require.NotNil(t, vault)
	assert.False(t, vault.CanBeViewedBy("bob", false))
	assert.True(t, vault.CanBeViewedBy("bob", true))
	assert.True(t, h.cache.Get("build").CanBeViewedBy("bob", false))
}

func TestRegisteredBuilderFollowsEvents(t *testing.T) {
	h := newBuilderHarness(t, testConfig("compile"))
	topic := streaming.NewTopic(streaming.TopicDashboard, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = topic.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	configs := streaming.NewBus[pipelineconfig.ConfigChanged]("config")
	stages := streaming.NewBus[domain.StageStatusChanged]("stages")
	h.builder.Register(topic, configs, stages)

	h.stages.set("build", 1, "compile", domain.StageFailed)
	configs.Publish(context.Background(), pipelineconfig.ConfigChanged{Config: h.config.CurrentConfig()})
	stages.Publish(context.Background(), domain.StageStatusChanged{Stage: *h.stages.stages["build/compile"]})
	require.NoError(t, topic.Flush(context.Background()))

	assert.Equal(t, domain.StageFailed, h.cache.Get("build").Model.Stages[0].State)
}
