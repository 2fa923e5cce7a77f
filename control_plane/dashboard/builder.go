// Package dashboard builds the dashboard projection from pipeline config and
// the latest stage runs.
package dashboard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/cache"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

// StageLookup returns the latest run of a configured stage, nil if none.
type StageLookup interface {
	CurrentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error)
}

// Builder keeps the DashboardCache in step with config and stage changes.
// All On* methods run on the dashboard topic worker.
type Builder struct {
	config pipelineconfig.Lookup
	stages StageLookup
	cache  *cache.DashboardCache
	log    *logger.Logger
}

func NewBuilder(config pipelineconfig.Lookup, stages StageLookup, dashboard *cache.DashboardCache, log *logger.Logger) *Builder {
	return &Builder{
		config: config,
		stages: stages,
		cache:  dashboard,
		log:    log.WithFields(zap.String("component", "dashboard")),
	}
}

// Build computes the entry for one pipeline. It reads only group, p and the
// stage lookup and always returns a new value.
func (b *Builder) Build(ctx context.Context, group *pipelineconfig.Group, p *pipelineconfig.Pipeline) (*domain.DashboardPipeline, error) {
	runs := make([]*domain.Stage, len(p.Stages))
	counter := 0
	for i, s := range p.Stages {
		stage, err := b.stages.CurrentStage(ctx, domain.StageConfigIdentifier{PipelineName: p.Name, StageName: s.Name})
		if err != nil {
			return nil, fmt.Errorf("build dashboard entry %s: %w", p.Name, err)
		}
		runs[i] = stage
		if stage != nil && stage.Identifier.PipelineCounter > counter {
			counter = stage.Identifier.PipelineCounter
		}
	}

	model := domain.PipelineModel{Name: p.Name, Counter: counter, Stages: make([]domain.StageModel, len(p.Stages))}
	for i, s := range p.Stages {
		sm := domain.StageModel{Name: s.Name, State: domain.StageUnknown, Result: domain.ResultUnknown}
		// Stages that have not run yet in the latest instance show as not run.
		if run := runs[i]; run != nil && run.Identifier.PipelineCounter == counter {
			sm.Counter = run.Identifier.StageCounter
			sm.State = run.State
			sm.Result = run.Result
		}
		model.Stages[i] = sm
	}

	return domain.NewDashboardPipeline(p.Name, group.Name, group.Permissions, model), nil
}

// OnPipelineConfigChanged rebuilds one edited pipeline.
func (b *Builder) OnPipelineConfigChanged(ctx context.Context, cfg *pipelineconfig.Config, name string) error {
	p, g, ok := cfg.FindPipeline(name)
	if !ok {
		return nil
	}
	return b.rebuild(ctx, "pipeline_config", g, p)
}

// OnFullConfigChanged rebuilds every pipeline and replaces the cache in one
// swap. If any entry fails the cache is left as it was.
func (b *Builder) OnFullConfigChanged(ctx context.Context, cfg *pipelineconfig.Config) error {
	var entries []*domain.DashboardPipeline
	for gi := range cfg.Groups {
		g := &cfg.Groups[gi]
		for pi := range g.Pipelines {
			entry, err := b.Build(ctx, g, &g.Pipelines[pi])
			if err != nil {
				observability.DashboardRebuilds.WithLabelValues("full_config", "error").Inc()
				return err
			}
			entries = append(entries, entry)
		}
	}
	b.cache.ReplaceAllEntriesInCacheWith(entries)
	observability.DashboardRebuilds.WithLabelValues("full_config", "ok").Inc()
	b.log.Info("dashboard rebuilt", zap.Int("pipelines", len(entries)))
	return nil
}

// OnStageStatusChanged rebuilds the stage's pipeline. Pipelines no longer in
// the config are skipped.
func (b *Builder) OnStageStatusChanged(ctx context.Context, e domain.StageStatusChanged) error {
	name := e.Stage.Identifier.PipelineName
	cfg := b.config.CurrentConfig()
	p, g, ok := cfg.FindPipeline(name)
	if !ok {
		b.log.Debug("stage event for unknown pipeline", zap.String("pipeline", name))
		return nil
	}
	return b.rebuild(ctx, "stage_status", g, p)
}

func (b *Builder) onConfigChanged(ctx context.Context, e pipelineconfig.ConfigChanged) error {
	if e.IsFull() {
		return b.OnFullConfigChanged(ctx, e.Config)
	}
	return b.OnPipelineConfigChanged(ctx, e.Config, e.Pipeline)
}

func (b *Builder) rebuild(ctx context.Context, trigger string, g *pipelineconfig.Group, p *pipelineconfig.Pipeline) error {
	entry, err := b.Build(ctx, g, p)
	if err != nil {
		observability.DashboardRebuilds.WithLabelValues(trigger, "error").Inc()
		return err
	}
	b.cache.Put(entry)
	observability.DashboardRebuilds.WithLabelValues(trigger, "ok").Inc()
	return nil
}

// Register subscribes the builder on topic. The stage status cache must be
// subscribed on the same topic first so rebuilds read the updated stage.
func (b *Builder) Register(topic *streaming.Topic, configs *streaming.Bus[pipelineconfig.ConfigChanged], stages *streaming.Bus[domain.StageStatusChanged]) func() {
	unsubConfig := configs.Subscribe(topic, "dashboard-config", b.onConfigChanged)
	unsubStages := stages.Subscribe(topic, "dashboard-stages", b.OnStageStatusChanged)
	return func() {
		unsubConfig()
		unsubStages()
	}
}
