package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/pipelineconfig"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

// StageFinder is the store query behind StageStatusCache.
type StageFinder interface {
	MostRecentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error)
}

// neverBuilt marks a stage the store has no run for, so the lookup is not
// repeated on every dashboard rebuild.
var neverBuilt = &domain.Stage{State: domain.StageUnknown}

// StageStatusCache remembers the latest run of each configured stage.
type StageStatusCache struct {
	store StageFinder

	mu          sync.RWMutex
	stages      map[string]*domain.Stage
	generations map[string]uint64
}

func NewStageStatusCache(st StageFinder) *StageStatusCache {
	return &StageStatusCache{
		store:       st,
		stages:      make(map[string]*domain.Stage),
		generations: make(map[string]uint64),
	}
}

// CurrentStage returns the most recent run of id, or nil if it never ran.
// The returned stage must not be modified.
func (c *StageStatusCache) CurrentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error) {
	key := id.Key()

	c.mu.RLock()
	stage, ok := c.stages[key]
	gen := c.generations[key]
	c.mu.RUnlock()
	if ok {
		observability.CacheLookups.WithLabelValues("stage_status", "hit").Inc()
		if stage == neverBuilt {
			return nil, nil
		}
		return stage, nil
	}
	observability.CacheLookups.WithLabelValues("stage_status", "miss").Inc()

	found, err := c.store.MostRecentStage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load most recent stage %s: %w", key, err)
	}

	c.mu.Lock()
	if c.generations[key] == gen {
		if found == nil {
			c.stages[key] = neverBuilt
		} else {
			c.stages[key] = found
		}
	}
	c.mu.Unlock()
	return found, nil
}

// OnStageStatusChanged stores the stage unless a later run is already cached.
func (c *StageStatusCache) OnStageStatusChanged(ctx context.Context, e domain.StageStatusChanged) error {
	stage := e.Stage
	key := stage.Identifier.StageConfig().Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[key]++

	if cur, ok := c.stages[key]; ok && cur != neverBuilt && isLaterRun(cur.Identifier, stage.Identifier) {
		return nil
	}
	c.stages[key] = &stage
	return nil
}

// Clear drops every entry. Used when the whole config is replaced.
func (c *StageStatusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.stages {
		c.generations[key]++
	}
	c.stages = make(map[string]*domain.Stage)
}

// OnConfigChanged drops every entry when the whole config was replaced, so
// renamed or re-added stages are looked up again.
func (c *StageStatusCache) OnConfigChanged(ctx context.Context, e pipelineconfig.ConfigChanged) error {
	if e.IsFull() {
		c.Clear()
	}
	return nil
}

// Register subscribes the cache on topic. It must come before the dashboard
// builder on the same topic so a full rebuild never reads cleared-out entries
// from before the change.
func (c *StageStatusCache) Register(topic *streaming.Topic, configs *streaming.Bus[pipelineconfig.ConfigChanged], stages *streaming.Bus[domain.StageStatusChanged]) func() {
	unsubConfig := configs.Subscribe(topic, "stage-status-config", c.OnConfigChanged)
	unsubStages := stages.Subscribe(topic, "stage-status-cache", c.OnStageStatusChanged)
	return func() {
		unsubConfig()
		unsubStages()
	}
}

func isLaterRun(a, b domain.StageIdentifier) bool {
	if a.PipelineCounter != b.PipelineCounter {
		return a.PipelineCounter > b.PipelineCounter
	}
	return a.StageCounter > b.StageCounter
}
