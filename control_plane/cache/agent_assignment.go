// Package cache holds the in-memory views derived from the job status event
// stream. Each cache is mutated only by its handler on a single topic worker;
// lookups that miss fall back to the store.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

// ActiveJobFinder is the store query behind AgentAssignment.
type ActiveJobFinder interface {
	LatestInProgressBuildByAgentUUID(ctx context.Context, uuid string) (*domain.JobInstance, error)
}

// AgentAssignment maps an agent UUID to the job it is running. There is at
// most one entry per agent and it is dropped when that job stops being active.
type AgentAssignment struct {
	store ActiveJobFinder

	mu          sync.RWMutex
	entries     map[string]domain.JobInstance
	generations map[string]uint64
}

func NewAgentAssignment(st ActiveJobFinder) *AgentAssignment {
	return &AgentAssignment{
		store:       st,
		entries:     make(map[string]domain.JobInstance),
		generations: make(map[string]uint64),
	}
}

// LatestActiveJobOnAgent returns the job active on uuid, or nil.
func (a *AgentAssignment) LatestActiveJobOnAgent(ctx context.Context, uuid string) (*domain.JobInstance, error) {
	if uuid == "" {
		return nil, nil
	}

	a.mu.RLock()
	job, ok := a.entries[uuid]
	gen := a.generations[uuid]
	a.mu.RUnlock()
	if ok {
		observability.CacheLookups.WithLabelValues("agent_assignment", "hit").Inc()
		return &job, nil
	}
	observability.CacheLookups.WithLabelValues("agent_assignment", "miss").Inc()

	found, err := a.store.LatestInProgressBuildByAgentUUID(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("load active job for agent %s: %w", uuid, err)
	}
	if found == nil {
		return nil, nil
	}

	// An event handled while we were querying wins over what we read.
	a.mu.Lock()
	if a.generations[uuid] == gen {
		a.entries[uuid] = *found
	}
	a.mu.Unlock()
	return found, nil
}

// OnJobStatusChanged keeps the entry of the job's agent current.
func (a *AgentAssignment) OnJobStatusChanged(ctx context.Context, e domain.JobStatusChanged) error {
	uuid := e.Job.AgentUUID
	if uuid == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations[uuid]++

	if e.Job.IsActiveOnAgent() {
		a.entries[uuid] = e.Job
		return nil
	}
	if cur, ok := a.entries[uuid]; ok && cur.BuildID() == e.Job.BuildID() {
		delete(a.entries, uuid)
	}
	return nil
}

// Len is the number of agents with a cached active job.
func (a *AgentAssignment) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Register subscribes the cache on topic.
func (a *AgentAssignment) Register(topic *streaming.Topic, jobs *streaming.Bus[domain.JobStatusChanged]) func() {
	return jobs.Subscribe(topic, "agent-assignment", a.OnJobStatusChanged)
}
