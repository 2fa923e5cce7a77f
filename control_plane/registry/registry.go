// Package registry is the authoritative in-memory table of agents known to
// this server. Each UUID has its own entry and lock; no operation locks more
// than one agent.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
)

var (
	// ErrNoCookie means the agent must fetch a cookie before pinging.
	ErrNoCookie = errors.New("agent has no cookie")
	// ErrAgentNotFound is returned by admin operations on unknown UUIDs.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentBuilding is returned when deleting an agent that holds a job.
	ErrAgentBuilding = errors.New("agent is building")
)

// DuplicateUUIDError is raised when a second physical agent claims a UUID
// whose cookie was issued to someone else.
type DuplicateUUIDError struct {
	UUID  string
	Agent string
}

func (e *DuplicateUUIDError) Error() string {
	return fmt.Sprintf("agent %s presented a cookie that was not issued for uuid %s; another agent is using the same uuid", e.Agent, e.UUID)
}

// AgentStore is the persistence the registry needs.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *domain.AgentConfig) error
	GetAgent(ctx context.Context, uuid string) (*domain.AgentConfig, error)
	ListAgents(ctx context.Context) ([]*domain.AgentConfig, error)
	DeleteAgent(ctx context.Context, uuid string) error
	CookieFor(ctx context.Context, uuid string) (string, error)
	AssociateCookie(ctx context.Context, identity domain.AgentIdentity, cookie string) error
}

// AgentInstance is a read-only view of one agent with its status computed
// at the time of the read.
type AgentInstance struct {
	Config      domain.AgentConfig      `json:"config"`
	Runtime     domain.AgentRuntimeInfo `json:"runtime"`
	Status      domain.AgentStatus      `json:"status"`
	LastPingAt  *time.Time              `json:"lastPingAt,omitempty"`
	Building    *domain.JobIdentifier   `json:"building,omitempty"`
	Instruction domain.Instruction      `json:"pendingInstruction,omitempty"`
	Deleted     bool                    `json:"deleted,omitempty"`
}

func (a AgentInstance) UUID() string {
	return a.Config.UUID
}

// CanBuild reports whether the agent may be handed a new job.
func (a AgentInstance) CanBuild() bool {
	return !a.Deleted && a.Config.State == domain.AgentConfigEnabled &&
		(a.Status == domain.AgentIdle || a.Status == domain.AgentBuilding)
}

type entry struct {
	mu          sync.Mutex
	config      domain.AgentConfig
	runtime     domain.AgentRuntimeInfo
	pinged      bool
	lastPingAt  time.Time
	building    *domain.JobIdentifier
	instruction domain.Instruction
	deleted     bool
}

// Registry tracks agents. It is safe for concurrent use.
type Registry struct {
	store              AgentStore
	entries            sync.Map // uuid -> *entry
	lostContactTimeout time.Duration
	now                func() time.Time
	log                *logger.Logger
}

func New(st AgentStore, lostContactTimeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		store:              st,
		lostContactTimeout: lostContactTimeout,
		now:                time.Now,
		log:                log.WithFields(zap.String("component", "registry")),
	}
}

// WithClock replaces the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Load warms the registry from persistence. Loaded agents are Missing until
// they ping.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	for _, a := range agents {
		r.entries.LoadOrStore(a.UUID, &entry{config: *a})
	}
	r.log.Info("agents loaded", zap.Int("count", len(agents)))
	return nil
}

func (r *Registry) lookup(uuid string) (*entry, bool) {
	v, ok := r.entries.Load(uuid)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// UpdateRuntimeInfo records a ping. The stored runtime info is replaced
// wholesale. A UUID never seen before is registered as Pending.
func (r *Registry) UpdateRuntimeInfo(ctx context.Context, info domain.AgentRuntimeInfo) error {
	if !info.HasCookie() {
		return ErrNoCookie
	}
	id := info.UUID()

	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		deleted := e.deleted
		if deleted {
			e.pinged = true
			e.lastPingAt = r.now()
		}
		e.mu.Unlock()
		if deleted {
			return nil
		}
	}

	stored, err := r.store.CookieFor(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup cookie for %s: %w", id, err)
	}
	if info.HasDuplicateCookie(stored) {
		r.log.Warn("duplicate agent uuid",
			zap.String("agent_uuid", id),
			zap.String("agent", info.DebugString()),
		)
		return &DuplicateUUIDError{UUID: id, Agent: info.DebugString()}
	}
	if stored == "" {
		if err := r.store.AssociateCookie(ctx, info.Identity, info.Identity.Cookie); err != nil {
			return fmt.Errorf("adopt cookie for %s: %w", id, err)
		}
	}

	e, err := r.entryFor(ctx, info.Identity)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.IPAddress != info.Identity.IPAddress && info.Identity.IPAddress != "" {
		r.log.Warn("agent ip address changed",
			zap.String("agent_uuid", id),
			zap.String("old_ip", e.config.IPAddress),
			zap.String("new_ip", info.Identity.IPAddress),
		)
		updated := e.config
		updated.IPAddress = info.Identity.IPAddress
		updated.Hostname = info.Identity.Hostname
		if err := r.store.SaveAgent(ctx, &updated); err != nil {
			return fmt.Errorf("save agent %s: %w", id, err)
		}
		e.config = updated
	}

	e.runtime = info
	e.pinged = true
	e.lastPingAt = r.now()
	return nil
}

// entryFor returns the entry for identity, creating a Pending agent when the
// UUID is unknown to both memory and persistence.
func (r *Registry) entryFor(ctx context.Context, identity domain.AgentIdentity) (*entry, error) {
	if e, ok := r.lookup(identity.UUID); ok {
		return e, nil
	}

	cfg, err := r.store.GetAgent(ctx, identity.UUID)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", identity.UUID, err)
	}
	if cfg == nil {
		cfg = &domain.AgentConfig{
			UUID:      identity.UUID,
			Hostname:  identity.Hostname,
			IPAddress: identity.IPAddress,
			State:     domain.AgentConfigPending,
		}
		if err := r.store.SaveAgent(ctx, cfg); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", identity.UUID, err)
		}
		r.log.Info("new agent pending approval", zap.String("agent_uuid", identity.UUID), zap.String("hostname", identity.Hostname))
	}

	v, _ := r.entries.LoadOrStore(identity.UUID, &entry{config: *cfg})
	return v.(*entry), nil
}

// Register records an agent that asked to join. Existing agents keep their
// state; new ones are Pending.
func (r *Registry) Register(ctx context.Context, identity domain.AgentIdentity, resources []string) (domain.AgentConfig, error) {
	e, err := r.entryFor(ctx, identity)
	if err != nil {
		return domain.AgentConfig{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		e.deleted = false
		e.instruction = domain.InstructionNone
		e.config = domain.AgentConfig{UUID: identity.UUID, State: domain.AgentConfigPending}
	}
	if len(resources) > 0 || e.config.Hostname != identity.Hostname {
		updated := e.config
		updated.Hostname = identity.Hostname
		updated.IPAddress = identity.IPAddress
		if len(resources) > 0 {
			updated.Resources = append([]string(nil), resources...)
		}
		if err := r.store.SaveAgent(ctx, &updated); err != nil {
			return domain.AgentConfig{}, fmt.Errorf("save agent %s: %w", identity.UUID, err)
		}
		e.config = updated
	}
	return e.config, nil
}

// AssignCookie issues a fresh cookie for identity.
func (r *Registry) AssignCookie(ctx context.Context, identity domain.AgentIdentity) (string, error) {
	cookie := uuid.NewString()
	if err := r.store.AssociateCookie(ctx, identity, cookie); err != nil {
		return "", fmt.Errorf("associate cookie for %s: %w", identity.UUID, err)
	}
	r.log.Info("issued agent cookie", zap.String("agent_uuid", identity.UUID))
	return cookie, nil
}

// FindAgentAndRefreshStatus returns a snapshot of the agent with its status
// recomputed against the current time.
func (r *Registry) FindAgentAndRefreshStatus(uuid string) (AgentInstance, bool) {
	e, ok := r.lookup(uuid)
	if !ok {
		return AgentInstance{}, false
	}
	return r.snapshot(e), true
}

func (r *Registry) snapshot(e *entry) AgentInstance {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := AgentInstance{
		Config:      e.config,
		Runtime:     e.runtime,
		Instruction: e.instruction,
		Deleted:     e.deleted,
	}
	inst.Config.Resources = append([]string(nil), e.config.Resources...)
	if e.building != nil {
		b := *e.building
		inst.Building = &b
	}
	if e.pinged {
		t := e.lastPingAt
		inst.LastPingAt = &t
	}
	inst.Status = r.statusOf(e)
	return inst
}

// must be called with e.mu held
func (r *Registry) statusOf(e *entry) domain.AgentStatus {
	switch {
	case e.config.State == domain.AgentConfigDisabled:
		return domain.AgentDisabled
	case e.config.State == domain.AgentConfigPending:
		return domain.AgentPending
	case !e.pinged:
		return domain.AgentMissing
	case r.lostContactTimeout > 0 && r.now().Sub(e.lastPingAt) >= r.lostContactTimeout:
		return domain.AgentLostContact
	case e.building != nil:
		return domain.AgentBuilding
	case e.runtime.Status == domain.AgentCancelled:
		return domain.AgentCancelled
	default:
		return domain.AgentIdle
	}
}

// List returns every known agent, ordered by hostname then UUID.
func (r *Registry) List() []AgentInstance {
	var out []AgentInstance
	r.entries.Range(func(_, v any) bool {
		out = append(out, r.snapshot(v.(*entry)))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Hostname != out[j].Config.Hostname {
			return out[i].Config.Hostname < out[j].Config.Hostname
		}
		return out[i].UUID() < out[j].UUID()
	})
	return out
}

// MarkBuilding records that job was assigned to the agent.
func (r *Registry) MarkBuilding(uuid string, job domain.JobIdentifier) {
	e, ok := r.lookup(uuid)
	if !ok {
		return
	}
	e.mu.Lock()
	e.building = &job
	e.mu.Unlock()
}

// MarkIdle clears the building job if it is still buildID.
func (r *Registry) MarkIdle(uuid string, buildID int64) {
	e, ok := r.lookup(uuid)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.building != nil && e.building.BuildID == buildID {
		e.building = nil
	}
	e.mu.Unlock()
}

// SetInstruction queues an instruction for the agent's next ping.
func (r *Registry) SetInstruction(uuid string, instruction domain.Instruction) {
	e, ok := r.lookup(uuid)
	if !ok {
		return
	}
	e.mu.Lock()
	if !e.deleted {
		e.instruction = instruction
	}
	e.mu.Unlock()
}

// TakeInstruction returns and clears the pending instruction. DeleteSelf is
// never cleared.
func (r *Registry) TakeInstruction(uuid string) domain.Instruction {
	e, ok := r.lookup(uuid)
	if !ok {
		return domain.InstructionNone
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	instruction := e.instruction
	if instruction == "" {
		return domain.InstructionNone
	}
	if instruction != domain.InstructionDeleteSelf {
		e.instruction = ""
	}
	return instruction
}

func (r *Registry) Approve(ctx context.Context, uuid string) error {
	return r.setConfigState(ctx, uuid, domain.AgentConfigEnabled)
}

func (r *Registry) Enable(ctx context.Context, uuid string) error {
	return r.setConfigState(ctx, uuid, domain.AgentConfigEnabled)
}

func (r *Registry) Disable(ctx context.Context, uuid string) error {
	return r.setConfigState(ctx, uuid, domain.AgentConfigDisabled)
}

func (r *Registry) setConfigState(ctx context.Context, uuid string, state domain.AgentConfigState) error {
	e, ok := r.lookup(uuid)
	if !ok {
		return ErrAgentNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrAgentNotFound
	}

	updated := e.config
	updated.State = state
	if err := r.store.SaveAgent(ctx, &updated); err != nil {
		return fmt.Errorf("save agent %s: %w", uuid, err)
	}
	e.config = updated
	r.log.Info("agent state changed", zap.String("agent_uuid", uuid), zap.String("state", string(state)))
	return nil
}

// Delete removes the agent from persistence and leaves a tombstone so its
// next ping is told to delete itself.
func (r *Registry) Delete(ctx context.Context, uuid string) error {
	e, ok := r.lookup(uuid)
	if !ok {
		return ErrAgentNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil {
		return fmt.Errorf("%w: %s", ErrAgentBuilding, e.building)
	}
	if err := r.store.DeleteAgent(ctx, uuid); err != nil {
		return fmt.Errorf("delete agent %s: %w", uuid, err)
	}
	e.deleted = true
	e.instruction = domain.InstructionDeleteSelf
	r.log.Info("agent deleted", zap.String("agent_uuid", uuid))
	return nil
}
