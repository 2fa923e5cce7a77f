package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/registry"
)

// AgentLister returns agents with their status computed at read time.
type AgentLister interface {
	List() []registry.AgentInstance
}

var reportedStatuses = []domain.AgentStatus{
	domain.AgentPending,
	domain.AgentMissing,
	domain.AgentLostContact,
	domain.AgentIdle,
	domain.AgentBuilding,
	domain.AgentCancelled,
	domain.AgentDisabled,
}

// AgentMonitor periodically publishes agent counts and logs agents that lost
// contact. It never changes agent state: LostContact is derived on every read.
type AgentMonitor struct {
	agents   AgentLister
	interval time.Duration
	log      *logger.Logger

	// only touched by the monitor goroutine
	lost map[string]bool
}

func NewAgentMonitor(agents AgentLister, interval time.Duration, log *logger.Logger) *AgentMonitor {
	return &AgentMonitor{
		agents:   agents,
		interval: interval,
		log:      log.WithFields(zap.String("component", "agent-monitor")),
		lost:     make(map[string]bool),
	}
}

// Run checks liveness every interval until ctx is done.
func (m *AgentMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("starting agent liveness monitor", zap.Duration("interval", m.interval))
	m.CheckLiveness()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckLiveness()
		}
	}
}

// CheckLiveness runs one pass and returns the agents that newly lost contact.
func (m *AgentMonitor) CheckLiveness() []string {
	counts := make(map[domain.AgentStatus]int, len(reportedStatuses))
	seen := make(map[string]bool)
	var newlyLost []string
	connected := 0

	for _, a := range m.agents.List() {
		if a.Deleted {
			continue
		}
		counts[a.Status]++
		seen[a.UUID()] = true

		switch a.Status {
		case domain.AgentLostContact:
			if !m.lost[a.UUID()] {
				m.lost[a.UUID()] = true
				newlyLost = append(newlyLost, a.UUID())
				fields := []zap.Field{
					zap.String("agent_uuid", a.UUID()),
					zap.String("hostname", a.Config.Hostname),
				}
				if a.LastPingAt != nil {
					fields = append(fields, zap.Time("last_ping_at", *a.LastPingAt))
				}
				if a.Building != nil {
					fields = append(fields, zap.String("building", a.Building.String()))
				}
				m.log.Warn("agent lost contact", fields...)
			}
		case domain.AgentIdle, domain.AgentBuilding, domain.AgentCancelled:
			if m.lost[a.UUID()] {
				m.log.Info("agent back in contact", zap.String("agent_uuid", a.UUID()))
			}
			delete(m.lost, a.UUID())
			connected++
		}
	}
	for uuid := range m.lost {
		if !seen[uuid] {
			delete(m.lost, uuid)
		}
	}

	for _, s := range reportedStatuses {
		observability.AgentsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	observability.ConnectedAgents.Set(float64(connected))
	return newlyLost
}
