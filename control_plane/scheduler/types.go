package scheduler

import (
	"time"

	"github.com/itskum47/forgeci/control_plane/domain"
)

// Priorities. Lower values are served first.
const (
	PriorityRescheduled = 0
	PriorityDefault     = 5
)

// QueuedJob is a Scheduled job waiting for an agent.
type QueuedJob struct {
	Identifier domain.JobIdentifier
	Resources  []string
	Priority   int // 0 (urgent) to 10 (background)
	SubmitTime time.Time
}

func (q *QueuedJob) BuildID() int64 {
	return q.Identifier.BuildID
}

func newQueuedJob(job *domain.JobInstance, priority int) *QueuedJob {
	submitted := job.ScheduledAt
	if submitted.IsZero() {
		submitted = time.Now()
	}
	return &QueuedJob{
		Identifier: job.Identifier,
		Resources:  append([]string(nil), job.Plan.Resources...),
		Priority:   priority,
		SubmitTime: submitted,
	}
}

// Config holds configuration for the scheduler.
type Config struct {
	// QueueThreshold is the queue depth that opens the admission breaker.
	// Zero disables the check.
	QueueThreshold int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		QueueThreshold: 10000,
	}
}

// SchedulingDecision is the structured log entry for assignment decisions.
type SchedulingDecision struct {
	Decision  string // ASSIGN, NO_WORK, DENY, CANCEL, RESUME
	AgentUUID string
	BuildID   int64
	Reason    string
	Wait      time.Duration
}

// Metrics exposes internal state for the health endpoint.
type Metrics struct {
	QueueDepth          int    `json:"queue_depth"`
	CircuitBreakerState string `json:"circuit_breaker_state"`
}
