package store

import (
	"context"
	"time"

	"github.com/itskum47/forgeci/control_plane/domain"
)

// Store defines the persistence backend consumed by the control plane.
// Implementations: MemoryStore (single node, tests), PostgresStore (durable),
// SQLiteStore (embedded).
//
// Missing rows are reported as (nil, nil), never as an error.
type Store interface {
	// Agent Operations
	SaveAgent(ctx context.Context, agent *domain.AgentConfig) error
	GetAgent(ctx context.Context, uuid string) (*domain.AgentConfig, error)
	ListAgents(ctx context.Context) ([]*domain.AgentConfig, error)
	DeleteAgent(ctx context.Context, uuid string) error

	// CookieFor returns the cookie last issued to uuid, or "" if none.
	CookieFor(ctx context.Context, uuid string) (string, error)
	AssociateCookie(ctx context.Context, identity domain.AgentIdentity, cookie string) error

	// Job Operations
	NextPipelineCounter(ctx context.Context, pipeline string) (int, error)
	NextStageCounter(ctx context.Context, pipeline string, pipelineCounter int, stage string) (int, error)

	// ScheduleJob inserts job in state Scheduled and fills in its BuildID.
	ScheduleJob(ctx context.Context, job *domain.JobInstance) error
	GetJob(ctx context.Context, buildID int64) (*domain.JobInstance, error)
	ListScheduledJobs(ctx context.Context) ([]*domain.JobInstance, error)
	ListActiveJobs(ctx context.Context) ([]*domain.JobInstance, error)

	// AssignJob moves a Scheduled, not ignored job to Assigned on agentUUID.
	// It reports false when the job was no longer assignable.
	AssignJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) (bool, error)

	// UpdateJobState only moves a job forward along the lifecycle. Repeating a
	// state, going backwards, or touching an ignored job is a no-op that
	// reports false.
	UpdateJobState(ctx context.Context, buildID int64, state domain.JobState, at time.Time) (bool, error)

	// RecordJobResult sets the result once. Later calls report false.
	RecordJobResult(ctx context.Context, buildID int64, result domain.JobResult) (bool, error)

	// IgnoreJob marks a job that is not yet final as ignored and moves it to
	// the given final state and result (cancel or reschedule).
	IgnoreJob(ctx context.Context, buildID int64, state domain.JobState, result domain.JobResult, at time.Time) (bool, error)

	FindJobStatusHistory(ctx context.Context, buildID int64) ([]domain.StateTransition, error)
	LatestInProgressBuildByAgentUUID(ctx context.Context, uuid string) (*domain.JobInstance, error)

	// Stage Operations
	GetStage(ctx context.Context, id domain.StageIdentifier) (*domain.Stage, error)
	MostRecentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error)

	Close() error
}
