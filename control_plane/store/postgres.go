package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/forgeci/control_plane/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	uuid        TEXT PRIMARY KEY,
	hostname    TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	resources   TEXT[] NOT NULL DEFAULT '{}',
	state       TEXT NOT NULL,
	cookie      TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS jobs (
	build_id          BIGSERIAL PRIMARY KEY,
	pipeline_name     TEXT NOT NULL,
	pipeline_counter  INTEGER NOT NULL,
	stage_name        TEXT NOT NULL,
	stage_counter     INTEGER NOT NULL,
	job_name          TEXT NOT NULL,
	state             TEXT NOT NULL,
	state_rank        INTEGER NOT NULL,
	result            TEXT NOT NULL,
	agent_uuid        TEXT NOT NULL DEFAULT '',
	ignored           BOOLEAN NOT NULL DEFAULT FALSE,
	plan              JSONB NOT NULL DEFAULT '{}',
	scheduled_at      TIMESTAMPTZ NOT NULL,
	assigned_at       TIMESTAMPTZ,
	state_changed_at  TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs (LOWER(pipeline_name), LOWER(stage_name), pipeline_counter, stage_counter);
CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs (agent_uuid) WHERE NOT ignored;

CREATE TABLE IF NOT EXISTS job_state_transitions (
	id        BIGSERIAL PRIMARY KEY,
	build_id  BIGINT NOT NULL REFERENCES jobs(build_id),
	state     TEXT NOT NULL,
	at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_build ON job_state_transitions (build_id);
`

const jobColumns = `build_id, pipeline_name, pipeline_counter, stage_name, stage_counter, job_name,
	state, result, agent_uuid, ignored, plan, scheduled_at, assigned_at, state_changed_at, completed_at`

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and creates the schema if it does not exist.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Agent Operations ---

func (s *PostgresStore) SaveAgent(ctx context.Context, agent *domain.AgentConfig) error {
	query := `
		INSERT INTO agents (uuid, hostname, ip_address, resources, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (uuid) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			resources = EXCLUDED.resources,
			state = EXCLUDED.state,
			updated_at = NOW()
	`
	resources := agent.Resources
	if resources == nil {
		resources = []string{}
	}
	_, err := s.pool.Exec(ctx, query, agent.UUID, agent.Hostname, agent.IPAddress, resources, string(agent.State))
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, uuid string) (*domain.AgentConfig, error) {
	query := `SELECT uuid, hostname, ip_address, resources, state FROM agents WHERE uuid = $1`

	var a domain.AgentConfig
	var state string
	err := s.pool.QueryRow(ctx, query, uuid).Scan(&a.UUID, &a.Hostname, &a.IPAddress, &a.Resources, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.State = domain.AgentConfigState(state)
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*domain.AgentConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT uuid, hostname, ip_address, resources, state FROM agents ORDER BY uuid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*domain.AgentConfig
	for rows.Next() {
		var a domain.AgentConfig
		var state string
		if err := rows.Scan(&a.UUID, &a.Hostname, &a.IPAddress, &a.Resources, &state); err != nil {
			return nil, err
		}
		a.State = domain.AgentConfigState(state)
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, uuid string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE uuid = $1`, uuid)
	return err
}

func (s *PostgresStore) CookieFor(ctx context.Context, uuid string) (string, error) {
	var cookie string
	err := s.pool.QueryRow(ctx, `SELECT cookie FROM agents WHERE uuid = $1`, uuid).Scan(&cookie)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return cookie, nil
}

// AssociateCookie stores the cookie. An agent row is created in Pending state
// when none exists yet.
func (s *PostgresStore) AssociateCookie(ctx context.Context, identity domain.AgentIdentity, cookie string) error {
	query := `
		INSERT INTO agents (uuid, hostname, ip_address, state, cookie, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (uuid) DO UPDATE SET
			cookie = EXCLUDED.cookie,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, identity.UUID, identity.Hostname, identity.IPAddress,
		string(domain.AgentConfigPending), cookie)
	return err
}

// --- Job Operations ---

func (s *PostgresStore) NextPipelineCounter(ctx context.Context, pipeline string) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(pipeline_counter), 0) FROM jobs WHERE LOWER(pipeline_name) = LOWER($1)`,
		pipeline).Scan(&max)
	return max + 1, err
}

func (s *PostgresStore) NextStageCounter(ctx context.Context, pipeline string, pipelineCounter int, stage string) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(stage_counter), 0) FROM jobs
		WHERE LOWER(pipeline_name) = LOWER($1) AND pipeline_counter = $2 AND LOWER(stage_name) = LOWER($3)`,
		pipeline, pipelineCounter, stage).Scan(&max)
	return max + 1, err
}

func (s *PostgresStore) ScheduleJob(ctx context.Context, job *domain.JobInstance) error {
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	plan, err := json.Marshal(job.Plan)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	id := job.Identifier
	var buildID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO jobs (pipeline_name, pipeline_counter, stage_name, stage_counter, job_name,
			state, state_rank, result, plan, scheduled_at, state_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING build_id`,
		id.PipelineName, id.PipelineCounter, id.StageName, id.StageCounter, id.JobName,
		string(domain.JobScheduled), domain.JobScheduled.Rank(), string(domain.ResultUnknown),
		plan, job.ScheduledAt,
	).Scan(&buildID)
	if err != nil {
		return err
	}

	if err := insertTransition(ctx, tx, buildID, domain.JobScheduled, job.ScheduledAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	job.Identifier.BuildID = buildID
	job.State = domain.JobScheduled
	job.Result = domain.ResultUnknown
	job.StateChangedAt = job.ScheduledAt
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, buildID int64) (*domain.JobInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE build_id = $1`, buildID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) ListScheduledJobs(ctx context.Context) ([]*domain.JobInstance, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE NOT ignored AND state = $1 ORDER BY build_id`,
		string(domain.JobScheduled))
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) ([]*domain.JobInstance, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE NOT ignored AND agent_uuid <> '' AND state = ANY($1) ORDER BY build_id`,
		activeStates())
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.JobInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.JobInstance
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) AssignJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) (bool, error) {
	return s.conditionalTransition(ctx, buildID, domain.JobAssigned, at, `
		UPDATE jobs SET state = $2, state_rank = $3, state_changed_at = $4, agent_uuid = $5, assigned_at = $4
		WHERE build_id = $1 AND NOT ignored AND state = 'Scheduled'`,
		buildID, string(domain.JobAssigned), domain.JobAssigned.Rank(), at, agentUUID)
}

func (s *PostgresStore) UpdateJobState(ctx context.Context, buildID int64, state domain.JobState, at time.Time) (bool, error) {
	var completedAt *time.Time
	if state.IsFinal() {
		completedAt = &at
	}
	return s.conditionalTransition(ctx, buildID, state, at, `
		UPDATE jobs SET state = $2, state_rank = $3, state_changed_at = $4, completed_at = COALESCE($5, completed_at)
		WHERE build_id = $1 AND NOT ignored AND state NOT IN ('Completed', 'Rescheduled') AND state_rank < $3`,
		buildID, string(state), state.Rank(), at, completedAt)
}

func (s *PostgresStore) RecordJobResult(ctx context.Context, buildID int64, result domain.JobResult) (bool, error) {
	if result == domain.ResultUnknown {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET result = $2 WHERE build_id = $1 AND NOT ignored AND result = 'Unknown'`,
		buildID, string(result))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) IgnoreJob(ctx context.Context, buildID int64, state domain.JobState, result domain.JobResult, at time.Time) (bool, error) {
	return s.conditionalTransition(ctx, buildID, state, at, `
		UPDATE jobs SET ignored = TRUE, state = $2, state_rank = $3, state_changed_at = $4, completed_at = $4, result = $5
		WHERE build_id = $1 AND NOT ignored AND state NOT IN ('Completed', 'Rescheduled')`,
		buildID, string(state), state.Rank(), at, string(result))
}

// conditionalTransition runs update and, if it matched the row, appends the
// state to the job's history in the same transaction.
func (s *PostgresStore) conditionalTransition(ctx context.Context, buildID int64, state domain.JobState, at time.Time, update string, args ...any) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, update, args...)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertTransition(ctx, tx, buildID, state, at); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func insertTransition(ctx context.Context, tx pgx.Tx, buildID int64, state domain.JobState, at time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO job_state_transitions (build_id, state, at) VALUES ($1, $2, $3)`,
		buildID, string(state), at)
	return err
}

func (s *PostgresStore) FindJobStatusHistory(ctx context.Context, buildID int64) ([]domain.StateTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT build_id, state, at FROM job_state_transitions WHERE build_id = $1 ORDER BY id`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.StateTransition
	for rows.Next() {
		var t domain.StateTransition
		var state string
		if err := rows.Scan(&t.BuildID, &state, &t.At); err != nil {
			return nil, err
		}
		t.State = domain.JobState(state)
		history = append(history, t)
	}
	return history, rows.Err()
}

func (s *PostgresStore) LatestInProgressBuildByAgentUUID(ctx context.Context, uuid string) (*domain.JobInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE agent_uuid = $1 AND NOT ignored AND state = ANY($2)
		ORDER BY build_id DESC LIMIT 1`, uuid, activeStates())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// --- Stage Operations ---

func (s *PostgresStore) GetStage(ctx context.Context, id domain.StageIdentifier) (*domain.Stage, error) {
	jobs, err := s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE LOWER(pipeline_name) = LOWER($1) AND pipeline_counter = $2
		  AND LOWER(stage_name) = LOWER($3) AND stage_counter = $4`,
		id.PipelineName, id.PipelineCounter, id.StageName, id.StageCounter)
	if err != nil {
		return nil, err
	}
	return aggregate(id, jobs), nil
}

func (s *PostgresStore) MostRecentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error) {
	var run domain.StageIdentifier
	err := s.pool.QueryRow(ctx, `
		SELECT pipeline_name, pipeline_counter, stage_name, stage_counter FROM jobs
		WHERE LOWER(pipeline_name) = LOWER($1) AND LOWER(stage_name) = LOWER($2)
		ORDER BY pipeline_counter DESC, stage_counter DESC LIMIT 1`,
		id.PipelineName, id.StageName,
	).Scan(&run.PipelineName, &run.PipelineCounter, &run.StageName, &run.StageCounter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetStage(ctx, run)
}

func scanJob(row pgx.Row) (*domain.JobInstance, error) {
	var j domain.JobInstance
	var state, result string
	var plan []byte
	err := row.Scan(
		&j.Identifier.BuildID, &j.Identifier.PipelineName, &j.Identifier.PipelineCounter,
		&j.Identifier.StageName, &j.Identifier.StageCounter, &j.Identifier.JobName,
		&state, &result, &j.AgentUUID, &j.Ignored, &plan,
		&j.ScheduledAt, &j.AssignedAt, &j.StateChangedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = domain.JobState(state)
	j.Result = domain.JobResult(result)
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &j.Plan); err != nil {
			return nil, err
		}
	}
	return &j, nil
}
