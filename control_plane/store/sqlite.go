package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/itskum47/forgeci/control_plane/domain"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

type agentRow struct {
	UUID      string `db:"uuid"`
	Hostname  string `db:"hostname"`
	IPAddress string `db:"ip_address"`
	Resources string `db:"resources"`
	State     string `db:"state"`
}

func (r agentRow) toDomain() (*domain.AgentConfig, error) {
	a := &domain.AgentConfig{
		UUID:      r.UUID,
		Hostname:  r.Hostname,
		IPAddress: r.IPAddress,
		State:     domain.AgentConfigState(r.State),
	}
	if r.Resources != "" {
		if err := json.Unmarshal([]byte(r.Resources), &a.Resources); err != nil {
			return nil, fmt.Errorf("decode resources of agent %s: %w", r.UUID, err)
		}
	}
	return a, nil
}

type jobRow struct {
	BuildID         int64        `db:"build_id"`
	PipelineName    string       `db:"pipeline_name"`
	PipelineCounter int          `db:"pipeline_counter"`
	StageName       string       `db:"stage_name"`
	StageCounter    int          `db:"stage_counter"`
	JobName         string       `db:"job_name"`
	State           string       `db:"state"`
	Result          string       `db:"result"`
	AgentUUID       string       `db:"agent_uuid"`
	Ignored         bool         `db:"ignored"`
	Plan            string       `db:"plan"`
	ScheduledAt     time.Time    `db:"scheduled_at"`
	AssignedAt      sql.NullTime `db:"assigned_at"`
	StateChangedAt  time.Time    `db:"state_changed_at"`
	CompletedAt     sql.NullTime `db:"completed_at"`
}

func (r jobRow) toDomain() (*domain.JobInstance, error) {
	j := &domain.JobInstance{
		Identifier: domain.JobIdentifier{
			PipelineName:    r.PipelineName,
			PipelineCounter: r.PipelineCounter,
			StageName:       r.StageName,
			StageCounter:    r.StageCounter,
			JobName:         r.JobName,
			BuildID:         r.BuildID,
		},
		State:          domain.JobState(r.State),
		Result:         domain.JobResult(r.Result),
		AgentUUID:      r.AgentUUID,
		Ignored:        r.Ignored,
		ScheduledAt:    r.ScheduledAt,
		StateChangedAt: r.StateChangedAt,
	}
	if r.AssignedAt.Valid {
		t := r.AssignedAt.Time
		j.AssignedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	if r.Plan != "" {
		if err := json.Unmarshal([]byte(r.Plan), &j.Plan); err != nil {
			return nil, fmt.Errorf("decode plan of build %d: %w", r.BuildID, err)
		}
	}
	return j, nil
}

// NewSQLiteStore opens (creating if needed) the database file at path.
// ":memory:" gives a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err == nil {
			path = abs
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare database path: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000", path)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLiteStoreWithDB(db)
}

func newSQLiteStoreWithDB(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		uuid TEXT PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		resources TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL,
		cookie TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		build_id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_name TEXT NOT NULL COLLATE NOCASE,
		pipeline_counter INTEGER NOT NULL,
		stage_name TEXT NOT NULL COLLATE NOCASE,
		stage_counter INTEGER NOT NULL,
		job_name TEXT NOT NULL,
		state TEXT NOT NULL,
		state_rank INTEGER NOT NULL,
		result TEXT NOT NULL,
		agent_uuid TEXT NOT NULL DEFAULT '',
		ignored BOOLEAN NOT NULL DEFAULT 0,
		plan TEXT NOT NULL DEFAULT '{}',
		scheduled_at TIMESTAMP NOT NULL,
		assigned_at TIMESTAMP,
		state_changed_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs(pipeline_name, stage_name, pipeline_counter, stage_counter);
	CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs(agent_uuid);

	CREATE TABLE IF NOT EXISTS job_state_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id INTEGER NOT NULL REFERENCES jobs(build_id),
		state TEXT NOT NULL,
		at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_build ON job_state_transitions(build_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Agent Operations ---

func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *domain.AgentConfig) error {
	resources, err := json.Marshal(append([]string{}, agent.Resources...))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (uuid, hostname, ip_address, resources, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			resources = excluded.resources,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, agent.UUID, agent.Hostname, agent.IPAddress, string(resources), string(agent.State), time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, uuid string) (*domain.AgentConfig, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT uuid, hostname, ip_address, resources, state FROM agents WHERE uuid = ?`, uuid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain()
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*domain.AgentConfig, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT uuid, hostname, ip_address, resources, state FROM agents ORDER BY uuid`); err != nil {
		return nil, err
	}
	agents := make([]*domain.AgentConfig, 0, len(rows))
	for _, r := range rows {
		a, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE uuid = ?`, uuid)
	return err
}

func (s *SQLiteStore) CookieFor(ctx context.Context, uuid string) (string, error) {
	var cookie string
	err := s.db.GetContext(ctx, &cookie, `SELECT cookie FROM agents WHERE uuid = ?`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cookie, err
}

func (s *SQLiteStore) AssociateCookie(ctx context.Context, identity domain.AgentIdentity, cookie string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (uuid, hostname, ip_address, state, cookie, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			cookie = excluded.cookie,
			updated_at = excluded.updated_at
	`, identity.UUID, identity.Hostname, identity.IPAddress, string(domain.AgentConfigPending), cookie, time.Now().UTC())
	return err
}

// --- Job Operations ---

func (s *SQLiteStore) NextPipelineCounter(ctx context.Context, pipeline string) (int, error) {
	var max int
	err := s.db.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(pipeline_counter), 0) FROM jobs WHERE pipeline_name = ?`, pipeline)
	return max + 1, err
}

func (s *SQLiteStore) NextStageCounter(ctx context.Context, pipeline string, pipelineCounter int, stage string) (int, error) {
	var max int
	err := s.db.GetContext(ctx, &max, `
		SELECT COALESCE(MAX(stage_counter), 0) FROM jobs
		WHERE pipeline_name = ? AND pipeline_counter = ? AND stage_name = ?`,
		pipeline, pipelineCounter, stage)
	return max + 1, err
}

func (s *SQLiteStore) ScheduleJob(ctx context.Context, job *domain.JobInstance) error {
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	plan, err := json.Marshal(job.Plan)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	id := job.Identifier
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (pipeline_name, pipeline_counter, stage_name, stage_counter, job_name,
			state, state_rank, result, plan, scheduled_at, state_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.PipelineName, id.PipelineCounter, id.StageName, id.StageCounter, id.JobName,
		string(domain.JobScheduled), domain.JobScheduled.Rank(), string(domain.ResultUnknown),
		string(plan), job.ScheduledAt, job.ScheduledAt)
	if err != nil {
		return err
	}
	buildID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := s.insertTransition(ctx, tx, buildID, domain.JobScheduled, job.ScheduledAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	job.Identifier.BuildID = buildID
	job.State = domain.JobScheduled
	job.Result = domain.ResultUnknown
	job.StateChangedAt = job.ScheduledAt
	return nil
}

const sqliteJobColumns = `build_id, pipeline_name, pipeline_counter, stage_name, stage_counter, job_name,
	state, result, agent_uuid, ignored, plan, scheduled_at, assigned_at, state_changed_at, completed_at`

func (s *SQLiteStore) GetJob(ctx context.Context, buildID int64) (*domain.JobInstance, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteJobColumns+` FROM jobs WHERE build_id = ?`, buildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain()
}

func (s *SQLiteStore) selectJobs(ctx context.Context, query string, args ...any) ([]*domain.JobInstance, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	jobs := make([]*domain.JobInstance, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *SQLiteStore) ListScheduledJobs(ctx context.Context) ([]*domain.JobInstance, error) {
	return s.selectJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE ignored = 0 AND state = ? ORDER BY build_id`,
		string(domain.JobScheduled))
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]*domain.JobInstance, error) {
	return s.selectJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE ignored = 0 AND agent_uuid <> '' AND state IN (?) ORDER BY build_id`,
		activeStates())
}

func (s *SQLiteStore) AssignJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) (bool, error) {
	return s.conditionalTransition(ctx, buildID, domain.JobAssigned, at, `
		UPDATE jobs SET state = ?, state_rank = ?, state_changed_at = ?, agent_uuid = ?, assigned_at = ?
		WHERE build_id = ? AND ignored = 0 AND state = 'Scheduled'`,
		string(domain.JobAssigned), domain.JobAssigned.Rank(), at, agentUUID, at, buildID)
}

func (s *SQLiteStore) UpdateJobState(ctx context.Context, buildID int64, state domain.JobState, at time.Time) (bool, error) {
	var completedAt sql.NullTime
	if state.IsFinal() {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}
	return s.conditionalTransition(ctx, buildID, state, at, `
		UPDATE jobs SET state = ?, state_rank = ?, state_changed_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE build_id = ? AND ignored = 0 AND state NOT IN ('Completed', 'Rescheduled') AND state_rank < ?`,
		string(state), state.Rank(), at, completedAt, buildID, state.Rank())
}

func (s *SQLiteStore) RecordJobResult(ctx context.Context, buildID int64, result domain.JobResult) (bool, error) {
	if result == domain.ResultUnknown {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET result = ? WHERE build_id = ? AND ignored = 0 AND result = 'Unknown'`,
		string(result), buildID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) IgnoreJob(ctx context.Context, buildID int64, state domain.JobState, result domain.JobResult, at time.Time) (bool, error) {
	return s.conditionalTransition(ctx, buildID, state, at, `
		UPDATE jobs SET ignored = 1, state = ?, state_rank = ?, state_changed_at = ?, completed_at = ?, result = ?
		WHERE build_id = ? AND ignored = 0 AND state NOT IN ('Completed', 'Rescheduled')`,
		string(state), state.Rank(), at, at, string(result), buildID)
}

func (s *SQLiteStore) conditionalTransition(ctx context.Context, buildID int64, state domain.JobState, at time.Time, update string, args ...any) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := s.insertTransition(ctx, tx, buildID, state, at); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) insertTransition(ctx context.Context, tx *sqlx.Tx, buildID int64, state domain.JobState, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_state_transitions (build_id, state, at) VALUES (?, ?, ?)`,
		buildID, string(state), at)
	return err
}

func (s *SQLiteStore) FindJobStatusHistory(ctx context.Context, buildID int64) ([]domain.StateTransition, error) {
	var history []domain.StateTransition
	err := s.db.SelectContext(ctx, &history,
		`SELECT build_id, state, at FROM job_state_transitions WHERE build_id = ? ORDER BY id`, buildID)
	return history, err
}

func (s *SQLiteStore) LatestInProgressBuildByAgentUUID(ctx context.Context, uuid string) (*domain.JobInstance, error) {
	jobs, err := s.selectJobs(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE agent_uuid = ? AND ignored = 0 AND state IN (?)
		ORDER BY build_id DESC LIMIT 1`, uuid, activeStates())
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// --- Stage Operations ---

func (s *SQLiteStore) GetStage(ctx context.Context, id domain.StageIdentifier) (*domain.Stage, error) {
	jobs, err := s.selectJobs(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE pipeline_name = ? AND pipeline_counter = ? AND stage_name = ? AND stage_counter = ?`,
		id.PipelineName, id.PipelineCounter, id.StageName, id.StageCounter)
	if err != nil {
		return nil, err
	}
	return aggregate(id, jobs), nil
}

func (s *SQLiteStore) MostRecentStage(ctx context.Context, id domain.StageConfigIdentifier) (*domain.Stage, error) {
	var run struct {
		PipelineName    string `db:"pipeline_name"`
		PipelineCounter int    `db:"pipeline_counter"`
		StageName       string `db:"stage_name"`
		StageCounter    int    `db:"stage_counter"`
	}
	err := s.db.GetContext(ctx, &run, `
		SELECT pipeline_name, pipeline_counter, stage_name, stage_counter FROM jobs
		WHERE pipeline_name = ? AND stage_name = ?
		ORDER BY pipeline_counter DESC, stage_counter DESC LIMIT 1`,
		id.PipelineName, id.StageName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetStage(ctx, domain.StageIdentifier{
		PipelineName:    run.PipelineName,
		PipelineCounter: run.PipelineCounter,
		StageName:       run.StageName,
		StageCounter:    run.StageCounter,
	})
}
