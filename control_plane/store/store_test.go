package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/forgeci/control_plane/domain"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			db, err := sqlx.Open("sqlite3", ":memory:")
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			s, err := newSQLiteStoreWithDB(db)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func scheduled(t *testing.T, s Store, pipeline string, pc int, stage string, sc int, job string) *domain.JobInstance {
	t.Helper()
	j := &domain.JobInstance{
		Identifier: domain.JobIdentifier{
			PipelineName: pipeline, PipelineCounter: pc,
			StageName: stage, StageCounter: sc, JobName: job,
		},
		Plan:        domain.JobPlan{Command: "make", Resources: []string{"linux"}},
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.ScheduleJob(context.Background(), j))
	require.NotZero(t, j.BuildID())
	return j
}

func TestStoreAgents(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			missing, err := s.GetAgent(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			cookie, err := s.CookieFor(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, cookie)

			require.NoError(t, s.SaveAgent(ctx, &domain.AgentConfig{
				UUID: "u1", Hostname: "h1", IPAddress: "10.0.0.1",
				Resources: []string{"linux"}, State: domain.AgentConfigEnabled,
			}))
			require.NoError(t, s.AssociateCookie(ctx, domain.AgentIdentity{UUID: "u1"}, "c1"))

			got, err := s.GetAgent(ctx, "u1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "10.0.0.1", got.IPAddress)
			assert.Equal(t, []string{"linux"}, got.Resources)
			assert.Equal(t, domain.AgentConfigEnabled, got.State)

			cookie, err = s.CookieFor(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, "c1", cookie)

			require.NoError(t, s.DeleteAgent(ctx, "u1"))
			agents, err := s.ListAgents(ctx)
			require.NoError(t, err)
			assert.Empty(t, agents)
		})
	}
}

func TestStoreJobLifecycleIsMonotonic(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			j := scheduled(t, s, "build", 1, "compile", 1, "unit")

			ok, err := s.AssignJob(ctx, j.BuildID(), "agent-1", now)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.AssignJob(ctx, j.BuildID(), "agent-2", now)
			require.NoError(t, err)
			assert.False(t, ok, "a job is assigned once")

			ok, err = s.UpdateJobState(ctx, j.BuildID(), domain.JobBuilding, now)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.UpdateJobState(ctx, j.BuildID(), domain.JobBuilding, now)
			require.NoError(t, err)
			assert.False(t, ok, "repeating a state is a no-op")

			ok, err = s.UpdateJobState(ctx, j.BuildID(), domain.JobPreparing, now)
			require.NoError(t, err)
			assert.False(t, ok, "states never go backwards")

			active, err := s.LatestInProgressBuildByAgentUUID(ctx, "agent-1")
			require.NoError(t, err)
			require.NotNil(t, active)
			assert.Equal(t, j.BuildID(), active.BuildID())

			ok, err = s.RecordJobResult(ctx, j.BuildID(), domain.ResultPassed)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.RecordJobResult(ctx, j.BuildID(), domain.ResultFailed)
			require.NoError(t, err)
			assert.False(t, ok, "result is set once")

			ok, err = s.UpdateJobState(ctx, j.BuildID(), domain.JobCompleted, now)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.GetJob(ctx, j.BuildID())
			require.NoError(t, err)
			assert.Equal(t, domain.JobCompleted, got.State)
			assert.Equal(t, domain.ResultPassed, got.Result)
			assert.NotNil(t, got.CompletedAt)
			assert.Equal(t, "make", got.Plan.Command)

			history, err := s.FindJobStatusHistory(ctx, j.BuildID())
			require.NoError(t, err)
			var states []domain.JobState
			for _, h := range history {
				states = append(states, h.State)
			}
			assert.Equal(t, []domain.JobState{domain.JobScheduled, domain.JobAssigned, domain.JobBuilding, domain.JobCompleted}, states)

			active, err = s.LatestInProgressBuildByAgentUUID(ctx, "agent-1")
			require.NoError(t, err)
			assert.Nil(t, active)
		})
	}
}

func TestStoreIgnoredJobsRejectUpdates(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC()

			j := scheduled(t, s, "build", 1, "compile", 1, "unit")
			_, err := s.AssignJob(ctx, j.BuildID(), "agent-1", now)
			require.NoError(t, err)

			ok, err := s.IgnoreJob(ctx, j.BuildID(), domain.JobCompleted, domain.ResultCancelled, now)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.UpdateJobState(ctx, j.BuildID(), domain.JobBuilding, now)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.RecordJobResult(ctx, j.BuildID(), domain.ResultPassed)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.GetJob(ctx, j.BuildID())
			require.NoError(t, err)
			assert.True(t, got.Ignored)
			assert.Equal(t, domain.ResultCancelled, got.Result)

			active, err := s.ListActiveJobs(ctx)
			require.NoError(t, err)
			assert.Empty(t, active)
		})
	}
}

func TestStoreStages(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC()

			none, err := s.MostRecentStage(ctx, domain.StageConfigIdentifier{PipelineName: "build", StageName: "compile"})
			require.NoError(t, err)
			assert.Nil(t, none)

			first := scheduled(t, s, "build", 1, "compile", 1, "unit")
			_ = scheduled(t, s, "build", 2, "compile", 1, "unit")
			_ = scheduled(t, s, "build", 2, "compile", 1, "lint")

			for _, state := range []domain.JobState{domain.JobBuilding, domain.JobCompleted} {
				_, err := s.UpdateJobState(ctx, first.BuildID(), state, now)
				require.NoError(t, err)
			}
			_, err = s.RecordJobResult(ctx, first.BuildID(), domain.ResultFailed)
			require.NoError(t, err)

			stage, err := s.GetStage(ctx, first.Identifier.StageIdentifier())
			require.NoError(t, err)
			require.NotNil(t, stage)
			assert.Equal(t, domain.StageFailed, stage.State)

			latest, err := s.MostRecentStage(ctx, domain.StageConfigIdentifier{PipelineName: "BUILD", StageName: "Compile"})
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, 2, latest.Identifier.PipelineCounter)
			assert.Len(t, latest.Jobs, 2)
			assert.Equal(t, domain.StageBuilding, latest.State)

			next, err := s.NextPipelineCounter(ctx, "build")
			require.NoError(t, err)
			assert.Equal(t, 3, next)

			nextStage, err := s.NextStageCounter(ctx, "build", 2, "compile")
			require.NoError(t, err)
			assert.Equal(t, 2, nextStage)
		})
	}
}
