package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StageState is the aggregate state of a stage run.
type StageState string

const (
	StageUnknown   StageState = "Unknown"
	StageBuilding  StageState = "Building"
	StagePassed    StageState = "Passed"
	StageFailed    StageState = "Failed"
	StageCancelled StageState = "Cancelled"
)

// StageIdentifier locates one run of a stage.
type StageIdentifier struct {
	PipelineName    string `json:"pipelineName"`
	PipelineCounter int    `json:"pipelineCounter"`
	StageName       string `json:"stageName"`
	StageCounter    int    `json:"stageCounter"`
}

func (s StageIdentifier) String() string {
	return fmt.Sprintf("%s/%d/%s/%d", s.PipelineName, s.PipelineCounter, s.StageName, s.StageCounter)
}

// StageConfig drops the counters.
func (s StageIdentifier) StageConfig() StageConfigIdentifier {
	return StageConfigIdentifier{PipelineName: s.PipelineName, StageName: s.StageName}
}

// StageConfigIdentifier names a configured stage. Names are case-insensitive.
type StageConfigIdentifier struct {
	PipelineName string `json:"pipelineName"`
	StageName    string `json:"stageName"`
}

// Key is the normalized map key for this stage.
func (s StageConfigIdentifier) Key() string {
	return strings.ToLower(s.PipelineName) + "/" + strings.ToLower(s.StageName)
}

// Stage is a stage run together with its jobs.
type Stage struct {
	Identifier       StageIdentifier `json:"identifier"`
	State            StageState      `json:"state"`
	Result           JobResult       `json:"result"`
	Jobs             []JobInstance   `json:"jobs"`
	LastTransitionAt time.Time       `json:"lastTransitionAt"`
}

// IsCompleted reports whether every job in the stage is done.
func (s *Stage) IsCompleted() bool {
	return s.State == StagePassed || s.State == StageFailed || s.State == StageCancelled
}

// AggregateStage derives the stage state from its jobs. Jobs replaced by a
// reschedule do not count.
func AggregateStage(id StageIdentifier, jobs []JobInstance) Stage {
	stage := Stage{Identifier: id, State: StageUnknown, Result: ResultUnknown}

	counted := make([]JobInstance, 0, len(jobs))
	for _, j := range jobs {
		if j.State == JobRescheduled {
			continue
		}
		counted = append(counted, j)
		if j.StateChangedAt.After(stage.LastTransitionAt) {
			stage.LastTransitionAt = j.StateChangedAt
		}
	}
	sort.Slice(counted, func(a, b int) bool {
		return counted[a].Identifier.JobName < counted[b].Identifier.JobName
	})
	stage.Jobs = counted

	if len(counted) == 0 {
		return stage
	}

	var failed, cancelled bool
	for _, j := range counted {
		if j.State != JobCompleted {
			stage.State = StageBuilding
			return stage
		}
		switch j.Result {
		case ResultFailed:
			failed = true
		case ResultCancelled:
			cancelled = true
		}
	}

	switch {
	case cancelled:
		stage.State, stage.Result = StageCancelled, ResultCancelled
	case failed:
		stage.State, stage.Result = StageFailed, ResultFailed
	default:
		stage.State, stage.Result = StagePassed, ResultPassed
	}
	return stage
}

// StageStatusChanged is published whenever a job transition may have changed
// the state of its stage.
type StageStatusChanged struct {
	Stage Stage `json:"stage"`
}
