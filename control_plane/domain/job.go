package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobState is a step of the job lifecycle.
type JobState string

const (
	JobScheduled   JobState = "Scheduled"
	JobAssigned    JobState = "Assigned"
	JobPreparing   JobState = "Preparing"
	JobBuilding    JobState = "Building"
	JobCompleting  JobState = "Completing"
	JobCompleted   JobState = "Completed"
	JobRescheduled JobState = "Rescheduled"
)

var jobStateRank = map[JobState]int{
	JobScheduled:   1,
	JobAssigned:    2,
	JobPreparing:   3,
	JobBuilding:    4,
	JobCompleting:  5,
	JobCompleted:   6,
	JobRescheduled: 6,
}

// Rank orders states along the lifecycle. Unknown states rank 0.
func (s JobState) Rank() int {
	return jobStateRank[s]
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	return s.Rank() > 0
}

// IsActiveOnAgent reports whether an agent holds the job in this state.
func (s JobState) IsActiveOnAgent() bool {
	switch s {
	case JobAssigned, JobPreparing, JobBuilding, JobCompleting:
		return true
	}
	return false
}

// IsFinal reports whether no further transitions are accepted.
func (s JobState) IsFinal() bool {
	return s == JobCompleted || s == JobRescheduled
}

// ParseJobState accepts states case-insensitively.
func ParseJobState(v string) (JobState, error) {
	for s := range jobStateRank {
		if strings.EqualFold(string(s), v) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", v)
}

// JobResult is the outcome of a job.
type JobResult string

const (
	ResultUnknown   JobResult = "Unknown"
	ResultPassed    JobResult = "Passed"
	ResultFailed    JobResult = "Failed"
	ResultCancelled JobResult = "Cancelled"
)

// ParseJobResult accepts results case-insensitively.
func ParseJobResult(v string) (JobResult, error) {
	for _, r := range []JobResult{ResultUnknown, ResultPassed, ResultFailed, ResultCancelled} {
		if strings.EqualFold(string(r), v) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown job result %q", v)
}

// JobIdentifier is the stable coordinate of one job instance.
type JobIdentifier struct {
	PipelineName    string `json:"pipelineName"`
	PipelineCounter int    `json:"pipelineCounter"`
	StageName       string `json:"stageName"`
	StageCounter    int    `json:"stageCounter"`
	JobName         string `json:"buildName"`
	BuildID         int64  `json:"buildId"`
}

func (j JobIdentifier) String() string {
	return fmt.Sprintf("%s/%d/%s/%d/%s", j.PipelineName, j.PipelineCounter, j.StageName, j.StageCounter, j.JobName)
}

// StageIdentifier returns the stage run this job belongs to.
func (j JobIdentifier) StageIdentifier() StageIdentifier {
	return StageIdentifier{
		PipelineName:    j.PipelineName,
		PipelineCounter: j.PipelineCounter,
		StageName:       j.StageName,
		StageCounter:    j.StageCounter,
	}
}

// StageConfig returns the configured stage this job belongs to.
func (j JobIdentifier) StageConfig() StageConfigIdentifier {
	return StageConfigIdentifier{PipelineName: j.PipelineName, StageName: j.StageName}
}

// JobPlan is what an agent needs to run the job.
type JobPlan struct {
	Resources      []string `json:"resources,omitempty"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	TimeoutMinutes *int     `json:"timeoutMinutes,omitempty"`
}

// JobInstance is the persisted state of one job run.
type JobInstance struct {
	Identifier     JobIdentifier `json:"identifier"`
	State          JobState      `json:"state"`
	Result         JobResult     `json:"result"`
	AgentUUID      string        `json:"agentUuid,omitempty"`
	Ignored        bool          `json:"ignored"`
	Plan           JobPlan       `json:"plan"`
	ScheduledAt    time.Time     `json:"scheduledAt"`
	AssignedAt     *time.Time    `json:"assignedAt,omitempty"`
	StateChangedAt time.Time     `json:"stateChangedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

// BuildID is a shorthand for Identifier.BuildID.
func (j *JobInstance) BuildID() int64 {
	return j.Identifier.BuildID
}

// IsActiveOnAgent reports whether the job currently occupies its agent.
func (j *JobInstance) IsActiveOnAgent() bool {
	return !j.Ignored && j.AgentUUID != "" && j.State.IsActiveOnAgent()
}

// StateTransition is one entry in a job's status history.
type StateTransition struct {
	BuildID int64     `json:"buildId" db:"build_id"`
	State   JobState  `json:"state" db:"state"`
	At      time.Time `json:"at" db:"at"`
}

// JobStatusChanged is published after a job transition has been persisted.
type JobStatusChanged struct {
	Job      JobInstance `json:"job"`
	Previous JobState    `json:"previous"`
}

// BecameCompleted reports whether this event is the job's transition into Completed.
func (e JobStatusChanged) BecameCompleted() bool {
	return e.Job.State == JobCompleted && e.Previous != JobCompleted
}
