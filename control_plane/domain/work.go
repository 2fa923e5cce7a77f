package domain

// Instruction is returned to an agent on ping.
type Instruction string

const (
	InstructionNone       Instruction = "None"
	InstructionCancel     Instruction = "Cancel"
	InstructionDisable    Instruction = "Disable"
	InstructionDeleteSelf Instruction = "DeleteSelf"
	InstructionReregister Instruction = "Reregister"
)

// WorkType discriminates Work values on the wire.
type WorkType string

const (
	WorkBuild  WorkType = "BuildWork"
	WorkNone   WorkType = "NoWork"
	WorkDenied WorkType = "DeniedAgentWork"
	WorkCancel WorkType = "CancelWork"
)

// Work is the answer to getWork. Job and Plan are only set for BuildWork and
// CancelWork.
type Work struct {
	Type   WorkType       `json:"type"`
	Job    *JobIdentifier `json:"job,omitempty"`
	Plan   *JobPlan       `json:"plan,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

func NoWork() Work {
	return Work{Type: WorkNone}
}

func DeniedWork(reason string) Work {
	return Work{Type: WorkDenied, Reason: reason}
}

func BuildWork(job *JobInstance) Work {
	id := job.Identifier
	plan := job.Plan
	return Work{Type: WorkBuild, Job: &id, Plan: &plan}
}

func CancelWork(job JobIdentifier) Work {
	return Work{Type: WorkCancel, Job: &job}
}
