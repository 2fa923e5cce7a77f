package store

import (
	"github.com/itskum47/forgeci/control_plane/domain"
)

// activeStates lists the job states in which an agent holds the job.
func activeStates() []string {
	return []string{
		string(domain.JobAssigned),
		string(domain.JobPreparing),
		string(domain.JobBuilding),
		string(domain.JobCompleting),
	}
}

// aggregate builds a stage from its persisted jobs, or nil when the run has none.
func aggregate(id domain.StageIdentifier, jobs []*domain.JobInstance) *domain.Stage {
	if len(jobs) == 0 {
		return nil
	}
	flat := make([]domain.JobInstance, 0, len(jobs))
	for _, j := range jobs {
		flat = append(flat, *j)
	}
	stage := domain.AggregateStage(id, flat)
	return &stage
}
