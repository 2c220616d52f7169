package domain

import (
	"fmt"

	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPartial   JobStatus = "partial"
)

var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning: true,
		JobStatusFailed:  true, // rejected before dispatch (shutdown)
	},
	JobStatusRunning: {
		JobStatusSucceeded: true,
		JobStatusFailed:    true,
		JobStatusPartial:   true,
	},
	JobStatusSucceeded: {},
	JobStatusFailed:    {},
	JobStatusPartial:   {},
}

// ValidateTransition checks if a status transition is allowed
func ValidateTransition(from, to JobStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsValid reports whether s is one of the known statuses
func (s JobStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true once no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusPartial
}

// StatusFromResult maps a result envelope onto the terminal job status
func StatusFromResult(r envelope.Result) JobStatus {
	switch r.Status {
	case envelope.StatusSuccess:
		return JobStatusSucceeded
	case envelope.StatusPartial:
		return JobStatusPartial
	default:
		return JobStatusFailed
	}
}
