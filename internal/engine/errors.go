package engine

import "fmt"

// AlreadyInitializedError signals a repeated pipeline initialization.
type AlreadyInitializedError struct {
	ProjectID string
}

func (e AlreadyInitializedError) Error() string {
	return fmt.Sprintf("pipeline for project %s already initialized", e.ProjectID)
}

// InvalidTransitionError signals a phase status change the state machine
// does not permit.
type InvalidTransitionError struct {
	ProjectID   string
	PhaseNumber int
	From        string
	To          string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("project %s phase %d: invalid transition %s -> %s", e.ProjectID, e.PhaseNumber, e.From, e.To)
}

// ExecutionInProgressError signals a start attempt while a run is active.
type ExecutionInProgressError struct {
	ProjectID   string
	PhaseNumber int
}

func (e ExecutionInProgressError) Error() string {
	return fmt.Sprintf("project %s phase %d: execution already in progress", e.ProjectID, e.PhaseNumber)
}

// InvalidExecutionError signals a completion attempt on a non-running record.
type InvalidExecutionError struct {
	ExecutionID string
	Status      string
}

func (e InvalidExecutionError) Error() string {
	return fmt.Sprintf("execution %s is %s, not running", e.ExecutionID, e.Status)
}
