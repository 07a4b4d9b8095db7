package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fiscalgate/internal/config"
	"fiscalgate/internal/domain"
	"fiscalgate/internal/engine/auth"
	"fiscalgate/internal/events"
	"fiscalgate/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db, Repo: repo.Repo{DB: db}},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitializePipeline creates all seven phase rows for a project in one
// transaction, phase 1 in_progress and the rest not_started. Phases are only
// ever created here, together.
func (e Engine) InitializePipeline(ctx context.Context, projectID, actorID string) ([]domain.ProjectPhase, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	n, err := e.Repo.CountPhases(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, AlreadyInitializedError{ProjectID: projectID}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	phases := make([]domain.ProjectPhase, 0, domain.PhaseCount)
	for i := 1; i <= domain.PhaseCount; i++ {
		status := domain.PhaseNotStarted
		if i == 1 {
			status = domain.PhaseInProgress
		}
		ph := domain.ProjectPhase{
			ID:          uuid.New().String(),
			ProjectID:   projectID,
			PhaseNumber: i,
			Name:        domain.PhaseName(i),
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, ph); err != nil {
			// The unique (project_id, phase_number) constraint catches a
			// concurrent initialization.
			return nil, fmt.Errorf("insert phase %d: %w", i, err)
		}
		phases = append(phases, ph)
	}
	if err := e.Events.Append(ctx, tx, events.TypePipelineInitialized, projectID, "pipeline", projectID, actorID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return phases, nil
}

// ApprovePhase approves a phase that is in_progress or review, stamping the
// acting principal, and advances the next phase to in_progress in the same
// transaction. Either both writes land or neither does.
func (e Engine) ApprovePhase(ctx context.Context, projectID string, phaseNumber int, actorID string) (domain.ProjectPhase, error) {
	if phaseNumber < 1 || phaseNumber > domain.PhaseCount {
		return domain.ProjectPhase{}, fmt.Errorf("phase number %d out of range: %w", phaseNumber, repo.ErrNotFound)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectPhase{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, projectID, phaseNumber)
	if err != nil {
		return domain.ProjectPhase{}, err
	}
	ok, err := e.Repo.ApprovePhaseTx(ctx, tx, projectID, phaseNumber, actorID, now)
	if err != nil {
		return domain.ProjectPhase{}, err
	}
	if !ok {
		return domain.ProjectPhase{}, InvalidTransitionError{
			ProjectID:   projectID,
			PhaseNumber: phaseNumber,
			From:        ph.Status,
			To:          domain.PhaseApproved,
		}
	}
	payload := events.EventPayload{"phase_number": phaseNumber, "from_status": ph.Status}
	if phaseNumber < domain.PhaseCount {
		if _, err := e.Repo.SetPhaseStatusTx(ctx, tx, projectID, phaseNumber+1, domain.PhaseInProgress, now); err != nil {
			return domain.ProjectPhase{}, err
		}
		payload["advanced_to"] = phaseNumber + 1
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseApproved, projectID, "phase", ph.ID, actorID, payload); err != nil {
		return domain.ProjectPhase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectPhase{}, err
	}
	ph.Status = domain.PhaseApproved
	ph.ApprovedBy = &actorID
	ph.ApprovedAt = &now
	ph.UpdatedAt = now
	return ph, nil
}

var phaseStatuses = map[string]bool{
	domain.PhaseNotStarted: true,
	domain.PhaseInProgress: true,
	domain.PhaseReview:     true,
	domain.PhaseApproved:   true,
}

// SetPhaseStatus is the manual override. It deliberately enforces no ordering
// constraint: humans use it for cases auto-advance does not cover, including
// sending a phase back from review. Sending an approved or reviewed phase
// back to in_progress is recorded as a reopen, which feeds the rework metrics.
func (e Engine) SetPhaseStatus(ctx context.Context, projectID string, phaseNumber int, status, actorID string) (domain.ProjectPhase, error) {
	if !phaseStatuses[status] {
		return domain.ProjectPhase{}, fmt.Errorf("unknown phase status %q", status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectPhase{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, projectID, phaseNumber)
	if err != nil {
		return domain.ProjectPhase{}, err
	}
	if _, err := e.Repo.SetPhaseStatusTx(ctx, tx, projectID, phaseNumber, status, now); err != nil {
		return domain.ProjectPhase{}, err
	}
	evtType := events.TypePhaseStatusSet
	if status == domain.PhaseInProgress && (ph.Status == domain.PhaseReview || ph.Status == domain.PhaseApproved) {
		evtType = events.TypePhaseReopened
	}
	if err := e.Events.Append(ctx, tx, evtType, projectID, "phase", ph.ID, actorID, events.EventPayload{
		"phase_number": phaseNumber,
		"from_status":  ph.Status,
		"to_status":    status,
	}); err != nil {
		return domain.ProjectPhase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectPhase{}, err
	}
	ph.Status = status
	ph.UpdatedAt = now
	return ph, nil
}

// AssignAgent sets or clears the agent on a phase. Pure metadata, no
// state-machine effect.
func (e Engine) AssignAgent(ctx context.Context, projectID string, phaseNumber int, agentID *string, actorID string) (domain.ProjectPhase, error) {
	if agentID != nil {
		if _, err := e.Repo.GetAgent(ctx, *agentID); err != nil {
			return domain.ProjectPhase{}, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectPhase{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, projectID, phaseNumber)
	if err != nil {
		return domain.ProjectPhase{}, err
	}
	if _, err := e.Repo.SetPhaseAgentTx(ctx, tx, projectID, phaseNumber, agentID, now); err != nil {
		return domain.ProjectPhase{}, err
	}
	payload := events.EventPayload{"phase_number": phaseNumber}
	if agentID != nil {
		payload["agent_id"] = *agentID
	}
	if err := e.Events.Append(ctx, tx, events.TypeAgentAssigned, projectID, "phase", ph.ID, actorID, payload); err != nil {
		return domain.ProjectPhase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectPhase{}, err
	}
	ph.AgentID = agentID
	ph.UpdatedAt = now
	return ph, nil
}

// CurrentPhase derives the client-facing "where is this project" number from
// a phase list. Recomputed on every read, never stored. If the permissive
// manual override has produced more than one active phase, the lowest one
// wins.
func CurrentPhase(phases []domain.ProjectPhase) int {
	current := 0
	lastApproved := 0
	for _, ph := range phases {
		switch ph.Status {
		case domain.PhaseInProgress, domain.PhaseReview:
			if current == 0 || ph.PhaseNumber < current {
				current = ph.PhaseNumber
			}
		case domain.PhaseApproved:
			if ph.PhaseNumber > lastApproved {
				lastApproved = ph.PhaseNumber
			}
		}
	}
	if current > 0 {
		return current
	}
	if lastApproved > 0 {
		if lastApproved >= domain.PhaseCount {
			return domain.PhaseCount
		}
		return lastApproved + 1
	}
	return 1
}

// SaveOutput appends a content snapshot. Existing snapshots are never
// overwritten; resolution of "latest" happens at read time.
func (e Engine) SaveOutput(ctx context.Context, projectID string, phaseNumber int, version, content, actorID string) (domain.PhaseOutput, error) {
	if version != domain.VersionAI && version != domain.VersionHuman {
		return domain.PhaseOutput{}, fmt.Errorf("unknown output version %q", version)
	}
	if _, err := e.Repo.GetPhase(ctx, projectID, phaseNumber); err != nil {
		return domain.PhaseOutput{}, err
	}
	o := domain.PhaseOutput{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		PhaseNumber: phaseNumber,
		Version:     version,
		Content:     content,
		CreatedBy:   actorID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseOutput{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOutputTx(ctx, tx, o); err != nil {
		return domain.PhaseOutput{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeOutputSaved, projectID, "output", o.ID, actorID, events.EventPayload{
		"phase_number": phaseNumber,
		"version":      version,
	}); err != nil {
		return domain.PhaseOutput{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseOutput{}, err
	}
	return o, nil
}

// LatestOutputs holds the newest snapshot per version type, each possibly nil.
type LatestOutputs struct {
	AI    *domain.PhaseOutput
	Human *domain.PhaseOutput
}

// Display resolves which snapshot is authoritative for display: the human
// edit when one exists, else the AI draft, else nil ("no content yet").
func (l LatestOutputs) Display() *domain.PhaseOutput {
	if l.Human != nil {
		return l.Human
	}
	return l.AI
}

// LatestOutputs returns the newest ai and human snapshots independently.
func (e Engine) LatestOutputs(ctx context.Context, projectID string, phaseNumber int) (LatestOutputs, error) {
	var res LatestOutputs
	ai, err := e.Repo.LatestOutput(ctx, projectID, phaseNumber, domain.VersionAI)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if err == nil {
		res.AI = &ai
	}
	human, err := e.Repo.LatestOutput(ctx, projectID, phaseNumber, domain.VersionHuman)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if err == nil {
		res.Human = &human
	}
	return res, nil
}

// StartExecution reserves the single running slot for (project, phase). The
// reservation is the insert itself racing on a partial unique index, not a
// check followed by a write.
func (e Engine) StartExecution(ctx context.Context, projectID string, phaseNumber int, agentID, actorID string) (domain.PhaseExecution, error) {
	if _, err := e.Repo.GetPhase(ctx, projectID, phaseNumber); err != nil {
		return domain.PhaseExecution{}, err
	}
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.PhaseExecution{}, err
	}
	ex := domain.PhaseExecution{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		PhaseNumber: phaseNumber,
		AgentID:     agentID,
		Status:      domain.ExecutionRunning,
		StartedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecutionTx(ctx, tx, ex); err != nil {
		if repo.IsRunningConflict(err) {
			return domain.PhaseExecution{}, ExecutionInProgressError{ProjectID: projectID, PhaseNumber: phaseNumber}
		}
		return domain.PhaseExecution{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeExecutionStarted, projectID, "execution", ex.ID, actorID, events.EventPayload{
		"phase_number": phaseNumber,
		"agent_id":     agentID,
	}); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		if repo.IsRunningConflict(err) {
			return domain.PhaseExecution{}, ExecutionInProgressError{ProjectID: projectID, PhaseNumber: phaseNumber}
		}
		return domain.PhaseExecution{}, err
	}
	return ex, nil
}

// CompleteExecution moves a running record to its terminal status exactly
// once. Completing anything not running fails.
func (e Engine) CompleteExecution(ctx context.Context, executionID, outcome, execErr, actorID string) (domain.PhaseExecution, error) {
	if outcome != domain.ExecutionCompleted && outcome != domain.ExecutionFailed {
		return domain.PhaseExecution{}, fmt.Errorf("unknown execution outcome %q", outcome)
	}
	ex, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.CompleteExecutionTx(ctx, tx, executionID, outcome, execErr, now)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	if !ok {
		return domain.PhaseExecution{}, InvalidExecutionError{ExecutionID: executionID, Status: ex.Status}
	}
	if err := e.Events.Append(ctx, tx, events.TypeExecutionCompleted, ex.ProjectID, "execution", ex.ID, actorID, events.EventPayload{
		"phase_number": ex.PhaseNumber,
		"outcome":      outcome,
	}); err != nil {
		return domain.PhaseExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseExecution{}, err
	}
	ex.Status = outcome
	ex.Error = execErr
	ex.CompletedAt = &now
	return ex, nil
}

// GenerationInput is the context handed to a Generator: the phase being
// generated plus the authoritative content of every prior phase.
type GenerationInput struct {
	Project      domain.Project
	Phase        domain.ProjectPhase
	PriorOutputs []domain.PhaseOutput
}

// Generator produces deliverable text for a phase. The actual call is outside
// this core; implementations wrap whatever model backend the agent points at.
type Generator func(ctx context.Context, agent domain.Agent, input GenerationInput) (string, error)

// RunPhase books an execution, invokes the generator, saves the draft as the
// phase's ai output, and completes the execution. Generator failure fails the
// execution record and surfaces the error.
func (e Engine) RunPhase(ctx context.Context, projectID string, phaseNumber int, agentID, actorID string, gen Generator) (domain.PhaseExecution, error) {
	if gen == nil {
		return domain.PhaseExecution{}, errors.New("generator required")
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	phase, err := e.Repo.GetPhase(ctx, projectID, phaseNumber)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	ex, err := e.StartExecution(ctx, projectID, phaseNumber, agentID, actorID)
	if err != nil {
		return domain.PhaseExecution{}, err
	}
	var prior []domain.PhaseOutput
	for n := 1; n < phaseNumber; n++ {
		latest, err := e.LatestOutputs(ctx, projectID, n)
		if err != nil {
			return e.failExecution(ctx, ex, err, actorID)
		}
		if out := latest.Display(); out != nil {
			prior = append(prior, *out)
		}
	}
	content, err := gen(ctx, agent, GenerationInput{Project: project, Phase: phase, PriorOutputs: prior})
	if err != nil {
		return e.failExecution(ctx, ex, err, actorID)
	}
	if _, err := e.SaveOutput(ctx, projectID, phaseNumber, domain.VersionAI, content, actorID); err != nil {
		return e.failExecution(ctx, ex, err, actorID)
	}
	return e.CompleteExecution(ctx, ex.ID, domain.ExecutionCompleted, "", actorID)
}

func (e Engine) failExecution(ctx context.Context, ex domain.PhaseExecution, cause error, actorID string) (domain.PhaseExecution, error) {
	if _, err := e.CompleteExecution(ctx, ex.ID, domain.ExecutionFailed, cause.Error(), actorID); err != nil {
		return domain.PhaseExecution{}, errors.Join(cause, err)
	}
	return domain.PhaseExecution{}, cause
}
