package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"fiscalgate/internal/analytics"
	"fiscalgate/internal/domain"
	"fiscalgate/internal/engine"
	"fiscalgate/internal/repo"
)

func nowString(e engine.Engine) string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func registerCompanies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-company",
		Method:        http.MethodPost,
		Path:          "/companies",
		Summary:       "Create company",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateCompanyRequest `json:"body"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		c := domain.Company{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			CNPJ:      input.Body.CNPJ,
			CreatedAt: nowString(e),
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if err := e.Repo.InsertCompany(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-companies",
		Method:      http.MethodGet,
		Path:        "/companies",
		Summary:     "List companies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Company `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCompanies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Company `json:"body"`
		}{Body: items}, nil
	})
}

func validFunnelStatus(s string) bool {
	return domain.ActiveStatus(s) || s == domain.StatusWon || s == domain.StatusLost
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.CompanyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "company_id is required", nil)
		}
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetCompany(ctx, input.Body.CompanyID); err != nil {
			return nil, handleError(err)
		}
		now := nowString(e)
		p := domain.Project{
			ID:                input.Body.ID,
			Name:              input.Body.Name,
			CompanyID:         input.Body.CompanyID,
			Status:            input.Body.Status,
			LastContactedDate: input.Body.LastContactedDate,
			NextActionDate:    input.Body.NextActionDate,
			NextActivityDate:  input.Body.NextActivityDate,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.Status == "" {
			p.Status = domain.FunnelStages[0]
		}
		if !domain.ActiveStatus(p.Status) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status must be a live funnel stage", nil)
		}
		if input.Body.DealValue != nil {
			p.DealValue = *input.Body.DealValue
		}
		if input.Body.Probability != nil {
			p.Probability = *input.Body.Probability
		}
		if err := e.Repo.InsertProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		CompanyID string `query:"company_id"`
		Active    bool   `query:"active"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
			Status:     input.Status,
			CompanyID:  input.CompanyID,
			ActiveOnly: input.Active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Status != nil && !validFunnelStatus(*input.Body.Status) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown funnel status", nil)
		}
		err := e.Repo.UpdateProject(ctx, input.ProjectID, repo.ProjectUpdate{
			Name:              input.Body.Name,
			Status:            input.Body.Status,
			DealValue:         input.Body.DealValue,
			Probability:       input.Body.Probability,
			LastContactedDate: input.Body.LastContactedDate,
			NextActionDate:    input.Body.NextActionDate,
			NextActivityDate:  input.Body.NextActivityDate,
			UpdatedAt:         nowString(e),
		})
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initialize-pipeline",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/pipeline",
		Summary:       "Initialize pipeline",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.init"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phases, err := e.InitializePipeline(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: PipelineResponse{
			ProjectID:    input.ProjectID,
			CurrentPhase: engine.CurrentPhase(phases),
			Phases:       phases,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pipeline",
		Summary:     "Get pipeline phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		phases, err := e.Repo.ListPhases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: PipelineResponse{
			ProjectID:    input.ProjectID,
			CurrentPhase: engine.CurrentPhase(phases),
			Phases:       phases,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase_number}/approve",
		Summary:     "Approve phase",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		PhaseNumber int    `path:"phase_number" minimum:"1" maximum:"7"`
	}) (*struct {
		Body domain.ProjectPhase `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.approve"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := e.ApprovePhase(ctx, input.ProjectID, input.PhaseNumber, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectPhase `json:"body"`
		}{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-phase-status",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/phases/{phase_number}/status",
		Summary:     "Set phase status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string                `path:"project_id"`
		PhaseNumber int                   `path:"phase_number" minimum:"1" maximum:"7"`
		Body        SetPhaseStatusRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectPhase `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "phase.status.set"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := e.SetPhaseStatus(ctx, input.ProjectID, input.PhaseNumber, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectPhase `json:"body"`
		}{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-phase-agent",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/phases/{phase_number}/agent",
		Summary:     "Assign agent to phase",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string             `path:"project_id"`
		PhaseNumber int                `path:"phase_number" minimum:"1" maximum:"7"`
		Body        AssignAgentRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectPhase `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "phase.agent.assign"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := e.AssignAgent(ctx, input.ProjectID, input.PhaseNumber, input.Body.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectPhase `json:"body"`
		}{Body: ph}, nil
	})
}

func registerOutputs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "save-output",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/phases/{phase_number}/outputs",
		Summary:       "Save phase output",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string            `path:"project_id"`
		PhaseNumber int               `path:"phase_number" minimum:"1" maximum:"7"`
		Body        SaveOutputRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseOutput `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "output.save"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.SaveOutput(ctx, input.ProjectID, input.PhaseNumber, input.Body.Version, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseOutput `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-outputs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_number}/outputs/latest",
		Summary:     "Latest phase outputs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		PhaseNumber int    `path:"phase_number" minimum:"1" maximum:"7"`
	}) (*struct {
		Body LatestOutputsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetPhase(ctx, input.ProjectID, input.PhaseNumber); err != nil {
			return nil, handleError(err)
		}
		latest, err := e.LatestOutputs(ctx, input.ProjectID, input.PhaseNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LatestOutputsResponse `json:"body"`
		}{Body: LatestOutputsResponse{
			AI:      latest.AI,
			Human:   latest.Human,
			Display: latest.Display(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outputs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_number}/outputs",
		Summary:     "Phase output history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		PhaseNumber int    `path:"phase_number" minimum:"1" maximum:"7"`
	}) (*struct {
		Body []domain.PhaseOutput `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListOutputs(ctx, input.ProjectID, input.PhaseNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PhaseOutput `json:"body"`
		}{Body: items}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine, gen engine.Generator) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/phases/{phase_number}/executions",
		Summary:       "Start execution",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID   string                `path:"project_id"`
		PhaseNumber int                   `path:"phase_number" minimum:"1" maximum:"7"`
		Body        StartExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseExecution `json:"body"`
	}, error) {
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		if err := requirePermission(ctx, e, "execution.run"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.StartExecution(ctx, input.ProjectID, input.PhaseNumber, input.Body.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/complete",
		Summary:     "Complete execution",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ExecutionID string                   `path:"execution_id"`
		Body        CompleteExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseExecution `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "execution.run"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.CompleteExecution(ctx, input.ExecutionID, input.Body.Status, input.Body.Error, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_number}/executions",
		Summary:     "List executions",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		PhaseNumber int    `path:"phase_number" minimum:"1" maximum:"7"`
	}) (*struct {
		Body []domain.PhaseExecution `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListExecutions(ctx, input.ProjectID, input.PhaseNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PhaseExecution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stale-executions",
		Method:      http.MethodGet,
		Path:        "/executions/stale",
		Summary:     "List stale running executions",
	}, func(ctx context.Context, input *struct {
		Minutes int `query:"minutes" default:"30" minimum:"1"`
	}) (*struct {
		Body []domain.PhaseExecution `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		minutes := input.Minutes
		if minutes <= 0 {
			minutes = 30
		}
		var now time.Time
		if e.Now != nil {
			now = e.Now()
		} else {
			now = time.Now()
		}
		cutoff := now.UTC().Add(-time.Duration(minutes) * time.Minute).Format(time.RFC3339)
		items, err := e.Repo.StaleExecutions(ctx, cutoff)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PhaseExecution `json:"body"`
		}{Body: items}, nil
	})

	if gen == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID:   "run-phase",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/phases/{phase_number}/run",
		Summary:       "Run phase generation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID   string          `path:"project_id"`
		PhaseNumber int             `path:"phase_number" minimum:"1" maximum:"7"`
		Body        RunPhaseRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseExecution `json:"body"`
	}, error) {
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		if err := requirePermission(ctx, e, "execution.run"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.RunPhase(ctx, input.ProjectID, input.PhaseNumber, input.Body.AgentID, actorID, gen)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseExecution `json:"body"`
		}{Body: ex}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := requirePermission(ctx, e, "agent.manage"); err != nil {
			return nil, handleError(err)
		}
		now := nowString(e)
		a := domain.Agent{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			Persona:      input.Body.Persona,
			Instructions: input.Body.Instructions,
			Model:        input.Body.Model,
			Status:       input.Body.Status,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.Status == "" {
			a.Status = "draft"
		}
		if input.Body.Temperature != nil {
			a.Temperature = *input.Body.Temperature
		}
		if err := e.Repo.InsertAgent(ctx, a); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAgents(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, "agent.manage"); err != nil {
			return nil, handleError(err)
		}
		err := e.Repo.UpdateAgent(ctx, input.AgentID, repo.AgentUpdate{
			Name:         input.Body.Name,
			Persona:      input.Body.Persona,
			Instructions: input.Body.Instructions,
			Temperature:  input.Body.Temperature,
			Model:        input.Body.Model,
			Status:       input.Body.Status,
			UpdatedAt:    nowString(e),
		})
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine, agg analytics.Aggregator) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics-summary",
		Method:      http.MethodGet,
		Path:        "/analytics/summary",
		Summary:     "Delivery summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body analytics.Summary `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "analytics.read"); err != nil {
			return nil, handleError(err)
		}
		s, err := agg.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.Summary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-volume-by-phase",
		Method:      http.MethodGet,
		Path:        "/analytics/volume-by-phase",
		Summary:     "Project volume by phase",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []analytics.PhaseVolume `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "analytics.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := agg.VolumeByPhase(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []analytics.PhaseVolume `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-weighted-pipeline",
		Method:      http.MethodGet,
		Path:        "/analytics/weighted-pipeline",
		Summary:     "Weighted pipeline forecast",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body analytics.WeightedPipeline `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "analytics.read"); err != nil {
			return nil, handleError(err)
		}
		wp, err := agg.WeightedPipeline(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.WeightedPipeline `json:"body"`
		}{Body: wp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-quality",
		Method:      http.MethodGet,
		Path:        "/analytics/quality",
		Summary:     "Rework and first-pass quality",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body analytics.QualityMetrics `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "analytics.read"); err != nil {
			return nil, handleError(err)
		}
		m, err := agg.Quality(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.QualityMetrics `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-funnel",
		Method:      http.MethodGet,
		Path:        "/analytics/funnel",
		Summary:     "Funnel stats",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body analytics.FunnelStats `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "analytics.read"); err != nil {
			return nil, handleError(err)
		}
		f, err := agg.Funnel(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analytics.FunnelStats `json:"body"`
		}{Body: f}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "pipeline.read"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-role",
		Method:        http.MethodPost,
		Path:          "/rbac/assignments",
		Summary:       "Assign role to actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoleAssignmentRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Auth.AssignRole(ctx, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/rbac/assignments/{actor_id}/{role_id}",
		Summary:     "Revoke role from actor",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		RoleID  string `path:"role_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Auth.RevokeRole(ctx, input.ActorID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := e.Auth.ActorRoles(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Auth.ActorPermissions(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, r := range principal.Roles {
			if !hasPermission(roles, r) {
				roles = append(roles, r)
			}
		}
		for _, p := range principal.Permissions {
			if !hasPermission(perms, p) {
				perms = append(perms, p)
			}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       roles,
			Permissions: perms,
		}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Auth.EnsureActor(ctx, input.Body.ActorID); err != nil {
			return nil, handleError(err)
		}
		plaintext, err := repo.GenerateAPIKey()
		if err != nil {
			return nil, handleError(err)
		}
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: nowString(e),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
