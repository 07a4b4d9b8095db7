package server

import (
	"fiscalgate/internal/domain"
)

type CreateCompanyRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	CNPJ string `json:"cnpj,omitempty"`
}

type CreateProjectRequest struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name"`
	CompanyID         string   `json:"company_id"`
	Status            string   `json:"status,omitempty" enum:",prospeccao,qualificacao,diagnostico,proposta,fechamento"`
	DealValue         *float64 `json:"deal_value,omitempty"`
	Probability       *int     `json:"probability,omitempty" minimum:"0" maximum:"100"`
	LastContactedDate *string  `json:"last_contacted_date,omitempty"`
	NextActionDate    *string  `json:"next_action_date,omitempty"`
	NextActivityDate  *string  `json:"next_activity_date,omitempty"`
}

type UpdateProjectRequest struct {
	Name              *string  `json:"name,omitempty"`
	Status            *string  `json:"status,omitempty"`
	DealValue         *float64 `json:"deal_value,omitempty"`
	Probability       *int     `json:"probability,omitempty" minimum:"0" maximum:"100"`
	LastContactedDate *string  `json:"last_contacted_date,omitempty"`
	NextActionDate    *string  `json:"next_action_date,omitempty"`
	NextActivityDate  *string  `json:"next_activity_date,omitempty"`
}

// PipelineResponse is the phase board for one project: all seven rows plus
// the derived current phase number.
type PipelineResponse struct {
	ProjectID    string                `json:"project_id"`
	CurrentPhase int                   `json:"current_phase"`
	Phases       []domain.ProjectPhase `json:"phases"`
}

type SetPhaseStatusRequest struct {
	Status string `json:"status" enum:"not_started,in_progress,review,approved"`
}

type AssignAgentRequest struct {
	// Null clears the assignment.
	AgentID *string `json:"agent_id"`
}

type SaveOutputRequest struct {
	Version string `json:"version" enum:"ai,human"`
	Content string `json:"content"`
}

// LatestOutputsResponse carries the newest snapshot per version type and the
// display resolution (human edit wins over ai draft).
type LatestOutputsResponse struct {
	AI      *domain.PhaseOutput `json:"ai,omitempty"`
	Human   *domain.PhaseOutput `json:"human,omitempty"`
	Display *domain.PhaseOutput `json:"display,omitempty"`
}

type StartExecutionRequest struct {
	AgentID string `json:"agent_id"`
}

type CompleteExecutionRequest struct {
	Status string `json:"status" enum:"completed,failed"`
	Error  string `json:"error,omitempty"`
}

type RunPhaseRequest struct {
	AgentID string `json:"agent_id"`
}

type CreateAgentRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Persona      string   `json:"persona,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" minimum:"0" maximum:"2"`
	Model        string   `json:"model,omitempty"`
	Status       string   `json:"status,omitempty" enum:",active,inactive,draft"`
}

type UpdateAgentRequest struct {
	Name         *string  `json:"name,omitempty"`
	Persona      *string  `json:"persona,omitempty"`
	Instructions *string  `json:"instructions,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" minimum:"0" maximum:"2"`
	Model        *string  `json:"model,omitempty"`
	Status       *string  `json:"status,omitempty" enum:"active,inactive,draft"`
}

type RoleAssignmentRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// APIKeyCreatedResponse is the only place the plaintext key ever appears.
type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}
