package domain

// The seven delivery stages are process-wide configuration, fixed at compile
// time; phase_number is the 1-based index into this list.
const PhaseCount = 7

var PhaseNames = [PhaseCount]string{
	"Elegibilidade",
	"Diagnóstico Técnico",
	"Rastreabilidade",
	"Memória de Cálculo",
	"Engenharia de Narrativa",
	"Stress Test",
	"Transmissão",
}

// PhaseName returns the canonical name for a 1-based phase number.
func PhaseName(n int) string {
	if n < 1 || n > PhaseCount {
		return ""
	}
	return PhaseNames[n-1]
}

const (
	PhaseNotStarted = "not_started"
	PhaseInProgress = "in_progress"
	PhaseReview     = "review"
	PhaseApproved   = "approved"
)

// FunnelStages lists the live CRM stages in order. ganho/perdido are terminal.
var FunnelStages = []string{
	"prospeccao",
	"qualificacao",
	"diagnostico",
	"proposta",
	"fechamento",
}

const (
	StatusWon  = "ganho"
	StatusLost = "perdido"
)

// ActiveStatus reports whether a funnel status is one of the five live
// pre-terminal stages.
func ActiveStatus(status string) bool {
	return FunnelIndex(status) >= 0
}

// FunnelIndex returns the position of a live stage in the funnel, or -1 for
// terminal and unknown statuses.
func FunnelIndex(status string) int {
	for i, s := range FunnelStages {
		if s == status {
			return i
		}
	}
	return -1
}

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CNPJ      string `json:"cnpj,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Project is the CRM-owned engagement record. The pipeline core only reads
// status, value and the date fields for funnel/SLA metrics.
type Project struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	CompanyID         string  `json:"company_id"`
	Status            string  `json:"status" enum:"prospeccao,qualificacao,diagnostico,proposta,fechamento,ganho,perdido"`
	DealValue         float64 `json:"deal_value"`
	Probability       int     `json:"probability" minimum:"0" maximum:"100"`
	LastContactedDate *string `json:"last_contacted_date,omitempty" format:"date-time"`
	NextActionDate    *string `json:"next_action_date,omitempty" format:"date-time"`
	NextActivityDate  *string `json:"next_activity_date,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// ProjectPhase is one row per (project, phase_number), created in bulk at
// pipeline initialization and never individually deleted.
type ProjectPhase struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	PhaseNumber int     `json:"phase_number" minimum:"1" maximum:"7"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"not_started,in_progress,review,approved"`
	AgentID     *string `json:"agent_id,omitempty"`
	ApprovedBy  *string `json:"approved_by,omitempty"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

const (
	VersionAI    = "ai"
	VersionHuman = "human"
)

// PhaseOutput is an append-only content snapshot. Newest created_at wins as
// the latest for its version type.
type PhaseOutput struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	PhaseNumber int    `json:"phase_number"`
	Version     string `json:"version" enum:"ai,human"`
	Content     string `json:"content"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// PhaseExecution records one attempt to run automated generation for a phase.
type PhaseExecution struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	PhaseNumber int     `json:"phase_number"`
	AgentID     string  `json:"agent_id"`
	Status      string  `json:"status" enum:"running,completed,failed"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Agent is an automated-content-generation configuration. Owned by its own
// subsystem; the pipeline treats it as a foreign key plus a text-producing
// capability.
type Agent struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Persona      string  `json:"persona,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
	Temperature  float64 `json:"temperature"`
	Model        string  `json:"model,omitempty"`
	Status       string  `json:"status" enum:"active,inactive,draft"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
