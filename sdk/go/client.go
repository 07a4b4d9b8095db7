package fiscalgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fiscalgate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	CompanyID   string  `json:"company_id"`
	Status      string  `json:"status"`
	DealValue   float64 `json:"deal_value"`
	Probability int     `json:"probability"`
}

// Phase represents one delivery phase row.
type Phase struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	PhaseNumber int     `json:"phase_number"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	AgentID     *string `json:"agent_id,omitempty"`
	ApprovedBy  *string `json:"approved_by,omitempty"`
	ApprovedAt  *string `json:"approved_at,omitempty"`
}

// Pipeline is the phase board plus the derived current phase.
type Pipeline struct {
	ProjectID    string  `json:"project_id"`
	CurrentPhase int     `json:"current_phase"`
	Phases       []Phase `json:"phases"`
}

// Output is one content snapshot.
type Output struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	PhaseNumber int    `json:"phase_number"`
	Version     string `json:"version"`
	Content     string `json:"content"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
}

// LatestOutputs carries the newest ai and human snapshots plus the display
// resolution.
type LatestOutputs struct {
	AI      *Output `json:"ai,omitempty"`
	Human   *Output `json:"human,omitempty"`
	Display *Output `json:"display,omitempty"`
}

// Execution is one generation run.
type Execution struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	PhaseNumber int     `json:"phase_number"`
	AgentID     string  `json:"agent_id"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InitializePipeline creates the seven phase rows for a project.
func (c *Client) InitializePipeline(ctx context.Context, projectID string) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "pipeline"), nil, &resp)
	return resp, err
}

// GetPipeline returns the phase board.
func (c *Client) GetPipeline(ctx context.Context, projectID string) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "pipeline"), nil, &resp)
	return resp, err
}

// ApprovePhase approves a gate and opens the next phase.
func (c *Client) ApprovePhase(ctx context.Context, projectID string, phase int) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, phasePath(projectID, phase, "approve"), nil, &resp)
	return resp, err
}

// SetPhaseStatus manually sets a phase status.
func (c *Client) SetPhaseStatus(ctx context.Context, projectID string, phase int, status string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPut, phasePath(projectID, phase, "status"), map[string]any{"status": status}, &resp)
	return resp, err
}

// SaveOutput appends a snapshot (version "ai" or "human").
func (c *Client) SaveOutput(ctx context.Context, projectID string, phase int, version, content string) (Output, error) {
	body := map[string]any{"version": version, "content": content}
	var resp Output
	err := c.do(ctx, http.MethodPost, phasePath(projectID, phase, "outputs"), body, &resp)
	return resp, err
}

// LatestOutputs returns the newest snapshot per version type.
func (c *Client) LatestOutputs(ctx context.Context, projectID string, phase int) (LatestOutputs, error) {
	var resp LatestOutputs
	err := c.do(ctx, http.MethodGet, phasePath(projectID, phase, "outputs/latest"), nil, &resp)
	return resp, err
}

// StartExecution books the single running slot for a phase.
func (c *Client) StartExecution(ctx context.Context, projectID string, phase int, agentID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, phasePath(projectID, phase, "executions"), map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// CompleteExecution finishes a running execution.
func (c *Client) CompleteExecution(ctx context.Context, executionID, status, execErr string) (Execution, error) {
	body := map[string]any{"status": status}
	if execErr != "" {
		body["error"] = execErr
	}
	var resp Execution
	endpoint := fmt.Sprintf("v0/executions/%s/complete", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns the latest events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/events?limit=%d", limit), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	return fmt.Sprintf("v0/projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func phasePath(projectID string, phase int, p string) string {
	return fmt.Sprintf("v0/projects/%s/phases/%d/%s", url.PathEscape(projectID), phase, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
