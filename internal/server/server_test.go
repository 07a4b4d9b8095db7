package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fiscalgate/internal/analytics"
	"fiscalgate/internal/config"
	"fiscalgate/internal/db"
	"fiscalgate/internal/engine"
	"fiscalgate/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Client *http.Client
	Engine engine.Engine
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	step := 0
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	ctx := context.Background()
	if err := eng.Auth.Seed(ctx, cfg); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	if err := eng.Auth.AssignRole(ctx, "tester", "gestor"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	agg := analytics.New(eng.Repo, cfg)
	agg.Now = eng.Now
	handler, stopHooks, err := New(Config{
		Engine:    eng,
		Analytics: agg,
		BasePath:  "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(stopHooks)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	return testServer{
		URL:    "http://" + ln.Addr().String(),
		Client: &http.Client{Timeout: 5 * time.Second},
		Engine: eng,
	}
}

func doJSON(t *testing.T, s testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return env.Error.Code
}

func mustCreateProject(t *testing.T, s testServer, id string) {
	t.Helper()
	resp, data := doJSON(t, s, http.MethodPost, "/v0/companies", map[string]any{"id": "co-" + id, "name": "Empresa " + id}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create company: status %d body %s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, s, http.MethodPost, "/v0/projects", map[string]any{
		"id": id, "name": "Projeto " + id, "company_id": "co-" + id, "status": "diagnostico",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d body %s", resp.StatusCode, data)
	}
}

func mustCreateAgent(t *testing.T, s testServer, id string) {
	t.Helper()
	resp, data := doJSON(t, s, http.MethodPost, "/v0/agents", map[string]any{
		"id": id, "name": "Redator", "status": "active",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: status %d body %s", resp.StatusCode, data)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s, http.MethodGet, "/v0/health", nil, map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d body %s", resp.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s, http.MethodGet, "/v0/projects", nil, map[string]string{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d body %s", resp.StatusCode, data)
	}
	if code := errCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}
}

func TestActorWithoutRoleForbidden(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s, http.MethodPost, "/v0/companies", map[string]any{"name": "X"}, map[string]string{"X-Actor-Id": "intruder"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d body %s", resp.StatusCode, data)
	}
	if code := errCode(t, data); code != "forbidden" {
		t.Fatalf("code = %s", code)
	}
}

func TestPipelineFlow(t *testing.T) {
	s := newTestServer(t)
	mustCreateProject(t, s, "p-1")

	resp, data := doJSON(t, s, http.MethodPost, "/v0/projects/p-1/pipeline", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("init: status %d body %s", resp.StatusCode, data)
	}
	var board PipelineResponse
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if board.CurrentPhase != 1 || len(board.Phases) != 7 {
		t.Fatalf("board = current %d phases %d", board.CurrentPhase, len(board.Phases))
	}

	// Initialization is once-only.
	resp, data = doJSON(t, s, http.MethodPost, "/v0/projects/p-1/pipeline", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double init: status %d body %s", resp.StatusCode, data)
	}
	if code := errCode(t, data); code != "already_initialized" {
		t.Fatalf("code = %s", code)
	}

	resp, data = doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/1/approve", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s, http.MethodGet, "/v0/projects/p-1/pipeline", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get pipeline: status %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatal(err)
	}
	if board.CurrentPhase != 2 {
		t.Fatalf("current phase = %d, want 2", board.CurrentPhase)
	}
	if board.Phases[0].Status != "approved" || board.Phases[1].Status != "in_progress" {
		t.Fatalf("phase statuses = %s/%s", board.Phases[0].Status, board.Phases[1].Status)
	}

	// Approving a phase that is not open for review is a semantic conflict.
	resp, data = doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/5/approve", nil, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad approve: status %d body %s", resp.StatusCode, data)
	}
	if code := errCode(t, data); code != "invalid_transition" {
		t.Fatalf("code = %s", code)
	}

	// Phase number outside 1..7 never reaches the engine.
	resp, _ = doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/9/approve", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out of range phase: status %d", resp.StatusCode)
	}
}

func TestOutputRoundTrip(t *testing.T) {
	s := newTestServer(t)
	mustCreateProject(t, s, "p-1")
	if resp, data := doJSON(t, s, http.MethodPost, "/v0/projects/p-1/pipeline", nil, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("init: %d %s", resp.StatusCode, data)
	}
	content := "## Diagnóstico\n\nDispêndio elegível: R$ 1.234.567,89\n\t(planilha anexa)"
	resp, data := doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/1/outputs",
		map[string]any{"version": "ai", "content": "rascunho"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save ai: %d %s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/1/outputs",
		map[string]any{"version": "human", "content": content}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save human: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s, http.MethodGet, "/v0/projects/p-1/phases/1/outputs/latest", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest: %d %s", resp.StatusCode, data)
	}
	var latest LatestOutputsResponse
	if err := json.Unmarshal(data, &latest); err != nil {
		t.Fatal(err)
	}
	if latest.AI == nil || latest.AI.Content != "rascunho" {
		t.Fatalf("ai = %+v", latest.AI)
	}
	if latest.Display == nil || latest.Display.Version != "human" {
		t.Fatalf("display = %+v", latest.Display)
	}
	if latest.Display.Content != content {
		t.Fatalf("content mangled: %q", latest.Display.Content)
	}

	// Bad version is rejected before touching storage.
	resp, data = doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/1/outputs",
		map[string]any{"version": "robot", "content": "x"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad version: %d %s", resp.StatusCode, data)
	}
}

func TestExecutionConflict(t *testing.T) {
	s := newTestServer(t)
	mustCreateProject(t, s, "p-1")
	mustCreateAgent(t, s, "agent-1")
	if resp, data := doJSON(t, s, http.MethodPost, "/v0/projects/p-1/pipeline", nil, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("init: %d %s", resp.StatusCode, data)
	}
	resp, data := doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/1/executions",
		map[string]any{"agent_id": "agent-1"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}
	var exec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatal(err)
	}

	resp, data = doJSON(t, s, http.MethodPost, "/v0/projects/p-1/phases/1/executions",
		map[string]any{"agent_id": "agent-1"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start: %d %s", resp.StatusCode, data)
	}
	if code := errCode(t, data); code != "execution_in_progress" {
		t.Fatalf("code = %s", code)
	}

	resp, data = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v0/executions/%s/complete", exec.ID),
		map[string]any{"status": "completed"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v0/executions/%s/complete", exec.ID),
		map[string]any{"status": "failed", "error": "late"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double complete: %d %s", resp.StatusCode, data)
	}
	if code := errCode(t, data); code != "invalid_execution" {
		t.Fatalf("code = %s", code)
	}
}

func TestJWTAuth(t *testing.T) {
	s := newTestServer(t)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "jwt-user",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Permissions: []string{"pipeline.read"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp, data := doJSON(t, s, http.MethodGet, "/v0/projects", nil, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwt list: %d %s", resp.StatusCode, data)
	}

	// Claim permissions are authoritative; no DB role needed, but they do not
	// cover unrelated operations.
	resp, data = doJSON(t, s, http.MethodPost, "/v0/companies", map[string]any{"name": "X"}, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("jwt create company: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s, http.MethodGet, "/v0/projects", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d %s", resp.StatusCode, data)
	}
	if code := errCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %s", code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s, http.MethodPost, "/v0/apikeys",
		map[string]any{"actor_id": "tester", "name": "ci"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", resp.StatusCode, data)
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" {
		t.Fatal("plaintext key missing from creation response")
	}
	if !strings.HasPrefix(created.Key, "fgk_") {
		t.Fatalf("key %q lacks the fgk_ prefix", created.Key)
	}

	resp, data = doJSON(t, s, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": created.Key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", resp.StatusCode, data)
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "tester" || me.Source != "api_key" {
		t.Fatalf("me = %+v", me)
	}

	// Listing never exposes the plaintext again.
	resp, data = doJSON(t, s, http.MethodGet, "/v0/apikeys?actor_id=tester", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", resp.StatusCode, data)
	}
	if bytes.Contains(data, []byte(created.Key)) {
		t.Fatal("plaintext key leaked in listing")
	}

	for _, bad := range []string{"fgk_bogus", "not-a-key"} {
		resp, data = doJSON(t, s, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": bad})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("key %q: %d %s", bad, resp.StatusCode, data)
		}
	}
}
