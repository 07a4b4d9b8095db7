package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fiscalgate/internal/config"
	"fiscalgate/internal/db"
	"fiscalgate/internal/domain"
	"fiscalgate/internal/engine"
	"fiscalgate/internal/events"
	"fiscalgate/internal/migrate"
	"fiscalgate/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	eng := engine.New(conn, config.Default())
	// Advancing clock so snapshot ordering by created_at is deterministic.
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
	now := base.Format(time.RFC3339)
	if err := eng.Repo.InsertCompany(ctx, domain.Company{ID: "co-1", Name: "Acme Metalurgia", CreatedAt: now}); err != nil {
		t.Fatalf("insert company: %v", err)
	}
	if err := eng.Repo.InsertProject(ctx, domain.Project{
		ID:        "proj-1",
		Name:      "Lei do Bem 2026",
		CompanyID: "co-1",
		Status:    "diagnostico",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) addAgent(t *testing.T, id string) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if err := env.Engine.Repo.InsertAgent(env.Ctx, domain.Agent{
		ID: id, Name: id, Status: "active", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
}

func TestInitializePipeline(t *testing.T) {
	env := newTestEnv(t)
	phases, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(phases) != domain.PhaseCount {
		t.Fatalf("expected %d phases, got %d", domain.PhaseCount, len(phases))
	}
	for i, ph := range phases {
		want := domain.PhaseNotStarted
		if i == 0 {
			want = domain.PhaseInProgress
		}
		if ph.Status != want {
			t.Fatalf("phase %d status = %s, want %s", ph.PhaseNumber, ph.Status, want)
		}
		if ph.Name != domain.PhaseName(i+1) {
			t.Fatalf("phase %d name = %s", i+1, ph.Name)
		}
	}
	_, err = env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester")
	var dup engine.AlreadyInitializedError
	if !errors.As(err, &dup) {
		t.Fatalf("expected AlreadyInitializedError, got %v", err)
	}
	// No partial rows from the failed attempt.
	n, err := env.Engine.Repo.CountPhases(env.Ctx, "proj-1")
	if err != nil || n != domain.PhaseCount {
		t.Fatalf("phase count = %d (%v)", n, err)
	}
}

func TestInitializePipelineUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitializePipeline(env.Ctx, "no-such", "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApprovePhaseAdvances(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	ph, err := env.Engine.ApprovePhase(env.Ctx, "proj-1", 1, "revisor-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ph.Status != domain.PhaseApproved {
		t.Fatalf("status = %s", ph.Status)
	}
	if ph.ApprovedBy == nil || *ph.ApprovedBy != "revisor-1" {
		t.Fatalf("approved_by not stamped: %+v", ph.ApprovedBy)
	}
	if ph.ApprovedAt == nil {
		t.Fatal("approved_at not stamped")
	}
	next, err := env.Engine.Repo.GetPhase(env.Ctx, "proj-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if next.Status != domain.PhaseInProgress {
		t.Fatalf("phase 2 status = %s, want in_progress", next.Status)
	}
}

func TestApproveRejectsWrongState(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	// Phase 3 is still not_started.
	_, err := env.Engine.ApprovePhase(env.Ctx, "proj-1", 3, "tester")
	var bad engine.InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if bad.From != domain.PhaseNotStarted {
		t.Fatalf("from = %s", bad.From)
	}
	// Approving an approved phase also fails, and nothing changes.
	if _, err := env.Engine.ApprovePhase(env.Ctx, "proj-1", 1, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ApprovePhase(env.Ctx, "proj-1", 1, "second")
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	ph, err := env.Engine.Repo.GetPhase(env.Ctx, "proj-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if ph.ApprovedBy == nil || *ph.ApprovedBy != "tester" {
		t.Fatalf("approved_by changed: %+v", ph.ApprovedBy)
	}
}

func TestApproveLastPhase(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= domain.PhaseCount; n++ {
		if _, err := env.Engine.ApprovePhase(env.Ctx, "proj-1", n, "tester"); err != nil {
			t.Fatalf("approve phase %d: %v", n, err)
		}
	}
	phases, err := env.Engine.Repo.ListPhases(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(phases) != domain.PhaseCount {
		t.Fatalf("phase count = %d", len(phases))
	}
	for _, ph := range phases {
		if ph.Status != domain.PhaseApproved {
			t.Fatalf("phase %d status = %s", ph.PhaseNumber, ph.Status)
		}
	}
	if got := engine.CurrentPhase(phases); got != domain.PhaseCount {
		t.Fatalf("current phase = %d, want %d", got, domain.PhaseCount)
	}
}

func TestSetPhaseStatusReopenEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApprovePhase(env.Ctx, "proj-1", 1, "tester"); err != nil {
		t.Fatal(err)
	}
	ph, err := env.Engine.SetPhaseStatus(env.Ctx, "proj-1", 1, domain.PhaseInProgress, "tester")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if ph.Status != domain.PhaseInProgress {
		t.Fatalf("status = %s", ph.Status)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", events.TypePhaseReopened, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one reopen event, got %d", len(evts))
	}
	// Plain status set does not count as a reopen.
	if _, err := env.Engine.SetPhaseStatus(env.Ctx, "proj-1", 1, domain.PhaseReview, "tester"); err != nil {
		t.Fatal(err)
	}
	evts, err = env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", events.TypePhaseReopened, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("reopen count changed to %d", len(evts))
	}
}

func TestCurrentPhaseDerivation(t *testing.T) {
	mk := func(statuses ...string) []domain.ProjectPhase {
		var phases []domain.ProjectPhase
		for i, s := range statuses {
			phases = append(phases, domain.ProjectPhase{PhaseNumber: i + 1, Status: s})
		}
		return phases
	}
	cases := []struct {
		name   string
		phases []domain.ProjectPhase
		want   int
	}{
		{"fresh", mk("in_progress", "not_started", "not_started", "not_started", "not_started", "not_started", "not_started"), 1},
		{"mid", mk("approved", "approved", "review", "not_started", "not_started", "not_started", "not_started"), 3},
		{"two active takes lowest", mk("approved", "in_progress", "not_started", "in_progress", "not_started", "not_started", "not_started"), 2},
		{"gap after approvals", mk("approved", "approved", "not_started", "not_started", "not_started", "not_started", "not_started"), 3},
		{"all approved", mk("approved", "approved", "approved", "approved", "approved", "approved", "approved"), 7},
		{"nothing started", mk("not_started", "not_started", "not_started", "not_started", "not_started", "not_started", "not_started"), 1},
		{"empty", nil, 1},
	}
	for _, tc := range cases {
		if got := engine.CurrentPhase(tc.phases); got != tc.want {
			t.Errorf("%s: current phase = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestAssignAgent(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1")
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	agentID := "agent-1"
	ph, err := env.Engine.AssignAgent(env.Ctx, "proj-1", 2, &agentID, "tester")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if ph.AgentID == nil || *ph.AgentID != "agent-1" {
		t.Fatalf("agent_id = %v", ph.AgentID)
	}
	// Unknown agent rejected.
	bogus := "nope"
	if _, err := env.Engine.AssignAgent(env.Ctx, "proj-1", 2, &bogus, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Nil clears.
	ph, err = env.Engine.AssignAgent(env.Ctx, "proj-1", 2, nil, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if ph.AgentID != nil {
		t.Fatalf("agent_id not cleared: %v", *ph.AgentID)
	}
}

func TestOutputVersioning(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	content := "laudo técnico §1\n\ttabela: 100%\n\"aspas\""
	if _, err := env.Engine.SaveOutput(env.Ctx, "proj-1", 1, domain.VersionAI, "draft v1", "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveOutput(env.Ctx, "proj-1", 1, domain.VersionAI, "draft v2", "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveOutput(env.Ctx, "proj-1", 1, domain.VersionHuman, content, "consultor-1"); err != nil {
		t.Fatal(err)
	}
	latest, err := env.Engine.LatestOutputs(env.Ctx, "proj-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest.AI == nil || latest.AI.Content != "draft v2" {
		t.Fatalf("latest ai = %+v", latest.AI)
	}
	if latest.Human == nil || latest.Human.Content != content {
		t.Fatalf("human content mismatch: %q", latest.Human.Content)
	}
	if d := latest.Display(); d == nil || d.Version != domain.VersionHuman {
		t.Fatalf("display should prefer human, got %+v", d)
	}
	// History keeps every snapshot.
	history, err := env.Engine.Repo.ListOutputs(env.Ctx, "proj-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history len = %d", len(history))
	}
	// Other phases are untouched.
	other, err := env.Engine.LatestOutputs(env.Ctx, "proj-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if other.AI != nil || other.Human != nil {
		t.Fatalf("phase 2 should have no outputs: %+v", other)
	}
	// Unknown version rejected.
	if _, err := env.Engine.SaveOutput(env.Ctx, "proj-1", 1, "robot", "x", "a"); err == nil {
		t.Fatal("expected version error")
	}
}

func TestSameSecondOutputsResolveByInsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	// Freeze the clock so every snapshot lands in the same wall-clock second.
	env.Engine.Now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	}
	for _, content := range []string{"primeira versão", "segunda versão", "versão final"} {
		if _, err := env.Engine.SaveOutput(env.Ctx, "proj-1", 1, domain.VersionHuman, content, "consultor-1"); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 20; i++ {
		latest, err := env.Engine.LatestOutputs(env.Ctx, "proj-1", 1)
		if err != nil {
			t.Fatal(err)
		}
		if latest.Human == nil || latest.Human.Content != "versão final" {
			t.Fatalf("round %d: latest human = %+v, want the last-saved snapshot", i, latest.Human)
		}
	}
	history, err := env.Engine.Repo.ListOutputs(env.Ctx, "proj-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].Content != "versão final" || history[2].Content != "primeira versão" {
		t.Fatalf("history not in reverse insertion order: %+v", history)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1")
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	ex, err := env.Engine.StartExecution(env.Ctx, "proj-1", 1, "agent-1", "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ex.Status != domain.ExecutionRunning {
		t.Fatalf("status = %s", ex.Status)
	}
	// Second start on the same phase is refused while one is running.
	_, err = env.Engine.StartExecution(env.Ctx, "proj-1", 1, "agent-1", "tester")
	var busy engine.ExecutionInProgressError
	if !errors.As(err, &busy) {
		t.Fatalf("expected ExecutionInProgressError, got %v", err)
	}
	// A different phase is unaffected.
	if _, err := env.Engine.StartExecution(env.Ctx, "proj-1", 2, "agent-1", "tester"); err != nil {
		t.Fatalf("start phase 2: %v", err)
	}
	done, err := env.Engine.CompleteExecution(env.Ctx, ex.ID, domain.ExecutionCompleted, "", "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.ExecutionCompleted || done.CompletedAt == nil {
		t.Fatalf("completion not recorded: %+v", done)
	}
	// Double completion is refused.
	_, err = env.Engine.CompleteExecution(env.Ctx, ex.ID, domain.ExecutionFailed, "late", "tester")
	var stale engine.InvalidExecutionError
	if !errors.As(err, &stale) {
		t.Fatalf("expected InvalidExecutionError, got %v", err)
	}
	// Slot is free again after completion.
	if _, err := env.Engine.StartExecution(env.Ctx, "proj-1", 1, "agent-1", "tester"); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
}

func TestStartExecutionConcurrent(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1")
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartExecution(env.Ctx, "proj-1", 1, "agent-1", fmt.Sprintf("w-%d", i))
		}(i)
	}
	wg.Wait()
	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		default:
			var busy engine.ExecutionInProgressError
			if !errors.As(err, &busy) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestStaleExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1")
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	ex, err := env.Engine.StartExecution(env.Ctx, "proj-1", 1, "agent-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.Engine.StartExecution(env.Ctx, "proj-1", 2, "agent-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteExecution(env.Ctx, other.ID, domain.ExecutionCompleted, "", "tester"); err != nil {
		t.Fatal(err)
	}
	cutoff := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC).Format(time.RFC3339)
	stale, err := env.Engine.Repo.StaleExecutions(env.Ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != ex.ID {
		t.Fatalf("stale = %+v, want only the running execution", stale)
	}
	// A cutoff before the start finds nothing.
	early := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC).Format(time.RFC3339)
	stale, err = env.Engine.Repo.StaleExecutions(env.Ctx, early)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale executions, got %+v", stale)
	}
}

func TestRunPhase(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "agent-1")
	if _, err := env.Engine.InitializePipeline(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveOutput(env.Ctx, "proj-1", 1, domain.VersionHuman, "diagnóstico aprovado", "consultor-1"); err != nil {
		t.Fatal(err)
	}
	var gotPrior int
	gen := func(ctx context.Context, agent domain.Agent, in engine.GenerationInput) (string, error) {
		gotPrior = len(in.PriorOutputs)
		return "rascunho da fase " + in.Phase.Name, nil
	}
	ex, err := env.Engine.RunPhase(env.Ctx, "proj-1", 2, "agent-1", "tester", gen)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ex.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s", ex.Status)
	}
	if gotPrior != 1 {
		t.Fatalf("prior outputs = %d, want 1", gotPrior)
	}
	latest, err := env.Engine.LatestOutputs(env.Ctx, "proj-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if latest.AI == nil || latest.AI.Content != "rascunho da fase "+domain.PhaseName(2) {
		t.Fatalf("ai draft not saved: %+v", latest.AI)
	}

	// Generator failure fails the execution and frees the slot.
	boom := func(ctx context.Context, agent domain.Agent, in engine.GenerationInput) (string, error) {
		return "", errors.New("model unavailable")
	}
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", 3, "agent-1", "tester", boom); err == nil {
		t.Fatal("expected generator error")
	}
	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, "proj-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].Status != domain.ExecutionFailed || execs[0].Error == "" {
		t.Fatalf("failed run not recorded: %+v", execs)
	}
}
