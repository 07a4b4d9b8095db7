package analytics_test

import (
	"context"
	"testing"
	"time"

	"fiscalgate/internal/analytics"
	"fiscalgate/internal/config"
	"fiscalgate/internal/db"
	"fiscalgate/internal/domain"
	"fiscalgate/internal/engine"
	"fiscalgate/internal/migrate"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Agg    analytics.Aggregator
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
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return testNow }
	agg := analytics.New(eng.Repo, cfg)
	agg.Now = eng.Now
	ctx := context.Background()
	if err := eng.Repo.InsertCompany(ctx, domain.Company{ID: "co-1", Name: "Acme", CreatedAt: ts(testNow)}); err != nil {
		t.Fatalf("insert company: %v", err)
	}
	return testEnv{Agg: agg, Engine: eng, Ctx: ctx}
}

func ts(t time.Time) string { return t.Format(time.RFC3339) }

func strp(s string) *string { return &s }

func (env testEnv) addProject(t *testing.T, p domain.Project) {
	t.Helper()
	p.CompanyID = "co-1"
	if p.CreatedAt == "" {
		p.CreatedAt = ts(testNow)
	}
	if p.UpdatedAt == "" {
		p.UpdatedAt = p.CreatedAt
	}
	if err := env.Engine.Repo.InsertProject(env.Ctx, p); err != nil {
		t.Fatalf("insert project %s: %v", p.ID, err)
	}
}

func TestIsStalled(t *testing.T) {
	cases := []struct {
		name string
		last *string
		want bool
	}{
		{"contacted four days ago", strp(ts(testNow.AddDate(0, 0, -4))), true},
		{"contacted two days ago", strp(ts(testNow.AddDate(0, 0, -2))), false},
		{"exactly at the window", strp(ts(testNow.AddDate(0, 0, -3))), true},
		{"never contacted", nil, true},
		{"unparseable date", strp("ontem"), true},
	}
	for _, tc := range cases {
		p := domain.Project{LastContactedDate: tc.last}
		if got := analytics.IsStalled(p, testNow, 3); got != tc.want {
			t.Errorf("%s: stalled = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsOverdue(t *testing.T) {
	past := strp(ts(testNow.AddDate(0, 0, -1)))
	future := strp(ts(testNow.AddDate(0, 0, 1)))
	cases := []struct {
		name     string
		action   *string
		activity *string
		want     bool
	}{
		{"action in the past", past, nil, true},
		{"activity in the past", nil, past, true},
		{"both in the future", future, future, false},
		{"nothing scheduled", nil, nil, false},
	}
	for _, tc := range cases {
		p := domain.Project{NextActionDate: tc.action, NextActivityDate: tc.activity}
		if got := analytics.IsOverdue(p, testNow); got != tc.want {
			t.Errorf("%s: overdue = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWeightedValue(t *testing.T) {
	p := domain.Project{DealValue: 100000, Probability: 50}
	if got := analytics.WeightedValue(p); got != 50000 {
		t.Fatalf("weighted = %v, want 50000", got)
	}
}

func TestWeightedPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.addProject(t, domain.Project{ID: "p-1", Name: "A", Status: "proposta", DealValue: 100000, Probability: 50})
	env.addProject(t, domain.Project{ID: "p-2", Name: "B", Status: "qualificacao", DealValue: 50000, Probability: 20})
	// prospeccao and terminal statuses carry no forecast weight.
	env.addProject(t, domain.Project{ID: "p-3", Name: "C", Status: "prospeccao", DealValue: 999999, Probability: 90})
	env.addProject(t, domain.Project{ID: "p-4", Name: "D", Status: "ganho", DealValue: 70000, Probability: 100})

	res, err := env.Agg.WeightedPipeline(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 60000 {
		t.Fatalf("total = %v, want 60000", res.Total)
	}
	byStage := map[string]analytics.StageValue{}
	for _, s := range res.Stages {
		byStage[s.Stage] = s
	}
	if s := byStage["proposta"]; s.Projects != 1 || s.Weighted != 50000 {
		t.Fatalf("proposta = %+v", s)
	}
	if s := byStage["qualificacao"]; s.Projects != 1 || s.Weighted != 10000 {
		t.Fatalf("qualificacao = %+v", s)
	}
	if _, ok := byStage["prospeccao"]; ok {
		t.Fatal("prospeccao should not appear in the weighted stages")
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	env.addProject(t, domain.Project{
		ID: "p-quiet", Name: "Quiet", Status: "diagnostico", DealValue: 80000,
		LastContactedDate: strp(ts(testNow.AddDate(0, 0, -10))),
	})
	env.addProject(t, domain.Project{
		ID: "p-late", Name: "Late", Status: "proposta", DealValue: 40000,
		LastContactedDate: strp(ts(testNow.AddDate(0, 0, -1))),
		NextActionDate:    strp(ts(testNow.AddDate(0, 0, -2))),
	})
	env.addProject(t, domain.Project{
		ID: "p-won-now", Name: "Won now", Status: "ganho", DealValue: 200000,
		UpdatedAt: ts(testNow.AddDate(0, 0, -3)),
	})
	// Closed in a previous month: does not count toward this month's goal.
	env.addProject(t, domain.Project{
		ID: "p-won-old", Name: "Won before", Status: "ganho", DealValue: 300000,
		CreatedAt: ts(testNow.AddDate(0, -2, 0)), UpdatedAt: ts(testNow.AddDate(0, -1, 0)),
	})

	s, err := env.Agg.Summary(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.ActiveProjects != 2 {
		t.Fatalf("active = %d, want 2", s.ActiveProjects)
	}
	if len(s.Stalled) != 1 || s.Stalled[0].ProjectID != "p-quiet" {
		t.Fatalf("stalled = %+v", s.Stalled)
	}
	if len(s.Overdue) != 1 || s.Overdue[0].ProjectID != "p-late" {
		t.Fatalf("overdue = %+v", s.Overdue)
	}
	if s.MonthlyGoal.Goal != 500000 {
		t.Fatalf("goal = %v", s.MonthlyGoal.Goal)
	}
	if s.MonthlyGoal.Realized != 200000 {
		t.Fatalf("realized = %v, want 200000", s.MonthlyGoal.Realized)
	}
	if s.MonthlyGoal.Gap != 300000 {
		t.Fatalf("gap = %v, want 300000", s.MonthlyGoal.Gap)
	}
	if s.MonthlyGoal.Percent != 40 {
		t.Fatalf("percent = %v, want 40", s.MonthlyGoal.Percent)
	}
}

func TestVolumeByPhase(t *testing.T) {
	env := newTestEnv(t)
	env.addProject(t, domain.Project{ID: "p-1", Name: "Piped", Status: "diagnostico", DealValue: 120000})
	env.addProject(t, domain.Project{ID: "p-2", Name: "No pipeline", Status: "prospeccao", DealValue: 50000})
	if _, err := env.Engine.InitializePipeline(env.Ctx, "p-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApprovePhase(env.Ctx, "p-1", 1, "tester"); err != nil {
		t.Fatal(err)
	}
	vols, err := env.Agg.VolumeByPhase(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vols) != domain.PhaseCount {
		t.Fatalf("buckets = %d, want %d", len(vols), domain.PhaseCount)
	}
	if vols[1].Projects != 1 || vols[1].DealValue != 120000 {
		t.Fatalf("phase 2 bucket = %+v", vols[1])
	}
	for i, v := range vols {
		if i == 1 {
			continue
		}
		if v.Projects != 0 {
			t.Fatalf("phase %d bucket not empty: %+v", v.PhaseNumber, v)
		}
	}
}

func TestQuality(t *testing.T) {
	env := newTestEnv(t)
	env.addProject(t, domain.Project{ID: "p-1", Name: "A", Status: "diagnostico"})
	if _, err := env.Engine.InitializePipeline(env.Ctx, "p-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApprovePhase(env.Ctx, "p-1", 1, "revisor"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApprovePhase(env.Ctx, "p-1", 2, "revisor"); err != nil {
		t.Fatal(err)
	}
	// Phase 1 gets sent back once, then approved again.
	if _, err := env.Engine.SetPhaseStatus(env.Ctx, "p-1", 1, domain.PhaseInProgress, "revisor"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApprovePhase(env.Ctx, "p-1", 1, "revisor"); err != nil {
		t.Fatal(err)
	}

	m, err := env.Agg.Quality(env.Ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.ApprovedPhases != 2 {
		t.Fatalf("approved = %d, want 2", m.ApprovedPhases)
	}
	if m.ReworkedPhases != 1 {
		t.Fatalf("reworked = %d, want 1", m.ReworkedPhases)
	}
	if m.ReworkRate != 50 {
		t.Fatalf("rework rate = %v, want 50", m.ReworkRate)
	}
	if m.FirstPassYield != 50 {
		t.Fatalf("first pass yield = %v, want 50", m.FirstPassYield)
	}
}

func TestFunnel(t *testing.T) {
	env := newTestEnv(t)
	env.addProject(t, domain.Project{ID: "p-1", Name: "A", Status: "prospeccao"})
	env.addProject(t, domain.Project{ID: "p-2", Name: "B", Status: "proposta"})
	env.addProject(t, domain.Project{
		ID: "p-3", Name: "C", Status: "ganho",
		CreatedAt: ts(testNow.AddDate(0, 0, -10)), UpdatedAt: ts(testNow),
	})
	env.addProject(t, domain.Project{ID: "p-4", Name: "D", Status: "perdido"})

	f, err := env.Agg.Funnel(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Total != 4 || f.Won != 1 || f.Lost != 1 {
		t.Fatalf("totals = %d/%d/%d", f.Total, f.Won, f.Lost)
	}
	if f.ConversionRate != 25 {
		t.Fatalf("conversion = %v, want 25", f.ConversionRate)
	}
	wantReach := []int{4, 3, 3, 3, 2}
	for i, st := range f.Stages {
		if st.AtOrPast != wantReach[i] {
			t.Fatalf("stage %s at_or_past = %d, want %d", st.Stage, st.AtOrPast, wantReach[i])
		}
	}
	if f.Stages[0].Currently != 1 || f.Stages[3].Currently != 1 {
		t.Fatalf("currently counts wrong: %+v", f.Stages)
	}
	if f.AvgDaysToClose != 10 {
		t.Fatalf("avg days to close = %v, want 10", f.AvgDaysToClose)
	}
}
