package analytics

import (
	"context"
	"time"

	"fiscalgate/internal/config"
	"fiscalgate/internal/domain"
	"fiscalgate/internal/engine"
	"fiscalgate/internal/events"
	"fiscalgate/internal/repo"
)

// Aggregator computes delivery and funnel metrics. Every figure is derived
// from current rows (or the event log) at call time; nothing here writes.
type Aggregator struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(r repo.Repo, cfg *config.Config) Aggregator {
	return Aggregator{Repo: r, Config: cfg, Now: time.Now}
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Aggregator) stalledAfter() int {
	if a.Config != nil && a.Config.Analytics.StalledAfterDays > 0 {
		return a.Config.Analytics.StalledAfterDays
	}
	return 3
}

type Summary struct {
	ActiveProjects int           `json:"active_projects"`
	Stalled        []ProjectFlag `json:"stalled"`
	Overdue        []ProjectFlag `json:"overdue"`
	MonthlyGoal    MonthlyGoal   `json:"monthly_goal"`
}

// ProjectFlag is one entry on an attention list.
type ProjectFlag struct {
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	DealValue float64 `json:"deal_value"`
	Since     *string `json:"since,omitempty" format:"date-time"`
}

type MonthlyGoal struct {
	Goal     float64 `json:"goal"`
	Realized float64 `json:"realized"`
	Gap      float64 `json:"gap"`
	Percent  float64 `json:"percent"`
}

// Summary builds the attention dashboard: live engagement count, the stalled
// and overdue lists, and this month's revenue goal progress.
func (a Aggregator) Summary(ctx context.Context) (Summary, error) {
	projects, err := a.Repo.ListProjects(ctx, repo.ProjectFilters{})
	if err != nil {
		return Summary{}, err
	}
	now := a.now()
	days := a.stalledAfter()
	var s Summary
	goal := 0.0
	if a.Config != nil {
		goal = a.Config.Analytics.MonthlyGoalBRL
	}
	s.MonthlyGoal.Goal = goal
	for _, p := range projects {
		if domain.ActiveStatus(p.Status) {
			s.ActiveProjects++
			if IsStalled(p, now, days) {
				s.Stalled = append(s.Stalled, flag(p, p.LastContactedDate))
			}
			if IsOverdue(p, now) {
				s.Overdue = append(s.Overdue, flag(p, nextDue(p)))
			}
		}
		if p.Status == domain.StatusWon && inMonth(p.UpdatedAt, now) {
			s.MonthlyGoal.Realized += p.DealValue
		}
	}
	s.MonthlyGoal.Gap = goal - s.MonthlyGoal.Realized
	if s.MonthlyGoal.Gap < 0 {
		s.MonthlyGoal.Gap = 0
	}
	if goal > 0 {
		pct := s.MonthlyGoal.Realized / goal * 100
		if pct > 100 {
			pct = 100
		}
		s.MonthlyGoal.Percent = pct
	}
	return s, nil
}

func flag(p domain.Project, since *string) ProjectFlag {
	return ProjectFlag{ProjectID: p.ID, Name: p.Name, Status: p.Status, DealValue: p.DealValue, Since: since}
}

// IsStalled reports whether an engagement has gone quiet: no contact recorded
// within the window. A missing last-contact date counts as stalled.
func IsStalled(p domain.Project, now time.Time, days int) bool {
	if p.LastContactedDate == nil {
		return true
	}
	t, err := time.Parse(time.RFC3339, *p.LastContactedDate)
	if err != nil {
		return true
	}
	return now.Sub(t) >= time.Duration(days)*24*time.Hour
}

// IsOverdue reports whether the next scheduled action or activity is in the
// past. Engagements with nothing scheduled are not overdue.
func IsOverdue(p domain.Project, now time.Time) bool {
	for _, d := range []*string{p.NextActionDate, p.NextActivityDate} {
		if d == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, *d)
		if err != nil {
			continue
		}
		if t.Before(now) {
			return true
		}
	}
	return false
}

func nextDue(p domain.Project) *string {
	var due *string
	for _, d := range []*string{p.NextActionDate, p.NextActivityDate} {
		if d == nil {
			continue
		}
		if due == nil || *d < *due {
			due = d
		}
	}
	return due
}

func inMonth(ts string, now time.Time) bool {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false
	}
	return t.Year() == now.Year() && t.Month() == now.Month()
}

type PhaseVolume struct {
	PhaseNumber int     `json:"phase_number"`
	Name        string  `json:"name"`
	Projects    int     `json:"projects"`
	DealValue   float64 `json:"deal_value"`
}

// VolumeByPhase buckets active engagements by their derived current phase,
// with headcount and summed deal value per bucket. All seven phases appear
// even when empty.
func (a Aggregator) VolumeByPhase(ctx context.Context) ([]PhaseVolume, error) {
	projects, err := a.Repo.ListProjects(ctx, repo.ProjectFilters{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	phases, err := a.Repo.ListAllPhases(ctx)
	if err != nil {
		return nil, err
	}
	byProject := map[string][]domain.ProjectPhase{}
	for _, ph := range phases {
		byProject[ph.ProjectID] = append(byProject[ph.ProjectID], ph)
	}
	out := make([]PhaseVolume, domain.PhaseCount)
	for i := range out {
		out[i] = PhaseVolume{PhaseNumber: i + 1, Name: domain.PhaseName(i + 1)}
	}
	for _, p := range projects {
		pp, ok := byProject[p.ID]
		if !ok {
			// Pipeline not initialized yet; no phase bucket to count in.
			continue
		}
		n := engine.CurrentPhase(pp)
		out[n-1].Projects++
		out[n-1].DealValue += p.DealValue
	}
	return out, nil
}

type StageValue struct {
	Stage    string  `json:"stage"`
	Projects int     `json:"projects"`
	Value    float64 `json:"value"`
	Weighted float64 `json:"weighted"`
}

type WeightedPipeline struct {
	Stages []StageValue `json:"stages"`
	Total  float64      `json:"total"`
}

// mid-funnel stages that carry forecast weight
var weightedStages = []string{"qualificacao", "diagnostico", "proposta", "fechamento"}

// WeightedPipeline forecasts revenue as deal value times win probability for
// the four mid-funnel stages. prospeccao is noise and terminal stages are
// already decided, so neither contributes.
func (a Aggregator) WeightedPipeline(ctx context.Context) (WeightedPipeline, error) {
	projects, err := a.Repo.ListProjects(ctx, repo.ProjectFilters{})
	if err != nil {
		return WeightedPipeline{}, err
	}
	var res WeightedPipeline
	res.Stages = make([]StageValue, len(weightedStages))
	idx := map[string]int{}
	for i, s := range weightedStages {
		res.Stages[i] = StageValue{Stage: s}
		idx[s] = i
	}
	for _, p := range projects {
		i, ok := idx[p.Status]
		if !ok {
			continue
		}
		w := WeightedValue(p)
		res.Stages[i].Projects++
		res.Stages[i].Value += p.DealValue
		res.Stages[i].Weighted += w
		res.Total += w
	}
	return res, nil
}

// WeightedValue is deal value scaled by the recorded win probability.
func WeightedValue(p domain.Project) float64 {
	return p.DealValue * float64(p.Probability) / 100
}

type QualityMetrics struct {
	ApprovedPhases int     `json:"approved_phases"`
	ReworkedPhases int     `json:"reworked_phases"`
	ReworkRate     float64 `json:"rework_rate"`
	FirstPassYield float64 `json:"first_pass_yield"`
}

// Quality derives rework figures from the approve/reopen event history. A
// phase counts as reworked when it has both an approval and a reopen on
// record; first-pass yield is the share of approved phases never reopened.
func (a Aggregator) Quality(ctx context.Context, projectID string) (QualityMetrics, error) {
	approved, err := a.Repo.DistinctPhaseEventIDs(ctx, events.TypePhaseApproved, projectID)
	if err != nil {
		return QualityMetrics{}, err
	}
	reopened, err := a.Repo.DistinctPhaseEventIDs(ctx, events.TypePhaseReopened, projectID)
	if err != nil {
		return QualityMetrics{}, err
	}
	var m QualityMetrics
	m.ApprovedPhases = len(approved)
	for id := range approved {
		if reopened[id] {
			m.ReworkedPhases++
		}
	}
	if m.ApprovedPhases > 0 {
		m.ReworkRate = float64(m.ReworkedPhases) / float64(m.ApprovedPhases) * 100
		m.FirstPassYield = float64(m.ApprovedPhases-m.ReworkedPhases) / float64(m.ApprovedPhases) * 100
	}
	return m, nil
}

type FunnelStage struct {
	Stage     string `json:"stage"`
	AtOrPast  int    `json:"at_or_past"`
	Currently int    `json:"currently"`
}

type FunnelStats struct {
	Total          int           `json:"total"`
	Stages         []FunnelStage `json:"stages"`
	Won            int           `json:"won"`
	Lost           int           `json:"lost"`
	ConversionRate float64       `json:"conversion_rate"`
	AvgDaysToClose float64       `json:"avg_days_to_close"`
}

// Funnel computes stage reach and win conversion. A won or lost engagement
// counts as having passed every live stage; conversion is won over total.
func (a Aggregator) Funnel(ctx context.Context) (FunnelStats, error) {
	projects, err := a.Repo.ListProjects(ctx, repo.ProjectFilters{})
	if err != nil {
		return FunnelStats{}, err
	}
	var f FunnelStats
	f.Stages = make([]FunnelStage, len(domain.FunnelStages))
	for i, s := range domain.FunnelStages {
		f.Stages[i] = FunnelStage{Stage: s}
	}
	var closeDays float64
	for _, p := range projects {
		f.Total++
		reach := domain.FunnelIndex(p.Status)
		switch p.Status {
		case domain.StatusWon:
			f.Won++
			reach = len(domain.FunnelStages) - 1
			if d, ok := daysBetween(p.CreatedAt, p.UpdatedAt); ok {
				closeDays += d
			}
		case domain.StatusLost:
			f.Lost++
			reach = len(domain.FunnelStages) - 1
		}
		for i := 0; i <= reach; i++ {
			f.Stages[i].AtOrPast++
		}
		if i := domain.FunnelIndex(p.Status); i >= 0 {
			f.Stages[i].Currently++
		}
	}
	if f.Total > 0 {
		f.ConversionRate = float64(f.Won) / float64(f.Total) * 100
	}
	if f.Won > 0 {
		f.AvgDaysToClose = closeDays / float64(f.Won)
	}
	return f, nil
}

func daysBetween(from, to string) (float64, bool) {
	a, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return 0, false
	}
	b, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return 0, false
	}
	return b.Sub(a).Hours() / 24, true
}
