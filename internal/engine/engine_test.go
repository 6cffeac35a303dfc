package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"leanline/internal/config"
	"leanline/internal/db"
	"leanline/internal/domain"
	"leanline/internal/engine"
	"leanline/internal/migrate"
	"leanline/internal/repo"
	"leanline/internal/validation"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Dir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir, BusyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "Test", ActorID: "tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Dir: dir}
}

func countEvents(t *testing.T, env testEnv, evtType string) int {
	t.Helper()
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{ProjectID: "proj-1", Type: evtType, Limit: 1000})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return len(evts)
}

func TestInitProjectSeedsTrackingAndOwner(t *testing.T) {
	env := newTestEnv(t)
	rows, err := env.Engine.Repo.ListStageTracking(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected 6 tracking rows, got %d", len(rows))
	}
	cfg, err := env.Engine.ProjectConfig(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := env.Engine.Auth.ActorHasPermission(env.Ctx, cfg, "proj-1", "tester", "tracking.write")
	if err != nil || !ok {
		t.Fatalf("creator should own the project: %v", err)
	}
	if _, err := env.Engine.InitProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-1"}); err == nil {
		t.Fatalf("expected duplicate project error")
	}
}

func TestSetCriterionPersistsAcrossEngines(t *testing.T) {
	env := newTestEnv(t)
	upd, err := env.Engine.SetCriterion(env.Ctx, "proj-1", validation.StageProblem, 0, true, "tester")
	if err != nil {
		t.Fatalf("set criterion: %v", err)
	}
	if upd.Stage.Percent != 25 || upd.Overall != 4 {
		t.Fatalf("unexpected update %+v", upd)
	}
	if _, err := env.Engine.SetCriterion(env.Ctx, "proj-1", validation.StageProblem, 1, true, "tester"); err != nil {
		t.Fatal(err)
	}
	// same value again is a no-op write
	if _, err := env.Engine.SetCriterion(env.Ctx, "proj-1", validation.StageProblem, 1, true, "tester"); err != nil {
		t.Fatal(err)
	}
	if n := countEvents(t, env, "tracking.criterion.set"); n != 2 {
		t.Fatalf("expected 2 criterion events, got %d", n)
	}

	fresh := engine.New(env.Engine.DB, env.Engine.Config)
	report, err := fresh.Progress(env.Ctx, "proj-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Stages[0].Completed != 2 || report.Stages[0].Percent != 50 {
		t.Fatalf("problem stage not persisted: %+v", report.Stages[0])
	}
	if !report.Stages[1].Reachable {
		t.Fatalf("solution should be reachable at 50%% problem progress")
	}
	if report.Overall != 8 {
		t.Fatalf("overall = %d, want 8", report.Overall)
	}
}

func TestProgressReadsLegacyBlobs(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DB.Exec(`UPDATE stage_tracking SET flags_json=? WHERE project_id='proj-1' AND stage_id='mvp'`, `"{\"3\":true}"`); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE stage_tracking SET flags_json=? WHERE project_id='proj-1' AND stage_id='growth'`, `garbage`); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.Progress(env.Ctx, "proj-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Stages[2].Completed != 1 {
		t.Fatalf("mvp completed = %d, want 1", report.Stages[2].Completed)
	}
	if report.Stages[5].Completed != 0 {
		t.Fatalf("growth completed = %d, want 0", report.Stages[5].Completed)
	}
}

func TestSetCriterionRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetCriterion(env.Ctx, "proj-1", "nope", 0, true, "tester"); !errors.Is(err, validation.ErrUnknownStage) {
		t.Fatalf("expected unknown stage, got %v", err)
	}
	if _, err := env.Engine.SetCriterion(env.Ctx, "proj-1", validation.StageMVP, 4, true, "tester"); !errors.Is(err, validation.ErrCriterionOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if _, err := env.Engine.SetCriterion(env.Ctx, "missing", validation.StageMVP, 0, true, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMetricLifecycleAndSignals(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMetric(env.Ctx, engine.MetricCreateOptions{
		ProjectID:        "proj-1",
		Category:         "acquisition",
		Name:             "Signup conversion",
		CurrentValue:     "18%",
		TargetValue:      "25%",
		WarningThreshold: "15%",
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create metric: %v", err)
	}
	if m.Status != "warning" {
		t.Fatalf("status = %s, want warning", m.Status)
	}
	idle, err := env.Engine.CreateMetric(env.Ctx, engine.MetricCreateOptions{ProjectID: "proj-1", Name: "Churn", TargetValue: "5%", Direction: "lower", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if idle.Status != "not-started" || idle.Direction != "lower-is-better" {
		t.Fatalf("unexpected idle metric %+v", idle)
	}

	pivot, err := env.Engine.CreatePivotOption(env.Ctx, engine.PivotCreateOptions{ProjectID: "proj-1", Type: "customer-segment", Description: "Target SMBs", Likelihood: "high", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkTrigger(env.Ctx, "proj-1", pivot.ID, m.ID, "warning", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkTrigger(env.Ctx, "proj-1", pivot.ID, idle.ID, "error", "tester"); err != nil {
		t.Fatal(err)
	}

	signals, err := env.Engine.Signals(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(signals.ActiveTriggers) != 1 || signals.ActiveTriggers[0].Metric.ID != m.ID {
		t.Fatalf("expected one active trigger for %s, got %+v", m.ID, signals.ActiveTriggers)
	}
	if len(signals.AtRiskMetrics) != 1 {
		t.Fatalf("expected one at-risk metric, got %d", len(signals.AtRiskMetrics))
	}

	current := "8%"
	m, err = env.Engine.UpdateMetric(env.Ctx, engine.MetricUpdateOptions{ProjectID: "proj-1", ID: m.ID, CurrentValue: &current, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update metric: %v", err)
	}
	if m.Status != "error" {
		t.Fatalf("status = %s, want error", m.Status)
	}
	stored, _ := env.Engine.Repo.GetMetric(env.Ctx, "proj-1", m.ID)
	if stored.Status != "error" {
		t.Fatalf("stored status = %s, want error", stored.Status)
	}
	if n := countEvents(t, env, "metric.status.changed"); n != 1 {
		t.Fatalf("expected 1 status event, got %d", n)
	}

	// re-keyed metric carries its trigger to the new id
	rekeyed, err := env.Engine.RekeyMetric(env.Ctx, "proj-1", m.ID, "signup-conversion", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rekeyed.LegacyID != m.ID {
		t.Fatalf("legacy id = %s, want %s", rekeyed.LegacyID, m.ID)
	}
	signals, _ = env.Engine.Signals(env.Ctx, "proj-1")
	if len(signals.ActiveTriggers) != 1 || signals.ActiveTriggers[0].Metric.ID != "signup-conversion" {
		t.Fatalf("trigger should follow the rekey: %+v", signals.ActiveTriggers)
	}

	// a second rekey must not strand the link made against the first id
	if _, err := env.Engine.RekeyMetric(env.Ctx, "proj-1", "signup-conversion", "signup-rate", "tester"); err != nil {
		t.Fatal(err)
	}
	signals, _ = env.Engine.Signals(env.Ctx, "proj-1")
	if len(signals.ActiveTriggers) != 1 || signals.ActiveTriggers[0].Metric.ID != "signup-rate" {
		t.Fatalf("trigger should survive a second rekey: %+v", signals.ActiveTriggers)
	}

	if err := env.Engine.DeleteMetric(env.Ctx, "proj-1", "signup-rate", "tester"); err != nil {
		t.Fatal(err)
	}
	triggers, _ := env.Engine.Repo.ListTriggers(env.Ctx, "proj-1")
	if len(triggers) != 1 || triggers[0].MetricID != idle.ID {
		t.Fatalf("delete should remove triggers of the metric, left %+v", triggers)
	}
}

func TestSignalsSkipOrphanTriggers(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMetric(env.Ctx, engine.MetricCreateOptions{ProjectID: "proj-1", Name: "Retention", CurrentValue: "10", TargetValue: "40", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != "error" {
		t.Fatalf("status = %s, want error", m.Status)
	}
	orphan := domain.PivotMetricTrigger{ProjectID: "proj-1", PivotOptionID: "gone", MetricID: m.ID, ThresholdType: "error", CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.UpsertTriggerTx(env.Ctx, nil, orphan); err != nil {
		t.Fatal(err)
	}
	signals, err := env.Engine.Signals(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(signals.ActiveTriggers) != 0 {
		t.Fatalf("orphan trigger should be dropped: %+v", signals.ActiveTriggers)
	}
	if len(signals.AtRiskMetrics) != 1 {
		t.Fatalf("metric is still at risk")
	}
}

func TestSaveMetricStatusIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMetric(env.Ctx, engine.MetricCreateOptions{ProjectID: "proj-1", Name: "NPS", TargetValue: "50", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := env.Engine.SaveMetricStatus(env.Ctx, "proj-1", m.ID, validation.StatusSuccess, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if n := countEvents(t, env, "metric.status.changed"); n != 1 {
		t.Fatalf("expected a single status event, got %d", n)
	}
	err = env.Engine.SaveMetricStatus(env.Ctx, "proj-1", "missing", validation.StatusSuccess, "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestImportConfigReshapesJourney(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetCriterion(env.Ctx, "proj-1", validation.StageProblem, 0, true, "tester"); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.FromYAML([]byte(`project:
  id: proj-1
  kind: lean-startup
stages:
  - id: problem
    label: Problem
    criteria: [interviews, pains]
  - id: launch
    label: Launch
    criteria: [landing page]
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ImportConfig(env.Ctx, "proj-1", cfg, "tester"); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.Progress(env.Ctx, "proj-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Stages) != 2 || report.Stages[1].StageID != "launch" {
		t.Fatalf("unexpected stages %+v", report.Stages)
	}
	if report.Stages[0].Percent != 50 || report.Overall != 33 {
		t.Fatalf("unexpected progress %+v overall=%d", report.Stages[0], report.Overall)
	}
}

func TestArtifacts(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateHypothesis(env.Ctx, domain.Hypothesis{ProjectID: "proj-1", StageID: "nowhere", Statement: "x"}, "tester"); !errors.Is(err, validation.ErrUnknownStage) {
		t.Fatalf("expected unknown stage, got %v", err)
	}
	h, err := env.Engine.CreateHypothesis(env.Ctx, domain.Hypothesis{ProjectID: "proj-1", StageID: validation.StageProblem, Statement: "Teams lose track of experiments"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "untested" {
		t.Fatalf("default status = %s", h.Status)
	}
	x, err := env.Engine.CreateExperiment(env.Ctx, domain.Experiment{ProjectID: "proj-1", HypothesisID: h.ID, Name: "10 interviews"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	done, result := "completed", "8 of 10 confirmed"
	x, err = env.Engine.UpdateExperiment(env.Ctx, "proj-1", x.ID, engine.ExperimentUpdateOptions{Status: &done, Result: &result, ActorID: "tester"})
	if err != nil || x.Result != result {
		t.Fatalf("update experiment: %v", err)
	}
	validated := "validated"
	if _, err := env.Engine.UpdateHypothesis(env.Ctx, "proj-1", h.ID, nil, &validated, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateFeature(env.Ctx, domain.Feature{ProjectID: "proj-1", Name: "Board", Priority: "urgent"}, "tester"); err == nil {
		t.Fatalf("expected invalid priority")
	}
	f, err := env.Engine.CreateFeature(env.Ctx, domain.Feature{ProjectID: "proj-1", Name: "Board", Priority: "must"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	shipped := "shipped"
	if f, err = env.Engine.UpdateFeature(env.Ctx, "proj-1", f.ID, engine.FeatureUpdateOptions{Status: &shipped, ActorID: "tester"}); err != nil || f.Status != "shipped" {
		t.Fatalf("update feature: %v", err)
	}
}

func TestRolesAndKeys(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.RevokeRole(env.Ctx, "proj-1", "tester", "owner", "tester"); err == nil {
		t.Fatalf("expected last owner protection")
	}
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "guest", "auditor", "tester"); err == nil {
		t.Fatalf("expected undefined role error")
	}
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "guest", "viewer", "tester"); err != nil {
		t.Fatal(err)
	}
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "guest", "ci", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	found, err := env.Engine.AuthenticateAPIKey(env.Ctx, " "+plain+"\n")
	if err != nil || found.ID != key.ID {
		t.Fatalf("key lookup failed: %v", err)
	}
	if found.ProjectID != "proj-1" || found.LastUsedAt == "" {
		t.Fatalf("expected scoped key with last use recorded, got %+v", found)
	}
	if _, err := env.Engine.AuthenticateAPIKey(env.Ctx, "ll_unknown"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown key should be not found, got %v", err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "guest", "ci", "no-such-project"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("scoping to a missing project should fail, got %v", err)
	}
	if err := env.Engine.Repo.DeleteAPIKey(env.Ctx, "tester", key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("another actor must not delete the key, got %v", err)
	}
	if err := env.Engine.Repo.DeleteAPIKey(env.Ctx, "guest", key.ID); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateMetric(env.Ctx, engine.MetricCreateOptions{ProjectID: "proj-1", Name: "NPS", TargetValue: "50", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	metrics, err := env.Engine.Repo.ListMetrics(env.Ctx, "proj-1", "")
	if err != nil || len(metrics) != 0 {
		t.Fatalf("metrics should be gone: %v %d", err, len(metrics))
	}
	if _, err := env.Engine.Progress(env.Ctx, "proj-1", false); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
