package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"opdtrack/internal/config"
	"opdtrack/internal/db"
	"opdtrack/internal/domain"
	"opdtrack/internal/engine"
	"opdtrack/internal/migrate"
	"opdtrack/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-shop")
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clock.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock}
}

func (env testEnv) createOrder(t *testing.T, number string) domain.WorkOrder {
	t.Helper()
	w, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderCreateOptions{
		Number:        number,
		Customer:      "ACME",
		Actor:         "tester",
		SkipChecklist: true,
	})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return w
}

func (env testEnv) addActivity(t *testing.T, workOrder, kind string) domain.Activity {
	t.Helper()
	a, err := env.Engine.AddActivity(env.Ctx, engine.ActivityCreateOptions{
		WorkOrder: workOrder,
		Kind:      kind,
		Seq:       1,
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("add activity: %v", err)
	}
	return a
}

func (env testEnv) timer(t *testing.T, id, action string) domain.Activity {
	t.Helper()
	a, err := env.Engine.Timer(env.Ctx, engine.TimerRequest{ActivityID: id, Action: action, Actor: "tester"})
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	return a
}

func TestTimerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-001")
	a := env.addActivity(t, "OPD-001", "MONTAGEM")

	a = env.timer(t, a.ID, engine.ActionStart)
	if a.Status != domain.StatusInProgress {
		t.Fatalf("want in_progress, got %s", a.Status)
	}
	if a.LastStartedAt == nil || a.StartedAt == nil {
		t.Fatalf("start should record segment start and first start")
	}

	env.Clock.Advance(100 * time.Second)
	a = env.timer(t, a.ID, engine.ActionPause)
	if a.Status != domain.StatusPaused {
		t.Fatalf("want paused, got %s", a.Status)
	}
	if a.AccumulatedSeconds != 100 {
		t.Fatalf("want 100s accumulated, got %d", a.AccumulatedSeconds)
	}
	if a.LastStartedAt != nil {
		t.Fatalf("pause should clear segment start")
	}

	env.Clock.Advance(50 * time.Second)
	a = env.timer(t, a.ID, engine.ActionResume)
	if a.Status != domain.StatusInProgress {
		t.Fatalf("want in_progress, got %s", a.Status)
	}
	if a.AccumulatedSeconds != 100 {
		t.Fatalf("paused time must not count, got %d", a.AccumulatedSeconds)
	}

	env.Clock.Advance(70 * time.Second)
	a = env.timer(t, a.ID, engine.ActionFinish)
	if a.Status != domain.StatusDone {
		t.Fatalf("want done, got %s", a.Status)
	}
	if a.AccumulatedSeconds != 170 {
		t.Fatalf("want 170s total, got %d", a.AccumulatedSeconds)
	}
	if a.FinishedAt == nil {
		t.Fatalf("finish should record finished_at")
	}

	logs, err := env.Engine.Repo.ListLogs(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	want := []string{domain.LogStarted, domain.LogPaused, domain.LogResumed, domain.LogFinished}
	if len(logs) != len(want) {
		t.Fatalf("want %d log entries, got %d", len(want), len(logs))
	}
	for i, entry := range logs {
		if entry.Action != want[i] {
			t.Fatalf("log %d: want %s, got %s", i, want[i], entry.Action)
		}
		if entry.Actor != "tester" {
			t.Fatalf("log %d: want actor tester, got %s", i, entry.Actor)
		}
	}
}

func TestStartThenImmediatePause(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-002")
	a := env.addActivity(t, "OPD-002", "PINTURA")

	env.timer(t, a.ID, engine.ActionStart)
	a = env.timer(t, a.ID, engine.ActionPause)
	if a.AccumulatedSeconds != 0 {
		t.Fatalf("same-instant pause should accumulate 0, got %d", a.AccumulatedSeconds)
	}
}

func TestFinishWhilePausedAddsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-003")
	a := env.addActivity(t, "OPD-003", "USINAGEM")

	env.timer(t, a.ID, engine.ActionStart)
	env.Clock.Advance(40 * time.Second)
	env.timer(t, a.ID, engine.ActionPause)
	env.Clock.Advance(300 * time.Second)
	a = env.timer(t, a.ID, engine.ActionFinish)
	if a.AccumulatedSeconds != 40 {
		t.Fatalf("finish from paused must not add time, got %d", a.AccumulatedSeconds)
	}

	logs, err := env.Engine.Repo.ListLogs(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	paused := 0
	for _, entry := range logs {
		if entry.Action == domain.LogPaused {
			paused++
		}
	}
	if paused != 1 {
		t.Fatalf("finish must not append an extra paused entry, got %d", paused)
	}
	if logs[len(logs)-1].Action != domain.LogFinished {
		t.Fatalf("last entry should be finished, got %s", logs[len(logs)-1].Action)
	}
}

func TestFinishWhileRunningFoldsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-004")
	a := env.addActivity(t, "OPD-004", "SOLDA")

	env.timer(t, a.ID, engine.ActionStart)
	env.Clock.Advance(90 * time.Second)
	a = env.timer(t, a.ID, engine.ActionFinish)
	if a.AccumulatedSeconds != 90 {
		t.Fatalf("want 90s, got %d", a.AccumulatedSeconds)
	}
	logs, err := env.Engine.Repo.ListLogs(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].Action != domain.LogStarted || logs[1].Action != domain.LogFinished {
		t.Fatalf("want [started finished], got %v", logs)
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		name   string
		setup  []string
		action string
	}{
		{"pause before start", nil, engine.ActionPause},
		{"resume before start", nil, engine.ActionResume},
		{"finish before start", nil, engine.ActionFinish},
		{"start while running", []string{engine.ActionStart}, engine.ActionStart},
		{"resume while running", []string{engine.ActionStart}, engine.ActionResume},
		{"pause while paused", []string{engine.ActionStart, engine.ActionPause}, engine.ActionPause},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.createOrder(t, "OPD-005")
			a := env.addActivity(t, "OPD-005", "MONTAGEM")
			for _, step := range tc.setup {
				env.timer(t, a.ID, step)
				env.Clock.Advance(time.Second)
			}
			before, err := env.Engine.Repo.GetActivity(env.Ctx, a.ID)
			if err != nil {
				t.Fatal(err)
			}
			_, err = env.Engine.Timer(env.Ctx, engine.TimerRequest{ActivityID: a.ID, Action: tc.action, Actor: "tester"})
			var transErr engine.IllegalTransitionError
			if !errors.As(err, &transErr) {
				t.Fatalf("want IllegalTransitionError, got %v", err)
			}
			after, err := env.Engine.Repo.GetActivity(env.Ctx, a.ID)
			if err != nil {
				t.Fatal(err)
			}
			if after.Status != before.Status || after.AccumulatedSeconds != before.AccumulatedSeconds || after.UpdatedAt != before.UpdatedAt {
				t.Fatalf("failed transition must not mutate activity: %+v vs %+v", before, after)
			}
			logs, err := env.Engine.Repo.ListLogs(env.Ctx, a.ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(logs) != len(tc.setup) {
				t.Fatalf("failed transition must not append logs: want %d, got %d", len(tc.setup), len(logs))
			}
		})
	}
}

func TestFinishAfterDoneRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-006")
	a := env.addActivity(t, "OPD-006", "PINTURA")
	env.timer(t, a.ID, engine.ActionStart)
	env.timer(t, a.ID, engine.ActionFinish)

	for _, action := range []string{engine.ActionStart, engine.ActionPause, engine.ActionResume, engine.ActionFinish} {
		_, err := env.Engine.Timer(env.Ctx, engine.TimerRequest{ActivityID: a.ID, Action: action, Actor: "tester"})
		var transErr engine.IllegalTransitionError
		if !errors.As(err, &transErr) {
			t.Fatalf("%s after done: want IllegalTransitionError, got %v", action, err)
		}
	}
}

func TestFormGatedFinish(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-007")
	a := env.addActivity(t, "OPD-007", "PREPARAÇÃO")

	env.timer(t, a.ID, engine.ActionStart)
	env.Clock.Advance(30 * time.Second)

	_, err := env.Engine.Timer(env.Ctx, engine.TimerRequest{ActivityID: a.ID, Action: engine.ActionFinish, Actor: "tester"})
	var formErr engine.FormRequiredError
	if !errors.As(err, &formErr) {
		t.Fatalf("want FormRequiredError, got %v", err)
	}

	// blocked finish must leave the activity running
	a, err = env.Engine.Repo.GetActivity(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.StatusInProgress {
		t.Fatalf("blocked finish must not change status, got %s", a.Status)
	}
	if a.AccumulatedSeconds != 0 {
		t.Fatalf("blocked finish must not fold time, got %d", a.AccumulatedSeconds)
	}

	// a draft does not satisfy gating
	if _, err := env.Engine.SubmitForm(env.Ctx, engine.FormSubmitOptions{
		WorkOrder:   "OPD-007",
		ActivityID:  a.ID,
		SchemaRef:   formErr.SchemaRef,
		FilledBy:    "tester",
		Draft:       true,
		PayloadJSON: `{"ok":false}`,
	}); err != nil {
		t.Fatalf("submit draft: %v", err)
	}
	_, err = env.Engine.Timer(env.Ctx, engine.TimerRequest{ActivityID: a.ID, Action: engine.ActionFinish, Actor: "tester"})
	if !errors.As(err, &formErr) {
		t.Fatalf("draft must not satisfy gating, got %v", err)
	}

	// a completed form unlocks finish
	if _, err := env.Engine.SubmitForm(env.Ctx, engine.FormSubmitOptions{
		WorkOrder:   "OPD-007",
		ActivityID:  a.ID,
		SchemaRef:   formErr.SchemaRef,
		FilledBy:    "tester",
		PayloadJSON: `{"ok":true}`,
	}); err != nil {
		t.Fatalf("submit form: %v", err)
	}
	env.Clock.Advance(20 * time.Second)
	a = env.timer(t, a.ID, engine.ActionFinish)
	if a.Status != domain.StatusDone {
		t.Fatalf("want done, got %s", a.Status)
	}
	if a.AccumulatedSeconds != 50 {
		t.Fatalf("want 50s, got %d", a.AccumulatedSeconds)
	}
}

func TestFormGatingAccentInsensitive(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-008")
	// stored without accents, config has PREPARAÇÃO
	a := env.addActivity(t, "OPD-008", "preparacao")

	env.timer(t, a.ID, engine.ActionStart)
	_, err := env.Engine.Timer(env.Ctx, engine.TimerRequest{ActivityID: a.ID, Action: engine.ActionFinish, Actor: "tester"})
	var formErr engine.FormRequiredError
	if !errors.As(err, &formErr) {
		t.Fatalf("accent-variant kind should still gate, got %v", err)
	}
}

func TestDisplaySeconds(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-009")
	a := env.addActivity(t, "OPD-009", "MONTAGEM")

	if got := engine.DisplaySeconds(a, env.Clock.Now()); got != 0 {
		t.Fatalf("to_do display: want 0, got %d", got)
	}

	a = env.timer(t, a.ID, engine.ActionStart)
	env.Clock.Advance(25 * time.Second)
	if got := engine.DisplaySeconds(a, env.Clock.Now()); got != 25 {
		t.Fatalf("running display: want 25, got %d", got)
	}

	a = env.timer(t, a.ID, engine.ActionPause)
	env.Clock.Advance(500 * time.Second)
	if got := engine.DisplaySeconds(a, env.Clock.Now()); got != 25 {
		t.Fatalf("paused display: want 25, got %d", got)
	}
}

func TestClockSkewClampsToZero(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-010")
	a := env.addActivity(t, "OPD-010", "SOLDA")

	env.timer(t, a.ID, engine.ActionStart)
	env.Clock.Advance(-time.Hour)
	a = env.timer(t, a.ID, engine.ActionPause)
	if a.AccumulatedSeconds != 0 {
		t.Fatalf("backward clock must clamp to 0, got %d", a.AccumulatedSeconds)
	}
}

func TestCreateWorkOrderSeedsChecklist(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkOrder(env.Ctx, engine.WorkOrderCreateOptions{
		Number: "OPD-011",
		Actor:  "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Number != "OPD-011" {
		t.Fatalf("number mismatch: %s", w.Number)
	}
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{WorkOrder: "OPD-011"})
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(acts) != len(env.Engine.Config.Checklist) {
		t.Fatalf("want %d seeded activities, got %d", len(env.Engine.Config.Checklist), len(acts))
	}
	for i, a := range acts {
		if a.Status != domain.StatusToDo {
			t.Fatalf("seeded activity %d should be to_do, got %s", i, a.Status)
		}
		if i > 0 && acts[i-1].Seq > a.Seq {
			t.Fatalf("seeded activities out of seq order at %d", i)
		}
	}
}

func TestSubtaskDepthLimit(t *testing.T) {
	env := newTestEnv(t)
	env.createOrder(t, "OPD-012")
	parent := env.addActivity(t, "OPD-012", "MONTAGEM")
	child, err := env.Engine.AddActivity(env.Ctx, engine.ActivityCreateOptions{
		WorkOrder: "OPD-012",
		ParentID:  parent.ID,
		Kind:      "AJUSTE",
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	_, err = env.Engine.AddActivity(env.Ctx, engine.ActivityCreateOptions{
		WorkOrder: "OPD-012",
		ParentID:  child.ID,
		Kind:      "AJUSTE FINO",
		Actor:     "tester",
	})
	if err == nil {
		t.Fatalf("expected depth limit error")
	}
}
