package store

import (
	"context"
	"testing"
	"time"

	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/task"
)

func newTestBuild(t *testing.T, m *Memory) *build.Build {
	t.Helper()
	b, err := m.CreateBuild(context.Background(), BuildFields{
		Job:         "demo",
		BuildNumber: 42,
		Branch:      "main",
		RepoURL:     "https://github.com/acme/demo",
	})
	if err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}
	return b
}

func TestMemory_CreateBuildSeedsPlanTask(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)

	if b.Status != build.StatusReceived {
		t.Errorf("build status = %v, want received", b.Status)
	}
	tasks, _ := m.ListTasks(context.Background(), b.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 seed task, got %d", len(tasks))
	}
	if tasks[0].Kind != task.KindPlan || tasks[0].Status != task.StatusPending {
		t.Errorf("seed task = %s/%s, want PLAN/pending", tasks[0].Kind, tasks[0].Status)
	}
}

func TestMemory_CreateBuildDuplicate(t *testing.T) {
	m := NewMemory()
	newTestBuild(t, m)
	_, err := m.CreateBuild(context.Background(), BuildFields{Job: "demo", BuildNumber: 42})
	if err != ErrDuplicateBuild {
		t.Errorf("expected ErrDuplicateBuild, got %v", err)
	}
}

func TestMemory_LeaseMarksInProgressAndBuildProcessing(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)
	ctx := context.Background()

	got, err := m.LeaseNextTask(ctx, "w1", time.Minute)
	if err != nil || got == nil {
		t.Fatalf("LeaseNextTask: %v, %v", got, err)
	}
	if got.Status != task.StatusInProgress || got.LeaseOwner != "w1" || got.Attempt != 1 {
		t.Errorf("leased task = %+v", got)
	}
	gb, _ := m.GetBuild(ctx, b.ID)
	if gb.Status != build.StatusProcessing {
		t.Errorf("build status = %v, want processing", gb.Status)
	}
	// 租约未过期时不可重复取
	if again, _ := m.LeaseNextTask(ctx, "w2", time.Minute); again != nil {
		t.Errorf("expected no task for second worker, got %+v", again)
	}
}

func TestMemory_LeaseRespectsNotBefore(t *testing.T) {
	m := NewMemory()
	newTestBuild(t, m)
	ctx := context.Background()

	got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	err := m.CompleteTask(ctx, got.ID, "w1", Outcome{
		Status: OutcomeRetry, Err: "transient", RetryAfter: time.Hour,
	})
	if err != nil {
		t.Fatalf("CompleteTask retry: %v", err)
	}
	if again, _ := m.LeaseNextTask(ctx, "w1", time.Minute); again != nil {
		t.Fatalf("task leased before not_before, got %+v", again)
	}

	// 拨快时钟越过 not_before
	m.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	again, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if again == nil || again.Attempt != 2 {
		t.Fatalf("expected retryable task attempt 2, got %+v", again)
	}
}

func TestMemory_ExpiredLeaseReclaimable(t *testing.T) {
	m := NewMemory()
	newTestBuild(t, m)
	ctx := context.Background()

	first, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if first == nil {
		t.Fatal("no task leased")
	}
	// w1 挂掉，租约过期后 w2 接管
	m.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	second, _ := m.LeaseNextTask(ctx, "w2", time.Minute)
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected takeover of task %s, got %+v", first.ID, second)
	}
	if second.LeaseOwner != "w2" || second.Attempt != 2 {
		t.Errorf("takeover lease = %+v", second)
	}

	// w1 迟到的完成必须被拒
	err := m.CompleteTask(ctx, first.ID, "w1", Outcome{Status: OutcomeSuccess})
	if err != ErrLeaseLost {
		t.Errorf("late complete: expected ErrLeaseLost, got %v", err)
	}
	// w2 的完成有效
	if err := m.CompleteTask(ctx, second.ID, "w2", Outcome{Status: OutcomeSuccess}); err != nil {
		t.Errorf("takeover complete: %v", err)
	}
}

func TestMemory_CompleteSuccessEnqueuesNext(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)
	ctx := context.Background()

	got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	err := m.CompleteTask(ctx, got.ID, "w1", Outcome{
		Status:    OutcomeSuccess,
		NextTasks: []NextTask{{Kind: task.KindRetrieve}},
		Artifacts: []artifact.Artifact{artifact.ForPlan(artifact.Plan{Steps: []string{"s1"}})},
	})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	tasks, _ := m.ListTasks(ctx, b.ID)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	next, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if next == nil || next.Kind != task.KindRetrieve {
		t.Fatalf("expected RETRIEVE next, got %+v", next)
	}
	plan, _ := m.GetPlan(ctx, b.ID)
	if plan == nil || len(plan.Steps) != 1 {
		t.Errorf("plan not persisted: %+v", plan)
	}
}

func TestMemory_RetriesExhaustedDeadLetterAndNotify(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)
	ctx := context.Background()

	var last *task.Task
	for i := 0; i < task.DefaultMaxAttempts; i++ {
		got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
		if got == nil {
			t.Fatalf("attempt %d: no task leased", i+1)
		}
		last = got
		if err := m.CompleteTask(ctx, got.ID, "w1", Outcome{Status: OutcomeRetry, Err: "boom"}); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	dead, _ := m.ListDeadLetterTasks(ctx)
	if len(dead) != 1 || dead[0].ID != last.ID || dead[0].LastError != "boom" {
		t.Fatalf("dead letters = %+v", dead)
	}
	gb, _ := m.GetBuild(ctx, b.ID)
	if gb.Status != build.StatusManualIntervention {
		t.Errorf("build status = %v, want manual_intervention_required", gb.Status)
	}
	// 失败收尾 NOTIFY 已入队
	next, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if next == nil || next.Kind != task.KindNotify {
		t.Fatalf("expected terminal NOTIFY, got %+v", next)
	}
}

func TestMemory_FailedIsTerminalAndNotifies(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)
	ctx := context.Background()

	got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if err := m.CompleteTask(ctx, got.ID, "w1", Outcome{Status: OutcomeFailed, Err: "bad input"}); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	gb, _ := m.GetBuild(ctx, b.ID)
	if gb.Status != build.StatusFailed {
		t.Errorf("build status = %v, want failed", gb.Status)
	}
	next, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if next == nil || next.Kind != task.KindNotify {
		t.Fatalf("expected terminal NOTIFY, got %+v", next)
	}
	// NOTIFY 失败不再追加 NOTIFY，也不改终态
	if err := m.CompleteTask(ctx, next.ID, "w1", Outcome{Status: OutcomeFailed, Err: "endpoint down"}); err != nil {
		t.Fatalf("notify failed complete: %v", err)
	}
	if again, _ := m.LeaseNextTask(ctx, "w1", time.Minute); again != nil {
		t.Errorf("unexpected extra task %+v", again)
	}
	gb, _ = m.GetBuild(ctx, b.ID)
	if gb.Status != build.StatusFailed {
		t.Errorf("terminal build overwritten to %v", gb.Status)
	}
}

func TestMemory_NotifySuccessCompletesBuild(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)
	ctx := context.Background()

	// PLAN 直接接 NOTIFY，模拟管线尾部
	got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	_ = m.CompleteTask(ctx, got.ID, "w1", Outcome{
		Status: OutcomeSuccess, NextTasks: []NextTask{{Kind: task.KindNotify}},
	})
	notify, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if err := m.CompleteTask(ctx, notify.ID, "w1", Outcome{Status: OutcomeSuccess}); err != nil {
		t.Fatalf("notify complete: %v", err)
	}
	gb, _ := m.GetBuild(ctx, b.ID)
	if gb.Status != build.StatusCompleted {
		t.Errorf("build status = %v, want completed", gb.Status)
	}
}

func TestMemory_HeartbeatExtendsOnlyOwner(t *testing.T) {
	m := NewMemory()
	newTestBuild(t, m)
	ctx := context.Background()

	got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	if err := m.Heartbeat(ctx, got.ID, "w1", time.Minute); err != nil {
		t.Errorf("owner heartbeat: %v", err)
	}
	if err := m.Heartbeat(ctx, got.ID, "w2", time.Minute); err != ErrLeaseLost {
		t.Errorf("foreign heartbeat: expected ErrLeaseLost, got %v", err)
	}
}

func TestMemory_ArtifactUpsertIdempotent(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)
	ctx := context.Background()

	got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	arts := []artifact.Artifact{
		artifact.ForCandidateFile(artifact.CandidateFile{Path: "src/A.java", Score: 2}),
		artifact.ForCandidateFile(artifact.CandidateFile{Path: "src/A.java", Score: 3}),
		artifact.ForPatch(artifact.Patch{Path: "src/A.java", Diff: "x", Applied: true}),
		artifact.ForPatch(artifact.Patch{Path: "src/A.java", Diff: "y", Applied: true}),
	}
	_ = m.CompleteTask(ctx, got.ID, "w1", Outcome{Status: OutcomeSuccess, Artifacts: arts})

	cands, _ := m.ListCandidateFiles(ctx, b.ID)
	if len(cands) != 1 || cands[0].Score != 3 {
		t.Errorf("candidates = %+v, want single upserted row", cands)
	}
	patches, _ := m.ListPatches(ctx, b.ID)
	if len(patches) != 1 || patches[0].Diff != "y" {
		t.Errorf("patches = %+v, want single upserted row", patches)
	}
}

func TestMemory_SingleActiveTaskPerBuild(t *testing.T) {
	m := NewMemory()
	b := newTestBuild(t, m)
	ctx := context.Background()

	got, _ := m.LeaseNextTask(ctx, "w1", time.Minute)
	_ = m.CompleteTask(ctx, got.ID, "w1", Outcome{
		Status: OutcomeSuccess, NextTasks: []NextTask{{Kind: task.KindRetrieve}},
	})
	tasks, _ := m.ListTasks(ctx, b.ID)
	active := 0
	for _, tt := range tasks {
		if tt.Status.Active() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active tasks = %d, want 1", active)
	}
}
