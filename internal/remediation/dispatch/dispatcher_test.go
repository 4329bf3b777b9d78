package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/store"
	"remedyci/internal/remediation/task"
	"remedyci/internal/remediation/wakeup"
	"remedyci/pkg/log"
)

// stubAgent 按 kind 执行注入的函数
type stubAgent struct {
	kind task.Kind
	run  func(ctx context.Context, ac *agent.Context) agent.Result
}

func (s *stubAgent) Kind() task.Kind { return s.kind }
func (s *stubAgent) Run(ctx context.Context, ac *agent.Context) agent.Result {
	return s.run(ctx, ac)
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return logger
}

func fastConfig() Config {
	return Config{
		WorkerCount:  2,
		LeaseTTL:     time.Minute,
		AgentTimeout: 5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		Grace:        time.Second,
	}
}

// waitForBuild 轮询直到 Build 到达期望状态或超时
func waitForBuild(t *testing.T, st store.Store, buildID string, want build.Status) *build.Build {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, _ := st.GetBuild(context.Background(), buildID)
		if b != nil && b.Status == want {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	b, _ := st.GetBuild(context.Background(), buildID)
	t.Fatalf("build status = %v, want %v", b.Status, want)
	return nil
}

// chainAgents 注册整条成功管线：每个阶段直接接后继
func chainAgents(reg *agent.Registry, record func(task.Kind)) {
	succ := map[task.Kind]task.Kind{
		task.KindPlan:     task.KindRetrieve,
		task.KindRetrieve: task.KindPatch,
		task.KindPatch:    task.KindValidate,
		task.KindValidate: task.KindCreatePR,
		task.KindCreatePR: task.KindNotify,
	}
	for _, k := range []task.Kind{task.KindPlan, task.KindRetrieve, task.KindPatch,
		task.KindValidate, task.KindCreatePR, task.KindNotify} {
		kind := k
		_ = reg.Register(&stubAgent{kind: kind, run: func(ctx context.Context, ac *agent.Context) agent.Result {
			record(kind)
			if next, ok := succ[kind]; ok {
				return agent.Success([]agent.NextTask{{Kind: next}})
			}
			return agent.Success(nil)
		}})
	}
}

func TestDispatcher_HappyPathRunsAllStagesInOrder(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()
	var order []task.Kind
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}
	chainAgents(reg, func(k task.Kind) {
		<-mu
		order = append(order, k)
		mu <- struct{}{}
	})

	b, _ := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 1})
	d := New(fastConfig(), st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	waitForBuild(t, st, b.ID, build.StatusCompleted)

	<-mu
	defer func() { mu <- struct{}{} }()
	want := []task.Kind{task.KindPlan, task.KindRetrieve, task.KindPatch,
		task.KindValidate, task.KindCreatePR, task.KindNotify}
	if len(order) != len(want) {
		t.Fatalf("stages ran = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()
	var attempts int32
	_ = reg.Register(&stubAgent{kind: task.KindPlan, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return agent.Retry(fmt.Errorf("transient"), time.Millisecond)
		}
		return agent.Success([]agent.NextTask{{Kind: task.KindNotify}})
	}})
	_ = reg.Register(&stubAgent{kind: task.KindNotify, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Success(nil)
	}})

	b, _ := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 2})
	d := New(fastConfig(), st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	waitForBuild(t, st, b.ID, build.StatusCompleted)
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("plan attempts = %d, want 2", got)
	}
}

func TestDispatcher_ExhaustedRetriesDeadLetter(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()
	_ = reg.Register(&stubAgent{kind: task.KindPlan, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Retry(fmt.Errorf("always failing"), time.Millisecond)
	}})
	_ = reg.Register(&stubAgent{kind: task.KindNotify, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Success(nil)
	}})

	b, _ := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 3})
	d := New(fastConfig(), st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	waitForBuild(t, st, b.ID, build.StatusManualIntervention)
	dead, _ := st.ListDeadLetterTasks(context.Background())
	if len(dead) != 1 || dead[0].Kind != task.KindPlan {
		t.Fatalf("dead letters = %+v", dead)
	}
	if dead[0].Attempt != task.DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", dead[0].Attempt, task.DefaultMaxAttempts)
	}
}

func TestDispatcher_NoAgentRegisteredFailsBuild(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()
	// 故意不注册 PLAN；NOTIFY 收尾要在
	_ = reg.Register(&stubAgent{kind: task.KindNotify, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Success(nil)
	}})

	b, _ := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 4})
	d := New(fastConfig(), st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	waitForBuild(t, st, b.ID, build.StatusFailed)
	tasks, _ := st.ListTasks(context.Background(), b.ID)
	var planTask *task.Task
	for _, tt := range tasks {
		if tt.Kind == task.KindPlan {
			planTask = tt
		}
	}
	if planTask == nil || planTask.Status != task.StatusFailed {
		t.Fatalf("plan task = %+v, want failed", planTask)
	}
}

func TestDispatcher_PanicIsRetried(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()
	var attempts int32
	_ = reg.Register(&stubAgent{kind: task.KindPlan, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		if atomic.AddInt32(&attempts, 1) == 1 {
			panic("agent bug")
		}
		return agent.Success([]agent.NextTask{{Kind: task.KindNotify}})
	}})
	_ = reg.Register(&stubAgent{kind: task.KindNotify, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Success(nil)
	}})

	b, _ := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 5})
	d := New(fastConfig(), st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	waitForBuild(t, st, b.ID, build.StatusCompleted)
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestDispatcher_RetryWithSuccessorsContinuesPipeline(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()
	var patchRuns, validateRuns int32
	_ = reg.Register(&stubAgent{kind: task.KindPlan, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Success([]agent.NextTask{{Kind: task.KindPatch}})
	}})
	_ = reg.Register(&stubAgent{kind: task.KindPatch, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		atomic.AddInt32(&patchRuns, 1)
		return agent.Success([]agent.NextTask{{Kind: task.KindValidate}})
	}})
	// 第一轮校验失败回 PATCH，第二轮过
	_ = reg.Register(&stubAgent{kind: task.KindValidate, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		if atomic.AddInt32(&validateRuns, 1) == 1 {
			return agent.RetryWith(fmt.Errorf("tests failed"),
				[]agent.NextTask{{Kind: task.KindPatch}})
		}
		return agent.Success([]agent.NextTask{{Kind: task.KindNotify}})
	}})
	_ = reg.Register(&stubAgent{kind: task.KindNotify, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Success(nil)
	}})

	b, _ := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 6})
	d := New(fastConfig(), st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	waitForBuild(t, st, b.ID, build.StatusCompleted)
	if got := atomic.LoadInt32(&patchRuns); got != 2 {
		t.Errorf("patch runs = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&validateRuns); got != 2 {
		t.Errorf("validate runs = %d, want 2", got)
	}
	// 失败的 VALIDATE 已完成而非重试同一任务
	tasks, _ := st.ListTasks(context.Background(), b.ID)
	for _, tt := range tasks {
		if tt.Status == task.StatusDeadLetter || tt.Status == task.StatusFailed {
			t.Errorf("unexpected terminal-failed task %+v", tt)
		}
	}
}

func TestDispatcher_BoundedConcurrencyAcrossBuilds(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()

	// 记录瞬时在途任务数的峰值
	var inFlight, peak int32
	enter := func() {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&peak)
			if n <= m || atomic.CompareAndSwapInt32(&peak, m, n) {
				return
			}
		}
	}
	chainAgents(reg, func(task.Kind) {
		enter()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	})

	const builds, workers = 10, 3
	ids := make([]string, 0, builds)
	for i := 0; i < builds; i++ {
		b, err := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 100 + i})
		if err != nil {
			t.Fatalf("create build %d: %v", i, err)
		}
		ids = append(ids, b.ID)
	}

	cfg := fastConfig()
	cfg.WorkerCount = workers
	d := New(cfg, st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	// 10 个 Build 挤 3 个 worker：全部仍要走完管线
	for _, id := range ids {
		waitForBuild(t, st, id, build.StatusCompleted)
	}
	if got := atomic.LoadInt32(&peak); got > workers {
		t.Errorf("peak in-flight tasks = %d, want <= %d", got, workers)
	}
	counts, _ := st.CountTasksByStatus(context.Background())
	if counts[task.StatusInProgress.String()] != 0 {
		t.Errorf("tasks still in progress after completion: %v", counts)
	}
}

func TestDispatcher_AgentTimeoutRetries(t *testing.T) {
	st := store.NewMemory()
	reg := agent.NewRegistry()
	var attempts int32
	_ = reg.Register(&stubAgent{kind: task.KindPlan, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		if atomic.AddInt32(&attempts, 1) == 1 {
			<-ctx.Done() // 卡死到超时
			return agent.Retry(ctx.Err(), 0)
		}
		return agent.Success([]agent.NextTask{{Kind: task.KindNotify}})
	}})
	_ = reg.Register(&stubAgent{kind: task.KindNotify, run: func(ctx context.Context, ac *agent.Context) agent.Result {
		return agent.Success(nil)
	}})

	cfg := fastConfig()
	cfg.AgentTimeout = 50 * time.Millisecond
	b, _ := st.CreateBuild(context.Background(), store.BuildFields{Job: "demo", BuildNumber: 7})
	d := New(cfg, st, reg, wakeup.NewMem(), testLogger(t))
	d.Start()
	defer d.Stop()

	waitForBuild(t, st, b.ID, build.StatusCompleted)
	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Errorf("attempts = %d, want >= 2", got)
	}
}
