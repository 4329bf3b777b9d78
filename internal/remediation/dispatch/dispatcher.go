// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch 租约式派发器：固定 worker 池从 store 取任务，
// 调用注册的 agent 执行，结果落回 store。at-least-once 语义，
// 崩溃恢复依赖租约过期回收，agent 必须可重入。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/store"
	"remedyci/internal/remediation/task"
	"remedyci/internal/remediation/wakeup"
	"remedyci/pkg/log"
	"remedyci/pkg/metrics"
)

// Config 派发器配置
type Config struct {
	WorkerCount  int
	LeaseTTL     time.Duration
	AgentTimeout time.Duration
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// Grace Stop 后等待在途任务的时限
	Grace       time.Duration
	WorkdirRoot string
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Minute
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.WorkdirRoot == "" {
		c.WorkdirRoot = filepath.Join(os.TempDir(), "remedyci")
	}
}

// Dispatcher worker 池本体
type Dispatcher struct {
	cfg    Config
	store  store.Store
	reg    *agent.Registry
	wake   wakeup.Queue
	logger *log.Logger

	id     string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 创建未启动的派发器
func New(cfg Config, st store.Store, reg *agent.Registry, wake wakeup.Queue, logger *log.Logger) *Dispatcher {
	cfg.applyDefaults()
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  st,
		reg:    reg,
		wake:   wake,
		logger: logger.With("component", "dispatcher"),
		id:     host + "-" + uuid.NewString()[:8],
		stopCh: make(chan struct{}),
	}
}

// Start 启动 worker 池，立即返回
func (d *Dispatcher) Start() {
	d.logger.Info("dispatcher starting", "workers", d.cfg.WorkerCount, "lease_ttl", d.cfg.LeaseTTL.String())
	for i := 0; i < d.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", d.id, i)
		d.wg.Add(1)
		go d.workerLoop(workerID)
	}
}

// Stop 停止取新任务，等待在途任务最多 Grace；租约未到期的任务由后续进程接管
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
	case <-time.After(d.cfg.Grace):
		d.logger.Warn("dispatcher stop grace exceeded, abandoning in-flight tasks")
	}
}

func (d *Dispatcher) workerLoop(workerID string) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		ctx := context.Background()
		t, err := d.store.LeaseNextTask(ctx, workerID, d.cfg.LeaseTTL)
		if err != nil {
			d.logger.Error("lease failed", "worker", workerID, "err", err.Error())
			d.idle()
			continue
		}
		if t == nil {
			metrics.LeaseAcquireTotal.WithLabelValues("false").Inc()
			d.idle()
			continue
		}
		metrics.LeaseAcquireTotal.WithLabelValues("true").Inc()
		d.runTask(workerID, t)
	}
}

// idle 等待唤醒信号或 poll_interval 到期
func (d *Dispatcher) idle() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	d.wake.Wait(ctx)
}

func (d *Dispatcher) runTask(workerID string, t *task.Task) {
	metrics.WorkerBusy.WithLabelValues(workerID).Set(1)
	defer metrics.WorkerBusy.WithLabelValues(workerID).Set(0)
	start := time.Now()
	logger := d.logger.With("worker", workerID, "task", t.ID, "kind", string(t.Kind),
		"build", t.BuildID, "attempt", t.Attempt)

	res := d.execute(workerID, t, logger)
	metrics.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())

	o, outcome := d.translate(t, res)
	if err := d.store.CompleteTask(context.Background(), t.ID, workerID, o); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			// 租约过期已被他人接管，结果丢弃；at-least-once 容许
			logger.Warn("lease lost before completion, result dropped")
			return
		}
		logger.Error("complete task failed", "err", err.Error())
		return
	}
	metrics.TaskTotal.WithLabelValues(string(t.Kind), outcome).Inc()
	switch outcome {
	case "retry":
		metrics.TaskRetryTotal.WithLabelValues(string(t.Kind)).Inc()
		if t.Attempt >= t.MaxAttempts {
			metrics.DeadLetterTotal.WithLabelValues(string(t.Kind)).Inc()
			metrics.BuildTerminalTotal.WithLabelValues(build.StatusManualIntervention.String()).Inc()
			logger.Error("task dead-lettered", "err", o.Err)
		} else {
			logger.Warn("task retried", "err", o.Err, "retry_after", o.RetryAfter.String())
		}
	case "failed":
		metrics.BuildTerminalTotal.WithLabelValues(build.StatusFailed.String()).Inc()
		logger.Error("task failed permanently", "err", o.Err)
	default:
		if t.Kind == task.KindNotify && len(o.NextTasks) == 0 {
			metrics.BuildTerminalTotal.WithLabelValues(build.StatusCompleted.String()).Inc()
		}
		logger.Info("task completed", "next", len(o.NextTasks), "duration", time.Since(start).String())
	}
	if len(o.NextTasks) > 0 {
		d.wake.Notify(context.Background())
	}
}

// execute 跑 agent：心跳续租、超时控制、panic 兜底
func (d *Dispatcher) execute(workerID string, t *task.Task, logger *log.Logger) agent.Result {
	a, ok := d.reg.Lookup(t.Kind)
	if !ok {
		return agent.Failed(fmt.Errorf("NO_AGENT_REGISTERED: %s", t.Kind))
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AgentTimeout)
	defer cancel()

	// 心跳：ttl/3 周期续租；续租失败说明租约已失，立刻取消执行
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		ticker := time.NewTicker(d.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ticker.C:
				if err := d.store.Heartbeat(context.Background(), t.ID, workerID, d.cfg.LeaseTTL); err != nil {
					logger.Warn("heartbeat failed, cancelling task", "err", err.Error())
					cancel()
					return
				}
			}
		}
	}()

	b, err := d.store.GetBuild(ctx, t.BuildID)
	if err != nil || b == nil {
		return agent.Retry(fmt.Errorf("load build %s: %v", t.BuildID, err), 0)
	}

	resCh := make(chan agent.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- agent.Retry(fmt.Errorf("agent panic: %v", r), 0)
			}
		}()
		resCh <- a.Run(ctx, &agent.Context{
			Task:    t,
			Build:   b,
			Store:   d.store,
			Workdir: filepath.Join(d.cfg.WorkdirRoot, t.BuildID),
		})
	}()

	select {
	case res := <-resCh:
		return res
	case <-ctx.Done():
		return agent.Retry(fmt.Errorf("TIMEOUT after %s", d.cfg.AgentTimeout), 0)
	}
}

// translate 把 agent.Result 映射为存储 Outcome。
// Retry 带 NextTasks 视作管线继续：当前任务完成、后继入队、错误留痕
func (d *Dispatcher) translate(t *task.Task, res agent.Result) (store.Outcome, string) {
	errStr := ""
	if res.Err != nil {
		errStr = res.Err.Error()
	}
	next := make([]store.NextTask, 0, len(res.NextTasks))
	for _, nt := range res.NextTasks {
		next = append(next, store.NextTask{Kind: nt.Kind, Payload: nt.Payload})
	}

	switch res.Status {
	case agent.StatusSuccess:
		return store.Outcome{
			Status:    store.OutcomeSuccess,
			NextTasks: next,
			Artifacts: res.Artifacts,
		}, "success"
	case agent.StatusRetry:
		if len(next) > 0 {
			return store.Outcome{
				Status:    store.OutcomeSuccess,
				NextTasks: next,
				Artifacts: res.Artifacts,
				Err:       errStr,
			}, "success"
		}
		after := res.RetryAfter
		if after <= 0 {
			after = Backoff(t.Attempt, d.cfg.BackoffBase, d.cfg.BackoffMax)
		}
		return store.Outcome{
			Status:     store.OutcomeRetry,
			Artifacts:  res.Artifacts,
			Err:        errStr,
			RetryAfter: after,
		}, "retry"
	default:
		return store.Outcome{
			Status:    store.OutcomeFailed,
			Artifacts: res.Artifacts,
			Err:       errStr,
		}, "failed"
	}
}
