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

// Package agent 任务执行器契约。每种 task.Kind 对应一个 Agent；
// dispatcher 负责租约、超时与重试，agent 只关心业务本身。
package agent

import (
	"context"
	"time"

	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/task"
)

// StoreReader agent 的只读存储视图，取上游阶段产物
type StoreReader interface {
	GetPlan(ctx context.Context, buildID string) (*artifact.Plan, error)
	ListCandidateFiles(ctx context.Context, buildID string) ([]*artifact.CandidateFile, error)
	ListPatches(ctx context.Context, buildID string) ([]*artifact.Patch, error)
	ListValidations(ctx context.Context, buildID string) ([]*artifact.Validation, error)
	GetPullRequest(ctx context.Context, buildID string) (*artifact.PullRequest, error)
}

// Context 一次执行的输入；Build 为快照，Workdir 为该 Build 的本地工作区
type Context struct {
	Task    *task.Task
	Build   *build.Build
	Store   StoreReader
	Workdir string
}

// NextTask 后继任务声明
type NextTask struct {
	Kind    task.Kind
	Payload []byte
}

// ResultStatus 执行结果类别
type ResultStatus int

const (
	StatusSuccess ResultStatus = iota
	StatusRetry
	StatusFailed
)

// Result agent 执行结果。
// Success 可携带后继任务与产物；Retry 表示瞬态失败，可带 RetryAfter 提示与
// NextTasks（如校验失败后回到 PATCH 重新修补，当前任务视作完成）；
// Failed 为永久失败，Build 直接终止。
type Result struct {
	Status     ResultStatus
	NextTasks  []NextTask
	Artifacts  []artifact.Artifact
	Err        error
	RetryAfter time.Duration
}

// Success 正常完成
func Success(next []NextTask, artifacts ...artifact.Artifact) Result {
	return Result{Status: StatusSuccess, NextTasks: next, Artifacts: artifacts}
}

// Retry 瞬态失败，按退避重试
func Retry(err error, after time.Duration) Result {
	return Result{Status: StatusRetry, Err: err, RetryAfter: after}
}

// RetryWith 瞬态失败但管线继续：当前任务完成并入队 next（VALIDATE 失败回 PATCH 用）
func RetryWith(err error, next []NextTask, artifacts ...artifact.Artifact) Result {
	return Result{Status: StatusRetry, Err: err, NextTasks: next, Artifacts: artifacts}
}

// Failed 永久失败
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// Agent 一个管线阶段的执行器；实现必须可重入，同一任务可能被执行多次
type Agent interface {
	Kind() task.Kind
	Run(ctx context.Context, ac *Context) Result
}
