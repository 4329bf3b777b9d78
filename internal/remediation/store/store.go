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

// Package store 任务存储：Build/Task/artifact 的唯一事实来源。
// 所有变更走事务 API；租约由 LeaseNextTask/Heartbeat/CompleteTask 维护，
// 任意时刻单 Build 至多一条 Pending/InProgress 任务。
package store

import (
	"context"
	"errors"
	"time"

	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/task"
)

var (
	// ErrDuplicateBuild (job, build_number) 已存在
	ErrDuplicateBuild = errors.New("duplicate build")
	// ErrLeaseLost 调用方不再持有该 Task 的租约（已过期并被他人重租，或任务已结束）
	ErrLeaseLost = errors.New("lease lost")
)

// BuildFields ingress 创建 Build 所需字段
type BuildFields struct {
	Job         string
	BuildNumber int
	Branch      string
	RepoURL     string
	CommitSHA   string
	Payload     map[string]interface{}
}

// OutcomeStatus CompleteTask 的结果类别
type OutcomeStatus int

const (
	OutcomeSuccess OutcomeStatus = iota
	OutcomeRetry
	OutcomeFailed
)

// NextTask 后继任务（kind + 载荷）；在 CompleteTask 事务内入队
type NextTask struct {
	Kind    task.Kind
	Payload []byte
}

// Outcome 一次任务完成的编码。
// Success：持久化 Artifacts、入队 NextTasks；NextTasks 为空且 kind=NOTIFY 时 Build 置 Completed。
// Retry：attempt < max_attempts 时重新置 Pending 并设 not_before=now+RetryAfter；
// 否则 DEAD_LETTER + Build ManualIntervention + 入队终态 NOTIFY。
// Failed：Task Failed + Build Failed + 入队终态 NOTIFY。
type Outcome struct {
	Status     OutcomeStatus
	NextTasks  []NextTask
	Artifacts  []artifact.Artifact
	Err        string
	RetryAfter time.Duration
}

// Store 任务存储契约；PostgreSQL 为生产实现，Memory 供测试与单进程模式
type Store interface {
	// CreateBuild 同一事务插入 Build 与种子 PLAN Task；(job, build_number) 冲突返回 ErrDuplicateBuild
	CreateBuild(ctx context.Context, fields BuildFields) (*build.Build, error)
	// LeaseNextTask 原子取一条可执行任务（Pending 且 not_before 已到，或租约过期的 InProgress），
	// 置 InProgress、记录租约、attempt+1，并在同一事务把 Build 从 Received 迁到 Processing；
	// 按 updated_at 最旧优先；无任务返回 nil, nil
	LeaseNextTask(ctx context.Context, workerID string, ttl time.Duration) (*task.Task, error)
	// CompleteTask 校验租约归属后在单事务内落结果；他人持有租约时返回 ErrLeaseLost
	CompleteTask(ctx context.Context, taskID, workerID string, o Outcome) error
	// Heartbeat 续租；仅当仍由 workerID 持有时延长，否则 ErrLeaseLost
	Heartbeat(ctx context.Context, taskID, workerID string, extension time.Duration) error
	// SetBuildStatus 终态迁移用；终态 Build 不再变更
	SetBuildStatus(ctx context.Context, buildID string, s build.Status) error

	GetBuild(ctx context.Context, buildID string) (*build.Build, error)
	GetBuildByJob(ctx context.Context, job string, buildNumber int) (*build.Build, error)
	ListActiveBuilds(ctx context.Context) ([]*build.Build, error)
	CountBuildsByStatus(ctx context.Context) (map[string]int64, error)
	CountTasksByStatus(ctx context.Context) (map[string]int64, error)
	ListTasks(ctx context.Context, buildID string) ([]*task.Task, error)
	ListDeadLetterTasks(ctx context.Context) ([]*task.Task, error)

	// artifact 读侧，供 agent 取上游产物；不存在返回 nil, nil
	GetPlan(ctx context.Context, buildID string) (*artifact.Plan, error)
	ListCandidateFiles(ctx context.Context, buildID string) ([]*artifact.CandidateFile, error)
	ListPatches(ctx context.Context, buildID string) ([]*artifact.Patch, error)
	ListValidations(ctx context.Context, buildID string) ([]*artifact.Validation, error)
	GetPullRequest(ctx context.Context, buildID string) (*artifact.PullRequest, error)

	Close()
}

// seedKind Build 创建时的种子任务类型
const seedKind = task.KindPlan

// terminalNotifyPayload 终态 NOTIFY 的载荷由 store 统一生成，带失败原因
type terminalNotifyPayload struct {
	Reason string `json:"reason"`
	Cause  string `json:"cause,omitempty"`
}
