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

// Package artifact 定义 agent 产出的非 Task 实体；dispatcher 在 CompleteTask 事务内持久化
package artifact

import "time"

// Plan 修复计划，单 Build 一份；Steps 为结构化步骤，Hints 为候选文件线索
type Plan struct {
	BuildID string
	Steps   []string
	Hints   []string
	// Raw 规划器原始输出（JSON），保留给排查
	Raw       []byte
	CreatedAt time.Time
}

// CandidateFile 检索器产出的候选文件，按 Score 降序供 patcher 使用
type CandidateFile struct {
	BuildID string
	Path    string
	Score   float64
	Reason  string
}

// Patch 一个文件的 unified diff 与应用结果
type Patch struct {
	BuildID  string
	Path     string
	Diff     string
	Applied  bool
	ApplyLog string
}

// ValidationKind 校验类别
type ValidationKind string

const (
	ValidationCompile ValidationKind = "COMPILE"
	ValidationTest    ValidationKind = "TEST"
	ValidationBuild   ValidationKind = "BUILD"
)

// Validation 一次构建校验的结果；ExitCode==0 即成功
type Validation struct {
	BuildID   string
	Kind      ValidationKind
	ExitCode  int
	Stdout    string
	Stderr    string
	CreatedAt time.Time
}

// Succeeded 返回校验是否成功
func (v Validation) Succeeded() bool { return v.ExitCode == 0 }

// PullRequest 单 Build 至多一条
type PullRequest struct {
	BuildID string
	Branch  string
	Number  int
	URL     string
	Status  string
}

// Artifact 非 Task 实体的 tagged variant；恰好一个字段非 nil
type Artifact struct {
	Plan          *Plan
	CandidateFile *CandidateFile
	Patch         *Patch
	Validation    *Validation
	PullRequest   *PullRequest
}

// ForPlan 构造 Plan artifact
func ForPlan(p Plan) Artifact { return Artifact{Plan: &p} }

// ForCandidateFile 构造 CandidateFile artifact
func ForCandidateFile(c CandidateFile) Artifact { return Artifact{CandidateFile: &c} }

// ForPatch 构造 Patch artifact
func ForPatch(p Patch) Artifact { return Artifact{Patch: &p} }

// ForValidation 构造 Validation artifact
func ForValidation(v Validation) Artifact { return Artifact{Validation: &v} }

// ForPullRequest 构造 PullRequest artifact
func ForPullRequest(pr PullRequest) Artifact { return Artifact{PullRequest: &pr} }
