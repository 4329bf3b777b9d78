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

// Package agents 修复管线的六个阶段实现：
// PLAN -> RETRIEVE -> PATCH -> VALIDATE -> CREATE_PR -> NOTIFY。
// 每个 agent 可重入：同一任务重复执行产生相同的产物集合。
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"remedyci/internal/model/llm"
	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/task"
	pkgerrors "remedyci/pkg/errors"
	"remedyci/pkg/log"
)

// maxLogExcerpt 喂给 LLM 的构建日志截断长度
const maxLogExcerpt = 16 * 1024

// Planner PLAN 阶段：用 LLM 从失败日志产出修复计划
type Planner struct {
	llm    llm.Client
	logger *log.Logger
}

// NewPlanner 创建规划器
func NewPlanner(client llm.Client, logger *log.Logger) *Planner {
	return &Planner{llm: client, logger: logger.With("agent", "planner")}
}

func (p *Planner) Kind() task.Kind { return task.KindPlan }

const planPrompt = `You are a CI remediation assistant. A CI build failed.
Job: %s  Build: %d  Branch: %s

Build failure output (truncated):
%s

Reply with a single JSON object, no prose:
{"steps": ["ordered remediation steps"], "hints": ["source file paths or keywords likely involved"]}`

func (p *Planner) Run(ctx context.Context, ac *agent.Context) agent.Result {
	excerpt := failureLog(ac.Build.Payload)
	prompt := fmt.Sprintf(planPrompt, ac.Build.Job, ac.Build.BuildNumber, ac.Build.Branch, excerpt)

	raw, err := p.llm.Generate(ctx, prompt, llm.DefaultOptions())
	if err != nil {
		if pkgerrors.IsPermanent(err) {
			return agent.Failed(err)
		}
		return agent.Retry(err, 0)
	}

	var parsed struct {
		Steps []string `json:"steps"`
		Hints []string `json:"hints"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		// 模型输出偶发跑偏，重试换一次采样
		return agent.Retry(fmt.Errorf("plan output not valid JSON: %w", err), 0)
	}
	if len(parsed.Steps) == 0 {
		return agent.Retry(fmt.Errorf("plan output has no steps"), 0)
	}

	p.logger.Info("plan produced", "build", ac.Build.ID, "steps", len(parsed.Steps), "hints", len(parsed.Hints))
	return agent.Success(
		[]agent.NextTask{{Kind: task.KindRetrieve}},
		artifact.ForPlan(artifact.Plan{
			Steps: parsed.Steps,
			Hints: parsed.Hints,
			Raw:   json.RawMessage(extractJSON(raw)),
		}),
	)
}

// failureLog 从 webhook 原始载荷提取失败日志；字段名依 CI 方言而异
func failureLog(payload map[string]interface{}) string {
	for _, key := range []string{"log", "build_log", "console_output", "failure_output"} {
		if v, ok := payload[key].(string); ok && v != "" {
			if len(v) > maxLogExcerpt {
				return v[len(v)-maxLogExcerpt:]
			}
			return v
		}
	}
	return "(no build log provided)"
}

// extractJSON 剥掉模型偶尔包上的 markdown 代码块
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return strings.TrimSpace(s)
}
