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

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"remedyci/internal/model/llm"
	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/task"
	pkgerrors "remedyci/pkg/errors"
	"remedyci/pkg/log"
)

// maxPatchFiles 单轮喂给 LLM 的文件数上限
const maxPatchFiles = 5

// maxFileBytes 单文件喂给 LLM 的内容上限
const maxFileBytes = 32 * 1024

// Patcher PATCH 阶段：按计划与候选文件生成并落盘修复内容
type Patcher struct {
	llm    llm.Client
	logger *log.Logger
}

// NewPatcher 创建修补器
func NewPatcher(client llm.Client, logger *log.Logger) *Patcher {
	return &Patcher{llm: client, logger: logger.With("agent", "patcher")}
}

func (p *Patcher) Kind() task.Kind { return task.KindPatch }

const patchPrompt = `You are a CI remediation assistant fixing a failed build.

Remediation plan:
%s

Previous validation output (empty on first round):
%s

Files (path, then content between <<< >>>):
%s

Reply with a single JSON array, no prose. Each element rewrites one file completely:
[{"path": "relative/path", "content": "full new file content"}]
Only include files that must change.`

func (p *Patcher) Run(ctx context.Context, ac *agent.Context) agent.Result {
	round := parseRound(ac.Task.Payload)

	plan, err := ac.Store.GetPlan(ctx, ac.Build.ID)
	if err != nil || plan == nil {
		return agent.Retry(fmt.Errorf("load plan: %v", err), 0)
	}
	candidates, err := ac.Store.ListCandidateFiles(ctx, ac.Build.ID)
	if err != nil {
		return agent.Retry(fmt.Errorf("load candidates: %w", err), 0)
	}
	if len(candidates) == 0 {
		return agent.Failed(fmt.Errorf("no candidate files for build %s", ac.Build.ID))
	}
	if len(candidates) > maxPatchFiles {
		candidates = candidates[:maxPatchFiles]
	}

	// 上一轮校验输出帮模型对症下药
	lastValidation := ""
	if vals, err := ac.Store.ListValidations(ctx, ac.Build.ID); err == nil && len(vals) > 0 {
		last := vals[len(vals)-1]
		lastValidation = truncate(last.Stdout+"\n"+last.Stderr, 8*1024)
	}

	var files strings.Builder
	for _, c := range candidates {
		b, err := os.ReadFile(filepath.Join(ac.Workdir, c.Path))
		if err != nil {
			continue
		}
		fmt.Fprintf(&files, "%s\n<<<\n%s\n>>>\n", c.Path, truncate(string(b), maxFileBytes))
	}
	if files.Len() == 0 {
		return agent.Retry(fmt.Errorf("candidate files unreadable in workspace %s", ac.Workdir), 0)
	}

	prompt := fmt.Sprintf(patchPrompt, strings.Join(plan.Steps, "\n"), lastValidation, files.String())
	raw, err := p.llm.Generate(ctx, prompt, llm.DefaultOptions())
	if err != nil {
		if pkgerrors.IsPermanent(err) {
			return agent.Failed(err)
		}
		return agent.Retry(err, 0)
	}

	var edits []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &edits); err != nil {
		return agent.Retry(fmt.Errorf("patch output not valid JSON: %w", err), 0)
	}
	if len(edits) == 0 {
		return agent.Retry(fmt.Errorf("patch output empty"), 0)
	}

	arts := make([]artifact.Artifact, 0, len(edits))
	for _, e := range edits {
		clean := filepath.Clean(e.Path)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return agent.Failed(fmt.Errorf("patch path escapes workspace: %s", e.Path))
		}
		target := filepath.Join(ac.Workdir, clean)
		old, _ := os.ReadFile(target)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return agent.Retry(fmt.Errorf("mkdir for %s: %w", clean, err), 0)
		}
		if err := os.WriteFile(target, []byte(e.Content), 0o644); err != nil {
			return agent.Retry(fmt.Errorf("write %s: %w", clean, err), 0)
		}
		arts = append(arts, artifact.ForPatch(artifact.Patch{
			Path:     clean,
			Diff:     unifiedish(clean, string(old), e.Content),
			Applied:  true,
			ApplyLog: fmt.Sprintf("round %d: rewrote %s (%d bytes)", round, clean, len(e.Content)),
		}))
	}

	p.logger.Info("patches applied", "build", ac.Build.ID, "round", round, "files", len(arts))
	return agent.Success([]agent.NextTask{{Kind: task.KindValidate, Payload: roundPayload(round)}}, arts...)
}

// unifiedish 简化 diff：整文件替换，仅作留痕不作回放
func unifiedish(path, old, new string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	for _, line := range strings.Split(strings.TrimRight(old, "\n"), "\n") {
		b.WriteString("-" + line + "\n")
	}
	for _, line := range strings.Split(strings.TrimRight(new, "\n"), "\n") {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}
