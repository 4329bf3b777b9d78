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
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/task"
	"remedyci/pkg/log"
)

// maxCandidates 传给 PATCH 的候选文件上限
const maxCandidates = 10

// Retriever RETRIEVE 阶段：准备工作区并按 Plan hints 给源文件打分
type Retriever struct {
	logger *log.Logger
}

// NewRetriever 创建检索器
func NewRetriever(logger *log.Logger) *Retriever {
	return &Retriever{logger: logger.With("agent", "retriever")}
}

func (r *Retriever) Kind() task.Kind { return task.KindRetrieve }

func (r *Retriever) Run(ctx context.Context, ac *agent.Context) agent.Result {
	plan, err := ac.Store.GetPlan(ctx, ac.Build.ID)
	if err != nil {
		return agent.Retry(fmt.Errorf("load plan: %w", err), 0)
	}
	if plan == nil {
		return agent.Failed(fmt.Errorf("no plan persisted for build %s", ac.Build.ID))
	}

	if err := ensureWorkspace(ctx, ac); err != nil {
		return agent.Retry(err, 0)
	}

	scores, err := scoreFiles(ac.Workdir, plan.Hints)
	if err != nil {
		return agent.Retry(fmt.Errorf("scan workspace: %w", err), 0)
	}
	if len(scores) == 0 {
		return agent.Failed(fmt.Errorf("no source files matched plan hints"))
	}
	if len(scores) > maxCandidates {
		scores = scores[:maxCandidates]
	}

	arts := make([]artifact.Artifact, 0, len(scores))
	for _, c := range scores {
		arts = append(arts, artifact.ForCandidateFile(c))
	}
	r.logger.Info("candidates retrieved", "build", ac.Build.ID, "count", len(scores))
	return agent.Success([]agent.NextTask{{Kind: task.KindPatch, Payload: roundPayload(1)}}, arts...)
}

// ensureWorkspace 工作区不存在时浅克隆；已存在则复用（重放幂等）
func ensureWorkspace(ctx context.Context, ac *agent.Context) error {
	if _, err := os.Stat(filepath.Join(ac.Workdir, ".git")); err == nil {
		return nil
	}
	if ac.Build.RepoURL == "" {
		// 无仓库地址时要求外部预置工作区
		if _, err := os.Stat(ac.Workdir); err == nil {
			return nil
		}
		return fmt.Errorf("no repo_url and workspace %s missing", ac.Workdir)
	}
	if err := os.MkdirAll(filepath.Dir(ac.Workdir), 0o755); err != nil {
		return err
	}
	args := []string{"clone", "--depth", "1"}
	if ac.Build.Branch != "" {
		args = append(args, "--branch", ac.Build.Branch)
	}
	args = append(args, ac.Build.RepoURL, ac.Workdir)
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone: %v: %s", err, truncate(string(out), 2048))
	}
	return nil
}

// scoreFiles 朴素打分：hint 命中路径记 2 分，命中文件内容记 1 分
func scoreFiles(root string, hints []string) ([]artifact.CandidateFile, error) {
	lowered := make([]string, 0, len(hints))
	for _, h := range hints {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			lowered = append(lowered, h)
		}
	}
	var out []artifact.CandidateFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "target" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceFile(path) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		score, reasons := 0.0, []string{}
		lowPath := strings.ToLower(rel)
		var content string
		for _, h := range lowered {
			if strings.Contains(lowPath, h) {
				score += 2
				reasons = append(reasons, "path:"+h)
				continue
			}
			if content == "" {
				b, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				content = strings.ToLower(string(b))
			}
			if strings.Contains(content, h) {
				score++
				reasons = append(reasons, "content:"+h)
			}
		}
		if score > 0 {
			out = append(out, artifact.CandidateFile{Path: rel, Score: score, Reason: strings.Join(reasons, ",")})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Path < out[j].Path
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

var sourceSuffixes = []string{".java", ".kt", ".scala", ".go", ".py", ".js", ".ts", ".xml", ".gradle", ".properties", ".yaml", ".yml"}

func sourceFile(path string) bool {
	for _, s := range sourceSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
