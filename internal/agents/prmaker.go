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
	"os/exec"
	"strings"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/task"
	pkgerrors "remedyci/pkg/errors"
	"remedyci/pkg/log"
)

// PRMaker CREATE_PR 阶段：推修复分支并开 PR。
// 分支名由 (job, build_number) 决定，重放不会产生第二个 PR
type PRMaker struct {
	github *githubClient
	logger *log.Logger
}

// NewPRMaker 创建 PR 生成器
func NewPRMaker(cfg GitHubConfig, logger *log.Logger) *PRMaker {
	return &PRMaker{github: newGitHubClient(cfg), logger: logger.With("agent", "prmaker")}
}

func (m *PRMaker) Kind() task.Kind { return task.KindCreatePR }

// branchName 确定性分支名，是 PR 幂等的根基
func branchName(job string, buildNumber int) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			return r
		}
		return '-'
	}, job)
	return fmt.Sprintf("remedyci/%s-%d", safe, buildNumber)
}

func (m *PRMaker) Run(ctx context.Context, ac *agent.Context) agent.Result {
	// 已有 PR 记录直接跳过，重放幂等
	if existing, err := ac.Store.GetPullRequest(ctx, ac.Build.ID); err == nil && existing != nil && existing.URL != "" {
		m.logger.Info("pull request already exists", "build", ac.Build.ID, "url", existing.URL)
		return agent.Success([]agent.NextTask{{Kind: task.KindNotify}})
	}

	owner, repo, err := parseRepoURL(ac.Build.RepoURL)
	if err != nil {
		return agent.Failed(err)
	}
	branch := branchName(ac.Build.Job, ac.Build.BuildNumber)

	if err := m.pushBranch(ctx, ac, branch); err != nil {
		if pkgerrors.IsPermanent(err) {
			return agent.Failed(err)
		}
		return agent.Retry(err, 0)
	}

	base := ac.Build.Branch
	if base == "" {
		base = "main"
	}
	title := fmt.Sprintf("fix(ci): automated remediation for %s #%d", ac.Build.Job, ac.Build.BuildNumber)
	body := m.prBody(ctx, ac)
	pr, err := m.github.createPR(ctx, owner, repo, title, body, branch, base)
	if err != nil {
		if pkgerrors.IsPermanent(err) {
			return agent.Failed(err)
		}
		return agent.Retry(err, 0)
	}

	m.logger.Info("pull request created", "build", ac.Build.ID, "url", pr.HTMLURL, "number", pr.Number)
	return agent.Success(
		[]agent.NextTask{{Kind: task.KindNotify}},
		artifact.ForPullRequest(artifact.PullRequest{
			Branch: branch,
			Number: pr.Number,
			URL:    pr.HTMLURL,
			Status: pr.State,
		}),
	)
}

// pushBranch 在工作区提交补丁并强推确定性分支；重放覆盖同一分支
func (m *PRMaker) pushBranch(ctx context.Context, ac *agent.Context, branch string) error {
	steps := [][]string{
		{"checkout", "-B", branch},
		{"add", "-A"},
		{"-c", "user.name=remedyci", "-c", "user.email=remedyci@localhost", "commit", "-m",
			fmt.Sprintf("Automated CI remediation for %s #%d", ac.Build.Job, ac.Build.BuildNumber)},
		{"push", "--force", "origin", branch},
	}
	for i, args := range steps {
		out, err := gitRun(ctx, ac.Workdir, args...)
		if err != nil {
			// 没有变更可提交说明分支已推过，继续
			if i == 2 && strings.Contains(out, "nothing to commit") {
				continue
			}
			return fmt.Errorf("git %s: %v: %s", args[len(args)-1], err, truncate(out, 2048))
		}
	}
	return nil
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (m *PRMaker) prBody(ctx context.Context, ac *agent.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated remediation for failed build `%s #%d`.\n\n", ac.Build.Job, ac.Build.BuildNumber)
	if plan, err := ac.Store.GetPlan(ctx, ac.Build.ID); err == nil && plan != nil {
		b.WriteString("Remediation steps:\n")
		for _, s := range plan.Steps {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if patches, err := ac.Store.ListPatches(ctx, ac.Build.ID); err == nil && len(patches) > 0 {
		b.WriteString("\nPatched files:\n")
		for _, p := range patches {
			fmt.Fprintf(&b, "- `%s`\n", p.Path)
		}
	}
	if vals, err := ac.Store.ListValidations(ctx, ac.Build.ID); err == nil && len(vals) > 0 {
		last := vals[len(vals)-1]
		fmt.Fprintf(&b, "\nValidation: `%s` exit %d\n", last.Kind, last.ExitCode)
	}
	return b.String()
}
