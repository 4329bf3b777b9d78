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
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/task"
	"remedyci/pkg/log"
)

// maxCapturedOutput 校验输出入库截断长度
const maxCapturedOutput = 64 * 1024

// ValidatorConfig 校验命令与补丁循环配置
type ValidatorConfig struct {
	Command string
	Args    []string
	// MaxRounds PATCH↔VALIDATE 循环上限
	MaxRounds int
}

// Validator VALIDATE 阶段：在工作区跑构建命令确认补丁有效
type Validator struct {
	cfg    ValidatorConfig
	logger *log.Logger
}

// NewValidator 创建校验器；零值配置默认 mvn -B verify、3 轮
func NewValidator(cfg ValidatorConfig, logger *log.Logger) *Validator {
	if cfg.Command == "" {
		cfg.Command = "mvn"
		cfg.Args = []string{"-B", "verify"}
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	return &Validator{cfg: cfg, logger: logger.With("agent", "validator")}
}

func (v *Validator) Kind() task.Kind { return task.KindValidate }

func (v *Validator) Run(ctx context.Context, ac *agent.Context) agent.Result {
	round := parseRound(ac.Task.Payload)

	cmd := exec.CommandContext(ctx, v.cfg.Command, v.cfg.Args...)
	cmd.Dir = ac.Workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			// 命令本身起不来（缺 mvn、工作区没了），瞬态处理
			return agent.Retry(fmt.Errorf("run %s: %w", v.cfg.Command, runErr), 0)
		}
	}

	val := artifact.ForValidation(artifact.Validation{
		Kind:     artifact.ValidationBuild,
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String(), maxCapturedOutput),
		Stderr:   truncate(stderr.String(), maxCapturedOutput),
	})

	if exitCode == 0 {
		v.logger.Info("validation passed", "build", ac.Build.ID, "round", round)
		return agent.Success([]agent.NextTask{{Kind: task.KindCreatePR}}, val)
	}

	if round < v.cfg.MaxRounds {
		v.logger.Warn("validation failed, re-patching", "build", ac.Build.ID, "round", round, "exit", exitCode)
		return agent.RetryWith(
			fmt.Errorf("validation exit %d on round %d", exitCode, round),
			[]agent.NextTask{{Kind: task.KindPatch, Payload: roundPayload(round + 1)}},
			val,
		)
	}

	// 轮次耗尽交给重试配额，最终走死信 -> 人工介入
	v.logger.Error("validation failed after max rounds", "build", ac.Build.ID, "rounds", round)
	return agent.Result{
		Status:    agent.StatusRetry,
		Err:       fmt.Errorf("validation exit %d after %d patch rounds", exitCode, round),
		Artifacts: []artifact.Artifact{val},
	}
}
