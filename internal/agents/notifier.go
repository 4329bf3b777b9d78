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
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/task"
	"remedyci/pkg/log"
)

// NotifierConfig 终态通知配置
type NotifierConfig struct {
	WebhookURL string
}

// Notifier NOTIFY 阶段：投递终态摘要并清理工作区。
// 成功或失败收尾都走这里；它自己失败不再追加通知
type Notifier struct {
	cfg    NotifierConfig
	client *resty.Client
	logger *log.Logger
}

// NewNotifier 创建通知器
func NewNotifier(cfg NotifierConfig, logger *log.Logger) *Notifier {
	client := resty.New()
	client.SetTimeout(15 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(1 * time.Second)
	return &Notifier{cfg: cfg, client: client, logger: logger.With("agent", "notifier")}
}

func (n *Notifier) Kind() task.Kind { return task.KindNotify }

// notification 投递的摘要结构
type notification struct {
	Job         string `json:"job"`
	BuildNumber int    `json:"build_number"`
	BuildID     string `json:"build_id"`
	Outcome     string `json:"outcome"` // remediated | failed
	Reason      string `json:"reason,omitempty"`
	Cause       string `json:"cause,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
}

func (n *Notifier) Run(ctx context.Context, ac *agent.Context) agent.Result {
	msg := notification{
		Job:         ac.Build.Job,
		BuildNumber: ac.Build.BuildNumber,
		BuildID:     ac.Build.ID,
		Outcome:     "remediated",
	}
	// 失败收尾的 NOTIFY 带 reason/cause
	var terminal struct {
		Reason string `json:"reason"`
		Cause  string `json:"cause"`
	}
	if len(ac.Task.Payload) > 0 && json.Unmarshal(ac.Task.Payload, &terminal) == nil && terminal.Reason != "" {
		msg.Outcome = "failed"
		msg.Reason = terminal.Reason
		msg.Cause = terminal.Cause
	}
	if pr, err := ac.Store.GetPullRequest(ctx, ac.Build.ID); err == nil && pr != nil {
		msg.PRURL = pr.URL
	}

	if n.cfg.WebhookURL != "" {
		resp, err := n.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(msg).
			Post(n.cfg.WebhookURL)
		if err != nil {
			return agent.Retry(fmt.Errorf("deliver notification: %w", err), 0)
		}
		if resp.StatusCode() >= http.StatusMultipleChoices {
			return agent.Retry(fmt.Errorf("notification endpoint %d: %s", resp.StatusCode(), resp.String()), 0)
		}
	} else {
		n.logger.Info("notification (no webhook configured)",
			"build", ac.Build.ID, "outcome", msg.Outcome, "pr", msg.PRURL)
	}

	// 通知送达后工作区不再需要；清理失败只记日志
	if ac.Workdir != "" {
		if err := os.RemoveAll(ac.Workdir); err != nil {
			n.logger.Warn("workspace cleanup failed", "workdir", ac.Workdir, "err", err.Error())
		}
	}
	return agent.Success(nil)
}
