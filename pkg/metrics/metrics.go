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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TaskDuration, TaskTotal, TaskRetryTotal, DeadLetterTotal,
		LeaseAcquireTotal, WorkerBusy, BuildTerminalTotal, WebhookTotal,
	)
}

// TaskDuration 单条 Task 执行耗时（秒）
var TaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "remedyci_task_duration_seconds",
		Help:    "Task 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// TaskTotal Task 完成总数（按 kind 与结果）
var TaskTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "remedyci_task_total",
		Help: "Task 完成总数（按 kind 与结果）",
	},
	[]string{"kind", "outcome"}, // success | retry | failed
)

// TaskRetryTotal Task 重试入队总数
var TaskRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "remedyci_task_retry_total",
		Help: "Task 重试入队总数",
	},
	[]string{"kind"},
)

// DeadLetterTotal 死信 Task 总数
var DeadLetterTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "remedyci_dead_letter_total",
		Help: "进入 DEAD_LETTER 的 Task 总数",
	},
	[]string{"kind"},
)

// LeaseAcquireTotal 租约获取尝试（acquired=true/false）
var LeaseAcquireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "remedyci_lease_acquire_total",
		Help: "租约获取尝试次数",
	},
	[]string{"acquired"},
)

// WorkerBusy 当前正在执行 Task 的 worker 数
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "remedyci_worker_busy",
		Help: "当前正在执行 Task 的 worker 数",
	},
	[]string{"worker_id"},
)

// BuildTerminalTotal Build 到达终态总数
var BuildTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "remedyci_build_terminal_total",
		Help: "Build 到达终态总数（按状态）",
	},
	[]string{"status"}, // completed | failed | manual_intervention_required
)

// WebhookTotal 接收的 CI webhook 总数
var WebhookTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "remedyci_webhook_total",
		Help: "接收的 CI webhook 总数（按结果）",
	},
	[]string{"result"}, // accepted | duplicate | rejected
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
