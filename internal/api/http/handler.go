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

// Package http webhook 入口与 ops 查询面。写路径只有一个：CI webhook 建 Build；
// 其余全是读，供排查与看板用。
package http

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"remedyci/internal/remediation/store"
	"remedyci/internal/remediation/wakeup"
	"remedyci/pkg/log"
	"remedyci/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	store  store.Store
	wake   wakeup.Queue
	logger *log.Logger
}

// NewHandler 创建处理器
func NewHandler(st store.Store, wake wakeup.Queue, logger *log.Logger) *Handler {
	return &Handler{store: st, wake: wake, logger: logger.With("component", "api")}
}

// ciWebhook CI 失败通知的载荷；未知字段原样入库
type ciWebhook struct {
	Job         string `json:"job"`
	BuildNumber int    `json:"build_number"`
	Branch      string `json:"branch"`
	RepoURL     string `json:"repo_url"`
	CommitSHA   string `json:"commit_sha"`
}

// HandleCIWebhook POST /api/webhooks/ci
// 建 Build + 种子任务；(job, build_number) 重复返回 409
func (h *Handler) HandleCIWebhook(c context.Context, ctx *app.RequestContext) {
	body := ctx.Request.Body()
	var hook ciWebhook
	if err := json.Unmarshal(body, &hook); err != nil || hook.Job == "" || hook.BuildNumber <= 0 {
		metrics.WebhookTotal.WithLabelValues("rejected").Inc()
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "job and build_number are required"})
		return
	}

	var raw map[string]interface{}
	_ = json.NewDecoder(bytes.NewReader(body)).Decode(&raw)

	b, err := h.store.CreateBuild(c, store.BuildFields{
		Job:         hook.Job,
		BuildNumber: hook.BuildNumber,
		Branch:      hook.Branch,
		RepoURL:     hook.RepoURL,
		CommitSHA:   hook.CommitSHA,
		Payload:     raw,
	})
	if err != nil {
		if err == store.ErrDuplicateBuild {
			metrics.WebhookTotal.WithLabelValues("duplicate").Inc()
			ctx.JSON(consts.StatusConflict, map[string]string{"error": "build already registered"})
			return
		}
		metrics.WebhookTotal.WithLabelValues("rejected").Inc()
		h.logger.Error("create build failed", "job", hook.Job, "err", err.Error())
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}

	metrics.WebhookTotal.WithLabelValues("accepted").Inc()
	h.wake.Notify(c)
	h.logger.Info("build accepted", "build", b.ID, "job", b.Job, "number", b.BuildNumber)
	ctx.JSON(consts.StatusAccepted, map[string]interface{}{
		"build_id": b.ID,
		"status":   b.Status.String(),
	})
}

// buildView Build 查询响应
type buildView struct {
	ID          string                 `json:"id"`
	Job         string                 `json:"job"`
	BuildNumber int                    `json:"build_number"`
	Branch      string                 `json:"branch,omitempty"`
	RepoURL     string                 `json:"repo_url,omitempty"`
	CommitSHA   string                 `json:"commit_sha,omitempty"`
	Status      string                 `json:"status"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at"`
	Artifacts   map[string]interface{} `json:"artifacts,omitempty"`
}

// ListBuilds GET /api/builds 活跃 Build 列表
func (h *Handler) ListBuilds(c context.Context, ctx *app.RequestContext) {
	builds, err := h.store.ListActiveBuilds(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]buildView, 0, len(builds))
	for _, b := range builds {
		out = append(out, buildView{
			ID: b.ID, Job: b.Job, BuildNumber: b.BuildNumber, Branch: b.Branch,
			Status:    b.Status.String(),
			CreatedAt: b.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			UpdatedAt: b.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"builds": out})
}

// GetBuild GET /api/builds/:id 单个 Build 与产物概览
func (h *Handler) GetBuild(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	b, err := h.store.GetBuild(c, id)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if b == nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": "build not found"})
		return
	}

	arts := map[string]interface{}{}
	if plan, _ := h.store.GetPlan(c, id); plan != nil {
		arts["plan"] = map[string]interface{}{"steps": plan.Steps, "hints": plan.Hints}
	}
	if patches, _ := h.store.ListPatches(c, id); len(patches) > 0 {
		paths := make([]string, 0, len(patches))
		for _, p := range patches {
			paths = append(paths, p.Path)
		}
		arts["patched_files"] = paths
	}
	if vals, _ := h.store.ListValidations(c, id); len(vals) > 0 {
		last := vals[len(vals)-1]
		arts["last_validation"] = map[string]interface{}{"kind": string(last.Kind), "exit_code": last.ExitCode}
	}
	if pr, _ := h.store.GetPullRequest(c, id); pr != nil {
		arts["pull_request"] = map[string]interface{}{"url": pr.URL, "number": pr.Number, "branch": pr.Branch}
	}

	ctx.JSON(consts.StatusOK, buildView{
		ID: b.ID, Job: b.Job, BuildNumber: b.BuildNumber, Branch: b.Branch,
		RepoURL: b.RepoURL, CommitSHA: b.CommitSHA,
		Status:    b.Status.String(),
		CreatedAt: b.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: b.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Artifacts: arts,
	})
}

// taskView Task 查询响应
type taskView struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
	BuildID   string `json:"build_id,omitempty"`
}

// ListBuildTasks GET /api/builds/:id/tasks
func (h *Handler) ListBuildTasks(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	tasks, err := h.store.ListTasks(c, id)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView{
			ID: t.ID, Kind: string(t.Kind), Status: t.Status.String(),
			Attempt: t.Attempt, LastError: t.LastError,
		})
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"tasks": out})
}

// Stats GET /api/stats Build/Task 状态计数
func (h *Handler) Stats(c context.Context, ctx *app.RequestContext) {
	builds, err := h.store.CountBuildsByStatus(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	tasks, err := h.store.CountTasksByStatus(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"builds": builds, "tasks": tasks})
}

// ListDeadLetters GET /api/deadletters 待人工处理的死信任务
func (h *Handler) ListDeadLetters(c context.Context, ctx *app.RequestContext) {
	tasks, err := h.store.ListDeadLetterTasks(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView{
			ID: t.ID, BuildID: t.BuildID, Kind: string(t.Kind), Status: t.Status.String(),
			Attempt: t.Attempt, LastError: t.LastError,
		})
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"dead_letters": out})
}

// Health GET /api/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics GET /metrics Prometheus 文本
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
}
