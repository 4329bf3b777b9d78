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

// Package worker Worker 进程装配：agent 注册表 + 派发器。
// 与 API 共享 Postgres store 与 Redis 唤醒队列即可水平扩展。
package worker

import (
	"context"
	"fmt"

	"remedyci/internal/agents"
	"remedyci/internal/app"
	"remedyci/internal/model/llm"
	"remedyci/internal/remediation/agent"
	"remedyci/internal/remediation/dispatch"
	"remedyci/internal/remediation/store"
	"remedyci/internal/remediation/wakeup"
	"remedyci/pkg/config"
	"remedyci/pkg/log"
)

// App Worker 应用
type App struct {
	cfg        *config.Config
	logger     *log.Logger
	store      store.Store
	wake       wakeup.Queue
	dispatcher *dispatch.Dispatcher
}

// NewApp 装配 Worker 应用（由 cmd/worker 调用）
func NewApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	ctx := context.Background()

	st, err := app.NewStore(ctx, cfg.Store, cfg.Dispatcher.MaxAttempts, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	wake, err := app.NewWakeup(ctx, cfg.Wakeup, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init wakeup: %w", err)
	}

	reg, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		wake.Close()
		st.Close()
		return nil, err
	}

	d := dispatch.New(dispatch.Config{
		WorkerCount:  cfg.Dispatcher.WorkerCount,
		LeaseTTL:     config.Duration(cfg.Store.LeaseTTL, 0),
		AgentTimeout: config.Duration(cfg.Dispatcher.AgentTimeout, 0),
		PollInterval: config.Duration(cfg.Dispatcher.PollInterval, 0),
		BackoffBase:  config.Duration(cfg.Dispatcher.BackoffBase, 0),
		BackoffMax:   config.Duration(cfg.Dispatcher.BackoffMax, 0),
		Grace:        config.Duration(cfg.Dispatcher.Grace, 0),
		WorkdirRoot:  cfg.Agents.WorkdirRoot,
	}, st, reg, wake, logger)

	return &App{cfg: cfg, logger: logger, store: st, wake: wake, dispatcher: d}, nil
}

// buildRegistry 注册六个管线 agent；密钥引用经 secrets 后端解析
func buildRegistry(ctx context.Context, cfg *config.Config, logger *log.Logger) (*agent.Registry, error) {
	sec, err := app.NewSecrets(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("init secrets: %w", err)
	}

	llmKey, err := app.ResolveSecret(ctx, sec, cfg.Agents.LLM.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve llm api key: %w", err)
	}
	ghToken, err := app.ResolveSecret(ctx, sec, cfg.Agents.GitHub.Token)
	if err != nil {
		return nil, fmt.Errorf("resolve github token: %w", err)
	}

	limiter := llm.NewRateLimiter(llm.LimitConfig{
		RequestsPerMinute: cfg.Agents.LLM.RequestsPerMinute,
		MaxConcurrent:     cfg.Agents.LLM.MaxConcurrent,
	})
	llmClient, err := llm.NewOpenAIClient(cfg.Agents.LLM.Model, llmKey, cfg.Agents.LLM.BaseURL, limiter)
	if err != nil {
		return nil, fmt.Errorf("init llm client: %w", err)
	}

	reg := agent.NewRegistry()
	register := []agent.Agent{
		agents.NewPlanner(llmClient, logger),
		agents.NewRetriever(logger),
		agents.NewPatcher(llmClient, logger),
		agents.NewValidator(agents.ValidatorConfig{
			Command:   cfg.Agents.Validate.Command,
			Args:      cfg.Agents.Validate.Args,
			MaxRounds: cfg.Agents.Validate.MaxRounds,
		}, logger),
		agents.NewPRMaker(agents.GitHubConfig{
			BaseURL: cfg.Agents.GitHub.BaseURL,
			Token:   ghToken,
		}, logger),
		agents.NewNotifier(agents.NotifierConfig{
			WebhookURL: cfg.Agents.Notify.WebhookURL,
		}, logger),
	}
	for _, a := range register {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Run 启动派发器并阻塞至 ctx 结束
func (a *App) Run(ctx context.Context) error {
	a.dispatcher.Start()
	<-ctx.Done()
	return nil
}

// Shutdown 停派发器，等在途任务
func (a *App) Shutdown(ctx context.Context) error {
	a.dispatcher.Stop()
	a.wake.Close()
	a.store.Close()
	return nil
}
