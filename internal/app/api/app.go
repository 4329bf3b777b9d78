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

// Package api API 进程装配：webhook 入口 + ops 查询面。
// API 只写 Build/种子任务，不派发；派发归 Worker 进程。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "remedyci/internal/api/http"
	"remedyci/internal/api/http/middleware"
	"remedyci/internal/app"
	"remedyci/internal/remediation/store"
	"remedyci/internal/remediation/wakeup"
	"remedyci/pkg/config"
	"remedyci/pkg/log"
)

// otelProviderShutdown 优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	cfg    *config.Config
	logger *log.Logger
	store  store.Store
	wake   wakeup.Queue
	router *apihttp.Router
	hertz  *server.Hertz
	otel   otelProviderShutdown
}

// NewApp 装配 API 应用（由 cmd/api 调用）
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

	handler := apihttp.NewHandler(st, wake, logger)
	router := apihttp.NewRouter(handler, cfg.API.WebhookSecret, cfg.API.RateLimitRPS)

	if cfg.API.Auth && cfg.API.JWTKey != "" {
		timeout := config.Duration(cfg.API.JWTTimeout, time.Hour)
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.JWTKey), timeout, timeout, checkOpsCredentials)
		if err != nil {
			logger.Warn("JWT init failed, ops auth disabled", "err", err.Error())
		} else {
			router.SetJWT(jwtAuth)
			logger.Info("JWT auth enabled for ops routes")
		}
	}

	return &App{cfg: cfg, logger: logger, store: st, wake: wake, router: router}, nil
}

// checkOpsCredentials 登录凭据来自环境
func checkOpsCredentials(user, pass string) bool {
	expectedUser := os.Getenv("OPS_USER")
	expectedPass := os.Getenv("OPS_PASSWORD")
	return expectedUser != "" && user == expectedUser && pass == expectedPass
}

// Run 启动 HTTP 服务并阻塞
func (a *App) Run() error {
	addr := fmt.Sprintf("%s:%d", a.cfg.API.Host, a.cfg.API.Port)
	a.logger.Info("api server starting", "addr", addr)

	// Hertz 日志桥到 slog，与进程日志同一出口
	levelVar := &slog.LevelVar{}
	switch a.cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
		hertzslog.WithLevel(levelVar),
	))

	tracing := a.cfg.Monitoring.Tracing
	if tracing.Enable && tracing.ExportEndpoint != "" {
		serviceName := tracing.ServiceName
		if serviceName == "" {
			serviceName = "remedyci-api"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(tracing.ExportEndpoint),
		}
		if tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otel = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, cfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(cfg))
		a.logger.Info("tracing enabled", "service", serviceName, "endpoint", tracing.ExportEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	if a.otel != nil {
		_ = a.otel.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.wake.Close()
	a.store.Close()
	return nil
}
