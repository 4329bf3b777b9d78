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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/hertz-contrib/jwt"

	"remedyci/internal/api/http/middleware"
)

// Router 路由装配
type Router struct {
	handler       *Handler
	webhookSecret string
	rateLimitRPS  int
	jwtAuth       *jwt.HertzJWTMiddleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, webhookSecret string, rateLimitRPS int) *Router {
	return &Router{handler: handler, webhookSecret: webhookSecret, rateLimitRPS: rateLimitRPS}
}

// SetJWT 启用 ops 路由认证
func (r *Router) SetJWT(auth *jwt.HertzJWTMiddleware) { r.jwtAuth = auth }

// Build 创建 Hertz server 并挂路由；opts 供链路追踪注入
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)
	r.register(h)
	return h
}

func (r *Router) register(h *server.Hertz) {
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.Health)

	webhooks := api.Group("/webhooks")
	webhooks.Use(middleware.RateLimit(r.rateLimitRPS))
	webhooks.Use(middleware.VerifySignature(r.webhookSecret))
	webhooks.POST("/ci", r.handler.HandleCIWebhook)

	ops := api.Group("")
	if r.jwtAuth != nil {
		api.POST("/login", r.jwtAuth.LoginHandler)
		ops.Use(r.jwtAuth.MiddlewareFunc())
	}
	registerOps(ops, r.handler)
}

func registerOps(g *route.RouterGroup, handler *Handler) {
	g.GET("/builds", handler.ListBuilds)
	g.GET("/builds/:id", handler.GetBuild)
	g.GET("/builds/:id/tasks", handler.ListBuildTasks)
	g.GET("/stats", handler.Stats)
	g.GET("/deadletters", handler.ListDeadLetters)
}
