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

// Package app API 与 Worker 共用的装配件：store、wakeup、secrets
package app

import (
	"context"
	"fmt"

	"remedyci/internal/remediation/store"
	"remedyci/internal/remediation/wakeup"
	"remedyci/pkg/config"
	"remedyci/pkg/log"
	"remedyci/pkg/secrets"
)

// NewStore 按配置创建任务存储；postgres 缺 DSN 直接报错而不是静默降级。
// maxAttempts>0 时覆盖新任务的重试配额
func NewStore(ctx context.Context, cfg config.StoreConfig, maxAttempts int, logger *log.Logger) (store.Store, error) {
	switch cfg.Type {
	case "", "memory":
		st := store.NewMemory()
		st.SetMaxAttempts(maxAttempts)
		logger.Info("task store: memory (single process only)")
		return st, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required when store.type=postgres")
		}
		st, err := store.NewPG(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		st.SetMaxAttempts(maxAttempts)
		logger.Info("task store: postgres")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store.type %q", cfg.Type)
	}
}

// NewWakeup 按配置创建唤醒队列
func NewWakeup(ctx context.Context, cfg config.WakeupConfig, logger *log.Logger) (wakeup.Queue, error) {
	switch cfg.Type {
	case "", "memory":
		return wakeup.NewMem(), nil
	case "redis":
		q, err := wakeup.NewRedis(ctx, wakeup.RedisConfig{Addr: cfg.Addr, DB: cfg.DB, Password: cfg.Password})
		if err != nil {
			return nil, fmt.Errorf("wakeup redis: %w", err)
		}
		logger.Info("wakeup queue: redis", "addr", cfg.Addr)
		return q, nil
	default:
		return nil, fmt.Errorf("unknown wakeup.type %q", cfg.Type)
	}
}

// NewSecrets 按配置创建密钥后端；默认环境变量
func NewSecrets(cfg config.SecretsConfig) (secrets.Store, error) {
	return secrets.NewStore(secrets.Config{
		Provider:   cfg.Type,
		Address:    cfg.Address,
		Token:      cfg.Token,
		PathPrefix: cfg.PathPrefix,
	})
}

// ResolveSecret 先取配置字面量，带 secret:// 前缀时走密钥后端
func ResolveSecret(ctx context.Context, sec secrets.Store, value string) (string, error) {
	const prefix = "secret://"
	if len(value) <= len(prefix) || value[:len(prefix)] != prefix {
		return value, nil
	}
	if sec == nil {
		return "", fmt.Errorf("secret reference %q but no secrets backend configured", value)
	}
	return sec.Get(ctx, value[len(prefix):])
}
