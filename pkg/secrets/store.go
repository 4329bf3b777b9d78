// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
)

// Store Secret 存储接口；agent 用它取 GitHub token、LLM API key 等
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error
}

// Config Secret Store 配置
type Config struct {
	Provider   string `yaml:"provider"` // vault | env
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	PathPrefix string `yaml:"path_prefix"`
}

// NewStore 创建 Secret Store；未知 provider 时回退 env
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Address,
			Token:      config.Token,
			PathPrefix: config.PathPrefix,
		})
	case "env":
		return NewEnvStore(), nil
	default:
		return NewEnvStore(), nil
	}
}
