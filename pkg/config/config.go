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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体（API 与 Worker 共用，各自加载不同文件）
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Wakeup     WakeupConfig     `mapstructure:"wakeup"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port          int    `mapstructure:"port"`
	Host          string `mapstructure:"host"`
	WebhookSecret string `mapstructure:"webhook_secret"` // CI webhook HMAC 密钥；空则不校验签名
	RateLimitRPS  int    `mapstructure:"rate_limit_rps"` // webhook 限流（每秒），<=0 不限流
	Auth          bool   `mapstructure:"auth"`           // true 时 ops 路由启用 JWT
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"` // 如 "1h"
}

// StoreConfig 任务存储配置
type StoreConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填
	LeaseTTL string `mapstructure:"lease_ttl"` // 租约时长，如 "15m"；应大于 agent_timeout
}

// DispatcherConfig Worker 池、重试与 backoff 配置
type DispatcherConfig struct {
	WorkerCount  int    `mapstructure:"worker_count"`  // 固定 worker 数，<=0 默认 4
	MaxAttempts  int    `mapstructure:"max_attempts"`  // 单 Task 最大执行次数（含首次），<=0 默认 3
	BackoffBase  string `mapstructure:"backoff_base"`  // 重试基准等待，如 "1s"
	BackoffMax   string `mapstructure:"backoff_max"`   // 重试等待上限，如 "30s"
	PollInterval string `mapstructure:"poll_interval"` // 无任务时轮询间隔，如 "2s"
	AgentTimeout string `mapstructure:"agent_timeout"` // 单次 agent 调用超时，如 "10m"
	Grace        string `mapstructure:"grace"`         // Shutdown 等待在途任务的时间
}

// WakeupConfig 唤醒队列配置；多进程部署时用 redis，单进程用 memory
type WakeupConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// AgentsConfig 各 agent 的外部依赖配置
type AgentsConfig struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	Validate ValidateConfig `mapstructure:"validate"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	// WorkdirRoot 每个 Build 的工作目录根；目录按 build id 隔离
	WorkdirRoot string `mapstructure:"workdir_root"`
}

// LLMConfig LLM 提供商配置（OpenAI 兼容端点）
type LLMConfig struct {
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

// ValidateConfig 构建校验命令配置
type ValidateConfig struct {
	Command   string   `mapstructure:"command"`    // 如 "mvn"；空则默认 mvn
	Args      []string `mapstructure:"args"`       // 如 ["-B","verify"]
	MaxRounds int      `mapstructure:"max_rounds"` // PATCH↔VALIDATE 循环上限，<=0 默认 3
}

// GitHubConfig GitHub REST 配置
type GitHubConfig struct {
	BaseURL string `mapstructure:"base_url"` // 默认 https://api.github.com
	Token   string `mapstructure:"token"`    // 可用 ${ENV} 或 secrets 后端
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"` // 终态通知投递地址
}

// SecretsConfig 密钥后端配置
type SecretsConfig struct {
	Type       string `mapstructure:"type"` // env | vault
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中 ${ENV} 形式的敏感字段
func replaceEnvVars(config *Config) {
	config.Agents.LLM.APIKey = expandEnv(config.Agents.LLM.APIKey)
	config.Agents.GitHub.Token = expandEnv(config.Agents.GitHub.Token)
	config.Agents.Notify.WebhookURL = expandEnv(config.Agents.Notify.WebhookURL)
	config.API.WebhookSecret = expandEnv(config.API.WebhookSecret)
	config.API.JWTKey = expandEnv(config.API.JWTKey)
	config.Secrets.Token = expandEnv(config.Secrets.Token)
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
			return val
		}
	}
	return s
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration 解析时长字段，无效或空时返回 defaultVal
func Duration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
