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

package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// LimitConfig LLM 限流配置
type LimitConfig struct {
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

// RateLimiter RPS + 并发双重限流
type RateLimiter struct {
	requests  *rate.Limiter
	semaphore chan struct{}
}

// NewRateLimiter 创建限流器；零值配置取保守默认
func NewRateLimiter(cfg LimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &RateLimiter{
		requests:  rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1),
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Acquire 等待配额；返回的 release 必须调用
func (l *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := l.requests.Wait(ctx); err != nil {
		<-l.semaphore
		return nil, err
	}
	return func() { <-l.semaphore }, nil
}
