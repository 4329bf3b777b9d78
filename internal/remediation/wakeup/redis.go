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

package wakeup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKey = "remedyci:wakeup"

// redisQueue 跨进程实现：ingress LPUSH，worker BLPOP。
// 列表只存占位符，多条信号会被多次 Wait 消费，无需精确一一对应。
type redisQueue struct {
	client *redis.Client
}

// RedisConfig Redis 唤醒队列配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// NewRedis 创建跨进程唤醒队列
func NewRedis(ctx context.Context, cfg RedisConfig) (Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisQueue{client: client}, nil
}

func (q *redisQueue) Notify(ctx context.Context) {
	// 信号尽力而为，失败由轮询兜底
	_ = q.client.LPush(ctx, redisKey, "1").Err()
}

func (q *redisQueue) Wait(ctx context.Context) bool {
	_, err := q.client.BLPop(ctx, 5*time.Second, redisKey).Result()
	if err != nil {
		// 超时或连接异常都交给上层轮询兜底，仅 ctx 结束才停
		return ctx.Err() == nil
	}
	return true
}

func (q *redisQueue) Close() {
	_ = q.client.Close()
}
