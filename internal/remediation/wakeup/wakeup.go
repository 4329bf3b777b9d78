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

// Package wakeup 新任务到达的唤醒信号。信号只是提示，丢失无碍：
// dispatcher 仍按 poll_interval 兜底轮询。
package wakeup

import "context"

// Queue 唤醒通道；Notify 不阻塞，Wait 阻塞至有信号或 ctx 结束
type Queue interface {
	Notify(ctx context.Context)
	// Wait 返回 false 表示 ctx 已结束
	Wait(ctx context.Context) bool
	Close()
}

// mem 单进程实现：带缓冲 channel，信号合并
type mem struct {
	ch chan struct{}
}

// NewMem 创建进程内唤醒队列
func NewMem() Queue {
	return &mem{ch: make(chan struct{}, 1)}
}

func (m *mem) Notify(ctx context.Context) {
	select {
	case m.ch <- struct{}{}:
	default:
	}
}

func (m *mem) Wait(ctx context.Context) bool {
	select {
	case <-m.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *mem) Close() {}
