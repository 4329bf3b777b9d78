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

// Package llm 大模型客户端；planner/patcher 通过它生成修复计划与补丁
package llm

import "context"

// GenerateOptions 生成参数
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
}

// DefaultOptions 修复场景默认参数：低温度，输出稳定
func DefaultOptions() GenerateOptions {
	return GenerateOptions{
		Temperature: 0.2,
		MaxTokens:   4096,
		TopP:        1.0,
	}
}

// Client 文本生成客户端
type Client interface {
	Generate(ctx context.Context, prompt string, options GenerateOptions) (string, error)
}
