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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	pkgerrors "remedyci/pkg/errors"
)

// OpenAIClient OpenAI 兼容客户端
type OpenAIClient struct {
	model   string
	apiKey  string
	baseURL string
	client  *resty.Client
	limiter *RateLimiter
}

// NewOpenAIClient 创建 OpenAI 兼容客户端；baseURL 为空时用默认或 OPENAI_BASE_URL
func NewOpenAIClient(model, apiKey, baseURL string, limiter *RateLimiter) (*OpenAIClient, error) {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
		if envURL := os.Getenv("OPENAI_BASE_URL"); envURL != "" {
			baseURL = envURL
		}
	}

	client := resty.New()
	client.SetTimeout(120 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(10 * time.Second)

	return &OpenAIClient{
		model:   model,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		limiter: limiter,
	}, nil
}

// Generate 生成文本；429/5xx 返回 Transient 错误，4xx 返回 Permanent
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, options GenerateOptions) (string, error) {
	if c.limiter != nil {
		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return "", pkgerrors.Transient(fmt.Errorf("llm 限流等待: %w", err))
		}
		defer release()
	}

	request := map[string]interface{}{
		"model":       c.model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": options.Temperature,
		"max_tokens":  options.MaxTokens,
		"top_p":       options.TopP,
		"stop":        options.Stop,
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+c.apiKey).
		SetBody(request).
		Post(c.baseURL + "/chat/completions")
	if err != nil {
		return "", pkgerrors.Transient(fmt.Errorf("调用 LLM API failed: %w", err))
	}

	switch code := response.StatusCode(); {
	case code == http.StatusOK:
	case code == http.StatusTooManyRequests || code >= 500:
		return "", pkgerrors.Transient(fmt.Errorf("LLM API %d: %s", code, response.String()))
	default:
		return "", pkgerrors.Permanent(fmt.Errorf("LLM API %d: %s", code, response.String()))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return "", pkgerrors.Transient(fmt.Errorf("解析 LLM 响应failed: %w", err))
	}
	if len(result.Choices) == 0 {
		return "", pkgerrors.Transient(fmt.Errorf("LLM API 没有返回结果"))
	}
	return result.Choices[0].Message.Content, nil
}

var _ Client = (*OpenAIClient)(nil)
