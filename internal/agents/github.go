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

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	pkgerrors "remedyci/pkg/errors"
)

// GitHubConfig GitHub REST 访问配置
type GitHubConfig struct {
	BaseURL string
	Token   string
}

// githubClient 精简 REST 客户端，只覆盖 PR 创建与查询
type githubClient struct {
	baseURL string
	token   string
	client  *resty.Client
}

func newGitHubClient(cfg GitHubConfig) *githubClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(1 * time.Second)
	return &githubClient{baseURL: strings.TrimSuffix(cfg.BaseURL, "/"), token: cfg.Token, client: client}
}

type prResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
}

func (g *githubClient) request(ctx context.Context) *resty.Request {
	return g.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("Authorization", "Bearer "+g.token)
}

// createPR 创建 PR；head 分支已存在同 head 的 PR 时 GitHub 返回 422
func (g *githubClient) createPR(ctx context.Context, owner, repo, title, body, head, base string) (*prResponse, error) {
	resp, err := g.request(ctx).
		SetBody(map[string]string{"title": title, "body": body, "head": head, "base": base}).
		Post(fmt.Sprintf("%s/repos/%s/%s/pulls", g.baseURL, owner, repo))
	if err != nil {
		return nil, pkgerrors.Transient(fmt.Errorf("create pr: %w", err))
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusCreated:
	case code == http.StatusUnprocessableEntity:
		// 同 head 已有 PR，转查询路径拿既有 PR
		return g.findPR(ctx, owner, repo, head)
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound:
		return nil, pkgerrors.Permanent(fmt.Errorf("create pr %d: %s", code, resp.String()))
	default:
		return nil, pkgerrors.Transient(fmt.Errorf("create pr %d: %s", code, resp.String()))
	}
	var pr prResponse
	if err := json.Unmarshal(resp.Body(), &pr); err != nil {
		return nil, pkgerrors.Transient(fmt.Errorf("parse pr response: %w", err))
	}
	return &pr, nil
}

func (g *githubClient) findPR(ctx context.Context, owner, repo, head string) (*prResponse, error) {
	resp, err := g.request(ctx).
		SetQueryParam("head", owner+":"+head).
		SetQueryParam("state", "all").
		Get(fmt.Sprintf("%s/repos/%s/%s/pulls", g.baseURL, owner, repo))
	if err != nil {
		return nil, pkgerrors.Transient(fmt.Errorf("find pr: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, pkgerrors.Transient(fmt.Errorf("find pr %d: %s", resp.StatusCode(), resp.String()))
	}
	var prs []prResponse
	if err := json.Unmarshal(resp.Body(), &prs); err != nil {
		return nil, pkgerrors.Transient(fmt.Errorf("parse pr list: %w", err))
	}
	if len(prs) == 0 {
		return nil, pkgerrors.Transient(fmt.Errorf("pr for head %s not found", head))
	}
	return &prs[0], nil
}

// parseRepoURL 从 https/ssh 仓库地址解析 owner/repo
func parseRepoURL(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSuffix(repoURL, ".git")
	if i := strings.Index(s, "github.com"); i >= 0 {
		s = s[i+len("github.com"):]
		s = strings.TrimLeft(s, ":/")
	} else if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j+1:]
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from %q", repoURL)
	}
	return parts[0], parts[1], nil
}
