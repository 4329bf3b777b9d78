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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"remedyci/internal/api/http/middleware"
)

type client struct {
	addr string
	rest *resty.Client
}

func newClient(addr, token string) *client {
	rest := resty.New()
	rest.SetTimeout(15 * time.Second)
	if token != "" {
		rest.SetHeader("Authorization", "Bearer "+token)
	}
	return &client{addr: strings.TrimSuffix(addr, "/"), rest: rest}
}

// get 请求并美化输出 JSON
func (c *client) get(path string) error {
	resp, err := c.rest.R().Get(c.addr + path)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("%s: %s", resp.Status(), resp.String())
	}
	return prettyPrint(resp.Body())
}

func (c *client) listBuilds() error        { return c.get("/api/builds") }
func (c *client) getBuild(id string) error { return c.get("/api/builds/" + id) }
func (c *client) listTasks(id string) error {
	return c.get("/api/builds/" + id + "/tasks")
}
func (c *client) stats() error       { return c.get("/api/stats") }
func (c *client) deadLetters() error { return c.get("/api/deadletters") }

// submit 手动注入一条失败构建，走与 CI 相同的 webhook 路径
func (c *client) submit(args []string, secret string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	job := fs.String("job", "", "CI job 名")
	number := fs.Int("number", 0, "build 序号")
	branch := fs.String("branch", "main", "分支")
	repo := fs.String("repo", "", "仓库地址")
	sha := fs.String("sha", "", "commit sha")
	logFile := fs.String("log", "", "构建日志文件")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *job == "" || *number <= 0 {
		return fmt.Errorf("submit requires -job and -number")
	}

	payload := map[string]interface{}{
		"job":          *job,
		"build_number": *number,
		"branch":       *branch,
		"repo_url":     *repo,
		"commit_sha":   *sha,
	}
	if *logFile != "" {
		b, err := os.ReadFile(*logFile)
		if err != nil {
			return fmt.Errorf("read log file: %w", err)
		}
		payload["log"] = string(b)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req := c.rest.R().SetHeader("Content-Type", "application/json").SetBody(body)
	if secret != "" {
		req.SetHeader(middleware.SignatureHeader, middleware.Sign(secret, body))
	}
	resp, err := req.Post(c.addr + "/api/webhooks/ci")
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("%s: %s", resp.Status(), resp.String())
	}
	return prettyPrint(resp.Body())
}

func prettyPrint(body []byte) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
	return nil
}
