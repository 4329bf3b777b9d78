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

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements 启动时幂等建表；状态列存整型，与 Go 侧枚举一致
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		build_number INT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		repo_url TEXT NOT NULL DEFAULT '',
		commit_sha TEXT NOT NULL DEFAULT '',
		payload JSONB,
		status INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (job, build_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_builds_status ON builds (status)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		build_id TEXT NOT NULL REFERENCES builds(id),
		kind TEXT NOT NULL,
		status INT NOT NULL DEFAULT 0,
		attempt INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		payload JSONB,
		last_error TEXT NOT NULL DEFAULT '',
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ,
		not_before TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// 租约扫描路径
	`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks (status, not_before, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_build ON tasks (build_id, status)`,
	// 单 Build 至多一条活跃任务，数据库兜底
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active ON tasks (build_id) WHERE status IN (0, 1)`,

	`CREATE TABLE IF NOT EXISTS plans (
		build_id TEXT PRIMARY KEY REFERENCES builds(id),
		steps JSONB,
		hints JSONB,
		raw JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS candidate_files (
		build_id TEXT NOT NULL REFERENCES builds(id),
		path TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (build_id, path)
	)`,
	`CREATE TABLE IF NOT EXISTS patches (
		build_id TEXT NOT NULL REFERENCES builds(id),
		path TEXT NOT NULL,
		diff TEXT NOT NULL DEFAULT '',
		applied BOOLEAN NOT NULL DEFAULT false,
		apply_log TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (build_id, path)
	)`,
	`CREATE TABLE IF NOT EXISTS validations (
		id BIGSERIAL PRIMARY KEY,
		build_id TEXT NOT NULL REFERENCES builds(id),
		kind TEXT NOT NULL,
		exit_code INT NOT NULL,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_build ON validations (build_id)`,
	`CREATE TABLE IF NOT EXISTS pull_requests (
		build_id TEXT PRIMARY KEY REFERENCES builds(id),
		branch TEXT NOT NULL DEFAULT '',
		number INT NOT NULL DEFAULT 0,
		url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT ''
	)`,
}

// EnsureSchema 幂等建表建索引
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
