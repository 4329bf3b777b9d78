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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/task"
)

// PG PostgreSQL 实现；租约与状态迁移全部走单事务
type PG struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPG 连接并建表
func NewPG(ctx context.Context, dsn string) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PG{pool: pool, maxAttempts: task.DefaultMaxAttempts}, nil
}

// NewPGFromPool 测试用，复用已有连接池
func NewPGFromPool(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool, maxAttempts: task.DefaultMaxAttempts}
}

// SetMaxAttempts 覆盖新任务的 max_attempts；<=0 忽略
func (s *PG) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

func (s *PG) Close() { s.pool.Close() }

func (s *PG) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PG) CreateBuild(ctx context.Context, f BuildFields) (*build.Build, error) {
	b := &build.Build{
		ID:          uuid.NewString(),
		Job:         f.Job,
		BuildNumber: f.BuildNumber,
		Branch:      f.Branch,
		RepoURL:     f.RepoURL,
		CommitSHA:   f.CommitSHA,
		Payload:     f.Payload,
		Status:      build.StatusReceived,
	}
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO builds (id, job, build_number, branch, repo_url, commit_sha, payload, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`,
			b.ID, b.Job, b.BuildNumber, b.Branch, b.RepoURL, b.CommitSHA, payload, int(b.Status))
		if err := row.Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, build_id, kind, status, max_attempts)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), b.ID, string(seedKind), int(task.StatusPending), s.maxAttempts)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateBuild
		}
		return nil, fmt.Errorf("create build: %w", err)
	}
	return b, nil
}

// taskColumns 与 scanTask 对齐
const taskColumns = `id, build_id, kind, status, attempt, max_attempts,
	COALESCE(payload, 'null'::jsonb), last_error, lease_owner,
	COALESCE(lease_expires_at, 'epoch'::timestamptz),
	COALESCE(not_before, 'epoch'::timestamptz), created_at, updated_at`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var kind string
	var status int
	var payload []byte
	err := row.Scan(&t.ID, &t.BuildID, &kind, &status, &t.Attempt, &t.MaxAttempts,
		&payload, &t.LastError, &t.LeaseOwner, &t.LeaseExpiresAt, &t.NotBefore,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = task.Kind(kind)
	t.Status = task.Status(status)
	if string(payload) != "null" {
		t.Payload = payload
	}
	if t.LeaseExpiresAt.Unix() == 0 {
		t.LeaseExpiresAt = time.Time{}
	}
	if t.NotBefore.Unix() == 0 {
		t.NotBefore = time.Time{}
	}
	return &t, nil
}

func (s *PG) LeaseNextTask(ctx context.Context, workerID string, ttl time.Duration) (*task.Task, error) {
	var claimed *task.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// SKIP LOCKED 下并发 worker 互不阻塞；过期租约的 in_progress 行同样可被接管
		row := tx.QueryRow(ctx, `
			UPDATE tasks SET
				status = $1,
				lease_owner = $2,
				lease_expires_at = now() + $3,
				attempt = attempt + 1,
				not_before = NULL,
				updated_at = now()
			WHERE id = (
				SELECT id FROM tasks
				WHERE (status = $4 AND (not_before IS NULL OR not_before <= now()))
				   OR (status = $1 AND lease_expires_at < now())
				ORDER BY updated_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+taskColumns,
			int(task.StatusInProgress), workerID, ttl, int(task.StatusPending))
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE builds SET status = $1, updated_at = now()
			WHERE id = $2 AND status = $3`,
			int(build.StatusProcessing), t.BuildID, int(build.StatusReceived))
		if err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	return claimed, nil
}

func (s *PG) CompleteTask(ctx context.Context, taskID, workerID string, o Outcome) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}
		if t.Status != task.StatusInProgress || t.LeaseOwner != workerID {
			return ErrLeaseLost
		}
		for _, a := range o.Artifacts {
			if err := saveArtifactPg(ctx, tx, t.BuildID, a); err != nil {
				return err
			}
		}

		switch o.Status {
		case OutcomeSuccess:
			if err := finishTask(ctx, tx, t.ID, task.StatusCompleted, o.Err); err != nil {
				return err
			}
			for _, nt := range o.NextTasks {
				if err := s.enqueue(ctx, tx, t.BuildID, nt.Kind, nt.Payload); err != nil {
					return err
				}
			}
			if len(o.NextTasks) == 0 && t.Kind == task.KindNotify {
				return setBuildPg(ctx, tx, t.BuildID, build.StatusCompleted)
			}
		case OutcomeRetry:
			if t.Attempt >= t.MaxAttempts {
				if err := finishTask(ctx, tx, t.ID, task.StatusDeadLetter, o.Err); err != nil {
					return err
				}
				if err := setBuildPg(ctx, tx, t.BuildID, build.StatusManualIntervention); err != nil {
					return err
				}
				return s.enqueueTerminalNotify(ctx, tx, t, "retries_exhausted", o.Err)
			}
			_, err := tx.Exec(ctx, `
				UPDATE tasks SET status = $1, last_error = $2, lease_owner = '',
					lease_expires_at = NULL, not_before = now() + $3, updated_at = now()
				WHERE id = $4`,
				int(task.StatusPending), o.Err, o.RetryAfter, t.ID)
			return err
		case OutcomeFailed:
			if err := finishTask(ctx, tx, t.ID, task.StatusFailed, o.Err); err != nil {
				return err
			}
			if err := setBuildPg(ctx, tx, t.BuildID, build.StatusFailed); err != nil {
				return err
			}
			return s.enqueueTerminalNotify(ctx, tx, t, "permanent_failure", o.Err)
		}
		return nil
	})
}

func finishTask(ctx context.Context, tx pgx.Tx, taskID string, st task.Status, lastErr string) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $1, last_error = $2, lease_owner = '',
			lease_expires_at = NULL, updated_at = now()
		WHERE id = $3`,
		int(st), lastErr, taskID)
	return err
}

func (s *PG) enqueue(ctx context.Context, tx pgx.Tx, buildID string, kind task.Kind, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, build_id, kind, status, max_attempts, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), buildID, string(kind), int(task.StatusPending), s.maxAttempts, payload)
	return err
}

// enqueueTerminalNotify NOTIFY 自身失败不再通知，避免循环
func (s *PG) enqueueTerminalNotify(ctx context.Context, tx pgx.Tx, t *task.Task, reason, cause string) error {
	if t.Kind == task.KindNotify {
		return nil
	}
	p, _ := json.Marshal(terminalNotifyPayload{Reason: reason, Cause: cause})
	return s.enqueue(ctx, tx, t.BuildID, task.KindNotify, p)
}

// setBuildPg 终态不覆盖
func setBuildPg(ctx context.Context, tx pgx.Tx, buildID string, st build.Status) error {
	_, err := tx.Exec(ctx, `
		UPDATE builds SET status = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ($3, $4, $5)`,
		int(st), buildID,
		int(build.StatusCompleted), int(build.StatusFailed), int(build.StatusManualIntervention))
	return err
}

func (s *PG) Heartbeat(ctx context.Context, taskID, workerID string, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET lease_expires_at = now() + $1
		WHERE id = $2 AND status = $3 AND lease_owner = $4`,
		extension, taskID, int(task.StatusInProgress), workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PG) SetBuildStatus(ctx context.Context, buildID string, st build.Status) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return setBuildPg(ctx, tx, buildID, st)
	})
}

const buildColumns = `id, job, build_number, branch, repo_url, commit_sha,
	COALESCE(payload, 'null'::jsonb), status, created_at, updated_at`

func scanBuild(row pgx.Row) (*build.Build, error) {
	var b build.Build
	var status int
	var payload []byte
	err := row.Scan(&b.ID, &b.Job, &b.BuildNumber, &b.Branch, &b.RepoURL, &b.CommitSHA,
		&payload, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = build.Status(status)
	if string(payload) != "null" {
		_ = json.Unmarshal(payload, &b.Payload)
	}
	return &b, nil
}

func (s *PG) GetBuild(ctx context.Context, buildID string) (*build.Build, error) {
	b, err := scanBuild(s.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, buildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return b, nil
}

func (s *PG) GetBuildByJob(ctx context.Context, job string, buildNumber int) (*build.Build, error) {
	b, err := scanBuild(s.pool.QueryRow(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE job = $1 AND build_number = $2`, job, buildNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get build by job: %w", err)
	}
	return b, nil
}

func (s *PG) ListActiveBuilds(ctx context.Context) ([]*build.Build, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status IN ($1, $2) ORDER BY created_at ASC`,
		int(build.StatusReceived), int(build.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list active builds: %w", err)
	}
	defer rows.Close()
	var out []*build.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PG) CountBuildsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count builds: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var st int
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[build.Status(st).String()] = n
	}
	return out, rows.Err()
}

func (s *PG) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var st int
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[task.Status(st).String()] = n
	}
	return out, rows.Err()
}

func (s *PG) ListTasks(ctx context.Context, buildID string) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE build_id = $1 ORDER BY created_at ASC, id ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PG) ListDeadLetterTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC`,
		int(task.StatusDeadLetter))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func saveArtifactPg(ctx context.Context, tx pgx.Tx, buildID string, a artifact.Artifact) error {
	switch {
	case a.Plan != nil:
		steps, _ := json.Marshal(a.Plan.Steps)
		hints, _ := json.Marshal(a.Plan.Hints)
		raw := a.Plan.Raw
		if len(raw) == 0 {
			raw = []byte("null")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO plans (build_id, steps, hints, raw)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (build_id) DO UPDATE SET steps = $2, hints = $3, raw = $4, created_at = now()`,
			buildID, steps, hints, raw)
		return err
	case a.CandidateFile != nil:
		c := a.CandidateFile
		_, err := tx.Exec(ctx, `
			INSERT INTO candidate_files (build_id, path, score, reason)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (build_id, path) DO UPDATE SET score = $3, reason = $4`,
			buildID, c.Path, c.Score, c.Reason)
		return err
	case a.Patch != nil:
		p := a.Patch
		_, err := tx.Exec(ctx, `
			INSERT INTO patches (build_id, path, diff, applied, apply_log)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (build_id, path) DO UPDATE SET diff = $3, applied = $4, apply_log = $5`,
			buildID, p.Path, p.Diff, p.Applied, p.ApplyLog)
		return err
	case a.Validation != nil:
		v := a.Validation
		_, err := tx.Exec(ctx, `
			INSERT INTO validations (build_id, kind, exit_code, stdout, stderr)
			VALUES ($1, $2, $3, $4, $5)`,
			buildID, string(v.Kind), v.ExitCode, v.Stdout, v.Stderr)
		return err
	case a.PullRequest != nil:
		pr := a.PullRequest
		_, err := tx.Exec(ctx, `
			INSERT INTO pull_requests (build_id, branch, number, url, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (build_id) DO UPDATE SET branch = $2, number = $3, url = $4, status = $5`,
			buildID, pr.Branch, pr.Number, pr.URL, pr.Status)
		return err
	}
	return nil
}

func (s *PG) GetPlan(ctx context.Context, buildID string) (*artifact.Plan, error) {
	var p artifact.Plan
	var steps, hints []byte
	err := s.pool.QueryRow(ctx, `
		SELECT build_id, COALESCE(steps, 'null'::jsonb), COALESCE(hints, 'null'::jsonb),
			COALESCE(raw, 'null'::jsonb), created_at
		FROM plans WHERE build_id = $1`, buildID).
		Scan(&p.BuildID, &steps, &hints, &p.Raw, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	_ = json.Unmarshal(steps, &p.Steps)
	_ = json.Unmarshal(hints, &p.Hints)
	if string(p.Raw) == "null" {
		p.Raw = nil
	}
	return &p, nil
}

func (s *PG) ListCandidateFiles(ctx context.Context, buildID string) ([]*artifact.CandidateFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT build_id, path, score, reason FROM candidate_files
		WHERE build_id = $1 ORDER BY score DESC, path ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list candidate files: %w", err)
	}
	defer rows.Close()
	var out []*artifact.CandidateFile
	for rows.Next() {
		var c artifact.CandidateFile
		if err := rows.Scan(&c.BuildID, &c.Path, &c.Score, &c.Reason); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PG) ListPatches(ctx context.Context, buildID string) ([]*artifact.Patch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT build_id, path, diff, applied, apply_log FROM patches
		WHERE build_id = $1 ORDER BY path ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()
	var out []*artifact.Patch
	for rows.Next() {
		var p artifact.Patch
		if err := rows.Scan(&p.BuildID, &p.Path, &p.Diff, &p.Applied, &p.ApplyLog); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PG) ListValidations(ctx context.Context, buildID string) ([]*artifact.Validation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT build_id, kind, exit_code, stdout, stderr, created_at FROM validations
		WHERE build_id = $1 ORDER BY id ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	defer rows.Close()
	var out []*artifact.Validation
	for rows.Next() {
		var v artifact.Validation
		var kind string
		if err := rows.Scan(&v.BuildID, &kind, &v.ExitCode, &v.Stdout, &v.Stderr, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Kind = artifact.ValidationKind(kind)
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PG) GetPullRequest(ctx context.Context, buildID string) (*artifact.PullRequest, error) {
	var pr artifact.PullRequest
	err := s.pool.QueryRow(ctx, `
		SELECT build_id, branch, number, url, status FROM pull_requests WHERE build_id = $1`, buildID).
		Scan(&pr.BuildID, &pr.Branch, &pr.Number, &pr.URL, &pr.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	return &pr, nil
}

var _ Store = (*PG)(nil)
var _ Store = (*Memory)(nil)
