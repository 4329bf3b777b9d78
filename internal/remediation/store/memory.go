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
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"remedyci/internal/remediation/artifact"
	"remedyci/internal/remediation/build"
	"remedyci/internal/remediation/task"
)

// Memory 内存实现；互斥锁下整表扫描，仅供测试与单进程模式
type Memory struct {
	mu     sync.Mutex
	builds map[string]*build.Build
	// byJob "job\x00number" -> buildID
	byJob map[string]string
	tasks map[string]*task.Task

	plans       map[string]*artifact.Plan
	candidates  map[string][]*artifact.CandidateFile
	patches     map[string][]*artifact.Patch
	validations map[string][]*artifact.Validation
	prs         map[string]*artifact.PullRequest

	// now 可注入时钟，测试控制租约过期
	now         func() time.Time
	maxAttempts int
}

// NewMemory 创建空的内存存储
func NewMemory() *Memory {
	return &Memory{
		builds:      make(map[string]*build.Build),
		byJob:       make(map[string]string),
		tasks:       make(map[string]*task.Task),
		plans:       make(map[string]*artifact.Plan),
		candidates:  make(map[string][]*artifact.CandidateFile),
		patches:     make(map[string][]*artifact.Patch),
		validations: make(map[string][]*artifact.Validation),
		prs:         make(map[string]*artifact.PullRequest),
		now:         time.Now,
		maxAttempts: task.DefaultMaxAttempts,
	}
}

// SetMaxAttempts 覆盖新任务的 max_attempts；<=0 忽略
func (m *Memory) SetMaxAttempts(n int) {
	if n > 0 {
		m.mu.Lock()
		m.maxAttempts = n
		m.mu.Unlock()
	}
}

// SetClock 替换时钟，测试专用
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func jobKey(job string, number int) string {
	return job + "\x00" + strconv.Itoa(number)
}

func (m *Memory) CreateBuild(ctx context.Context, f BuildFields) (*build.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobKey(f.Job, f.BuildNumber)
	if _, ok := m.byJob[key]; ok {
		return nil, ErrDuplicateBuild
	}
	now := m.now()
	b := &build.Build{
		ID:          uuid.NewString(),
		Job:         f.Job,
		BuildNumber: f.BuildNumber,
		Branch:      f.Branch,
		RepoURL:     f.RepoURL,
		CommitSHA:   f.CommitSHA,
		Payload:     f.Payload,
		Status:      build.StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.builds[b.ID] = b
	m.byJob[key] = b.ID

	seed := &task.Task{
		ID:          uuid.NewString(),
		BuildID:     b.ID,
		Kind:        seedKind,
		Status:      task.StatusPending,
		MaxAttempts: m.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[seed.ID] = seed
	cp := *b
	return &cp, nil
}

func (m *Memory) LeaseNextTask(ctx context.Context, workerID string, ttl time.Duration) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var pick *task.Task
	for _, t := range m.tasks {
		if !leasable(t, now) {
			continue
		}
		if pick == nil || t.UpdatedAt.Before(pick.UpdatedAt) {
			pick = t
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.Status = task.StatusInProgress
	pick.LeaseOwner = workerID
	pick.LeaseExpiresAt = now.Add(ttl)
	pick.Attempt++
	pick.NotBefore = time.Time{}
	pick.UpdatedAt = now

	if b := m.builds[pick.BuildID]; b != nil && b.Status == build.StatusReceived {
		b.Status = build.StatusProcessing
		b.UpdatedAt = now
	}
	cp := *pick
	return &cp, nil
}

func leasable(t *task.Task, now time.Time) bool {
	switch t.Status {
	case task.StatusPending:
		return t.NotBefore.IsZero() || !t.NotBefore.After(now)
	case task.StatusInProgress:
		return t.LeaseExpiresAt.Before(now)
	}
	return false
}

func (m *Memory) CompleteTask(ctx context.Context, taskID, workerID string, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrLeaseLost
	}
	if t.Status != task.StatusInProgress || t.LeaseOwner != workerID {
		return ErrLeaseLost
	}
	now := m.now()
	for _, a := range o.Artifacts {
		m.saveArtifact(t.BuildID, a, now)
	}

	switch o.Status {
	case OutcomeSuccess:
		t.Status = task.StatusCompleted
		t.LastError = o.Err
		t.LeaseOwner = ""
		t.UpdatedAt = now
		for _, nt := range o.NextTasks {
			m.enqueue(t.BuildID, nt.Kind, nt.Payload, now)
		}
		if len(o.NextTasks) == 0 && t.Kind == task.KindNotify {
			m.setBuildLocked(t.BuildID, build.StatusCompleted, now)
		}
	case OutcomeRetry:
		t.LastError = o.Err
		t.LeaseOwner = ""
		t.UpdatedAt = now
		if t.Attempt >= t.MaxAttempts {
			t.Status = task.StatusDeadLetter
			m.setBuildLocked(t.BuildID, build.StatusManualIntervention, now)
			m.enqueueTerminalNotify(t, "retries_exhausted", o.Err, now)
		} else {
			t.Status = task.StatusPending
			t.NotBefore = now.Add(o.RetryAfter)
		}
	case OutcomeFailed:
		t.Status = task.StatusFailed
		t.LastError = o.Err
		t.LeaseOwner = ""
		t.UpdatedAt = now
		m.setBuildLocked(t.BuildID, build.StatusFailed, now)
		m.enqueueTerminalNotify(t, "permanent_failure", o.Err, now)
	}
	return nil
}

// enqueueTerminalNotify 失败收尾通知；NOTIFY 自身失败不再通知，避免循环
func (m *Memory) enqueueTerminalNotify(t *task.Task, reason, cause string, now time.Time) {
	if t.Kind == task.KindNotify {
		return
	}
	p, _ := json.Marshal(terminalNotifyPayload{Reason: reason, Cause: cause})
	m.enqueue(t.BuildID, task.KindNotify, p, now)
}

func (m *Memory) enqueue(buildID string, kind task.Kind, payload []byte, now time.Time) {
	nt := &task.Task{
		ID:          uuid.NewString(),
		BuildID:     buildID,
		Kind:        kind,
		Status:      task.StatusPending,
		MaxAttempts: m.maxAttempts,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[nt.ID] = nt
}

func (m *Memory) Heartbeat(ctx context.Context, taskID, workerID string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != task.StatusInProgress || t.LeaseOwner != workerID {
		return ErrLeaseLost
	}
	t.LeaseExpiresAt = m.now().Add(extension)
	return nil
}

func (m *Memory) SetBuildStatus(ctx context.Context, buildID string, s build.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setBuildLocked(buildID, s, m.now())
	return nil
}

// setBuildLocked 终态不覆盖
func (m *Memory) setBuildLocked(buildID string, s build.Status, now time.Time) {
	b := m.builds[buildID]
	if b == nil || b.Status.Terminal() {
		return
	}
	b.Status = s
	b.UpdatedAt = now
}

func (m *Memory) GetBuild(ctx context.Context, buildID string) (*build.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) GetBuildByJob(ctx context.Context, job string, buildNumber int) (*build.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byJob[jobKey(job, buildNumber)]
	if !ok {
		return nil, nil
	}
	cp := *m.builds[id]
	return &cp, nil
}

func (m *Memory) ListActiveBuilds(ctx context.Context) ([]*build.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*build.Build
	for _, b := range m.builds {
		if !b.Status.Terminal() {
			cp := *b
			out = append(out, &cp)
		}
	}
	sortBuilds(out)
	return out, nil
}

func (m *Memory) CountBuildsByStatus(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, b := range m.builds {
		out[b.Status.String()]++
	}
	return out, nil
}

func (m *Memory) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, t := range m.tasks {
		out[t.Status.String()]++
	}
	return out, nil
}

func (m *Memory) ListTasks(ctx context.Context, buildID string) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.BuildID == buildID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *Memory) ListDeadLetterTasks(ctx context.Context) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusDeadLetter {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasks(out)
	return out, nil
}

func sortBuilds(bs []*build.Build) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].CreatedAt.Before(bs[j].CreatedAt) })
}

func sortTasks(ts []*task.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func (m *Memory) saveArtifact(buildID string, a artifact.Artifact, now time.Time) {
	switch {
	case a.Plan != nil:
		p := *a.Plan
		p.BuildID = buildID
		p.CreatedAt = now
		m.plans[buildID] = &p
	case a.CandidateFile != nil:
		c := *a.CandidateFile
		c.BuildID = buildID
		m.candidates[buildID] = upsertCandidate(m.candidates[buildID], &c)
	case a.Patch != nil:
		p := *a.Patch
		p.BuildID = buildID
		m.patches[buildID] = upsertPatch(m.patches[buildID], &p)
	case a.Validation != nil:
		v := *a.Validation
		v.BuildID = buildID
		v.CreatedAt = now
		m.validations[buildID] = append(m.validations[buildID], &v)
	case a.PullRequest != nil:
		pr := *a.PullRequest
		pr.BuildID = buildID
		m.prs[buildID] = &pr
	}
}

// upsertCandidate 按 path 覆盖，重放不产生重复行
func upsertCandidate(list []*artifact.CandidateFile, c *artifact.CandidateFile) []*artifact.CandidateFile {
	for i, old := range list {
		if old.Path == c.Path {
			list[i] = c
			return list
		}
	}
	return append(list, c)
}

func upsertPatch(list []*artifact.Patch, p *artifact.Patch) []*artifact.Patch {
	for i, old := range list {
		if old.Path == p.Path {
			list[i] = p
			return list
		}
	}
	return append(list, p)
}

func (m *Memory) GetPlan(ctx context.Context, buildID string) (*artifact.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[buildID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListCandidateFiles(ctx context.Context, buildID string) ([]*artifact.CandidateFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*artifact.CandidateFile, 0, len(m.candidates[buildID]))
	for _, c := range m.candidates[buildID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (m *Memory) ListPatches(ctx context.Context, buildID string) ([]*artifact.Patch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*artifact.Patch, 0, len(m.patches[buildID]))
	for _, p := range m.patches[buildID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListValidations(ctx context.Context, buildID string) ([]*artifact.Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*artifact.Validation, 0, len(m.validations[buildID]))
	for _, v := range m.validations[buildID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetPullRequest(ctx context.Context, buildID string) (*artifact.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[buildID]
	if !ok {
		return nil, nil
	}
	cp := *pr
	return &cp, nil
}

func (m *Memory) Close() {}
