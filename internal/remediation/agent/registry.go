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

package agent

import (
	"fmt"
	"sync"

	"remedyci/internal/remediation/task"
)

// Registry kind -> Agent 注册表；启动期写入，运行期只读
type Registry struct {
	mu     sync.RWMutex
	agents map[task.Kind]Agent
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{agents: make(map[task.Kind]Agent)}
}

// Register 注册 agent；重复注册同 kind 报错
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := a.Kind()
	if _, ok := r.agents[k]; ok {
		return fmt.Errorf("agent already registered for kind %s", k)
	}
	r.agents[k] = a
	return nil
}

// Lookup 按 kind 取 agent；未注册返回 false
func (r *Registry) Lookup(k task.Kind) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[k]
	return a, ok
}

// Kinds 已注册的 kind 列表
func (r *Registry) Kinds() []task.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Kind, 0, len(r.agents))
	for k := range r.agents {
		out = append(out, k)
	}
	return out
}
