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

import "encoding/json"

// pipelinePayload PATCH/VALIDATE 间传递的轮次计数；
// Round 从 1 起，补丁-校验循环以此设上限
type pipelinePayload struct {
	Round int `json:"round"`
}

func roundPayload(round int) []byte {
	b, _ := json.Marshal(pipelinePayload{Round: round})
	return b
}

func parseRound(payload []byte) int {
	var p pipelinePayload
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil || p.Round < 1 {
		return 1
	}
	return p.Round
}
