package build

import "time"

// Status Build 状态
type Status int

const (
	StatusReceived Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusManualIntervention
)

func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusManualIntervention:
		return "manual_intervention_required"
	default:
		return "unknown"
	}
}

// Terminal 判断是否终态；终态后 Build 不再迁移
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusManualIntervention
}

// Build 一次待修复的 CI 构建；聚合根，其余实体都按 BuildID 归属
// 唯一键 (Job, BuildNumber)；由 ingress 创建，仅 dispatcher 迁移状态
type Build struct {
	ID          string
	Job         string
	BuildNumber int
	Branch      string
	RepoURL     string
	CommitSHA   string
	// Payload 原始 webhook 载荷，核心不解释，保留给 agent 使用
	Payload   map[string]interface{}
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}
