package task

import "time"

// Kind 任务类型，对应修复管线的一个阶段
type Kind string

const (
	KindPlan     Kind = "PLAN"
	KindRetrieve Kind = "RETRIEVE"
	KindPatch    Kind = "PATCH"
	KindValidate Kind = "VALIDATE"
	KindCreatePR Kind = "CREATE_PR"
	KindNotify   Kind = "NOTIFY"
)

// Valid 判断 kind 是否已知
func (k Kind) Valid() bool {
	switch k {
	case KindPlan, KindRetrieve, KindPatch, KindValidate, KindCreatePR, KindNotify:
		return true
	}
	return false
}

// Status 任务状态
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusDeadLetter
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Terminal 判断是否终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeadLetter
}

// Active 判断任务是否占用「单 Build 单活跃任务」名额
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// DefaultMaxAttempts 单 Task 最大执行次数（含首次）
const DefaultMaxAttempts = 3

// Task 一条待派发的工作单元，归属一个 Build
// 租约字段由 Store 维护：LeaseOwner 持有者、LeaseExpiresAt 过期时间
// NotBefore 非零时租约查询跳过该行，用于 RETRY 延迟
type Task struct {
	ID             string
	BuildID        string
	Kind           Kind
	Status         Status
	Attempt        int
	MaxAttempts    int
	Payload        []byte
	LastError      string
	LeaseOwner     string
	LeaseExpiresAt time.Time
	NotBefore      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
