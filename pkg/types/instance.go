package types

import "time"

// InstanceState 表示RuleInstance的生命周期状态
// 状态转换是单调的，唯一例外是 Running <-> Throttled 可以往复
type InstanceState uint8

const (
	InstanceStarting  InstanceState = iota + 1 // 正在建立信号订阅
	InstanceRunning                            // 正常评估触发条件
	InstanceThrottled                          // 最近一次触发被限流
	InstanceExpired                            // 规则生命周期结束，终态
	InstanceFaulted                            // 订阅失败或不可恢复错误，终态
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStarting:
		return "starting"
	case InstanceRunning:
		return "running"
	case InstanceThrottled:
		return "throttled"
	case InstanceExpired:
		return "expired"
	case InstanceFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal 判断状态是否为终态
func (s InstanceState) Terminal() bool {
	return s == InstanceExpired || s == InstanceFaulted
}

// ActionResult 表示一次动作执行的结果
type ActionResult struct {
	Action      string        `json:"action"`
	Success     bool          `json:"success"`
	ArtifactRef string        `json:"artifact_ref,omitempty"`
	Err         ErrorKind     `json:"error,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// RuleInstanceSnapshot 是Status Reporter对外暴露的只读快照
type RuleInstanceSnapshot struct {
	RuleName      string         `json:"rule_name"`
	PID           int            `json:"pid"`
	ProcessName   string         `json:"process_name"`
	SessionToken  string         `json:"session_token"`
	State         string         `json:"state"`
	StartedAt     time.Time      `json:"started_at"`
	FireCount     uint64         `json:"fire_count"`
	AdmittedCount uint64         `json:"admitted_count"`
	LastResults   []ActionResult `json:"last_results,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorKind ErrorKind      `json:"last_error_kind,omitempty"`
}
