package types

// TargetProcess 表示一个已接入诊断通道的目标进程
// 由Channel Connector在握手完成后创建，进程退出或通道关闭时销毁
type TargetProcess struct {
	PID          int    `json:"pid"`
	Name         string `json:"name"`
	CommandLine  string `json:"command_line"`
	SessionToken string `json:"session_token"` // 每次接入的唯一会话标识
}

// ChannelEventKind 表示诊断通道事件类型
type ChannelEventKind uint8

const (
	ChannelAttached ChannelEventKind = iota + 1 // 进程握手完成
	ChannelDetached                             // 通道关闭或进程退出
	ChannelFailed                               // 单个通道的传输错误
)

// ChannelEvent 是Channel Connector向上游发布的事件
// Attached事件携带进程信息和信号源，Detached事件只携带PID
type ChannelEvent struct {
	Kind    ChannelEventKind
	Process *TargetProcess
	PID     int
	Source  DiagnosticSession // Attached时有效
	Err     error
}

// RegistryChangeKind 表示进程注册表的变更类型
type RegistryChangeKind uint8

const (
	ProcessUpserted RegistryChangeKind = iota + 1
	ProcessRemoved
)

// RegistryChangeEvent 是Process Registry发布的变更事件
// 这是进程发现与规则绑定之间唯一的集成点
type RegistryChangeEvent struct {
	Kind    RegistryChangeKind
	Process TargetProcess
	PID     int
}
