package connector

import (
	"time"

	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// 诊断通道的wire格式：每行一条JSON消息
// 进程侧消息用type字段区分，引擎侧消息用command字段区分

// 进程侧消息类型
const (
	msgHandshake = "handshake"
	msgCounter   = "counter"
	msgRequest   = "request"
	msgArtifact  = "artifact"
)

// 引擎侧命令
const (
	cmdResume      = "resume"
	cmdSubscribe   = "subscribe"
	cmdUnsubscribe = "unsubscribe"
	cmdCollect     = "collect"
)

// 订阅命令中的流名称
const (
	streamCounters = "counters"
	streamRequests = "requests"
)

// inboundMessage 是目标进程发来的一条消息
type inboundMessage struct {
	Type string `json:"type"`

	// handshake
	PID         int    `json:"pid,omitempty"`
	Name        string `json:"name,omitempty"`
	CommandLine string `json:"command_line,omitempty"`

	// counter / request 样本
	Provider   string  `json:"provider,omitempty"`
	Counter    string  `json:"counter,omitempty"`
	Value      float64 `json:"value,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Status     int     `json:"status,omitempty"`
	TS         int64   `json:"ts,omitempty"` // unix纳秒

	// artifact 响应
	ID    string `json:"id,omitempty"`
	Data  []byte `json:"data,omitempty"` // base64（encoding/json自动编解码）
	Error string `json:"error,omitempty"`
}

// outboundCommand 是引擎发给目标进程的一条命令
type outboundCommand struct {
	Command  string            `json:"command"`
	ID       string            `json:"id,omitempty"`
	Stream   string            `json:"stream,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Counter  string            `json:"counter,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// toSample 将进程侧消息转换为信号样本，非样本消息返回false
func (m *inboundMessage) toSample() (types.Sample, bool) {
	ts := time.Now()
	if m.TS > 0 {
		ts = time.Unix(0, m.TS)
	}
	switch m.Type {
	case msgCounter:
		return types.Sample{
			Kind:      types.SampleCounter,
			Provider:  m.Provider,
			Counter:   m.Counter,
			Value:     m.Value,
			Timestamp: ts,
		}, true
	case msgRequest:
		return types.Sample{
			Kind:       types.SampleRequest,
			DurationMs: m.DurationMs,
			Status:     m.Status,
			Timestamp:  ts,
		}, true
	default:
		return types.Sample{}, false
	}
}

// streamFor 返回订阅规格对应的流名称
func streamFor(spec types.SubscriptionSpec) string {
	if spec.Kind == types.SampleCounter {
		return streamCounters
	}
	return streamRequests
}
