package types

import (
	"context"
	"io"
	"time"
)

// SampleKind 表示运行时信号样本的类型
type SampleKind uint8

const (
	SampleCounter SampleKind = iota + 1 // 周期性计数器采样
	SampleRequest                       // 单次请求的度量信息
)

// Sample 表示从目标进程接收到的一条原始信号样本
type Sample struct {
	Kind       SampleKind
	Provider   string    // 计数器提供者
	Counter    string    // 计数器名称
	Value      float64   // 计数器值
	DurationMs float64   // 请求耗时（毫秒）
	Status     int       // 请求响应状态码
	Timestamp  time.Time // 目标进程侧的采样时间
}

// SubscriptionSpec 描述对信号流的一次订阅
type SubscriptionSpec struct {
	Kind     SampleKind
	Provider string // 仅计数器流需要
	Counter  string // 仅计数器流需要
}

// SignalSource 是触发器评估器对信号流的抽象
// release函数必须在所有退出路径上被调用，保证订阅不泄漏
type SignalSource interface {
	Subscribe(ctx context.Context, spec SubscriptionSpec) (<-chan Sample, func(), error)
}

// ArtifactSource 是动作执行器对诊断产物采集的抽象
type ArtifactSource interface {
	Collect(ctx context.Context, kind string, settings map[string]string) (io.ReadCloser, error)
}

// DiagnosticSession 表示与单个目标进程之间的活跃诊断通道
type DiagnosticSession interface {
	SignalSource
	ArtifactSource
}
