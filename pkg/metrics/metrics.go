package metrics

import (
	"sync/atomic"
	"time"
)

// EngineMetrics 是引擎各组件的计数指标
type EngineMetrics struct {
	ProcessesAttached uint64
	ProcessesDetached uint64
	FireEvents        uint64
	FiresAdmitted     uint64
	FiresThrottled    uint64
	FiresMissed       uint64 // 因上一次执行仍在进行而被丢弃
	ActionsExecuted   uint64
	ActionsFailed     uint64
	ActionsTimedOut   uint64
	ArtifactsWritten  uint64
	ArtifactBytes     uint64
	ActionTime        uint64 // 纳秒
	SubscriptionsOpen uint64 // 已打开的信号订阅
	SubscriptionsDone uint64 // 已释放的信号订阅
	WatcherDropped    uint64 // 因订阅者消费过慢丢弃的事件
}

func (m *EngineMetrics) IncrementAttached() {
	atomic.AddUint64(&m.ProcessesAttached, 1)
}

func (m *EngineMetrics) IncrementDetached() {
	atomic.AddUint64(&m.ProcessesDetached, 1)
}

func (m *EngineMetrics) IncrementFires() {
	atomic.AddUint64(&m.FireEvents, 1)
}

func (m *EngineMetrics) IncrementAdmitted() {
	atomic.AddUint64(&m.FiresAdmitted, 1)
}

func (m *EngineMetrics) IncrementThrottled() {
	atomic.AddUint64(&m.FiresThrottled, 1)
}

func (m *EngineMetrics) IncrementMissed() {
	atomic.AddUint64(&m.FiresMissed, 1)
}

func (m *EngineMetrics) IncrementActionsExecuted() {
	atomic.AddUint64(&m.ActionsExecuted, 1)
}

func (m *EngineMetrics) IncrementActionsFailed() {
	atomic.AddUint64(&m.ActionsFailed, 1)
}

func (m *EngineMetrics) IncrementActionsTimedOut() {
	atomic.AddUint64(&m.ActionsTimedOut, 1)
}

func (m *EngineMetrics) IncrementArtifactsWritten() {
	atomic.AddUint64(&m.ArtifactsWritten, 1)
}

func (m *EngineMetrics) AddArtifactBytes(n uint64) {
	atomic.AddUint64(&m.ArtifactBytes, n)
}

func (m *EngineMetrics) AddActionTime(duration time.Duration) {
	atomic.AddUint64(&m.ActionTime, uint64(duration.Nanoseconds()))
}

func (m *EngineMetrics) IncrementSubscriptionsOpen() {
	atomic.AddUint64(&m.SubscriptionsOpen, 1)
}

func (m *EngineMetrics) IncrementSubscriptionsDone() {
	atomic.AddUint64(&m.SubscriptionsDone, 1)
}

func (m *EngineMetrics) IncrementWatcherDropped() {
	atomic.AddUint64(&m.WatcherDropped, 1)
}

// ActiveSubscriptions 返回当前未释放的订阅数，用于泄漏检查
func (m *EngineMetrics) ActiveSubscriptions() uint64 {
	return atomic.LoadUint64(&m.SubscriptionsOpen) - atomic.LoadUint64(&m.SubscriptionsDone)
}

// GetStats 返回指标快照
func (m *EngineMetrics) GetStats() map[string]interface{} {
	executed := atomic.LoadUint64(&m.ActionsExecuted)
	return map[string]interface{}{
		"processes_attached": atomic.LoadUint64(&m.ProcessesAttached),
		"processes_detached": atomic.LoadUint64(&m.ProcessesDetached),
		"fire_events":        atomic.LoadUint64(&m.FireEvents),
		"fires_admitted":     atomic.LoadUint64(&m.FiresAdmitted),
		"fires_throttled":    atomic.LoadUint64(&m.FiresThrottled),
		"fires_missed":       atomic.LoadUint64(&m.FiresMissed),
		"actions_executed":   executed,
		"actions_failed":     atomic.LoadUint64(&m.ActionsFailed),
		"actions_timed_out":  atomic.LoadUint64(&m.ActionsTimedOut),
		"artifacts_written":  atomic.LoadUint64(&m.ArtifactsWritten),
		"artifact_bytes":     atomic.LoadUint64(&m.ArtifactBytes),
		"subscriptions_open": m.ActiveSubscriptions(),
		"watcher_dropped":    atomic.LoadUint64(&m.WatcherDropped),
		"avg_action_time": float64(atomic.LoadUint64(&m.ActionTime)) /
			float64(executed+1),
	}
}
