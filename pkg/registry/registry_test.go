package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// 测试PID作为主键：重复注册替换而不是产生重复条目
func TestUpsertReplacesByPID(t *testing.T) {
	r := NewRegistry(&metrics.EngineMetrics{})

	r.Upsert(types.TargetProcess{PID: 100, Name: "old", SessionToken: "t1"})
	r.Upsert(types.TargetProcess{PID: 100, Name: "new", SessionToken: "t2"})

	assert.Len(t, r.List(), 1)
	proc, ok := r.Get(100)
	require.True(t, ok)
	assert.Equal(t, "new", proc.Name)
	assert.Equal(t, "t2", proc.SessionToken)
}

// 测试移除不存在的进程是无害的
func TestRemoveUnknownPID(t *testing.T) {
	r := NewRegistry(&metrics.EngineMetrics{})
	r.Remove(999)
	assert.Empty(t, r.List())
}

// 测试变更事件按注册表变更顺序投递
func TestWatchEventOrdering(t *testing.T) {
	r := NewRegistry(&metrics.EngineMetrics{})
	ch := r.Watch(16)
	defer r.Unwatch(ch)

	r.Upsert(types.TargetProcess{PID: 1, Name: "a"})
	r.Upsert(types.TargetProcess{PID: 2, Name: "b"})
	r.Remove(1)

	ev := <-ch
	assert.Equal(t, types.ProcessUpserted, ev.Kind)
	assert.Equal(t, 1, ev.PID)

	ev = <-ch
	assert.Equal(t, types.ProcessUpserted, ev.Kind)
	assert.Equal(t, 2, ev.PID)

	ev = <-ch
	assert.Equal(t, types.ProcessRemoved, ev.Kind)
	assert.Equal(t, 1, ev.PID)
	assert.Equal(t, "a", ev.Process.Name, "移除事件应携带被移除进程的快照")
}

// 测试消费过慢时丢弃事件并计数，不阻塞注册表写入
func TestSlowWatcherDropsEvents(t *testing.T) {
	m := &metrics.EngineMetrics{}
	r := NewRegistry(m)
	ch := r.Watch(1)
	defer r.Unwatch(ch)

	r.Upsert(types.TargetProcess{PID: 1})
	r.Upsert(types.TargetProcess{PID: 2}) // 缓冲已满，该事件被丢弃

	assert.Equal(t, uint64(1), m.WatcherDropped)
	ev := <-ch
	assert.Equal(t, 1, ev.PID)
}

// 测试取消订阅后通道被关闭
func TestUnwatchClosesChannel(t *testing.T) {
	r := NewRegistry(&metrics.EngineMetrics{})
	ch := r.Watch(4)
	r.Unwatch(ch)

	_, open := <-ch
	assert.False(t, open)

	// 重复取消订阅是无害的
	r.Unwatch(ch)
}
