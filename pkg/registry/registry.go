package registry

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// Registry 是目标进程身份的唯一写入者
// 其他组件只能读取快照或订阅变更流，不能直接修改进程状态
type Registry struct {
	mu        sync.RWMutex
	processes map[int]types.TargetProcess
	watchers  map[chan types.RegistryChangeEvent]struct{}
	metrics   *metrics.EngineMetrics
}

func NewRegistry(m *metrics.EngineMetrics) *Registry {
	return &Registry{
		processes: make(map[int]types.TargetProcess),
		watchers:  make(map[chan types.RegistryChangeEvent]struct{}),
		metrics:   m,
	}
}

// Upsert 注册或替换一个进程
// PID是主键，同一PID重新接入时替换旧条目而不是产生重复
func (r *Registry) Upsert(proc types.TargetProcess) {
	r.mu.Lock()
	_, replaced := r.processes[proc.PID]
	r.processes[proc.PID] = proc
	r.publishLocked(types.RegistryChangeEvent{
		Kind:    types.ProcessUpserted,
		Process: proc,
		PID:     proc.PID,
	})
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"pid":      proc.PID,
		"name":     proc.Name,
		"replaced": replaced,
	}).Info("process registered")
}

// Remove 注销一个进程
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	proc, exists := r.processes[pid]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.processes, pid)
	r.publishLocked(types.RegistryChangeEvent{
		Kind:    types.ProcessRemoved,
		Process: proc,
		PID:     pid,
	})
	r.mu.Unlock()

	logrus.WithField("pid", pid).Info("process removed")
}

// List 返回当前所有已注册进程的快照
func (r *Registry) List() []types.TargetProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TargetProcess, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p)
	}
	return out
}

// Get 按PID查找进程
func (r *Registry) Get(pid int) (types.TargetProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[pid]
	return p, ok
}

// Watch 订阅注册表变更流
// 变更事件按注册表观察到的顺序投递；消费过慢时丢弃并计数
func (r *Registry) Watch(buf int) chan types.RegistryChangeEvent {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.RegistryChangeEvent, buf)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[ch] = struct{}{}
	return ch
}

// Unwatch 取消订阅并关闭通道
func (r *Registry) Unwatch(ch chan types.RegistryChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watchers[ch]; ok {
		delete(r.watchers, ch)
		close(ch)
	}
}

// publishLocked 向所有watcher投递事件，调用方必须持有写锁
// 在锁内投递保证了事件顺序与注册表变更顺序一致
func (r *Registry) publishLocked(ev types.RegistryChangeEvent) {
	for ch := range r.watchers {
		select {
		case ch <- ev:
		default:
			if r.metrics != nil {
				r.metrics.IncrementWatcherDropped()
			}
			logrus.WithFields(logrus.Fields{
				"pid":  ev.PID,
				"kind": ev.Kind,
			}).Warn("registry watcher is slow, dropping change event")
		}
	}
}
