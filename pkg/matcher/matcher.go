package matcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/registry"
	"github.com/haolipeng/diag_collect_engine/pkg/ruleset"
	"github.com/haolipeng/diag_collect_engine/pkg/trigger"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// SourceLookup 按PID查找进程的信号通道
type SourceLookup func(pid int) (types.SignalSource, bool)

// reloadDebounce 规则目录变更的合并窗口
// 编辑器保存通常产生多个fsnotify事件，合并为一次重载
const reloadDebounce = 500 * time.Millisecond

// Matcher 把规则绑定到匹配的进程上
// 消费注册表变更事件和规则集代次；绑定是幂等的：
// 同一(规则, 进程)对只产生一个实例
type Matcher struct {
	loader    *ruleset.Loader
	registry  *registry.Registry
	evaluator *trigger.Evaluator
	lookup    SourceLookup

	mu      sync.RWMutex
	current *ruleset.RuleSet

	events  chan types.RegistryChangeEvent
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMatcher(loader *ruleset.Loader, reg *registry.Registry, eval *trigger.Evaluator, lookup SourceLookup) *Matcher {
	return &Matcher{
		loader:    loader,
		registry:  reg,
		evaluator: eval,
		lookup:    lookup,
	}
}

// Start 执行初始加载并开始消费注册表事件
// hotReload开启时用fsnotify监视规则目录，变更后自动重载
func (m *Matcher) Start(ctx context.Context, hotReload bool) error {
	rs, err := m.loader.Load()
	if err != nil {
		return fmt.Errorf("initial rule load failed: %w", err)
	}
	m.mu.Lock()
	m.current = rs
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.events = m.registry.Watch(256)
	m.wg.Add(1)
	go m.eventLoop(runCtx)

	if hotReload {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return fmt.Errorf("create rule directory watcher failed: %w", err)
		}
		if err := w.Add(m.loader.Directory()); err != nil {
			w.Close()
			cancel()
			return fmt.Errorf("watch rule directory failed: %w", err)
		}
		m.watcher = w
		m.wg.Add(1)
		go m.watchLoop(runCtx)
		logrus.WithField("dir", m.loader.Directory()).Info("rule directory hot reload enabled")
	}

	return nil
}

// CurrentRules 返回当前生效的规则集快照
func (m *Matcher) CurrentRules() *ruleset.RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// BindProcess 把当前规则集与一个进程匹配，为每条命中规则创建实例
// 空过滤器列表匹配所有进程；多个过滤器是AND关系
func (m *Matcher) BindProcess(proc types.TargetProcess) {
	rs := m.CurrentRules()
	if rs == nil {
		return
	}
	// 同一PID重连会更换会话令牌，旧会话上的实例收不到任何样本
	// 先退役再重建，让新实例订阅到新会话
	for _, snap := range m.evaluator.List() {
		if snap.PID == proc.PID && snap.SessionToken != proc.SessionToken {
			m.evaluator.Remove(snap.RuleName, snap.PID)
		}
	}
	source, ok := m.lookup(proc.PID)
	if !ok {
		logrus.WithField("pid", proc.PID).Debug("no signal source for process, skip binding")
		return
	}
	for _, rule := range rs.Rules {
		if !rule.Matches(proc) {
			continue
		}
		m.evaluator.CreateInstance(rule, proc, source, rs.Generation)
	}
}

// UnbindProcess 拆除一个进程的全部实例
func (m *Matcher) UnbindProcess(pid int) {
	for _, snap := range m.evaluator.List() {
		if snap.PID == pid {
			m.evaluator.Remove(snap.RuleName, pid)
		}
	}
}

// Reload 构建新一代规则集并原子切换
// 旧代次的实例全部退役，新规则集重新绑定当前注册表里的进程
func (m *Matcher) Reload() (*ruleset.RuleSet, error) {
	rs, err := m.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("rule reload failed: %w", err)
	}

	m.mu.Lock()
	old := m.current
	m.current = rs
	m.mu.Unlock()

	// 先退役旧代次实例，再按新规则集重新绑定
	for _, snap := range m.evaluator.List() {
		m.evaluator.Remove(snap.RuleName, snap.PID)
	}
	for _, proc := range m.registry.List() {
		m.BindProcess(proc)
	}

	oldGen := uint64(0)
	if old != nil {
		oldGen = old.Generation
	}
	logrus.WithFields(logrus.Fields{
		"old_generation": oldGen,
		"new_generation": rs.Generation,
		"rules":          len(rs.Rules),
		"inert":          len(rs.Inert),
	}).Info("rule set reloaded")
	return rs, nil
}

func (m *Matcher) eventLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			switch ev.Kind {
			case types.ProcessUpserted:
				m.BindProcess(ev.Process)
			case types.ProcessRemoved:
				m.UnbindProcess(ev.PID)
			}
		}
	}
}

func (m *Matcher) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".yaml" && ext != ".yml" && ext != ".json" {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(reloadDebounce)
				pendingC = pending.C
			} else {
				pending.Reset(reloadDebounce)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			if _, err := m.Reload(); err != nil {
				logrus.WithError(err).Error("automatic rule reload failed, keeping previous generation")
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("rule directory watcher error")
		}
	}
}

// Stop 停止事件消费和目录监视
func (m *Matcher) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
	if m.events != nil {
		m.registry.Unwatch(m.events)
	}
	m.wg.Wait()
}
