package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/action"
	"github.com/haolipeng/diag_collect_engine/pkg/config"
	"github.com/haolipeng/diag_collect_engine/pkg/connector"
	"github.com/haolipeng/diag_collect_engine/pkg/egress"
	"github.com/haolipeng/diag_collect_engine/pkg/matcher"
	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/registry"
	"github.com/haolipeng/diag_collect_engine/pkg/ruleset"
	"github.com/haolipeng/diag_collect_engine/pkg/throttle"
	"github.com/haolipeng/diag_collect_engine/pkg/trigger"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// Engine 把各组件按阶段串起来：
// connector -> registry -> matcher -> evaluator -> throttle -> executor -> egress
type Engine struct {
	config    *config.Config
	metrics   *metrics.EngineMetrics
	registry  *registry.Registry
	connector *connector.Connector
	loader    *ruleset.Loader
	matcher   *matcher.Matcher
	evaluator *trigger.Evaluator
	throttle  *throttle.Controller
	executor  *action.Executor
	egress    *egress.Registry

	mu        sync.Mutex
	running   bool
	status    string
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewEngine 按配置构建引擎，所有组件在这里完成装配
func NewEngine(cfg *config.Config) (*Engine, error) {
	m := &metrics.EngineMetrics{}
	clock := clockwork.NewRealClock()

	eg, err := egress.NewRegistry(cfg.Egress)
	if err != nil {
		return nil, fmt.Errorf("build egress registry failed: %w", err)
	}

	conn := connector.NewConnector(cfg, m)

	exec := action.NewExecutor(eg, func(pid int) (types.ArtifactSource, bool) {
		s, ok := conn.Session(pid)
		if !ok {
			return nil, false
		}
		return s, true
	}, cfg.Action.DefaultTimeout.Std(), m)

	ctrl := throttle.NewController(clock, m)

	eval, err := trigger.NewEvaluator(clock, m, ctrl, exec)
	if err != nil {
		return nil, fmt.Errorf("build trigger evaluator failed: %w", err)
	}

	loader := ruleset.NewLoader(cfg.Rules.Directory, eval.ValidateExpression)

	reg := registry.NewRegistry(m)

	match := matcher.NewMatcher(loader, reg, eval, func(pid int) (types.SignalSource, bool) {
		s, ok := conn.Session(pid)
		if !ok {
			return nil, false
		}
		return s, true
	})

	return &Engine{
		config:    cfg,
		metrics:   m,
		registry:  reg,
		connector: conn,
		loader:    loader,
		matcher:   match,
		evaluator: eval,
		throttle:  ctrl,
		executor:  exec,
		egress:    eg,
		status:    "initialized",
	}, nil
}

// Start 按依赖顺序启动各组件
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.status = "starting"
	e.startTime = time.Now()
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	logrus.Info("Starting diagnostic collection engine")

	// 1. 先启动连接器，再消费它的事件
	if err := e.connector.Start(runCtx); err != nil {
		e.setStatus("failed")
		return fmt.Errorf("start channel connector failed: %w", err)
	}

	// 2. 等待连接器就绪，设置超时
	select {
	case <-e.connector.Ready():
		logrus.Debug("Channel connector is ready")
	case <-time.After(10 * time.Second):
		e.setStatus("failed")
		return fmt.Errorf("timeout waiting for channel connector to be ready")
	}

	// 3. 通道事件泵：注册表是进程身份的唯一写入方
	e.wg.Add(1)
	go e.pumpChannelEvents(runCtx)

	// 4. 初始规则加载 + 注册表事件消费
	if err := e.matcher.Start(runCtx, e.config.Rules.Reload); err != nil {
		e.setStatus("failed")
		return err
	}

	e.setStatus("running")
	logrus.WithFields(logrus.Fields{
		"mode":      e.config.Channel.Mode,
		"rules_dir": e.config.Rules.Directory,
	}).Info("Engine started successfully")
	return nil
}

// pumpChannelEvents 把连接器事件转成注册表变更
func (e *Engine) pumpChannelEvents(ctx context.Context) {
	defer e.wg.Done()
	events := e.connector.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case types.ChannelAttached:
				if ev.Process != nil {
					e.registry.Upsert(*ev.Process)
				}
			case types.ChannelDetached:
				e.registry.Remove(ev.PID)
			case types.ChannelFailed:
				// 单进程通道故障只影响该进程，detach事件随后到达
				logrus.WithFields(logrus.Fields{
					"pid":   ev.PID,
					"error": fmt.Sprintf("%v", ev.Err),
				}).Warn("channel failed")
			}
		}
	}
}

func (e *Engine) setStatus(s string) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// Status 返回引擎状态摘要
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	status := e.status
	started := e.startTime
	e.mu.Unlock()

	rs := e.matcher.CurrentRules()
	generation := uint64(0)
	ruleCount := 0
	inertCount := 0
	if rs != nil {
		generation = rs.Generation
		ruleCount = len(rs.Rules)
		inertCount = len(rs.Inert)
	}

	byState := make(map[string]int)
	for _, snap := range e.evaluator.List() {
		byState[snap.State]++
	}

	return map[string]interface{}{
		"status":          status,
		"uptime":          time.Since(started).String(),
		"channel_mode":    e.config.Channel.Mode,
		"processes":       len(e.registry.List()),
		"rule_generation": generation,
		"rules":           ruleCount,
		"inert_rules":     inertCount,
		"instances":       byState,
		"metrics":         e.metrics.GetStats(),
	}
}

// Rules 返回当前规则集快照
func (e *Engine) Rules() *ruleset.RuleSet {
	return e.matcher.CurrentRules()
}

// Processes 返回当前附加的进程列表
func (e *Engine) Processes() []types.TargetProcess {
	return e.registry.List()
}

// ListInstances 返回所有实例快照
func (e *Engine) ListInstances() []types.RuleInstanceSnapshot {
	return e.evaluator.List()
}

// GetInstance 返回单个(规则, 进程)实例快照
func (e *Engine) GetInstance(rule string, pid int) (types.RuleInstanceSnapshot, bool) {
	return e.evaluator.Get(rule, pid)
}

// ReloadRules 手动触发规则重载
func (e *Engine) ReloadRules() (*ruleset.RuleSet, error) {
	return e.matcher.Reload()
}

// ValidateRule 对一份规则文档做预检
func (e *Engine) ValidateRule(data []byte, format string) (*ruleset.Rule, error) {
	return e.loader.ValidateDocument(data, format)
}

// GetStats 返回指标快照
func (e *Engine) GetStats() map[string]interface{} {
	return e.metrics.GetStats()
}

// Stop 按依赖逆序停止各组件
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.status = "stopping"
	e.mu.Unlock()

	logrus.Info("Stopping engine")

	if e.cancel != nil {
		e.cancel()
	}

	e.matcher.Stop()
	e.evaluator.Stop()
	e.executor.Stop()
	if err := e.connector.Stop(); err != nil {
		logrus.WithError(err).Warn("connector stop reported error")
	}

	// 有界等待，避免卡死在失联的goroutine上
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logrus.Warn("timeout waiting for engine goroutines to exit")
	}

	e.setStatus("stopped")
	logrus.Info("Engine stopped")
	return nil
}
