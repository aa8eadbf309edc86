package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/ruleset"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// Decision 是Throttle Controller对单次fire的准入决定
type Decision uint8

const (
	AdmitOK        Decision = iota + 1 // 允许执行动作
	AdmitThrottled                     // 超出滑动窗口限额，丢弃
	AdmitExpired                       // 规则生命周期已结束，实例进入终态
)

// Admitter 是限流控制器的准入接口
type Admitter interface {
	Admit(inst *Instance, ts time.Time) Decision
}

// Executor 是动作执行器接口
// TryExecute不阻塞触发评估，内部异步执行
type Executor interface {
	TryExecute(inst *Instance)
}

// Evaluator 管理所有RuleInstance并运行其触发评估循环
// 每个实例一个轻量goroutine，fire事件同步准入、异步执行
type Evaluator struct {
	mu        sync.Mutex
	instances map[string]*Instance

	env     *cel.Env
	clock   clockwork.Clock
	metrics *metrics.EngineMetrics
	admit   Admitter
	exec    Executor
	wg      sync.WaitGroup
}

func NewEvaluator(clock clockwork.Clock, m *metrics.EngineMetrics, admit Admitter, exec Executor) (*Evaluator, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		instances: make(map[string]*Instance),
		env:       env,
		clock:     clock,
		metrics:   m,
		admit:     admit,
		exec:      exec,
	}, nil
}

// ValidateExpression 校验Expression触发器的CEL表达式
// 注入给规则加载器，在加载时发现无效表达式
func (e *Evaluator) ValidateExpression(expression string) error {
	if expression == "" {
		return fmt.Errorf("expression is empty")
	}
	_, err := compileExpression(e.env, expression)
	return err
}

// CreateInstance 为(规则, 进程)对创建RuleInstance并启动评估循环
// 同一(规则, 进程)对重复创建是幂等的
func (e *Evaluator) CreateInstance(rule *ruleset.Rule, proc types.TargetProcess, source types.SignalSource, generation uint64) {
	key := instanceKey(rule.Name, proc.PID)

	e.mu.Lock()
	if _, exists := e.instances[key]; exists {
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		Rule:       rule,
		Process:    proc,
		Generation: generation,
		StartedAt:  e.clock.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	inst.state = types.InstanceStarting
	e.instances[key] = inst
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"rule":    rule.Name,
		"pid":     proc.PID,
		"trigger": rule.Trigger.Type,
	}).Info("rule instance created")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(inst.done)
		e.run(ctx, inst, source)
	}()
}

// Remove 拆除单个实例：取消订阅并等待评估循环退出
// 拆除是同步的，返回后该实例不再持有任何订阅
func (e *Evaluator) Remove(ruleName string, pid int) {
	key := instanceKey(ruleName, pid)

	e.mu.Lock()
	inst, ok := e.instances[key]
	if ok {
		delete(e.instances, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	inst.tornDown.Store(true)
	inst.cancel()
	<-inst.done

	logrus.WithFields(logrus.Fields{
		"rule": ruleName,
		"pid":  pid,
	}).Info("rule instance removed")
}

// Stop 拆除所有实例
func (e *Evaluator) Stop() {
	e.mu.Lock()
	all := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		all = append(all, inst)
	}
	e.instances = make(map[string]*Instance)
	e.mu.Unlock()

	for _, inst := range all {
		inst.tornDown.Store(true)
		inst.cancel()
		<-inst.done
	}
	e.wg.Wait()
}

// Get 返回指定实例的快照
func (e *Evaluator) Get(ruleName string, pid int) (types.RuleInstanceSnapshot, bool) {
	e.mu.Lock()
	inst, ok := e.instances[instanceKey(ruleName, pid)]
	e.mu.Unlock()
	if !ok {
		return types.RuleInstanceSnapshot{}, false
	}
	return inst.Snapshot(), true
}

// List 返回所有实例的快照
func (e *Evaluator) List() []types.RuleInstanceSnapshot {
	e.mu.Lock()
	all := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		all = append(all, inst)
	}
	e.mu.Unlock()

	out := make([]types.RuleInstanceSnapshot, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleName != out[j].RuleName {
			return out[i].RuleName < out[j].RuleName
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// Has 判断(规则, 进程)对是否已有实例
func (e *Evaluator) Has(ruleName string, pid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.instances[instanceKey(ruleName, pid)]
	return ok
}

// run 是单个实例的评估循环
// 状态机：Starting -> Running -> {Throttled <-> Running} -> Expired | Faulted
func (e *Evaluator) run(ctx context.Context, inst *Instance, source types.SignalSource) {
	spec, needsSub := subscriptionFor(&inst.Rule.Trigger)

	var samples <-chan types.Sample
	if needsSub {
		ch, release, err := source.Subscribe(ctx, spec)
		if err != nil {
			// 订阅失败：Starting -> Faulted，不自动重试
			// 进程重连后会创建全新实例
			inst.setFaulted(&types.TriggerSubscriptionError{
				Rule: inst.Rule.Name,
				PID:  inst.Process.PID,
				Err:  err,
			})
			logrus.WithFields(logrus.Fields{
				"rule":  inst.Rule.Name,
				"pid":   inst.Process.PID,
				"error": err.Error(),
			}).Error("signal subscription failed, instance faulted")
			return
		}
		// 所有退出路径上保证释放订阅
		defer release()
		samples = ch
	}

	inst.setState(types.InstanceRunning)

	// 规则生命周期上限：到期即进入Expired终态
	var expiry <-chan time.Time
	if d := inst.Rule.Limits.RuleDuration.Std(); d > 0 {
		expiry = e.clock.After(d)
	}

	// Startup触发器在进入Running后立即fire一次
	if inst.Rule.Trigger.Type == ruleset.TriggerStartup {
		e.dispatch(inst, e.clock.Now())
	}

	eval, err := newVariantEvaluator(e.env, &inst.Rule.Trigger)
	if err != nil {
		inst.setFaulted(err)
		logrus.WithFields(logrus.Fields{
			"rule":  inst.Rule.Name,
			"pid":   inst.Process.PID,
			"error": err.Error(),
		}).Error("trigger setup failed, instance faulted")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-expiry:
			inst.setState(types.InstanceExpired)
			logrus.WithFields(logrus.Fields{
				"rule": inst.Rule.Name,
				"pid":  inst.Process.PID,
			}).Info("rule duration elapsed, instance expired")
			return

		case sample, ok := <-samples:
			if !ok {
				// 通道关闭意味着进程正在脱离，等待上游拆除
				select {
				case <-ctx.Done():
				case <-expiry:
					inst.setState(types.InstanceExpired)
				}
				return
			}
			fired, err := eval.observe(sample)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"rule":  inst.Rule.Name,
					"pid":   inst.Process.PID,
					"error": err.Error(),
				}).Warn("trigger evaluation error on sample")
				continue
			}
			if fired {
				if stop := e.dispatch(inst, sample.Timestamp); stop {
					return
				}
			}
		}
	}
}

// dispatch 处理一次fire：同步准入，异步执行
// 返回true表示实例已到终态，评估循环应当退出
func (e *Evaluator) dispatch(inst *Instance, ts time.Time) bool {
	if e.metrics != nil {
		e.metrics.IncrementFires()
	}

	switch e.admit.Admit(inst, ts) {
	case AdmitOK:
		inst.MarkAdmitted()
		inst.setState(types.InstanceRunning)
		if e.metrics != nil {
			e.metrics.IncrementAdmitted()
		}
		e.exec.TryExecute(inst)
		return false

	case AdmitThrottled:
		inst.setState(types.InstanceThrottled)
		if e.metrics != nil {
			e.metrics.IncrementThrottled()
		}
		logrus.WithFields(logrus.Fields{
			"rule": inst.Rule.Name,
			"pid":  inst.Process.PID,
		}).Debug("fire event throttled")
		return false

	case AdmitExpired:
		// Throttle Controller已将实例置为Expired
		return true

	default:
		return false
	}
}

// subscriptionFor 返回触发器需要的信号订阅规格
// Startup触发器不需要订阅
func subscriptionFor(t *ruleset.TriggerSpec) (types.SubscriptionSpec, bool) {
	switch t.Type {
	case ruleset.TriggerStartup:
		return types.SubscriptionSpec{}, false
	case ruleset.TriggerCounterThreshold:
		return types.SubscriptionSpec{
			Kind:     types.SampleCounter,
			Provider: t.Provider,
			Counter:  t.Counter,
		}, true
	case ruleset.TriggerExpression:
		// 表达式可能引用任意请求字段，订阅请求流
		return types.SubscriptionSpec{Kind: types.SampleRequest}, true
	default:
		return types.SubscriptionSpec{Kind: types.SampleRequest}, true
	}
}

// variantEvaluator 持有单个触发器变体的比较状态
type variantEvaluator struct {
	spec    *ruleset.TriggerSpec
	program cel.Program

	// 从threshold标量解析出的阈值：计数触发器取countThreshold，
	// RequestDuration取thresholdMs
	countThreshold int
	thresholdMs    float64
	minSamples     int

	// 滚动窗口状态（RequestCount / RequestDuration / ResponseStatus）
	times     []time.Time
	durations []float64
}

func newVariantEvaluator(env *cel.Env, spec *ruleset.TriggerSpec) (*variantEvaluator, error) {
	v := &variantEvaluator{spec: spec}
	switch spec.Type {
	case ruleset.TriggerRequestCount, ruleset.TriggerResponseStatus:
		n, err := spec.Threshold.Count()
		if err != nil {
			return nil, err
		}
		v.countThreshold = n
	case ruleset.TriggerRequestDuration:
		d, err := spec.Threshold.AsDuration()
		if err != nil {
			return nil, err
		}
		v.thresholdMs = float64(d.Std()) / float64(time.Millisecond)
		v.minSamples = spec.MinSamples
		if v.minSamples < 1 {
			v.minSamples = 1
		}
	case ruleset.TriggerExpression:
		program, err := compileExpression(env, spec.Expression)
		if err != nil {
			return nil, err
		}
		v.program = program
	}
	return v, nil
}

// observe 对单条样本求值，返回是否fire
// 阈值触发器在每条满足比较的样本上都fire（不做边沿检测），
// 限流完全由Throttle Controller负责
func (v *variantEvaluator) observe(sample types.Sample) (bool, error) {
	switch v.spec.Type {
	case ruleset.TriggerCounterThreshold:
		return v.spec.Comparator.Compare(sample.Value, v.spec.Value), nil

	case ruleset.TriggerRequestCount:
		if sample.Kind != types.SampleRequest {
			return false, nil
		}
		v.evict(sample.Timestamp)
		v.times = append(v.times, sample.Timestamp)
		return len(v.times) >= v.countThreshold, nil

	case ruleset.TriggerRequestDuration:
		if sample.Kind != types.SampleRequest {
			return false, nil
		}
		v.evict(sample.Timestamp)
		v.times = append(v.times, sample.Timestamp)
		v.durations = append(v.durations, sample.DurationMs)
		if len(v.times) < v.minSamples {
			return false, nil
		}
		p := percentileOf(v.durations, v.spec.Percentile)
		return p > v.thresholdMs, nil

	case ruleset.TriggerResponseStatus:
		if sample.Kind != types.SampleRequest {
			return false, nil
		}
		if sample.Status < v.spec.StatusMin || sample.Status > v.spec.StatusMax {
			return false, nil
		}
		v.evict(sample.Timestamp)
		v.times = append(v.times, sample.Timestamp)
		return len(v.times) >= v.countThreshold, nil

	case ruleset.TriggerExpression:
		return evaluateExpression(v.program, sample)

	default:
		return false, nil
	}
}

// evict 淘汰滚动窗口外的样本
func (v *variantEvaluator) evict(now time.Time) {
	window := v.spec.Window.Std()
	if window <= 0 {
		return
	}
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(v.times) && v.times[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		v.times = append(v.times[:0], v.times[idx:]...)
		if v.durations != nil {
			v.durations = append(v.durations[:0], v.durations[idx:]...)
		}
	}
}

// percentileOf 计算耗时序列的p分位数（最近秩法）
func percentileOf(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(p/100*float64(len(sorted)) + 0.9999999)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
