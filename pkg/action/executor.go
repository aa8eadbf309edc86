package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/egress"
	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/ruleset"
	"github.com/haolipeng/diag_collect_engine/pkg/trigger"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// SourceLookup 按PID查找进程的产物采集通道
type SourceLookup func(pid int) (types.ArtifactSource, bool)

// Executor 执行规则的有序动作列表
// 同一实例最多一次在途执行；整个动作列表共享一个执行期限
type Executor struct {
	egress  *egress.Registry
	lookup  SourceLookup
	timeout time.Duration
	metrics *metrics.EngineMetrics
	wg      sync.WaitGroup
}

func NewExecutor(eg *egress.Registry, lookup SourceLookup, timeout time.Duration, m *metrics.EngineMetrics) *Executor {
	return &Executor{
		egress:  eg,
		lookup:  lookup,
		timeout: timeout,
		metrics: m,
	}
}

// TryExecute 尝试为已准入的fire启动一次执行
// 上一次执行仍在进行时本次fire被丢弃（missed），不排队
func (x *Executor) TryExecute(inst *trigger.Instance) {
	if !inst.TryAcquireExecution() {
		if x.metrics != nil {
			x.metrics.IncrementMissed()
		}
		logrus.WithFields(logrus.Fields{
			"rule": inst.Rule.Name,
			"pid":  inst.Process.PID,
		}).Warn("previous execution still in flight, dropping admitted fire")
		return
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer inst.ReleaseExecution()

		ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
		defer cancel()

		results := x.Execute(ctx, inst, inst.Rule.Actions)
		// 实例已拆除时结果被丢弃
		inst.RecordResults(results)
	}()
}

// Execute 顺序执行动作列表
// 期限耗尽后剩余动作跳过并报告Timeout，已完成动作的结果保留
func (x *Executor) Execute(ctx context.Context, inst *trigger.Instance, specs []ruleset.ActionSpec) []types.ActionResult {
	results := make([]types.ActionResult, 0, len(specs))

	for _, spec := range specs {
		if ctx.Err() != nil {
			results = append(results, types.ActionResult{
				Action: string(spec.Type),
				Err:    types.ErrKindTimeout,
				Detail: "skipped: shared deadline elapsed",
			})
			if x.metrics != nil {
				x.metrics.IncrementActionsTimedOut()
			}
			continue
		}

		start := time.Now()
		ref, err := x.runAction(ctx, inst, &spec)
		elapsed := time.Since(start)

		result := types.ActionResult{
			Action:   string(spec.Type),
			Duration: elapsed,
		}
		if err != nil {
			result.Err = types.KindOf(err)
			result.Detail = err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				result.Err = types.ErrKindTimeout
			}
			if x.metrics != nil {
				if result.Err == types.ErrKindTimeout {
					x.metrics.IncrementActionsTimedOut()
				} else {
					x.metrics.IncrementActionsFailed()
				}
			}
			logrus.WithFields(logrus.Fields{
				"rule":   inst.Rule.Name,
				"pid":    inst.Process.PID,
				"action": spec.Type,
				"error":  err.Error(),
			}).Error("action failed")
		} else {
			result.Success = true
			result.ArtifactRef = ref
			if x.metrics != nil {
				x.metrics.IncrementActionsExecuted()
				x.metrics.AddActionTime(elapsed)
			}
		}
		results = append(results, result)
	}

	return results
}

// runAction 执行单个动作：通过诊断通道采集产物并交给命名egress
func (x *Executor) runAction(ctx context.Context, inst *trigger.Instance, spec *ruleset.ActionSpec) (string, error) {
	kind := spec.Type.ArtifactKind()
	if kind == "" {
		// 加载时已验证过动作类型，能到这里说明配置层出了问题
		return "", types.NewActionError(string(spec.Type), fmt.Errorf("unexecutable action type"))
	}

	source, ok := x.lookup(inst.Process.PID)
	if !ok {
		return "", types.NewActionError(string(spec.Type),
			&types.ChannelError{PID: inst.Process.PID, Err: fmt.Errorf("no active session")})
	}

	artifact, err := source.Collect(ctx, kind, spec.Settings)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", types.NewActionTimeoutError(string(spec.Type))
		}
		return "", types.NewActionError(string(spec.Type), err)
	}
	defer artifact.Close()

	sink, ok := x.egress.Get(spec.Egress)
	if !ok {
		// egress绑定在加载时校验，缺失属于配置回归
		return "", types.NewEgressError(string(spec.Type), fmt.Errorf("egress %q not configured", spec.Egress))
	}

	ref, err := sink.Write(ctx, egress.Meta{
		Rule:   inst.Rule.Name,
		PID:    inst.Process.PID,
		Kind:   kind,
		Action: string(spec.Type),
	}, artifact)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", types.NewActionTimeoutError(string(spec.Type))
		}
		return "", types.NewEgressError(string(spec.Type), err)
	}

	if x.metrics != nil {
		x.metrics.IncrementArtifactsWritten()
	}
	return ref, nil
}

// Stop 等待所有在途执行结束
func (x *Executor) Stop() {
	x.wg.Wait()
}
