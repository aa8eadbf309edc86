package trigger

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haolipeng/diag_collect_engine/pkg/ruleset"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// Instance 是一条规则与一个目标进程的活跃绑定
// 由Trigger Evaluator与Throttle Controller独占管理
type Instance struct {
	Rule       *ruleset.Rule
	Process    types.TargetProcess
	Generation uint64
	StartedAt  time.Time

	mu            sync.Mutex
	state         types.InstanceState
	fired         []time.Time // 滑动窗口计数用的fire时间序列，只由Throttle Controller修改
	fireCount     uint64
	admittedCount uint64
	lastResults   []types.ActionResult
	lastErr       error

	inFlight atomic.Bool // 动作执行互斥：同一实例最多一次在途执行
	tornDown atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// instanceKey 唯一标识一个(规则, 进程)绑定
func instanceKey(ruleName string, pid int) string {
	return ruleName + "|" + strconv.Itoa(pid)
}

func (i *Instance) key() string {
	return instanceKey(i.Rule.Name, i.Process.PID)
}

// State 返回当前状态
func (i *Instance) State() types.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// setState 执行状态转换
// 终态不可离开；除 Running <-> Throttled 外转换单调
func (i *Instance) setState(next types.InstanceState) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state.Terminal() {
		return false
	}
	i.state = next
	return true
}

// setFaulted 进入Faulted终态并记录原因
func (i *Instance) setFaulted(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state.Terminal() {
		return
	}
	i.state = types.InstanceFaulted
	i.lastErr = err
}

// AppendFire 追加一次fire并返回追加前窗口内已有的fire数
// window为0表示整个生命周期内计数，不做淘汰
// 只允许Throttle Controller调用
func (i *Instance) AppendFire(ts time.Time, window time.Duration) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	if window > 0 {
		cutoff := ts.Add(-window)
		kept := i.fired[:0]
		for _, t := range i.fired {
			if !t.Before(cutoff) {
				kept = append(kept, t)
			}
		}
		i.fired = kept
	}
	prior := len(i.fired)
	i.fired = append(i.fired, ts)
	i.fireCount++
	return prior
}

// MarkAdmitted 记录一次通过准入的fire
func (i *Instance) MarkAdmitted() {
	i.mu.Lock()
	i.admittedCount++
	i.mu.Unlock()
}

// RecordResults 记录动作执行结果
// 实例已被拆除时结果被丢弃
func (i *Instance) RecordResults(results []types.ActionResult) {
	if i.tornDown.Load() {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastResults = results
	for _, r := range results {
		if !r.Success {
			i.lastErr = types.NewActionError(r.Action, nil)
			if r.Err == types.ErrKindTimeout {
				i.lastErr = types.NewActionTimeoutError(r.Action)
			} else if r.Err == types.ErrKindEgress {
				i.lastErr = types.NewEgressError(r.Action, nil)
			}
		}
	}
}

// ExpireByLimit 由Throttle Controller在规则生命周期超限时调用
func (i *Instance) ExpireByLimit() {
	i.setState(types.InstanceExpired)
}

// TornDown 判断实例是否已被拆除
func (i *Instance) TornDown() bool {
	return i.tornDown.Load()
}

// TryAcquireExecution 尝试获取执行权，同一实例最多一次在途执行
func (i *Instance) TryAcquireExecution() bool {
	return i.inFlight.CompareAndSwap(false, true)
}

// ReleaseExecution 释放执行权
func (i *Instance) ReleaseExecution() {
	i.inFlight.Store(false)
}

// Snapshot 生成只读状态快照
func (i *Instance) Snapshot() types.RuleInstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := types.RuleInstanceSnapshot{
		RuleName:      i.Rule.Name,
		PID:           i.Process.PID,
		ProcessName:   i.Process.Name,
		SessionToken:  i.Process.SessionToken,
		State:         i.state.String(),
		StartedAt:     i.StartedAt,
		FireCount:     i.fireCount,
		AdmittedCount: i.admittedCount,
	}
	if len(i.lastResults) > 0 {
		snap.LastResults = append([]types.ActionResult(nil), i.lastResults...)
	}
	if i.lastErr != nil {
		snap.LastError = i.lastErr.Error()
		snap.LastErrorKind = types.KindOf(i.lastErr)
	}
	return snap
}
