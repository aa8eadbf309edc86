package throttle

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/trigger"
)

// Controller 是fire事件的唯一限流点
// 实例的fire时间序列只在这里被修改
type Controller struct {
	clock   clockwork.Clock
	metrics *metrics.EngineMetrics
}

func NewController(clock clockwork.Clock, m *metrics.EngineMetrics) *Controller {
	return &Controller{clock: clock, metrics: m}
}

// Admit 对单次fire做准入判断
// 准入只在fire的时刻评估一次，被拒绝的fire不会排队重试
func (c *Controller) Admit(inst *trigger.Instance, ts time.Time) trigger.Decision {
	limits := inst.Rule.Limits

	// 规则生命周期检查：超时即Expired终态，之后永不准入
	if d := limits.RuleDuration.Std(); d > 0 {
		if c.clock.Now().Sub(inst.StartedAt) > d {
			inst.ExpireByLimit()
			logrus.WithFields(logrus.Fields{
				"rule": inst.Rule.Name,
				"pid":  inst.Process.PID,
			}).Info("rule duration exceeded, instance expired")
			return trigger.AdmitExpired
		}
	}
	if inst.State().Terminal() {
		return trigger.AdmitExpired
	}

	// 滑动窗口计数：本次fire之前窗口内的数量必须严格小于限额
	window := limits.ActionCountWindow.Std()
	prior := inst.AppendFire(ts, window)
	if prior >= limits.ActionCount {
		logrus.WithFields(logrus.Fields{
			"rule":   inst.Rule.Name,
			"pid":    inst.Process.PID,
			"window": limits.ActionCountWindow.String(),
			"limit":  limits.ActionCount,
		}).Debug("fire rejected by sliding window limit")
		return trigger.AdmitThrottled
	}

	return trigger.AdmitOK
}
