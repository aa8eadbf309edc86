package ruleset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
	require.NoError(t, err)
}

// 测试正常规则文件的加载
func TestLoadValidRules(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "cpu.yaml", `
name: high-cpu
filters:
  - key: ProcessName
    value: myservice
trigger:
  type: CounterThreshold
  provider: System.Runtime
  counter: cpu-usage
  comparator: ">"
  value: 80
actions:
  - type: CollectDump
    egress: local
limits:
  action_count: 2
  action_count_window: 1h
`)
	writeRuleFile(t, dir, "startup.json", `{
  "name": "on-startup",
  "trigger": {"type": "Startup"},
  "actions": [{"type": "CollectMetrics", "egress": "local"}],
  "limits": {"action_count": 1}
}`)

	loader := NewLoader(dir, nil)
	rs, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rs.Generation)
	assert.Len(t, rs.Rules, 2)
	assert.Empty(t, rs.Inert)

	rule := rs.Find("high-cpu")
	require.NotNil(t, rule)
	assert.Equal(t, TriggerCounterThreshold, rule.Trigger.Type)
	assert.Equal(t, CompareGT, rule.Trigger.Comparator)
	assert.Equal(t, 2, rule.Limits.ActionCount)

	// 每次加载递增generation
	rs2, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rs2.Generation)
}

// 测试无效规则被记录为inert，其余规则正常加载
func TestLoadInertRules(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "good.yaml", `
name: good
trigger:
  type: Startup
actions:
  - type: CollectTrace
    egress: local
limits:
  action_count: 1
`)
	// 未知的触发器类型
	writeRuleFile(t, dir, "bad_trigger.yaml", `
name: bad-trigger
trigger:
  type: OnMagic
actions:
  - type: CollectDump
    egress: local
limits:
  action_count: 1
`)
	// 产出产物但没有配置egress
	writeRuleFile(t, dir, "no_egress.yaml", `
name: no-egress
trigger:
  type: Startup
actions:
  - type: CollectDump
limits:
  action_count: 1
`)
	// yaml语法错误
	writeRuleFile(t, dir, "broken.yaml", "name: [unclosed")

	loader := NewLoader(dir, nil)
	rs, err := loader.Load()
	require.NoError(t, err)

	assert.Len(t, rs.Rules, 1)
	assert.NotNil(t, rs.Find("good"))
	assert.Len(t, rs.Inert, 3)
	assert.Contains(t, rs.Inert, "bad-trigger")
	assert.Contains(t, rs.Inert, "no-egress")
	assert.Contains(t, rs.Inert, "broken.yaml")
}

// 测试重名规则只保留第一个，后出现的记录为inert
func TestLoadDuplicateRuleNames(t *testing.T) {
	dir := t.TempDir()
	content := `
name: dup
trigger:
  type: Startup
actions:
  - type: CollectMetrics
    egress: local
limits:
  action_count: 1
`
	writeRuleFile(t, dir, "a.yaml", content)
	writeRuleFile(t, dir, "b.yaml", content)

	loader := NewLoader(dir, nil)
	rs, err := loader.Load()
	require.NoError(t, err)

	assert.Len(t, rs.Rules, 1)
	assert.Contains(t, rs.Inert, "dup")
}

// 测试各触发器变体的参数校验
func TestValidateTriggerVariants(t *testing.T) {
	loader := NewLoader(t.TempDir(), nil)

	cases := []struct {
		name    string
		trigger TriggerSpec
		wantErr bool
	}{
		{"startup", TriggerSpec{Type: TriggerStartup}, false},
		{"counter missing provider", TriggerSpec{Type: TriggerCounterThreshold, Counter: "c", Comparator: CompareGT}, true},
		{"counter bad comparator", TriggerSpec{Type: TriggerCounterThreshold, Provider: "p", Counter: "c", Comparator: "!="}, true},
		{"request count no window", TriggerSpec{Type: TriggerRequestCount, Threshold: "5"}, true},
		{"request duration bad percentile", TriggerSpec{Type: TriggerRequestDuration, Window: 1, Percentile: 150, Threshold: "200ms"}, true},
		{"request duration count threshold", TriggerSpec{Type: TriggerRequestDuration, Window: 1, Percentile: 95, Threshold: "abc"}, true},
		{"status range reversed", TriggerSpec{Type: TriggerResponseStatus, Window: 1, Threshold: "1", StatusRange: "599-500"}, true},
		{"status single code", TriggerSpec{Type: TriggerResponseStatus, Window: 1, Threshold: "1", StatusRange: "404"}, false},
		{"expression empty", TriggerSpec{Type: TriggerExpression}, true},
	}

	for _, tc := range cases {
		err := loader.validateTrigger("t", &tc.trigger)
		if tc.wantErr {
			assert.Error(t, err, tc.name)
		} else {
			assert.NoError(t, err, tc.name)
		}
	}
}

// 测试状态码区间的解析结果
func TestParseStatusRange(t *testing.T) {
	loader := NewLoader(t.TempDir(), nil)

	trigger := TriggerSpec{Type: TriggerResponseStatus, Window: 1, Threshold: "1", StatusRange: "500-599"}
	err := loader.validateTrigger("t", &trigger)
	assert.NoError(t, err)
	assert.Equal(t, 500, trigger.StatusMin)
	assert.Equal(t, 599, trigger.StatusMax)

	single := TriggerSpec{Type: TriggerResponseStatus, Window: 1, Threshold: "1", StatusRange: "404"}
	err = loader.validateTrigger("t", &single)
	assert.NoError(t, err)
	assert.Equal(t, 404, single.StatusMin)
	assert.Equal(t, 404, single.StatusMax)
}

// 测试threshold标量按触发器类型区分解析：
// 计数触发器写整数，RequestDuration直接写时长
func TestLoadThresholdScalarPerTrigger(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "slow.yaml", `
name: slow-requests
trigger:
  type: RequestDuration
  window: 1m
  percentile: 95
  threshold: 200ms
  min_samples: 10
actions:
  - type: CollectTrace
    egress: local
limits:
  action_count: 1
`)
	writeRuleFile(t, dir, "burst.yaml", `
name: request-burst
trigger:
  type: RequestCount
  window: 10s
  threshold: 100
actions:
  - type: CollectDump
    egress: local
limits:
  action_count: 1
`)

	loader := NewLoader(dir, nil)
	rs, err := loader.Load()
	require.NoError(t, err)
	assert.Empty(t, rs.Inert)

	slow := rs.Find("slow-requests")
	require.NotNil(t, slow)
	d, err := slow.Trigger.Threshold.AsDuration()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, d.Std())
	assert.Equal(t, 10, slow.Trigger.MinSamples)

	burst := rs.Find("request-burst")
	require.NotNil(t, burst)
	n, err := burst.Trigger.Threshold.Count()
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

// 测试规则文档预检接口
func TestValidateDocument(t *testing.T) {
	loader := NewLoader(t.TempDir(), nil)

	rule, err := loader.ValidateDocument([]byte(`
name: ok
trigger:
  type: Startup
actions:
  - type: CollectDump
    egress: local
limits:
  action_count: 1
`), "yaml")
	assert.NoError(t, err)
	assert.Equal(t, "ok", rule.Name)

	_, err = loader.ValidateDocument([]byte(`{"name": "bad", "trigger": {"type": "Nope"}}`), "json")
	assert.Error(t, err)
}
