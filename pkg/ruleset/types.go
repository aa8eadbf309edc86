package ruleset

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// FilterKey 表示过滤器匹配的进程属性
type FilterKey string

const (
	FilterProcessID   FilterKey = "ProcessId"
	FilterProcessName FilterKey = "ProcessName"
	FilterCommandLine FilterKey = "CommandLine"
)

// MatchType 表示过滤器的匹配方式
type MatchType string

const (
	MatchExact    MatchType = "Exact"    // 区分大小写的全串相等
	MatchContains MatchType = "Contains" // 子串包含
)

// Filter 表示规则对进程属性的单个过滤条件
type Filter struct {
	Key       FilterKey `yaml:"key" json:"key"`
	Value     string    `yaml:"value" json:"value"`
	MatchType MatchType `yaml:"match_type,omitempty" json:"match_type,omitempty"` // 缺省为Exact
}

// TriggerType 表示触发器的类型标签
type TriggerType string

const (
	TriggerStartup          TriggerType = "Startup"
	TriggerCounterThreshold TriggerType = "CounterThreshold"
	TriggerRequestCount     TriggerType = "RequestCount"
	TriggerRequestDuration  TriggerType = "RequestDuration"
	TriggerResponseStatus   TriggerType = "ResponseStatus"
	TriggerExpression       TriggerType = "Expression"
)

// Comparator 表示计数器阈值触发器的比较运算符
type Comparator string

const (
	CompareGT Comparator = ">"
	CompareLT Comparator = "<"
	CompareGE Comparator = ">="
	CompareLE Comparator = "<="
	CompareEQ Comparator = "=="
)

// Compare 对样本值和阈值执行比较
func (c Comparator) Compare(value, threshold float64) bool {
	switch c {
	case CompareGT:
		return value > threshold
	case CompareLT:
		return value < threshold
	case CompareGE:
		return value >= threshold
	case CompareLE:
		return value <= threshold
	case CompareEQ:
		return value == threshold
	default:
		return false
	}
}

// TriggerSpec 表示触发条件定义
// 按Type区分的封闭联合类型，未知Type在加载时报配置错误
type TriggerSpec struct {
	Type TriggerType `yaml:"type" json:"type"`

	// CounterThreshold
	Provider   string     `yaml:"provider,omitempty" json:"provider,omitempty"`
	Counter    string     `yaml:"counter,omitempty" json:"counter,omitempty"`
	Comparator Comparator `yaml:"comparator,omitempty" json:"comparator,omitempty"`
	Value      float64    `yaml:"value,omitempty" json:"value,omitempty"`

	// RequestCount / RequestDuration / ResponseStatus 共用的滚动窗口
	// threshold对计数触发器是整数，对RequestDuration是时长（如 "200ms"）
	Window    types.Duration  `yaml:"window,omitempty" json:"window,omitempty"`
	Threshold ScalarThreshold `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// RequestDuration
	Percentile float64 `yaml:"percentile,omitempty" json:"percentile,omitempty"`
	MinSamples int     `yaml:"min_samples,omitempty" json:"min_samples,omitempty"` // 计算分位数所需的最小样本量，缺省1

	// ResponseStatus，形如 "500-599" 或 "404"
	StatusRange string `yaml:"status_range,omitempty" json:"status_range,omitempty"`

	// Expression（CEL表达式，对每条样本求值）
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	// 由Validate从StatusRange解析得到
	StatusMin int `yaml:"-" json:"-"`
	StatusMax int `yaml:"-" json:"-"`
}

// ScalarThreshold 承载各窗口触发器共用的threshold标量
// RequestCount/ResponseStatus按整数计数解析，RequestDuration按时长解析
type ScalarThreshold string

func (s *ScalarThreshold) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		var n int64
		if err2 := unmarshal(&n); err2 != nil {
			return err
		}
		*s = ScalarThreshold(strconv.FormatInt(n, 10))
		return nil
	}
	*s = ScalarThreshold(raw)
	return nil
}

func (s ScalarThreshold) MarshalYAML() (interface{}, error) {
	if n, err := strconv.Atoi(string(s)); err == nil {
		return n, nil
	}
	return string(s), nil
}

func (s *ScalarThreshold) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n json.Number
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return err
		}
		*s = ScalarThreshold(n.String())
		return nil
	}
	*s = ScalarThreshold(raw)
	return nil
}

func (s ScalarThreshold) MarshalJSON() ([]byte, error) {
	if n, err := strconv.Atoi(string(s)); err == nil {
		return json.Marshal(n)
	}
	return json.Marshal(string(s))
}

// Count 按整数计数解析threshold
func (s ScalarThreshold) Count() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(s)))
	if err != nil {
		return 0, fmt.Errorf("threshold %q is not an integer", string(s))
	}
	return n, nil
}

// AsDuration 按时长解析threshold，裸数字按纳秒处理
func (s ScalarThreshold) AsDuration() (types.Duration, error) {
	raw := strings.TrimSpace(string(s))
	if raw == "" {
		return 0, fmt.Errorf("threshold is empty")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return types.Duration(n), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("threshold %q is not a duration: %w", raw, err)
	}
	return types.Duration(d), nil
}

// ActionType 表示动作的类型标签
type ActionType string

const (
	ActionCollectDump    ActionType = "CollectDump"
	ActionCollectTrace   ActionType = "CollectTrace"
	ActionCollectMetrics ActionType = "CollectMetrics"
)

// ProducesArtifact 判断动作类型是否产出需要外发的诊断产物
func (a ActionType) ProducesArtifact() bool {
	switch a {
	case ActionCollectDump, ActionCollectTrace, ActionCollectMetrics:
		return true
	default:
		return false
	}
}

// ArtifactKind 返回通过诊断通道请求产物时使用的类型名
func (a ActionType) ArtifactKind() string {
	switch a {
	case ActionCollectDump:
		return "dump"
	case ActionCollectTrace:
		return "trace"
	case ActionCollectMetrics:
		return "metrics"
	default:
		return ""
	}
}

// ActionSpec 表示单个动作定义，无状态描述符
type ActionSpec struct {
	Type     ActionType        `yaml:"type" json:"type"`
	Settings map[string]string `yaml:"settings,omitempty" json:"settings,omitempty"`
	Egress   string            `yaml:"egress,omitempty" json:"egress,omitempty"`
}

// Limits 表示规则的限流配置
type Limits struct {
	ActionCount int `yaml:"action_count" json:"action_count"`
	// 滑动窗口长度，缺省表示在实例整个生命周期内计数
	ActionCountWindow types.Duration `yaml:"action_count_window,omitempty" json:"action_count_window,omitempty"`
	// 规则生命周期上限，缺省表示无限
	RuleDuration types.Duration `yaml:"rule_duration,omitempty" json:"rule_duration,omitempty"`
}

// Rule 表示一条完整的采集规则
// 规则在一个generation内不可变，配置重载会产生新generation
type Rule struct {
	Name    string       `yaml:"name" json:"name"`
	Filters []Filter     `yaml:"filters,omitempty" json:"filters,omitempty"`
	Trigger TriggerSpec  `yaml:"trigger" json:"trigger"`
	Actions []ActionSpec `yaml:"actions" json:"actions"`
	Limits  Limits       `yaml:"limits" json:"limits"`
}

// Matches 判断规则是否适用于给定进程
// 所有过滤器按AND组合，空过滤器集匹配全部进程
func (r *Rule) Matches(proc types.TargetProcess) bool {
	for _, f := range r.Filters {
		if !f.Matches(proc) {
			return false
		}
	}
	return true
}

// Matches 对单个过滤器求值
func (f *Filter) Matches(proc types.TargetProcess) bool {
	var attr string
	switch f.Key {
	case FilterProcessID:
		attr = strconv.Itoa(proc.PID)
	case FilterProcessName:
		attr = proc.Name
	case FilterCommandLine:
		attr = proc.CommandLine
	default:
		// 未知key在加载时已报错，这里不匹配任何进程
		return false
	}

	switch f.MatchType {
	case MatchContains:
		return strings.Contains(attr, f.Value)
	case MatchExact, "":
		return attr == f.Value
	default:
		return false
	}
}

// RuleSet 是一次加载产生的完整规则集快照
// Matcher要么看到旧的完整集合，要么看到新的完整集合
type RuleSet struct {
	Generation uint64
	Rules      []*Rule
	// 加载为inert的规则及其配置错误，规则名为key
	Inert map[string]error
}

// Find 按名称查找规则
func (rs *RuleSet) Find(name string) *Rule {
	for _, r := range rs.Rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}
