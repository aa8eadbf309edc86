package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// ExpressionValidator 校验Expression触发器的CEL表达式
// 由触发器评估器注入，避免loader直接依赖CEL环境
type ExpressionValidator func(expression string) error

// Loader 负责从规则目录加载规则并产生RuleSet快照
type Loader struct {
	dir        string
	generation atomic.Uint64
	validate   ExpressionValidator
}

// NewLoader 创建一个新的规则加载器
func NewLoader(dir string, validator ExpressionValidator) *Loader {
	return &Loader{dir: dir, validate: validator}
}

// Directory 返回规则目录路径
func (l *Loader) Directory() string { return l.dir }

// Load 加载目录下所有规则文件，产生一个新generation的RuleSet
// 单个规则的配置错误不会导致加载失败，该规则被记录为inert
func (l *Loader) Load() (*RuleSet, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read rule directory failed: %w", err)
	}

	rs := &RuleSet{
		Generation: l.generation.Add(1),
		Inert:      make(map[string]error),
	}
	seen := make(map[string]string) // 规则名 -> 首次出现的文件

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		fullPath := filepath.Join(l.dir, file.Name())
		rule, err := l.loadRuleFile(fullPath, ext)
		if err != nil {
			// 文件级解析失败：以文件名记录，引擎继续
			logrus.WithFields(logrus.Fields{
				"file":  file.Name(),
				"error": err.Error(),
			}).Error("load rule file failed")
			rs.Inert[file.Name()] = err
			continue
		}

		if prev, dup := seen[rule.Name]; dup {
			rs.Inert[rule.Name] = types.NewConfigurationError(rule.Name,
				"duplicate rule name, already defined in %s", prev)
			continue
		}
		seen[rule.Name] = file.Name()

		if err := l.validateRule(rule); err != nil {
			logrus.WithFields(logrus.Fields{
				"rule":  rule.Name,
				"error": err.Error(),
			}).Error("rule is invalid, loading as inert")
			rs.Inert[rule.Name] = err
			continue
		}

		rs.Rules = append(rs.Rules, rule)
	}

	logrus.WithFields(logrus.Fields{
		"generation": rs.Generation,
		"rules":      len(rs.Rules),
		"inert":      len(rs.Inert),
	}).Info("rule set loaded")
	return rs, nil
}

// ValidateDocument 解析并校验一份规则文档（yaml或json），不落盘不加载
// 供API的规则预检接口使用
func (l *Loader) ValidateDocument(data []byte, format string) (*Rule, error) {
	var rule Rule
	if format == "json" {
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("parse json failed: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("parse yaml failed: %w", err)
		}
	}
	if err := l.validateRule(&rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// loadRuleFile 解析单个规则文件
func (l *Loader) loadRuleFile(path, ext string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file failed: %w", err)
	}

	var rule Rule
	if ext == ".json" {
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("parse json failed: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("parse yaml failed: %w", err)
		}
	}
	return &rule, nil
}

// validateRule 验证规则定义的有效性
// 未知的过滤器key、触发器类型、动作类型都属于配置错误
func (l *Loader) validateRule(rule *Rule) error {
	if rule.Name == "" {
		return types.NewConfigurationError("", "rule name is required")
	}

	for i := range rule.Filters {
		if err := validateFilter(rule.Name, &rule.Filters[i]); err != nil {
			return err
		}
	}

	if err := l.validateTrigger(rule.Name, &rule.Trigger); err != nil {
		return err
	}

	if len(rule.Actions) == 0 {
		return types.NewConfigurationError(rule.Name, "at least one action is required")
	}
	for i := range rule.Actions {
		if err := validateAction(rule.Name, &rule.Actions[i]); err != nil {
			return err
		}
	}

	if rule.Limits.ActionCount <= 0 {
		return types.NewConfigurationError(rule.Name, "limits.action_count must be positive")
	}
	if rule.Limits.ActionCountWindow < 0 || rule.Limits.RuleDuration < 0 {
		return types.NewConfigurationError(rule.Name, "limit durations must not be negative")
	}

	return nil
}

func validateFilter(ruleName string, f *Filter) error {
	switch f.Key {
	case FilterProcessID, FilterProcessName, FilterCommandLine:
	default:
		return types.NewConfigurationError(ruleName, "unknown filter key %q", f.Key)
	}
	switch f.MatchType {
	case MatchExact, MatchContains, "":
	default:
		return types.NewConfigurationError(ruleName, "unknown filter match type %q", f.MatchType)
	}
	if f.Value == "" {
		return types.NewConfigurationError(ruleName, "filter value is required for key %q", f.Key)
	}
	return nil
}

func (l *Loader) validateTrigger(ruleName string, t *TriggerSpec) error {
	switch t.Type {
	case TriggerStartup:
		// 无参数

	case TriggerCounterThreshold:
		if t.Provider == "" || t.Counter == "" {
			return types.NewConfigurationError(ruleName, "counter trigger requires provider and counter")
		}
		switch t.Comparator {
		case CompareGT, CompareLT, CompareGE, CompareLE, CompareEQ:
		default:
			return types.NewConfigurationError(ruleName, "unknown comparator %q", t.Comparator)
		}

	case TriggerRequestCount:
		if n, err := t.Threshold.Count(); t.Window <= 0 || err != nil || n <= 0 {
			return types.NewConfigurationError(ruleName, "request count trigger requires window and an integer threshold")
		}

	case TriggerRequestDuration:
		if t.Window <= 0 {
			return types.NewConfigurationError(ruleName, "request duration trigger requires window")
		}
		if t.Percentile <= 0 || t.Percentile > 100 {
			return types.NewConfigurationError(ruleName, "percentile must be in (0, 100]")
		}
		if d, err := t.Threshold.AsDuration(); err != nil || d <= 0 {
			return types.NewConfigurationError(ruleName, "request duration trigger requires a duration threshold")
		}
		if t.MinSamples < 0 {
			return types.NewConfigurationError(ruleName, "min_samples must not be negative")
		}

	case TriggerResponseStatus:
		if n, err := t.Threshold.Count(); t.Window <= 0 || err != nil || n <= 0 {
			return types.NewConfigurationError(ruleName, "response status trigger requires window and an integer threshold")
		}
		min, max, err := parseStatusRange(t.StatusRange)
		if err != nil {
			return types.NewConfigurationError(ruleName, "invalid status_range %q: %v", t.StatusRange, err)
		}
		t.StatusMin, t.StatusMax = min, max

	case TriggerExpression:
		if t.Expression == "" {
			return types.NewConfigurationError(ruleName, "expression trigger requires an expression")
		}
		if l.validate != nil {
			if err := l.validate(t.Expression); err != nil {
				return types.NewConfigurationError(ruleName, "invalid expression: %v", err)
			}
		}

	default:
		return types.NewConfigurationError(ruleName, "unknown trigger type %q", t.Type)
	}
	return nil
}

func validateAction(ruleName string, a *ActionSpec) error {
	switch a.Type {
	case ActionCollectDump, ActionCollectTrace, ActionCollectMetrics:
	default:
		return types.NewConfigurationError(ruleName, "unknown action type %q", a.Type)
	}
	// 产出产物的动作必须在加载时就配置好egress，而不是到触发时才发现
	if a.Type.ProducesArtifact() && a.Egress == "" {
		return types.NewConfigurationError(ruleName, "action %s produces an artifact but has no egress", a.Type)
	}
	return nil
}

// parseStatusRange 解析形如 "500-599" 或 "404" 的状态码范围
func parseStatusRange(raw string) (int, int, error) {
	if raw == "" {
		return 0, 0, fmt.Errorf("status_range is required")
	}
	parts := strings.SplitN(raw, "-", 2)
	min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	max := min
	if len(parts) == 2 {
		max, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, err
		}
	}
	if min > max || min < 100 || max > 599 {
		return 0, 0, fmt.Errorf("range %d-%d out of order or outside 100-599", min, max)
	}
	return min, max, nil
}
