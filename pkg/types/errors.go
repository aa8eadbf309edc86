package types

import (
	"errors"
	"fmt"
)

// ErrorKind 是引擎的错误分类
// 所有错误都被限制在最小的归属组件内，转化为状态/日志记录而不是向上崩溃
type ErrorKind string

const (
	ErrKindNone                ErrorKind = ""
	ErrKindConfiguration       ErrorKind = "configuration"
	ErrKindChannel             ErrorKind = "channel"
	ErrKindTriggerSubscription ErrorKind = "trigger_subscription"
	ErrKindAction              ErrorKind = "action"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindEgress              ErrorKind = "egress"
)

// ConfigurationError 表示规则/过滤器/动作定义错误
// 对应规则被加载为inert状态，引擎继续运行
type ConfigurationError struct {
	Rule   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("configuration error in rule %s: %s", e.Rule, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func NewConfigurationError(rule, format string, args ...interface{}) error {
	return &ConfigurationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// ChannelError 表示单个进程的通道传输错误
// 只影响该进程的实例，不影响连接器主循环
type ChannelError struct {
	PID int
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error for pid %d: %v", e.PID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// TriggerSubscriptionError 表示信号流订阅失败
// 对应实例进入Faulted终态，只有进程重连后新实例才会重试
type TriggerSubscriptionError struct {
	Rule string
	PID  int
	Err  error
}

func (e *TriggerSubscriptionError) Error() string {
	return fmt.Sprintf("trigger subscription failed for rule %s, pid %d: %v", e.Rule, e.PID, e.Err)
}

func (e *TriggerSubscriptionError) Unwrap() error { return e.Err }

// ActionError 表示动作执行失败，包含超时和产物外发失败
type ActionError struct {
	Kind   ErrorKind // ErrKindAction / ErrKindTimeout / ErrKindEgress
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed (%s): %v", e.Action, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func NewActionError(action string, err error) *ActionError {
	return &ActionError{Kind: ErrKindAction, Action: action, Err: err}
}

func NewActionTimeoutError(action string) *ActionError {
	return &ActionError{Kind: ErrKindTimeout, Action: action, Err: errors.New("deadline exceeded")}
}

func NewEgressError(action string, err error) *ActionError {
	return &ActionError{Kind: ErrKindEgress, Action: action, Err: err}
}

// KindOf 提取错误对应的分类，用于状态上报
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrKindNone
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ErrKindConfiguration
	}
	var che *ChannelError
	if errors.As(err, &che) {
		return ErrKindChannel
	}
	var te *TriggerSubscriptionError
	if errors.As(err, &te) {
		return ErrKindTriggerSubscription
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrKindAction
}
