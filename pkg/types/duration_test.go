package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// 测试yaml中的duration字符串写法
func TestDurationUnmarshalYAML(t *testing.T) {
	var doc struct {
		Window Duration `yaml:"window"`
		Raw    Duration `yaml:"raw"`
	}
	err := yaml.Unmarshal([]byte("window: 1h30m\nraw: 5000000000"), &doc)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Minute, doc.Window.Std())
	assert.Equal(t, 5*time.Second, doc.Raw.Std())

	err = yaml.Unmarshal([]byte("window: sometimes"), &doc)
	assert.Error(t, err)
}

// 测试json编解码往返
func TestDurationJSON(t *testing.T) {
	d := Duration(30 * time.Second)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"30s"`, string(data))

	var back Duration
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)
}

// 测试错误分类的提取
func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrKindNone, KindOf(nil))
	assert.Equal(t, ErrKindConfiguration, KindOf(NewConfigurationError("r", "bad")))
	assert.Equal(t, ErrKindChannel, KindOf(&ChannelError{PID: 1}))
	assert.Equal(t, ErrKindTriggerSubscription, KindOf(&TriggerSubscriptionError{Rule: "r", PID: 1}))
	assert.Equal(t, ErrKindAction, KindOf(NewActionError("CollectDump", nil)))
	assert.Equal(t, ErrKindTimeout, KindOf(NewActionTimeoutError("CollectDump")))
	assert.Equal(t, ErrKindEgress, KindOf(NewEgressError("CollectDump", nil)))
}

// 测试实例状态的终态判定
func TestInstanceStateTerminal(t *testing.T) {
	assert.False(t, InstanceStarting.Terminal())
	assert.False(t, InstanceRunning.Terminal())
	assert.False(t, InstanceThrottled.Terminal())
	assert.True(t, InstanceExpired.Terminal())
	assert.True(t, InstanceFaulted.Terminal())
}
