package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/diag_collect_engine/pkg/config"
	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

func listenConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Channel.Mode = "listen"
	cfg.Channel.ListenSocket = filepath.Join(t.TempDir(), "engine.sock")
	cfg.Channel.HandshakeTimeout = types.Duration(2 * time.Second)
	cfg.Engine.BufferSize = 16
	return cfg
}

func connectConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Channel.Mode = "connect"
	cfg.Channel.EndpointDir = dir
	cfg.Channel.PollInterval = types.Duration(50 * time.Millisecond)
	cfg.Channel.DialTimeout = types.Duration(time.Second)
	cfg.Channel.HandshakeTimeout = types.Duration(2 * time.Second)
	cfg.Engine.BufferSize = 16
	return cfg
}

// sendLine 向连接写入一条JSON消息
func sendLine(t *testing.T, conn net.Conn, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func waitEvent(t *testing.T, events <-chan types.ChannelEvent, kind types.ChannelEventKind) types.ChannelEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for channel event kind %d", kind)
		}
	}
}

// 测试listen模式的两阶段接入：握手后发resume并发布Attached事件
func TestListenModeHandshake(t *testing.T) {
	cfg := listenConfig(t)
	c := NewConnector(cfg, &metrics.EngineMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	pid := os.Getpid()
	conn, err := net.Dial("unix", cfg.Channel.ListenSocket)
	require.NoError(t, err)
	defer conn.Close()

	sendLine(t, conn, inboundMessage{Type: msgHandshake, PID: pid, Name: "fake-target", CommandLine: "fake --flag"})

	ev := waitEvent(t, c.Events(), types.ChannelAttached)
	require.NotNil(t, ev.Process)
	assert.Equal(t, pid, ev.Process.PID)
	assert.Equal(t, "fake-target", ev.Process.Name)
	assert.NotEmpty(t, ev.Process.SessionToken)
	assert.NotNil(t, ev.Source)

	// 握手完成后引擎回发resume，进程据此恢复自身初始化
	var cmd outboundCommand
	require.NoError(t, json.NewDecoder(conn).Decode(&cmd))
	assert.Equal(t, cmdResume, cmd.Command)

	_, ok := c.Session(pid)
	assert.True(t, ok)
}

// 测试握手前连接断开不产生任何事件
func TestListenModeHandshakeFailure(t *testing.T) {
	cfg := listenConfig(t)
	cfg.Channel.HandshakeTimeout = types.Duration(200 * time.Millisecond)
	c := NewConnector(cfg, &metrics.EngineMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	conn, err := net.Dial("unix", cfg.Channel.ListenSocket)
	require.NoError(t, err)
	defer conn.Close()
	// 不发握手，等超时

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %v before handshake", ev.Kind)
	case <-time.After(500 * time.Millisecond):
	}
}

// 测试connect模式按端点命名约定轮询拨号
func TestConnectModeDiscovery(t *testing.T) {
	dir := t.TempDir()
	pid := os.Getpid()

	// 伪装目标进程：在well-known端点上监听并应答握手
	endpoint := filepath.Join(dir, "diag-"+strconv.Itoa(pid)+".sock")
	ln, err := net.Listen("unix", endpoint)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		data, _ := json.Marshal(inboundMessage{Type: msgHandshake, PID: pid, Name: "polled-target"})
		conn.Write(append(data, '\n'))
	}()

	// 不符合命名约定的文件应被忽略
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	cfg := connectConfig(t, dir)
	c := NewConnector(cfg, &metrics.EngineMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	ev := waitEvent(t, c.Events(), types.ChannelAttached)
	require.NotNil(t, ev.Process)
	assert.Equal(t, pid, ev.Process.PID)
	assert.Equal(t, "polled-target", ev.Process.Name)
}

// 测试信号订阅：subscribe命令下发后样本被投递给订阅者
func TestSessionSubscribeAndSamples(t *testing.T) {
	cfg := listenConfig(t)
	m := &metrics.EngineMetrics{}
	c := NewConnector(cfg, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	pid := os.Getpid()
	conn, err := net.Dial("unix", cfg.Channel.ListenSocket)
	require.NoError(t, err)
	defer conn.Close()

	sendLine(t, conn, inboundMessage{Type: msgHandshake, PID: pid, Name: "fake-target"})
	waitEvent(t, c.Events(), types.ChannelAttached)

	reader := bufio.NewReader(conn)
	readCommand := func() outboundCommand {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var cmd outboundCommand
		require.NoError(t, json.Unmarshal(line, &cmd))
		return cmd
	}
	require.Equal(t, cmdResume, readCommand().Command)

	session, ok := c.Session(pid)
	require.True(t, ok)

	samples, release, err := session.Subscribe(ctx, types.SubscriptionSpec{
		Kind:     types.SampleCounter,
		Provider: "System.Runtime",
		Counter:  "cpu-usage",
	})
	require.NoError(t, err)

	sub := readCommand()
	assert.Equal(t, cmdSubscribe, sub.Command)
	assert.Equal(t, streamCounters, sub.Stream)
	assert.Equal(t, "cpu-usage", sub.Counter)

	// 匹配订阅的样本被投递
	sendLine(t, conn, inboundMessage{
		Type: msgCounter, Provider: "System.Runtime", Counter: "cpu-usage",
		Value: 93.5, TS: time.Now().UnixNano(),
	})
	// 其他计数器的样本不投递
	sendLine(t, conn, inboundMessage{
		Type: msgCounter, Provider: "System.Runtime", Counter: "gc-pause",
		Value: 1, TS: time.Now().UnixNano(),
	})

	select {
	case sample := <-samples:
		assert.Equal(t, types.SampleCounter, sample.Kind)
		assert.Equal(t, 93.5, sample.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}
	select {
	case sample := <-samples:
		t.Fatalf("unexpected sample for counter %s", sample.Counter)
	case <-time.After(100 * time.Millisecond):
	}

	// 释放订阅后下发unsubscribe，打开/释放计数归零表示无泄漏
	release()
	assert.Equal(t, cmdUnsubscribe, readCommand().Command)
	assert.Equal(t, uint64(0), m.ActiveSubscriptions())
}

// 测试产物采集：collect命令的应答以内联数据返回
func TestSessionCollectArtifact(t *testing.T) {
	cfg := listenConfig(t)
	c := NewConnector(cfg, &metrics.EngineMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	pid := os.Getpid()
	conn, err := net.Dial("unix", cfg.Channel.ListenSocket)
	require.NoError(t, err)
	defer conn.Close()

	sendLine(t, conn, inboundMessage{Type: msgHandshake, PID: pid, Name: "fake-target"})
	waitEvent(t, c.Events(), types.ChannelAttached)

	reader := bufio.NewReader(conn)
	_, err = reader.ReadBytes('\n') // resume
	require.NoError(t, err)

	// 伪装进程应答collect请求
	go func() {
		cmdLine, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var cmd outboundCommand
		if json.Unmarshal(cmdLine, &cmd) != nil || cmd.Command != cmdCollect {
			return
		}
		data, _ := json.Marshal(inboundMessage{Type: msgArtifact, ID: cmd.ID, Data: []byte("dump-bytes")})
		conn.Write(append(data, '\n'))
	}()

	session, ok := c.Session(pid)
	require.True(t, ok)

	rc, err := session.Collect(ctx, "dump", map[string]string{"depth": "full"})
	require.NoError(t, err)
	defer rc.Close()

	payload, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "dump-bytes", string(payload))
}

// 测试进程断开后发布Detached事件并清理会话
func TestSessionCloseEmitsDetached(t *testing.T) {
	cfg := listenConfig(t)
	c := NewConnector(cfg, &metrics.EngineMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	pid := os.Getpid()
	conn, err := net.Dial("unix", cfg.Channel.ListenSocket)
	require.NoError(t, err)

	sendLine(t, conn, inboundMessage{Type: msgHandshake, PID: pid, Name: "fake-target"})
	waitEvent(t, c.Events(), types.ChannelAttached)

	conn.Close()
	ev := waitEvent(t, c.Events(), types.ChannelDetached)
	assert.Equal(t, pid, ev.PID)

	assert.Eventually(t, func() bool {
		_, ok := c.Session(pid)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
