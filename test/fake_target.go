package main

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"
)

// wireMessage 是诊断通道wire格式的测试侧定义
// 进程发向引擎的消息用type区分，引擎发来的命令用command区分
type wireMessage struct {
	Type string `json:"type,omitempty"`

	PID         int    `json:"pid,omitempty"`
	Name        string `json:"name,omitempty"`
	CommandLine string `json:"command_line,omitempty"`

	Provider   string  `json:"provider,omitempty"`
	Counter    string  `json:"counter,omitempty"`
	Value      float64 `json:"value,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Status     int     `json:"status,omitempty"`
	TS         int64   `json:"ts,omitempty"`

	ID   string `json:"id,omitempty"`
	Data []byte `json:"data,omitempty"`
}

type wireCommand struct {
	Command  string            `json:"command"`
	ID       string            `json:"id,omitempty"`
	Stream   string            `json:"stream,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Counter  string            `json:"counter,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// FakeTarget 是一个脚本化的目标进程
// 接入引擎端点、应答握手，自动响应collect请求
type FakeTarget struct {
	conn net.Conn
	wmu  sync.Mutex

	Resumed    chan struct{}
	Subscribes chan wireCommand
	Collects   chan wireCommand

	artifactPayload []byte
}

// NewFakeTarget 拨号引擎的listen端点并发送握手
func NewFakeTarget(socket string, pid int, name, cmdline string) (*FakeTarget, error) {
	conn, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		return nil, err
	}

	ft := &FakeTarget{
		conn:            conn,
		Resumed:         make(chan struct{}, 1),
		Subscribes:      make(chan wireCommand, 16),
		Collects:        make(chan wireCommand, 16),
		artifactPayload: []byte("e2e-artifact"),
	}

	if err := ft.send(wireMessage{Type: "handshake", PID: pid, Name: name, CommandLine: cmdline}); err != nil {
		conn.Close()
		return nil, err
	}

	go ft.readLoop()
	return ft, nil
}

func (ft *FakeTarget) readLoop() {
	scanner := bufio.NewScanner(ft.conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var cmd wireCommand
		if json.Unmarshal(scanner.Bytes(), &cmd) != nil {
			continue
		}
		switch cmd.Command {
		case "resume":
			select {
			case ft.Resumed <- struct{}{}:
			default:
			}
		case "subscribe":
			ft.Subscribes <- cmd
		case "unsubscribe":
			// 忽略
		case "collect":
			// 自动应答产物请求
			_ = ft.send(wireMessage{Type: "artifact", ID: cmd.ID, Data: ft.artifactPayload})
			ft.Collects <- cmd
		}
	}
}

func (ft *FakeTarget) send(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ft.wmu.Lock()
	defer ft.wmu.Unlock()
	_, err = ft.conn.Write(append(data, '\n'))
	return err
}

// SendCounter 发送一条计数器样本
func (ft *FakeTarget) SendCounter(provider, counter string, value float64) error {
	return ft.send(wireMessage{
		Type: "counter", Provider: provider, Counter: counter,
		Value: value, TS: time.Now().UnixNano(),
	})
}

// SendRequest 发送一条请求样本
func (ft *FakeTarget) SendRequest(status int, durationMs float64) error {
	return ft.send(wireMessage{
		Type: "request", Status: status, DurationMs: durationMs,
		TS: time.Now().UnixNano(),
	})
}

// Close 断开诊断通道，模拟进程退出
func (ft *FakeTarget) Close() error {
	return ft.conn.Close()
}
