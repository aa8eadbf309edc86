package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gopsproc "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/config"
	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// connect模式下按进程的socket命名约定：diag-<pid>.sock
var endpointPattern = regexp.MustCompile(`^diag-(\d+)\.sock$`)

// Connector 负责建立和维护到目标进程的诊断通道
// connect模式：按轮询间隔主动拨号每个进程的well-known端点
// listen模式：在固定端点监听，由进程在自身启动时接入
type Connector struct {
	cfg     *config.Config
	events  chan types.ChannelEvent
	metrics *metrics.EngineMetrics

	mu       sync.Mutex
	sessions map[int]*Session
	dialing  map[int]struct{} // connect模式在途拨号，避免同一端点并发重复拨号
	listener net.Listener
	running  bool

	ready chan struct{}
	wg    sync.WaitGroup
}

func NewConnector(cfg *config.Config, m *metrics.EngineMetrics) *Connector {
	return &Connector{
		cfg:      cfg,
		events:   make(chan types.ChannelEvent, cfg.Engine.BufferSize),
		metrics:  m,
		sessions: make(map[int]*Session),
		dialing:  make(map[int]struct{}),
		ready:    make(chan struct{}),
	}
}

// Events 返回通道事件流，由Process Registry消费
func (c *Connector) Events() <-chan types.ChannelEvent {
	return c.events
}

// Ready 返回就绪信号
func (c *Connector) Ready() <-chan struct{} {
	return c.ready
}

// Start 启动发现循环，不阻塞调用方
// listen模式下绑定端点失败是致命错误，由调用方终止启动
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connector already running")
	}
	c.running = true
	c.mu.Unlock()

	switch c.cfg.Channel.Mode {
	case "listen":
		socket := c.cfg.Channel.ListenSocket
		// 残留的socket文件会导致bind失败
		if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale listen socket failed: %w", err)
		}
		ln, err := net.Listen("unix", socket)
		if err != nil {
			return fmt.Errorf("bind listen socket %s failed: %w", socket, err)
		}
		c.mu.Lock()
		c.listener = ln
		c.mu.Unlock()

		c.wg.Add(1)
		go c.acceptLoop(ctx, ln)
		logrus.WithField("socket", socket).Info("Connector listening for target processes")

	case "connect":
		c.wg.Add(1)
		go c.pollLoop(ctx)
		logrus.WithFields(logrus.Fields{
			"dir":      c.cfg.Channel.EndpointDir,
			"interval": c.cfg.Channel.PollInterval.String(),
		}).Info("Connector polling for target process endpoints")

	default:
		return fmt.Errorf("unknown channel mode %q", c.cfg.Channel.Mode)
	}

	close(c.ready)
	return nil
}

// Stop 关闭所有会话和监听端点
func (c *Connector) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	ln := c.listener
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, s := range sessions {
		_ = s.Close()
	}

	c.wg.Wait()
	logrus.Info("Connector stopped")
	return nil
}

// pollLoop 是connect模式的发现循环
// 单个端点拨号失败只记录日志并在下个周期重试，绝不中断循环
func (c *Connector) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Channel.PollInterval.Std())
	defer ticker.Stop()

	c.scanEndpoints(ctx)
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Connector poll loop stopped by context")
			return
		case <-ticker.C:
			c.scanEndpoints(ctx)
		}
	}
}

// scanEndpoints 扫描端点目录并拨号新出现的进程
func (c *Connector) scanEndpoints(ctx context.Context) {
	entries, err := os.ReadDir(c.cfg.Channel.EndpointDir)
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("scan endpoint directory failed")
		return
	}

	for _, entry := range entries {
		m := endpointPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		c.mu.Lock()
		_, attached := c.sessions[pid]
		_, busy := c.dialing[pid]
		if !attached && !busy {
			c.dialing[pid] = struct{}{}
		}
		c.mu.Unlock()
		if attached || busy {
			continue
		}

		// 拨号和握手放在独立goroutine里，单个卡住的端点不会阻塞其他端点的发现
		path := filepath.Join(c.cfg.Channel.EndpointDir, entry.Name())
		c.wg.Add(1)
		go func(pid int, path string) {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				delete(c.dialing, pid)
				c.mu.Unlock()
			}()
			if err := c.dial(ctx, pid, path); err != nil {
				logrus.WithFields(logrus.Fields{
					"pid":   pid,
					"path":  path,
					"error": err.Error(),
				}).Debug("dial diagnostic endpoint failed, will retry")
			}
		}(pid, path)
	}
}

// dial 拨号单个进程端点并完成握手
func (c *Connector) dial(ctx context.Context, pid int, path string) error {
	conn, err := net.DialTimeout("unix", path, c.cfg.Channel.DialTimeout.Std())
	if err != nil {
		return err
	}

	proc, err := c.handshake(conn, pid)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.attach(proc, conn, false)
	return nil
}

// acceptLoop 是listen模式的接入循环
func (c *Connector) acceptLoop(ctx context.Context, ln net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				// Stop()关闭listener也会走到这里
				logrus.WithField("error", err.Error()).Debug("accept loop exiting")
			}
			return
		}

		// 每个接入的进程一个监督goroutine
		c.wg.Add(1)
		go func(conn net.Conn) {
			defer c.wg.Done()
			proc, err := c.handshake(conn, 0)
			if err != nil {
				logrus.WithField("error", err.Error()).Warn("handshake with connecting process failed")
				_ = conn.Close()
				return
			}
			c.attach(proc, conn, true)
		}(conn)
	}
}

// handshake 执行两阶段接入：AwaitingHandshake -> Attached
// 握手超时前绝不关闭连接；目标进程可能挂起自身初始化等待握手完成
func (c *Connector) handshake(conn net.Conn, expectPID int) (*types.TargetProcess, error) {
	deadline := time.Now().Add(c.cfg.Channel.HandshakeTimeout.Std())
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var msg inboundMessage
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("read handshake failed: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	if msg.Type != msgHandshake {
		return nil, fmt.Errorf("expected handshake, got message type %q", msg.Type)
	}
	if msg.PID <= 0 {
		return nil, fmt.Errorf("handshake missing pid")
	}
	if expectPID > 0 && msg.PID != expectPID {
		return nil, fmt.Errorf("handshake pid %d does not match endpoint pid %d", msg.PID, expectPID)
	}

	proc := &types.TargetProcess{
		PID:          msg.PID,
		Name:         msg.Name,
		CommandLine:  msg.CommandLine,
		SessionToken: uuid.NewString(),
	}
	fillIdentity(proc)
	return proc, nil
}

// fillIdentity 用操作系统信息补全握手中缺失的进程属性
func fillIdentity(proc *types.TargetProcess) {
	if proc.Name != "" && proc.CommandLine != "" {
		return
	}
	p, err := gopsproc.NewProcess(int32(proc.PID))
	if err != nil {
		logrus.WithField("pid", proc.PID).Debug("process identity lookup failed")
		return
	}
	if proc.Name == "" {
		if name, err := p.Name(); err == nil {
			proc.Name = name
		}
	}
	if proc.CommandLine == "" {
		if cmdline, err := p.Cmdline(); err == nil {
			proc.CommandLine = cmdline
		}
	}
}

// attach 注册会话并对外发布Attached事件
// 同一PID重复接入时旧会话被替换关闭
func (c *Connector) attach(proc *types.TargetProcess, conn net.Conn, sendResume bool) {
	session := newSession(proc.PID, conn, c.metrics, c.onSessionClosed)

	c.mu.Lock()
	old := c.sessions[proc.PID]
	c.sessions[proc.PID] = session
	c.mu.Unlock()

	if old != nil {
		logrus.WithField("pid", proc.PID).Warn("process re-attached, replacing previous session")
		// 替换场景不发Detached，Upsert会覆盖注册表条目
		old.clearOnClose()
		_ = old.Close()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		session.run()
	}()

	// listen模式：握手完成后通知进程恢复自身初始化
	if sendResume {
		if err := session.send(outboundCommand{Command: cmdResume}); err != nil {
			logrus.WithFields(logrus.Fields{
				"pid":   proc.PID,
				"error": err.Error(),
			}).Warn("send resume ack failed")
		}
	}

	if c.metrics != nil {
		c.metrics.IncrementAttached()
	}
	logrus.WithFields(logrus.Fields{
		"pid":   proc.PID,
		"name":  proc.Name,
		"token": proc.SessionToken,
	}).Info("target process attached")

	c.emit(types.ChannelEvent{
		Kind:    types.ChannelAttached,
		Process: proc,
		PID:     proc.PID,
		Source:  session,
	})
}

// onSessionClosed 处理单个会话的关闭
func (c *Connector) onSessionClosed(pid int, err error) {
	c.mu.Lock()
	delete(c.sessions, pid)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.IncrementDetached()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"pid":   pid,
			"error": err.Error(),
		}).Warn("diagnostic channel failed, detaching process")
		c.emit(types.ChannelEvent{Kind: types.ChannelFailed, PID: pid, Err: err})
	} else {
		logrus.WithField("pid", pid).Info("target process detached")
	}
	c.emit(types.ChannelEvent{Kind: types.ChannelDetached, PID: pid})
}

// emit 发布通道事件，消费过慢时丢弃并计数
func (c *Connector) emit(ev types.ChannelEvent) {
	select {
	case c.events <- ev:
	default:
		if c.metrics != nil {
			c.metrics.IncrementWatcherDropped()
		}
		logrus.WithField("pid", ev.PID).Warn("channel event consumer is slow, dropping event")
	}
}

// Session 返回指定进程的活跃会话
func (c *Connector) Session(pid int) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[pid]
	return s, ok
}
