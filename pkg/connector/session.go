package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/metrics"
	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// 单条消息的上限，产物以base64内联返回，需要足够大的缓冲
const maxMessageSize = 64 * 1024 * 1024

// subscription 表示会话上的一个信号订阅
type subscription struct {
	spec types.SubscriptionSpec
	ch   chan types.Sample
}

// Session 表示与单个目标进程的活跃诊断会话
// 实现types.DiagnosticSession：信号订阅与产物采集
type Session struct {
	pid  int
	conn net.Conn

	wmu sync.Mutex // 保护向conn的写入
	enc *json.Encoder

	mu      sync.RWMutex
	subs    map[string]*subscription
	pending map[string]chan *inboundMessage
	closed  bool

	nextID  uint64
	idMu    sync.Mutex
	metrics *metrics.EngineMetrics
	onClose func(pid int, err error)
	done    chan struct{}
}

func newSession(pid int, conn net.Conn, m *metrics.EngineMetrics, onClose func(int, error)) *Session {
	return &Session{
		pid:     pid,
		conn:    conn,
		enc:     json.NewEncoder(conn),
		subs:    make(map[string]*subscription),
		pending: make(map[string]chan *inboundMessage),
		metrics: m,
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

// run 是会话的读循环，解码进程侧消息并分发
// 读错误只关闭本会话，不影响其他进程的通道
func (s *Session) run() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	var readErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"pid":   s.pid,
				"error": err.Error(),
			}).Warn("discarding malformed message from diagnostic channel")
			continue
		}

		if msg.Type == msgArtifact {
			s.deliverArtifact(&msg)
			continue
		}
		if sample, ok := msg.toSample(); ok {
			s.dispatch(sample)
		}
	}
	if err := scanner.Err(); err != nil {
		readErr = &types.ChannelError{PID: s.pid, Err: err}
	}

	s.close(readErr)
}

// dispatch 将样本投递给所有匹配的订阅，消费过慢时丢弃
func (s *Session) dispatch(sample types.Sample) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if !specMatches(sub.spec, sample) {
			continue
		}
		select {
		case sub.ch <- sample:
		default:
			if s.metrics != nil {
				s.metrics.IncrementWatcherDropped()
			}
		}
	}
}

func specMatches(spec types.SubscriptionSpec, sample types.Sample) bool {
	if spec.Kind != sample.Kind {
		return false
	}
	if spec.Kind == types.SampleCounter {
		return spec.Provider == sample.Provider && spec.Counter == sample.Counter
	}
	return true
}

// deliverArtifact 把产物响应交给等待中的collect调用
func (s *Session) deliverArtifact(msg *inboundMessage) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if ok {
		ch <- msg
	}
}

// Subscribe 订阅信号流
// 返回的release函数负责取消订阅并释放通道，必须在所有退出路径上调用
func (s *Session) Subscribe(ctx context.Context, spec types.SubscriptionSpec) (<-chan types.Sample, func(), error) {
	id := s.allocID("s")
	sub := &subscription{
		spec: spec,
		ch:   make(chan types.Sample, 100),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, &types.ChannelError{PID: s.pid, Err: fmt.Errorf("session closed")}
	}
	s.subs[id] = sub
	s.mu.Unlock()

	cmd := outboundCommand{
		Command:  cmdSubscribe,
		ID:       id,
		Stream:   streamFor(spec),
		Provider: spec.Provider,
		Counter:  spec.Counter,
	}
	if err := s.send(cmd); err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return nil, nil, &types.ChannelError{PID: s.pid, Err: err}
	}

	if s.metrics != nil {
		s.metrics.IncrementSubscriptionsOpen()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub.ch)
			}
			s.mu.Unlock()
			// 会话可能已经关闭，取消订阅命令发送失败可以忽略
			_ = s.send(outboundCommand{Command: cmdUnsubscribe, ID: id})
			if s.metrics != nil {
				s.metrics.IncrementSubscriptionsDone()
			}
		})
	}

	return sub.ch, release, nil
}

// Collect 通过诊断通道请求一个产物，返回产物内容的读取流
func (s *Session) Collect(ctx context.Context, kind string, settings map[string]string) (io.ReadCloser, error) {
	id := s.allocID("c")
	reply := make(chan *inboundMessage, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &types.ChannelError{PID: s.pid, Err: fmt.Errorf("session closed")}
	}
	s.pending[id] = reply
	s.mu.Unlock()

	cmd := outboundCommand{
		Command:  cmdCollect,
		ID:       id,
		Kind:     kind,
		Settings: settings,
	}
	if err := s.send(cmd); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, &types.ChannelError{PID: s.pid, Err: err}
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	case <-s.done:
		return nil, &types.ChannelError{PID: s.pid, Err: fmt.Errorf("session closed while collecting")}
	case msg := <-reply:
		if msg == nil {
			return nil, &types.ChannelError{PID: s.pid, Err: fmt.Errorf("session closed while collecting")}
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("target process reported collect failure: %s", msg.Error)
		}
		return io.NopCloser(bytes.NewReader(msg.Data)), nil
	}
}

// send 向目标进程写入一条命令
func (s *Session) send(cmd outboundCommand) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(cmd)
}

func (s *Session) allocID(prefix string) string {
	s.idMu.Lock()
	s.nextID++
	n := s.nextID
	s.idMu.Unlock()
	return prefix + strconv.FormatUint(n, 10)
}

// close 关闭会话并通知上游
// 未完成的collect请求收到nil应答，订阅通道被关闭
func (s *Session) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	onClose := s.onClose
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.Close()

	if onClose != nil {
		onClose(s.pid, err)
	}
}

// clearOnClose 取消关闭回调，用于同PID重复接入时替换旧会话
func (s *Session) clearOnClose() {
	s.mu.Lock()
	s.onClose = nil
	s.mu.Unlock()
}

// Close 主动关闭会话
func (s *Session) Close() error {
	s.close(nil)
	return nil
}
