package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 10 * time.Second
)

// Config 描述单个会话的发送侧配置。
type Config struct {
	// SendQueueSize 为发送队列容量，队列满时 Send 直接失败。
	SendQueueSize int
	// WriteTimeout 为单帧写出的超时时间，<=0 时使用默认值。
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// outbound 为发送队列中的一项，close 为 true 时表示优雅关闭的哨兵。
type outbound struct {
	data  []byte
	close bool
}

// WSSession 是基于 gorilla/websocket 的 Session 实现。
//
// 写出路径只在 writeLoop 协程中执行，gorilla 的 Conn 不支持并发写。
// sendQueue 从不关闭，退出统一通过 ctx 通知，避免向已关闭的 channel 写入。
type WSSession struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	conn *websocket.Conn
	cfg  Config

	remoteAddr net.Addr
	localAddr  net.Addr

	sendQueue chan outbound
	closing   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*WSSession)(nil)

// NewWSSession 基于已升级的连接创建会话并启动发送协程。
func NewWSSession(parent context.Context, id string, conn *websocket.Conn, cfg Config) *WSSession {
	s := newWSSession(parent, id, conn, cfg)
	go s.writeLoop()
	return s
}

func newWSSession(parent context.Context, id string, conn *websocket.Conn, cfg Config) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	s := &WSSession{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		conn:      conn,
		cfg:       cfg,
		sendQueue: make(chan outbound, cfg.SendQueueSize),
	}
	if conn != nil {
		s.remoteAddr = conn.RemoteAddr()
		s.localAddr = conn.LocalAddr()
	}
	return s
}

func (s *WSSession) ID() string {
	return s.id
}

func (s *WSSession) Context() context.Context {
	return s.ctx
}

func (s *WSSession) RemoteAddr() net.Addr {
	return s.remoteAddr
}

func (s *WSSession) LocalAddr() net.Addr {
	return s.localAddr
}

// Send 实现 Session.Send。
func (s *WSSession) Send(data []byte) error {
	if !s.IsOpen() {
		return merr.WrapErrSessionClosed(s.id)
	}
	select {
	case s.sendQueue <- outbound{data: data}:
		return nil
	default:
		return merr.WrapErrSendQueueFull(s.id, cap(s.sendQueue))
	}
}

// Close 实现 Session.Close。
//
// 关闭哨兵排在已入队的帧之后，因此先入队的帧（例如 INVALID_SESSION）一定先于关闭帧写出。
// 队列已满时退化为 Terminate。
func (s *WSSession) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.ctx.Err() != nil {
		return nil
	}
	select {
	case s.sendQueue <- outbound{close: true}:
		return nil
	default:
		return s.Terminate()
	}
}

// Terminate 实现 Session.Terminate。
func (s *WSSession) Terminate() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
	})
	return s.closeErr
}

// IsOpen 实现 Session.IsOpen。
func (s *WSSession) IsOpen() bool {
	return s.ctx.Err() == nil && !s.closing.Load()
}

// writeLoop 按入队顺序写出文本帧，遇到关闭哨兵或写错误时终止会话。
func (s *WSSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sendQueue:
			if msg.close {
				payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = s.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(s.cfg.WriteTimeout))
				_ = s.Terminate()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				_ = s.Terminate()
				return
			}
		}
	}
}
