package connector

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/lk2023060901/jiscord-gateway/internal/network"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/conc"
)

// Config 描述客户端连接的基础配置。
type Config struct {
	RecvQueueSize int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func defaultConfig() Config {
	return Config{
		RecvQueueSize:    256,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// ClientConn 抽象了客户端侧的一条 WebSocket 连接。
//
// 注意：客户端连接不包含会话 ID 概念，会话 ID 由服务端在 READY 中下发。
type ClientConn interface {
	Context() context.Context
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 同步写出一条文本帧。
	Send(data []byte) error
	// Recv 返回入站文本帧，读循环结束后该 channel 被关闭。
	Recv() <-chan []byte
	// Err 返回读循环结束的原因，对端发送关闭帧时为 *websocket.CloseError。
	Err() error

	// Close 发送 1000 关闭帧后断开连接。
	Close() error
}

// ConnectorHandler 描述客户端在各阶段的回调能力，所有方法均为可选通知。
type ConnectorHandler interface {
	OnConnected(conn ClientConn)
	OnClosed(conn ClientConn, err error)
	OnError(conn ClientConn, stage network.Stage, err error)
}

// Connector 抽象了客户端的拨号器。
type Connector interface {
	// Dial 建立连接，h 可以为 nil。
	Dial(ctx context.Context, urlStr string, h ConnectorHandler, header http.Header) (ClientConn, error)
}

// wsConnector 是基于 gorilla/websocket 的默认 Connector 实现。
type wsConnector struct {
	cfg Config
}

// NewWSConnector 创建一个基于 WebSocket 的 Connector。
func NewWSConnector(cfg Config) Connector {
	def := defaultConfig()
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &wsConnector{cfg: cfg}
}

func (c *wsConnector) Dial(ctx context.Context, urlStr string, h ConnectorHandler, header http.Header) (ClientConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "dial %s", urlStr), network.ErrHandshakeFailed)
		if h != nil {
			h.OnError(nil, network.StageHandshake, err)
		}
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	cc := &wsClientConn{
		conn:       conn,
		ctx:        connCtx,
		cancel:     cancel,
		cfg:        c.cfg,
		h:          h,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		recvChan:   make(chan []byte, c.cfg.RecvQueueSize),
	}
	if h != nil {
		h.OnConnected(cc)
	}

	// 使用 conc.Go 启动读协程，避免直接使用原生 go 关键字。
	_ = conc.Go(func() (struct{}, error) {
		cc.recvLoop()
		return struct{}{}, nil
	})
	return cc, nil
}

// wsClientConn 是基于 WebSocket 的 ClientConn 默认实现。
type wsClientConn struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	cfg Config
	h   ConnectorHandler

	remoteAddr net.Addr
	localAddr  net.Addr

	writeMu  sync.Mutex
	recvChan chan []byte
	err      atomic.Error

	closeOnce sync.Once
}

func (c *wsClientConn) Context() context.Context { return c.ctx }
func (c *wsClientConn) RemoteAddr() net.Addr     { return c.remoteAddr }
func (c *wsClientConn) LocalAddr() net.Addr      { return c.localAddr }
func (c *wsClientConn) Recv() <-chan []byte      { return c.recvChan }
func (c *wsClientConn) Err() error               { return c.err.Load() }

func (c *wsClientConn) Send(data []byte) error {
	if c.ctx.Err() != nil {
		return errors.Wrap(network.ErrSendFailed, "connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		err = errors.Mark(err, network.ErrSendFailed)
		if c.h != nil {
			c.h.OnError(c, network.StageSend, err)
		}
		return err
	}
	return nil
}

func (c *wsClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// recvLoop 持续读取文本帧并写入 recvChan，结束时关闭 recvChan。
func (c *wsClientConn) recvLoop() {
	var cause error
	defer func() {
		if cause != nil {
			c.err.Store(cause)
		}
		c.cancel()
		_ = c.conn.Close()
		close(c.recvChan)
		if c.h != nil {
			c.h.OnClosed(c, cause)
		}
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			if c.h != nil && c.ctx.Err() == nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					c.h.OnError(c, network.StageRecvRaw, err)
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case c.recvChan <- data:
		case <-c.ctx.Done():
			return
		}
	}
}
