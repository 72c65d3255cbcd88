package acceptor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/lk2023060901/jiscord-gateway/internal/network"
	"github.com/lk2023060901/jiscord-gateway/internal/network/session"
)

// WSAcceptor 是基于 gorilla/websocket 的 Acceptor 实现。
//
// 每个连接占用两个协程：读协程把帧投递到 per-session 队列，
// ServeHTTP 所在协程按顺序消费并回调 Handler，保证同一会话上的业务处理串行执行。
type WSAcceptor struct {
	cfg     Config
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	sessions map[string]session.Session
	wg       sync.WaitGroup
}

var _ Acceptor = (*WSAcceptor)(nil)

// NewWSAcceptor 创建接入器，h 不能为空。
func NewWSAcceptor(cfg Config, h Handler) *WSAcceptor {
	if h == nil {
		panic("acceptor: handler is nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSAcceptor{
		cfg:      cfg.withDefaults(),
		handler:  h,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]session.Session),
	}
}

// ServeHTTP 完成 WebSocket 升级，并在当前协程中驱动该会话直到断开。
func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	conn, err := a.cfg.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader 已经写回了 HTTP 错误响应。
		a.handler.OnError(nil, network.StageHandshake, errors.Mark(err, network.ErrHandshakeFailed))
		return
	}
	conn.SetReadLimit(a.cfg.MaxMessageSize)

	sess := session.NewWSSession(a.ctx, uuid.NewString(), conn, session.Config{
		SendQueueSize: a.cfg.SendQueueSize,
		WriteTimeout:  a.cfg.WriteTimeout,
	})

	a.mu.Lock()
	a.sessions[sess.ID()] = sess
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.sessions, sess.ID())
		a.mu.Unlock()
	}()

	a.serveSession(sess, conn)
}

func (a *WSAcceptor) serveSession(sess session.Session, conn *websocket.Conn) {
	a.handler.OnConnected(sess)

	frames := make(chan []byte, a.cfg.RecvQueueSize)
	var cause error
	go func() {
		defer close(frames)
		cause = a.readLoop(sess, conn, frames)
	}()

	for payload := range frames {
		a.handler.OnMessage(sess, payload)
	}

	a.handler.OnClosed(sess, cause)
	_ = sess.Terminate()
}

// readLoop 持续读取文本帧并写入 frames。
//
// 返回 nil 表示正常断开：对端发送了关闭帧，或本端已终止会话。
func (a *WSAcceptor) readLoop(sess session.Session, conn *websocket.Conn, frames chan<- []byte) error {
	for {
		if a.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if sess.Context().Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			err = errors.Mark(err, network.ErrRecvFailed)
			a.handler.OnError(sess, network.StageRecvRaw, err)
			return err
		}
		if mt != websocket.TextMessage {
			a.handler.OnError(sess, network.StageDecode, network.ErrUnsupportedFrame)
			continue
		}

		select {
		case frames <- data:
		case <-sess.Context().Done():
			return nil
		}
	}
}

// Close 实现 Acceptor.Close。
func (a *WSAcceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sessions := lo.Values(a.sessions)
	a.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Terminate()
	}
	a.cancel()
	a.wg.Wait()
	return nil
}

// Sessions 实现 Acceptor.Sessions。
func (a *WSAcceptor) Sessions() []session.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return lo.Values(a.sessions)
}

// Count 实现 Acceptor.Count。
func (a *WSAcceptor) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}
