package acceptor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/jiscord-gateway/internal/network"
	"github.com/lk2023060901/jiscord-gateway/internal/network/session"
)

// Config 描述 Acceptor 在会话层面的配置。
//
// 说明：
//   - SendQueueSize/RecvQueueSize 控制每个连接的发送/接收缓冲队列大小；
//   - ReadTimeout/WriteTimeout 控制单次读写的超时时间，ReadTimeout 为 0 表示不设置读 deadline；
//   - MaxMessageSize 限制单个入站帧的字节数。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxMessageSize int64

	// Upgrader 允许调用方自定义 gorilla/websocket 的升级行为。
	// 若为 nil，则使用内部默认的 Upgrader（接受任意 Origin）。
	Upgrader *websocket.Upgrader
}

func defaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		RecvQueueSize:  64,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 << 10,
	}
}

func (c Config) withDefaults() Config {
	def := defaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.RecvQueueSize <= 0 {
		c.RecvQueueSize = def.RecvQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.Upgrader == nil {
		c.Upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	return c
}

// Handler 由接入层的使用者实现，用于在会话的各个阶段插入业务逻辑。
//
// 同一会话上的 OnConnected、OnMessage、OnClosed 在同一协程中串行调用。
type Handler interface {
	// OnConnected 在握手成功并创建好会话后被调用一次。
	OnConnected(sess session.Session)

	// OnMessage 在收到一条完整的文本帧后被调用。
	OnMessage(sess session.Session, payload []byte)

	// OnClosed 在会话生命周期结束时被调用，err 为 nil 表示正常断开。
	OnClosed(sess session.Session, err error)

	// OnError 在各个阶段发生错误时被调用，握手失败时 sess 为 nil。
	OnError(sess session.Session, stage network.Stage, err error)
}

// Acceptor 抽象了服务器侧的 WebSocket 接入层，以 http.Handler 的形式挂载到 HTTP 路由上。
type Acceptor interface {
	http.Handler

	// Close 拒绝新的升级请求，终止所有会话并等待其回调结束。
	Close() error

	// Sessions 返回当前活跃会话的快照。
	Sessions() []session.Session

	// Count 返回当前活跃会话数。
	Count() int
}
