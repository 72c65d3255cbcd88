// Package httpserver 提供网关对外的 HTTP 入口：WebSocket 升级、健康检查与指标。
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/conc"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/logutil"
)

const (
	DefaultPort   = 3002
	DefaultWSPath = "/"

	healthTimeout = 2 * time.Second
)

// Pinger 用于健康检查，通常为 broker。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter 返回当前 WebSocket 会话数，通常为注册表。
type Counter interface {
	Count() int
}

type Config struct {
	Host   string
	Port   int
	WSPath string
	// Gatherer 为 /metrics 的数据源，为空时使用 prometheus.DefaultGatherer。
	Gatherer prometheus.Gatherer
}

// addr 返回监听地址，Port 为 0 时由系统分配。
func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server 为基于 gin 的 HTTP 服务。
type Server struct {
	log.Binder

	cfg    Config
	engine *gin.Engine
	srv    *http.Server
	ln     net.Listener
	done   *conc.Future[struct{}]
}

// New 创建 HTTP 服务，ws 为 WebSocket 升级处理器。
func New(cfg Config, ws http.Handler, pinger Pinger, sessions Counter) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultWSPath
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), logutil.GinTraceLogger())

	engine.GET("/health", healthHandler(pinger, sessions))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	engine.GET(cfg.WSPath, gin.WrapH(ws))

	s := &Server{
		cfg:    cfg,
		engine: engine,
		srv: &http.Server{
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.SetLogger(log.With(log.FieldComponent("http")))
	return s
}

// Handler 返回路由，便于测试直接挂到 httptest。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 监听端口并在后台提供服务，监听失败时直接返回错误。
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.addr())
	}
	s.ln = ln
	s.done = conc.Go(func() (struct{}, error) {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	s.Logger().Info("http server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("ws-path", s.cfg.WSPath))
	return nil
}

// Addr 返回实际监听地址，未启动时为空。
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Done 在服务退出后完成，携带 Serve 的错误。
func (s *Server) Done() <-chan struct{} {
	if s.done == nil {
		return nil
	}
	return s.done.Inner()
}

// Err 返回 Serve 的退出错误，正常关闭时为 nil。
func (s *Server) Err() error {
	if s.done == nil || !s.done.Done() {
		return nil
	}
	return s.done.Err()
}

// Shutdown 停止接受新连接。已升级的 WebSocket 连接不受 http.Server 管理，需由接入层关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	_, err := s.done.Await()
	return err
}

type healthResponse struct {
	Status    string `json:"status"`
	WSClients *int   `json:"ws_clients,omitempty"`
	Redis     string `json:"redis"`
}

// healthHandler 探测 broker，失败时返回 503。
// 字段名沿用 redis，与 broker 类型无关。
func healthHandler(pinger Pinger, sessions Counter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		if err := pinger.Ping(ctx); err != nil {
			log.Ctx(ctx).Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, healthResponse{
				Status: "unavailable",
				Redis:  "disconnected",
			})
			return
		}
		count := sessions.Count()
		c.JSON(http.StatusOK, healthResponse{
			Status:    "ok",
			WSClients: &count,
			Redis:     "connected",
		})
	}
}
