// Package application 负责装配网关进程：配置、日志、broker、协作服务、会话引擎与 HTTP 入口。
package application

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/jiscord-gateway/internal/broker"
	"github.com/lk2023060901/jiscord-gateway/internal/broker/natsbroker"
	"github.com/lk2023060901/jiscord-gateway/internal/broker/redisbroker"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/fanout"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/heartbeat"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/registry"
	"github.com/lk2023060901/jiscord-gateway/internal/httpserver"
	"github.com/lk2023060901/jiscord-gateway/internal/network/acceptor"
	"github.com/lk2023060901/jiscord-gateway/internal/sdk/jiscord"
	"github.com/lk2023060901/jiscord-gateway/internal/util/sessionutil"
	zlog "github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/metrics"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/etcd"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/retry"
	zviper "github.com/lk2023060901/jiscord-gateway/pkg/util/viper"
)

const (
	brokerPingAttempts = 5
	etcdDialTimeout    = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Application 持有网关进程内的全部组件。
type Application struct {
	cfg      *Config
	vcfg     *zviper.Config
	serverID string
	loggers  map[string]*zlog.MLogger

	broker    broker.Broker
	reg       *registry.Registry
	bridge    *fanout.Bridge
	monitor   *heartbeat.Monitor
	acceptor  *acceptor.WSAcceptor
	http      *httpserver.Server
	etcdCli   *clientv3.Client
	registrar *sessionutil.Registrar
}

// New 创建 Application，vcfg 可以为空。
func New(cfg *Config, vcfg *zviper.Config) *Application {
	return &Application{
		cfg:      cfg,
		vcfg:     vcfg,
		serverID: uuid.NewString(),
	}
}

// ServerID 返回本实例的 ID，同时用于 etcd 注册。
func (a *Application) ServerID() string {
	return a.serverID
}

// Config 返回生效的配置。
func (a *Application) Config() *Config {
	return a.cfg
}

// Logger 返回配置文件中声明的具名日志实例，未声明时返回带模块字段的全局日志。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return zlog.With(zlog.FieldModule(name))
}

// Addr 返回 HTTP 服务实际监听的地址，启动前为空。
func (a *Application) Addr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Registry 返回会话注册表，启动前为空。
func (a *Application) Registry() *registry.Registry {
	return a.reg
}

// Run 启动全部组件并阻塞到 ctx 结束或 HTTP 服务异常退出，随后按顺序关闭。
func (a *Application) Run(ctx context.Context) error {
	return a.RunWithReady(ctx, nil)
}

// RunWithReady 与 Run 相同，组件全部启动后调用 ready。
func (a *Application) RunWithReady(ctx context.Context, ready func()) error {
	loggers, err := initModuleLoggers(a.vcfg)
	if err != nil {
		return err
	}
	a.loggers = loggers
	metrics.Register(prometheus.DefaultRegisterer)

	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}
	if ready != nil {
		ready()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.http.Done():
			return errors.Wrap(a.http.Err(), "http server exited")
		}
	})
	err = g.Wait()
	a.Logger("application").Info("shutting down gateway", zap.String("serverID", a.serverID))
	a.shutdown()
	return err
}

func (a *Application) start(ctx context.Context) error {
	cfg := a.cfg

	b, err := a.newBroker(ctx)
	if err != nil {
		return err
	}
	a.broker = b

	verifier, err := a.newVerifier()
	if err != nil {
		return err
	}
	store := jiscord.NewClient(jiscord.Config{
		DataBaseURL: cfg.Data.URL,
		DataTimeout: cfg.Data.Timeout,
	}, jiscord.WithLogger(a.Logger("jiscord")))

	a.reg = registry.New(registry.WithEvictor(gateway.EvictWithNotice))
	a.bridge = fanout.NewBridge(b, a.reg, cfg.Fanout)
	if err := a.bridge.Start(ctx); err != nil {
		return errors.Wrap(err, "start fanout bridge")
	}
	a.monitor = heartbeat.NewMonitor(a.reg, cfg.Heartbeat)
	a.monitor.Start(ctx)

	gw := gateway.New(gateway.Config{HeartbeatInterval: cfg.Heartbeat.Interval}, a.reg, verifier, store, a.bridge)
	a.acceptor = acceptor.NewWSAcceptor(acceptor.Config{
		SendQueueSize:  cfg.Server.SendQueueSize,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxMessageSize: cfg.Server.MaxMessageSize,
	}, gw)

	a.http = httpserver.New(httpserver.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		WSPath: cfg.Server.WSPath,
	}, a.acceptor, b, a.reg)
	if err := a.http.Start(); err != nil {
		return err
	}

	if cfg.Etcd.Enabled() {
		if err := a.register(ctx); err != nil {
			return err
		}
	}

	a.Logger("application").Info("gateway started",
		zap.String("addr", a.http.Addr()),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("auth", cfg.Auth.Mode),
		zap.Duration("heartbeat", cfg.Heartbeat.Interval))
	return nil
}

func (a *Application) newBroker(ctx context.Context) (broker.Broker, error) {
	var (
		b   broker.Broker
		err error
	)
	switch a.cfg.Broker.Kind {
	case broker.KindNATS:
		b, err = natsbroker.New(natsbroker.Config{
			Servers: []string{a.cfg.Broker.NATSURL},
			Name:    "jiscord-gateway-" + a.serverID,
		})
	default:
		b, err = redisbroker.New(a.cfg.Broker.RedisURL)
	}
	if err != nil {
		return nil, err
	}

	err = retry.Do(ctx, func() error {
		return b.Ping(ctx)
	}, retry.Attempts(brokerPingAttempts), retry.Sleep(200*time.Millisecond))
	if err != nil {
		_ = b.Close()
		return nil, errors.Wrapf(err, "broker %s not reachable", a.cfg.Broker.Kind)
	}
	return b, nil
}

func (a *Application) newVerifier() (jiscord.Verifier, error) {
	if a.cfg.Auth.Mode == AuthModeJWT {
		return jiscord.NewJWTVerifier(a.cfg.Auth.JWTSecret)
	}
	return jiscord.NewClient(jiscord.Config{
		AuthBaseURL: a.cfg.Auth.URL,
		AuthTimeout: a.cfg.Auth.Timeout,
	}, jiscord.WithLogger(a.Logger("jiscord"))), nil
}

// register 将实例写入 etcd；etcd.embed 为 true 时先启动嵌入式 etcd。
func (a *Application) register(ctx context.Context) error {
	var (
		cli *clientv3.Client
		err error
	)
	if a.cfg.Etcd.Embed {
		if err := etcd.InitEtcdServer(etcd.EmbedConfig{DataDir: a.cfg.Etcd.DataDir}); err != nil {
			return errors.Wrap(err, "start embedded etcd")
		}
		cli, err = etcd.GetEmbedEtcdClient()
	} else {
		cli, err = etcd.GetRemoteEtcdClient(a.cfg.Etcd.Endpoints, etcdDialTimeout)
	}
	if err != nil {
		return errors.Wrap(err, "connect etcd")
	}
	a.etcdCli = cli

	ttl := int64(a.cfg.Etcd.TTL / time.Second)
	if ttl <= 0 {
		ttl = 1
	}
	a.registrar = sessionutil.NewRegistrar(ctx, a.cfg.Etcd.Root, cli, a.serverID, a.http.Addr(),
		sessionutil.WithTTL(ttl))
	return a.registrar.Register()
}

// shutdown 依次停止接入、监控与投递、断开会话、关闭 broker、撤销 etcd 租约并刷新日志。
// 可以在部分组件未启动时调用。
func (a *Application) shutdown() {
	logger := a.Logger("application")

	if a.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.http.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.acceptor != nil {
		if err := a.acceptor.Close(); err != nil {
			logger.Warn("close acceptor failed", zap.Error(err))
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			logger.Warn("close broker failed", zap.Error(err))
		}
	}
	if a.registrar != nil {
		a.registrar.Stop()
	}
	if a.etcdCli != nil {
		_ = a.etcdCli.Close()
	}
	if a.cfg.Etcd.Embed {
		etcd.StopEtcdServer()
	}
	_ = zlog.Sync()
}
