package etcd

import (
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/pkg/log"
)

const readyTimeout = 30 * time.Second

// EmbedConfig 描述嵌入式 etcd 的启动参数，主要用于本地开发和测试。
type EmbedConfig struct {
	// ConfigPath 非空时从 etcd 配置文件加载，其余字段覆盖文件内容。
	ConfigPath string
	DataDir    string
	LogOutput  string
	LogLevel   string
	// ClientURL 与 PeerURL 为空时沿用 etcd 默认端口。
	ClientURL string
	PeerURL   string
}

// 嵌入式 etcd 服务单例。
var (
	initOnce   sync.Once
	closeOnce  sync.Once
	etcdServer *embed.Etcd
)

// GetEmbedEtcdClient 返回嵌入式 etcd 服务对应的 v3 客户端。
func GetEmbedEtcdClient() (*clientv3.Client, error) {
	if etcdServer == nil {
		return nil, errors.New("embedded etcd server not started")
	}
	return v3client.New(etcdServer.Server), nil
}

// GetRemoteEtcdClient 连接外部 etcd 集群。
func GetRemoteEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no etcd endpoints")
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// InitEtcdServer 初始化嵌入式 etcd 单例服务，并等待其可用。
func InitEtcdServer(c EmbedConfig) error {
	var initError error
	initOnce.Do(func() {
		cfg, err := c.build()
		if err != nil {
			initError = err
			return
		}
		e, err := embed.StartEtcd(cfg)
		if err != nil {
			log.Error("failed to init embedded Etcd server", zap.Error(err))
			initError = err
			return
		}
		select {
		case <-e.Server.ReadyNotify():
		case <-time.After(readyTimeout):
			e.Close()
			initError = errors.New("embedded etcd server not ready in time")
			return
		}
		etcdServer = e
		log.Info("finish init Etcd config", zap.String("path", c.ConfigPath), zap.String("data", c.DataDir))
	})
	return initError
}

func (c EmbedConfig) build() (*embed.Config, error) {
	var cfg *embed.Config
	if len(c.ConfigPath) > 0 {
		cfgFromFile, err := embed.ConfigFromFile(c.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = cfgFromFile
	} else {
		cfg = embed.NewConfig()
	}
	cfg.Dir = c.DataDir
	if c.LogOutput != "" {
		cfg.LogOutputs = []string{c.LogOutput}
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.ClientURL != "" {
		u, err := url.Parse(c.ClientURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse client url")
		}
		cfg.ListenClientUrls = []url.URL{*u}
		cfg.AdvertiseClientUrls = []url.URL{*u}
	}
	if c.PeerURL != "" {
		u, err := url.Parse(c.PeerURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse peer url")
		}
		cfg.ListenPeerUrls = []url.URL{*u}
		cfg.AdvertisePeerUrls = []url.URL{*u}
		cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	}
	return cfg, nil
}

func HasServer() bool {
	return etcdServer != nil
}

// StopEtcdServer stops embedded etcd server singleton.
func StopEtcdServer() {
	if etcdServer != nil {
		closeOnce.Do(func() {
			etcdServer.Close()
		})
	}
}
