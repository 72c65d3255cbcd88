package application

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/jiscord-gateway/internal/broker"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/fanout"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/heartbeat"
	"github.com/lk2023060901/jiscord-gateway/internal/httpserver"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/hardware"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
	zviper "github.com/lk2023060901/jiscord-gateway/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"
	configPathEnv     = "GATEWAY_CONFIG_FILE_PATH"
	envPrefix         = "GATEWAY"

	AuthModeHTTP = "http"
	AuthModeJWT  = "jwt"
)

type ServerConfig struct {
	Host           string
	Port           int
	WSPath         string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
}

type BrokerConfig struct {
	Kind     string
	RedisURL string
	NATSURL  string
}

type AuthConfig struct {
	Mode      string
	URL       string
	Timeout   time.Duration
	JWTSecret string
}

type DataConfig struct {
	URL     string
	Timeout time.Duration
}

type EtcdConfig struct {
	Endpoints []string
	Root      string
	TTL       time.Duration
	Embed     bool
	DataDir   string
}

// Enabled 报告是否需要向 etcd 注册实例。
func (c EtcdConfig) Enabled() bool {
	return c.Embed || len(c.Endpoints) > 0
}

// Config 为网关进程的完整配置。
type Config struct {
	Server    ServerConfig
	Heartbeat heartbeat.Config
	Broker    BrokerConfig
	Auth      AuthConfig
	Data      DataConfig
	Fanout    fanout.Config
	Etcd      EtcdConfig
}

// envBindings 为沿用的历史环境变量，优先级高于配置文件。
var envBindings = map[string]string{
	"server.port":      "PORT",
	"broker.redis-url": "REDIS_URL",
	"broker.nats-url":  "NATS_URL",
	"auth.url":         "AUTH_SERVICE_URL",
	"auth.jwt-secret":  "JWT_SECRET",
	"data.url":         "DATA_SERVICE_URL",
	"etcd.endpoints":   "ETCD_ENDPOINTS",
}

func setDefaults(v *zviper.Config) {
	v.SetDefault("server.port", httpserver.DefaultPort)
	v.SetDefault("server.ws-path", httpserver.DefaultWSPath)
	v.SetDefault("server.read-timeout", time.Duration(0))
	v.SetDefault("server.write-timeout", 10*time.Second)
	v.SetDefault("server.send-queue-size", 256)
	v.SetDefault("server.max-message-size", 64<<10)

	v.SetDefault("heartbeat.interval", heartbeat.DefaultInterval)

	v.SetDefault("broker.redis-url", "redis://localhost:6379")
	v.SetDefault("broker.topic-prefix", fanout.DefaultTopicPrefix)

	v.SetDefault("auth.mode", AuthModeHTTP)
	v.SetDefault("auth.url", "http://localhost:3003")
	v.SetDefault("auth.timeout", 5*time.Second)
	v.SetDefault("data.url", "http://localhost:3001")
	v.SetDefault("data.timeout", 5*time.Second)

	v.SetDefault("fanout.chunk-size", fanout.DefaultChunkSize)

	v.SetDefault("etcd.root", "jiscord/gateway/")
	v.SetDefault("etcd.ttl", 10*time.Second)
	v.SetDefault("etcd.embed", false)
}

// resolveConfigPath 按 ./config.yaml、GATEWAY_CONFIG_FILE_PATH、--config 的顺序确定配置文件，
// 后者覆盖前者。explicit 表示路径由用户指定，此时文件必须存在。
func resolveConfigPath(args []string) (path string, explicit bool, err error) {
	path = defaultConfigPath
	if envPath := strings.TrimSpace(os.Getenv(configPathEnv)); envPath != "" {
		path, explicit = envPath, true
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", false, merr.WrapErrParameterMissing("--config", "missing value after --config")
			}
			path, explicit = args[i+1], true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			path, explicit = val, true
		}
	}
	return path, explicit, nil
}

// LoadConfig 解析命令行参数与环境变量并加载配置。默认路径下的配置文件可以不存在。
func LoadConfig(args []string) (*Config, *zviper.Config, error) {
	path, explicit, err := resolveConfigPath(args)
	if err != nil {
		return nil, nil, err
	}

	v := zviper.New()
	setDefaults(v)
	if _, statErr := os.Stat(path); statErr == nil || explicit {
		if err := v.LoadFile(path); err != nil {
			return nil, nil, errors.Wrapf(err, "load config file %q", path)
		}
	}
	v.AutomaticEnv(envPrefix)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, nil, errors.Wrapf(err, "bind env %s", env)
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// FromViper 从已加载的 viper 配置构造 Config 并校验。
func FromViper(v *zviper.Config) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			WSPath:         v.GetString("server.ws-path"),
			ReadTimeout:    v.GetDuration("server.read-timeout"),
			WriteTimeout:   v.GetDuration("server.write-timeout"),
			SendQueueSize:  v.GetInt("server.send-queue-size"),
			MaxMessageSize: v.GetInt64("server.max-message-size"),
		},
		Heartbeat: heartbeat.Config{
			Interval:      v.GetDuration("heartbeat.interval"),
			Timeout:       v.GetDuration("heartbeat.timeout"),
			SweepInterval: v.GetDuration("heartbeat.sweep-interval"),
		}.WithDefaults(),
		Broker: BrokerConfig{
			Kind:     strings.ToLower(v.GetString("broker.kind")),
			RedisURL: v.GetString("broker.redis-url"),
			NATSURL:  v.GetString("broker.nats-url"),
		},
		Auth: AuthConfig{
			Mode:      strings.ToLower(v.GetString("auth.mode")),
			URL:       v.GetString("auth.url"),
			Timeout:   v.GetDuration("auth.timeout"),
			JWTSecret: v.GetString("auth.jwt-secret"),
		},
		Data: DataConfig{
			URL:     v.GetString("data.url"),
			Timeout: v.GetDuration("data.timeout"),
		},
		Fanout: fanout.Config{
			TopicPrefix: v.GetString("broker.topic-prefix"),
			PoolSize:    v.GetInt("fanout.pool-size"),
			ChunkSize:   v.GetInt("fanout.chunk-size"),
		},
		Etcd: EtcdConfig{
			Endpoints: v.GetStringSlice("etcd.endpoints"),
			Root:      v.GetString("etcd.root"),
			TTL:       v.GetDuration("etcd.ttl"),
			Embed:     v.GetBool("etcd.embed"),
			DataDir:   v.GetString("etcd.data-dir"),
		},
	}
	if cfg.Fanout.PoolSize <= 0 {
		cfg.Fanout.PoolSize = hardware.GetCPUNum()
	}
	// 未显式选择 broker 时，配置了 NATS 地址即使用 NATS，否则使用 Redis。
	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = broker.KindRedis
		if cfg.Broker.NATSURL != "" {
			cfg.Broker.Kind = broker.KindNATS
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return merr.WrapErrParameterInvalidRange(0, 65535, c.Server.Port, "server.port")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return merr.WrapErrParameterInvalidMsg("server.ws-path must start with /, got %q", c.Server.WSPath)
	}
	if c.Server.SendQueueSize <= 0 {
		return merr.WrapErrParameterInvalidMsg("server.send-queue-size must be positive, got %d", c.Server.SendQueueSize)
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return err
	}

	switch c.Broker.Kind {
	case broker.KindRedis:
		if c.Broker.RedisURL == "" {
			return merr.WrapErrParameterMissing("broker.redis-url")
		}
	case broker.KindNATS:
		if c.Broker.NATSURL == "" {
			return merr.WrapErrParameterMissing("broker.nats-url")
		}
	default:
		return merr.WrapErrParameterInvalid("redis|nats", c.Broker.Kind, "broker.kind")
	}

	switch c.Auth.Mode {
	case AuthModeHTTP:
		if c.Auth.URL == "" {
			return merr.WrapErrParameterMissing("auth.url")
		}
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return merr.WrapErrParameterMissing("auth.jwt-secret")
		}
	default:
		return merr.WrapErrParameterInvalid("http|jwt", c.Auth.Mode, "auth.mode")
	}

	if c.Data.URL == "" {
		return merr.WrapErrParameterMissing("data.url")
	}
	if c.Etcd.Embed && c.Etcd.DataDir == "" {
		return merr.WrapErrParameterMissing("etcd.data-dir", "etcd.embed requires a data dir")
	}
	return nil
}
