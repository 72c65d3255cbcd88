package jiscord

import (
	"net/http"
	"strings"
	"time"

	zlog "github.com/lk2023060901/jiscord-gateway/pkg/log"
)

const (
	// defaultTimeout 为单次调用认证服务、数据服务的超时时间。
	defaultTimeout = 5 * time.Second
	// defaultVerifyAttempts 为校验 token 的总尝试次数，仅对网络错误与 5xx 重试。
	defaultVerifyAttempts = 2
	defaultRetrySleep     = 100 * time.Millisecond
)

// Config 描述协作服务客户端的基础配置。
//
// 说明：
//   - AuthBaseURL 为认证服务地址，用于 POST /verify-token；
//   - DataBaseURL 为数据服务地址，用于 POST /channels/{id}/messages；
//   - 两个地址可以只配置其一，调用未配置的接口时返回参数缺失错误。
type Config struct {
	AuthBaseURL string
	DataBaseURL string

	AuthTimeout time.Duration
	DataTimeout time.Duration

	// VerifyAttempts 为校验 token 的总尝试次数，写消息接口从不重试。
	VerifyAttempts int
	RetrySleep     time.Duration

	// HTTPClient 允许调用方注入自定义 http.Client，为空时使用默认 Transport。
	HTTPClient *http.Client

	// Logger 允许调用方注入自定义日志实例；为空时使用全局日志。
	Logger *zlog.MLogger
}

// Option 为 Config 的可选配置项。
type Option func(*Config)

func WithAuthBaseURL(baseURL string) Option {
	return func(c *Config) {
		if baseURL != "" {
			c.AuthBaseURL = baseURL
		}
	}
}

func WithDataBaseURL(baseURL string) Option {
	return func(c *Config) {
		if baseURL != "" {
			c.DataBaseURL = baseURL
		}
	}
}

// WithTimeout 同时设置认证服务与数据服务的调用超时。
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AuthTimeout = d
			c.DataTimeout = d
		}
	}
}

// WithMaxRetries 设置校验 token 的重试次数（不含首次调用）。
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.VerifyAttempts = n + 1
		}
	}
}

func WithHTTPClient(cli *http.Client) Option {
	return func(c *Config) {
		if cli != nil {
			c.HTTPClient = cli
		}
	}
}

// WithLogger 注入具名日志实例。
func WithLogger(l *zlog.MLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func (c *Config) fillDefaults() {
	c.AuthBaseURL = strings.TrimRight(c.AuthBaseURL, "/")
	c.DataBaseURL = strings.TrimRight(c.DataBaseURL, "/")
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultTimeout
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = defaultTimeout
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = defaultVerifyAttempts
	}
	if c.RetrySleep <= 0 {
		c.RetrySleep = defaultRetrySleep
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}
