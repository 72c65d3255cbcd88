package jiscord

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/internal/json"
	zlog "github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/metrics"
)

const (
	collaboratorAuth = "auth"
	collaboratorData = "data"
	collaboratorJWT  = "jwt"

	// maxErrorBody 为错误响应体保留的最大字节数。
	maxErrorBody = 4 << 10
)

// Client 为认证服务与数据服务的 HTTP 客户端，同时实现 Verifier 与 MessageStore。
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zlog.MLogger
}

var (
	_ Verifier     = (*Client)(nil)
	_ MessageStore = (*Client)(nil)
)

// NewClient 创建协作服务客户端。
func NewClient(cfg Config, opts ...Option) *Client {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.fillDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = zlog.With(zlog.FieldComponent("jiscord-sdk"))
	}
	return &Client{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		logger: logger,
	}
}

// Config 返回填充默认值后的配置副本。
func (c *Client) Config() Config {
	return c.cfg
}

// doJSON 发送一次 JSON 请求，返回状态码与响应体。
// 网络层错误统一标记为 ErrTransport。
func (c *Client) doJSON(ctx context.Context, method, url, bearer string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Mark(errors.Wrapf(err, "%s %s", method, url), ErrTransport)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Mark(errors.Wrap(err, "read response"), ErrTransport)
	}
	return resp.StatusCode, respBody, nil
}

func truncateBody(b []byte) []byte {
	if len(b) > maxErrorBody {
		return b[:maxErrorBody]
	}
	return b
}

// observe 记录一次协作服务调用的耗时。
func observe(collaborator string, start time.Time, err error) {
	status := metrics.SuccessLabel
	if err != nil {
		status = metrics.FailLabel
	}
	metrics.GatewayCollaboratorLatency.
		WithLabelValues(collaborator, status).
		Observe(float64(time.Since(start).Milliseconds()))
}

func (c *Client) logFailure(op string, start time.Time, err error) {
	c.logger.RatedWarn(1, "jiscord call failed",
		zap.String("op", op),
		zap.Duration("cost", time.Since(start)),
		zap.Error(err),
	)
}
