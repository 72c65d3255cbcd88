package jiscord

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/jiscord-gateway/internal/json"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/retry"
)

// Verifier 将 IDENTIFY 中的 token 解析为用户 ID。
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

const opVerifyToken = "verify-token"

type verifyTokenResponse struct {
	Sub      string `json:"sub"`
	Username string `json:"username,omitempty"`
}

// Verify 调用认证服务 POST {auth}/verify-token 校验 token。
//
// 网络错误与 5xx 会按 VerifyAttempts 重试；4xx 直接返回 ErrIdentityRejected。
// 每次尝试使用独立的 AuthTimeout。
func (c *Client) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", merr.WrapErrTokenMissing()
	}
	if c.cfg.AuthBaseURL == "" {
		return "", merr.WrapErrParameterMissing("auth.url")
	}

	start := time.Now()
	var userID string
	err := retry.Do(ctx, func() error {
		uid, err := c.verifyOnce(ctx, token)
		if err != nil {
			return err
		}
		userID = uid
		return nil
	},
		retry.Attempts(uint(c.cfg.VerifyAttempts)),
		retry.Sleep(c.cfg.RetrySleep),
		retry.RetryErr(isRetryable),
	)
	observe(collaboratorAuth, start, err)
	if err != nil {
		c.logFailure(opVerifyToken, start, err)
		return "", err
	}
	return userID, nil
}

func (c *Client) verifyOnce(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()

	status, body, err := c.doJSON(ctx, http.MethodPost, c.cfg.AuthBaseURL+"/verify-token", token, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &Error{
			Op:         opVerifyToken,
			StatusCode: status,
			RawBody:    truncateBody(body),
			kind:       merr.ErrIdentityRejected,
		}
	}

	var resp verifyTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", merr.WrapErrIdentityRejected("bad verify-token response", err.Error())
	}
	if resp.Sub == "" {
		return "", merr.WrapErrIdentityRejected("empty subject")
	}
	return resp.Sub, nil
}

// VerifierFunc 允许直接使用函数作为 Verifier。
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// IsRejected 报告错误是否表示 token 被拒绝（区别于认证服务不可用）。
func IsRejected(err error) bool {
	return errors.Is(err, merr.ErrIdentityRejected) || errors.Is(err, merr.ErrTokenMissing)
}
