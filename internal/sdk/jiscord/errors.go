package jiscord

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// ErrTransport 标记与协作服务之间的网络错误，可以重试。
var ErrTransport = errors.New("jiscord: transport error")

// Error 表示协作服务返回了非预期的 HTTP 状态码。
//
// Unwrap 返回对应的网关错误（例如 merr.ErrIdentityRejected），
// 因此可以直接用 errors.Is 判断错误类别，用 AsError 取出状态码与响应体。
type Error struct {
	Op         string
	StatusCode int
	RawBody    []byte

	kind error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.RawBody) > 0 {
		return fmt.Sprintf("jiscord: %s status=%d body=%s", e.Op, e.StatusCode, string(e.RawBody))
	}
	return fmt.Sprintf("jiscord: %s status=%d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.kind
}

// Temporary 报告该状态码是否值得重试，仅 5xx 视为临时错误。
func (e *Error) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// AsError 判断错误链中是否包含 *Error。
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// isRetryable 仅对网络错误与 5xx 返回 true。
func isRetryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	if e, ok := AsError(err); ok {
		return e.Temporary()
	}
	return false
}
