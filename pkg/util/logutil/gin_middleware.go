package logutil

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lk2023060901/jiscord-gateway/pkg/log"
)

const (
	logLevelHeaderLegacy        = "log_level"
	logLevelHeader              = "log-level"
	clientRequestIDHeaderLegacy = "client-request-id"
	clientRequestIDHeader       = "client_request_id"
	clientRequestMsecHeader     = "client-request-msec"
)

// GinTraceLogger 为每个请求在 context 中注入带 traceID 的 Logger，
// 并按 log-level 头切换该请求的日志级别。
func GinTraceLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := WithLevelAndTrace(c.Request.Context(), c.Request.Header)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		log.Ctx(ctx).Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)))
	}
}

// WithLevelAndTrace 解析请求头中的日志级别、请求 ID 与时间戳，返回带对应字段的 ctx。
// 请求 ID 若是合法的 TraceID 则直接沿用，否则生成新的 TraceID。
func WithLevelAndTrace(ctx context.Context, header http.Header) context.Context {
	newctx := ctx
	var traceID trace.TraceID

	if levels := GetHeader(header, logLevelHeader, logLevelHeaderLegacy); len(levels) >= 1 {
		level := zapcore.DebugLevel
		if err := level.UnmarshalText([]byte(levels[0])); err == nil {
			newctx = log.WithLevel(newctx, level)
		}
	}

	if requestID := GetHeader(header, clientRequestIDHeader, clientRequestIDHeaderLegacy); len(requestID) >= 1 {
		var err error
		traceID, err = trace.TraceIDFromHex(requestID[0])
		if err != nil {
			newctx = log.WithFields(newctx, zap.String(clientRequestIDHeader, requestID[0]))
		}
	}

	if msecs := GetHeader(header, clientRequestMsecHeader); len(msecs) >= 1 {
		if unixmsec, err := strconv.ParseInt(msecs[0], 10, 64); err == nil {
			newctx = log.WithFields(newctx, zap.Int64("clientRequestUnixmsec", unixmsec))
		}
	}

	if !traceID.IsValid() {
		traceID = trace.SpanContextFromContext(newctx).TraceID()
	}
	if !traceID.IsValid() {
		traceID = trace.TraceID(uuid.New())
	}
	return log.WithTraceID(newctx, traceID.String())
}

// GetHeader 依次读取多个候选头，合并返回全部取值。
func GetHeader(header http.Header, keys ...string) []string {
	var result []string
	for _, key := range keys {
		if values := header.Values(key); len(values) > 0 {
			result = append(result, values...)
		}
	}
	return result
}
