package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, cfg *Config) (*zap.Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	lg, _, err := InitLoggerWithWriteSyncer(cfg, zapcore.AddSync(buf))
	require.NoError(t, err)
	return lg, buf
}

func TestInitTestLogger(t *testing.T) {
	lg, props, err := InitTestLogger(t, &Config{Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, props)
	assert.Equal(t, zapcore.DebugLevel, props.Level.Level())
	lg.Debug("visible in test output", FieldSessionID("s-1"))
}

func TestInitLogger_BadLevel(t *testing.T) {
	_, _, err := InitLoggerWithWriteSyncer(&Config{Level: "loud"}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)
}

func TestCtx_CarriesSessionFields(t *testing.T) {
	lg, buf := newBufferLogger(t, &Config{Level: "info", Format: FormatJSON, DisableTimestamp: true})

	ctx := context.WithValue(context.Background(), CtxLogKey, &MLogger{Logger: lg})
	ctx = WithSession(ctx, "s-42")
	Ctx(ctx).Info("hello", FieldUserID("u1"), FieldChannelID("general"))

	out := buf.String()
	assert.Contains(t, out, `"sessionID":"s-42"`)
	assert.Contains(t, out, `"userID":"u1"`)
	assert.Contains(t, out, `"channelID":"general"`)
	assert.NotContains(t, out, `"time"`)
}

func TestCtx_NilAndEmpty(t *testing.T) {
	var nilCtx context.Context
	assert.NotNil(t, Ctx(nilCtx))
	assert.NotNil(t, Ctx(context.Background()))
}

func TestDisableErrorVerbose(t *testing.T) {
	err := errors.New("store down")

	lg, buf := newBufferLogger(t, &Config{Level: "info", Format: FormatJSON, DisableErrorVerbose: true})
	lg.Warn("dropped", zap.Error(err))
	assert.Contains(t, buf.String(), `"error":"store down"`)
	assert.NotContains(t, buf.String(), "errorVerbose")

	lg, buf = newBufferLogger(t, &Config{Level: "info", Format: FormatJSON})
	lg.Warn("dropped", zap.Error(err))
	assert.Contains(t, buf.String(), "errorVerbose")
}

func TestBinder(t *testing.T) {
	var b Binder
	assert.NotNil(t, b.Logger())

	lg, buf := newBufferLogger(t, &Config{Level: "info", Format: FormatJSON})
	b.SetLogger(&MLogger{Logger: lg.With(FieldComponent("gateway"))})
	b.Logger().Info("bound")
	assert.Contains(t, buf.String(), `"component":"gateway"`)
}

func TestRatedWarn_NopLimiterNeverDrops(t *testing.T) {
	lg, buf := newBufferLogger(t, &Config{Level: "info", Format: FormatJSON})
	l := &MLogger{Logger: lg}
	for i := 0; i < 3; i++ {
		l.RatedWarn(1, "noisy")
	}
	assert.Equal(t, 3, bytes.Count(buf.Bytes(), []byte("noisy")))
}

func TestWithRateGroup(t *testing.T) {
	lg, buf := newBufferLogger(t, &Config{Level: "info", Format: FormatJSON})
	l := (&MLogger{Logger: lg}).WithRateGroup("log_test.rated", 0, 1)

	assert.True(t, l.RatedWarn(1, "first"))
	assert.False(t, l.RatedWarn(1, "second"))
	assert.Contains(t, buf.String(), "first")
	assert.NotContains(t, buf.String(), "second")
}
