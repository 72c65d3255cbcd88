package application

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/jiscord-gateway/internal/gateway/protocol"
	"github.com/lk2023060901/jiscord-gateway/internal/json"
	"github.com/lk2023060901/jiscord-gateway/internal/network/connector"
	"github.com/lk2023060901/jiscord-gateway/internal/sdk/jiscord"
	zviper "github.com/lk2023060901/jiscord-gateway/pkg/util/viper"
)

const testSecret = "test-secret"

func newTestConfig(t *testing.T, redisAddr, dataURL string) (*Config, *zviper.Config) {
	t.Helper()
	v := zviper.New()
	setDefaults(v)
	v.Set("server.host", "127.0.0.1")
	v.Set("server.port", 0)
	v.Set("broker.redis-url", "redis://"+redisAddr)
	v.Set("auth.mode", AuthModeJWT)
	v.Set("auth.jwt-secret", testSecret)
	v.Set("data.url", dataURL)
	v.Set("fanout.pool-size", 2)

	cfg, err := FromViper(v)
	require.NoError(t, err)
	return cfg, v
}

func recvFrame(t *testing.T, cc connector.ClientConn) protocol.Frame {
	t.Helper()
	select {
	case data, ok := <-cc.Recv():
		require.True(t, ok, "connection closed")
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return protocol.Frame{}
	}
}

func TestApplication_RunAndShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	data := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/c1/messages", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"message_id":"m-1","channel_id":"c1","author_id":"u1","content":"hi","created_at":"2024-01-01T00:00:00Z"}`)
	}))
	defer data.Close()

	cfg, v := newTestConfig(t, mr.Addr(), data.URL)
	app := New(cfg, v)
	assert.NotEmpty(t, app.ServerID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- app.RunWithReady(ctx, func() { close(ready) })
	}()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("application exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("application not ready")
	}

	resp, err := http.Get("http://" + app.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","ws_clients":0,"redis":"connected"}`, string(body))

	cc, err := connector.NewWSConnector(connector.Config{}).Dial(ctx, "ws://"+app.Addr()+"/", nil, nil)
	require.NoError(t, err)
	defer cc.Close()

	assert.Equal(t, protocol.OpHello, recvFrame(t, cc).Op)
	token, err := jiscord.IssueToken(testSecret, "u1", time.Minute)
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.OpIdentify, map[string]string{"token": token})
	require.NoError(t, err)
	require.NoError(t, cc.Send(frame))
	assert.Equal(t, protocol.OpReady, recvFrame(t, cc).Op)
	assert.Equal(t, 1, app.Registry().IdentifiedCount())

	frame, err = protocol.Encode(protocol.OpSendMessage, map[string]string{"channelId": "c1", "content": "hi"})
	require.NoError(t, err)
	require.NoError(t, cc.Send(frame))
	created := recvFrame(t, cc)
	require.Equal(t, protocol.OpMessageCreate, created.Op)
	var msg protocol.MessageCreate
	require.NoError(t, json.Unmarshal(created.D, &msg))
	assert.Equal(t, "m-1", msg.MessageID)
	assert.Equal(t, "hi", msg.Content)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("application did not stop")
	}

	// 关闭时所有会话被断开。
	select {
	case _, ok := <-cc.Recv():
		for ok {
			_, ok = <-cc.Recv()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed on shutdown")
	}
	assert.Equal(t, 0, app.Registry().Count())
}

func TestApplication_BrokerUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, v := newTestConfig(t, addr, "http://127.0.0.1:1")
	err := New(cfg, v).Run(context.Background())
	assert.Error(t, err)
}
