package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

// newPair 启动一个测试服务器，返回服务器侧会话与客户端连接。
func newPair(t *testing.T, cfg Config) (*WSSession, *websocket.Conn) {
	t.Helper()

	sessCh := make(chan *WSSession, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessCh <- NewWSSession(context.Background(), "s-1", conn, cfg)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case sess := <-sessCh:
		t.Cleanup(func() { _ = sess.Terminate() })
		return sess, client
	case <-time.After(5 * time.Second):
		t.Fatal("server session not created")
		return nil, nil
	}
}

func TestWSSession_SendInOrder(t *testing.T) {
	sess, client := newPair(t, Config{})
	assert.Equal(t, "s-1", sess.ID())
	assert.NotNil(t, sess.RemoteAddr())
	assert.True(t, sess.IsOpen())

	require.NoError(t, sess.Send([]byte(`{"op":"A"}`)))
	require.NoError(t, sess.Send([]byte(`{"op":"B"}`)))

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `{"op":"A"}`, string(data))

	_, data, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"op":"B"}`, string(data))
}

func TestWSSession_CloseFlushesThenNormalClosure(t *testing.T) {
	sess, client := newPair(t, Config{})

	require.NoError(t, sess.Send([]byte("last")))
	require.NoError(t, sess.Close())
	assert.False(t, sess.IsOpen())
	// 幂等
	require.NoError(t, sess.Close())

	err := sess.Send([]byte("late"))
	assert.True(t, errors.Is(err, merr.ErrSessionClosed))

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "last", string(data))

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	select {
	case <-sess.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session context not canceled after close")
	}
}

func TestWSSession_TerminateSkipsCloseFrame(t *testing.T) {
	sess, client := newPair(t, Config{})

	require.NoError(t, sess.Terminate())
	assert.False(t, sess.IsOpen())

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.False(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWSSession_SendQueueFull(t *testing.T) {
	// 不启动 writeLoop，队列只进不出。
	sess := newWSSession(context.Background(), "s-full", nil, Config{SendQueueSize: 1})
	defer sess.cancel()

	require.NoError(t, sess.Send([]byte("a")))
	err := sess.Send([]byte("b"))
	assert.True(t, errors.Is(err, merr.ErrSendQueueFull))
	assert.True(t, merr.IsRetryableErr(err))
}

func TestWSSession_CloseWithFullQueueTerminates(t *testing.T) {
	sess := newWSSession(context.Background(), "s-full", nil, Config{SendQueueSize: 1})

	require.NoError(t, sess.Send([]byte("a")))
	require.NoError(t, sess.Close())
	assert.Error(t, sess.Context().Err())
}
