package jiscord

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/jiscord-gateway/internal/json"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cli := NewClient(Config{
		AuthBaseURL: srv.URL + "/",
		DataBaseURL: srv.URL,
		RetrySleep:  10 * time.Millisecond,
	}, WithTimeout(time.Second))
	return cli, srv
}

func TestConfigDefaults(t *testing.T) {
	cli := NewClient(Config{AuthBaseURL: "http://auth/"}, WithMaxRetries(3))
	cfg := cli.Config()
	assert.Equal(t, "http://auth", cfg.AuthBaseURL)
	assert.Equal(t, defaultTimeout, cfg.AuthTimeout)
	assert.Equal(t, defaultTimeout, cfg.DataTimeout)
	assert.Equal(t, 4, cfg.VerifyAttempts)
	assert.NotNil(t, cfg.HTTPClient)
}

func TestVerify_OK(t *testing.T) {
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/verify-token", r.URL.Path)
		assert.Equal(t, "Bearer good", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"sub":"u-1","username":"alice"}`)
	}))

	uid, err := cli.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "u-1", uid)
}

func TestVerify_RejectedNotRetried(t *testing.T) {
	var calls atomic.Int32
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"bad token"}`)
	}))

	_, err := cli.Verify(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, merr.ErrIdentityRejected))
	assert.True(t, IsRejected(err))
	assert.Equal(t, int32(1), calls.Load())

	apiErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, apiErr.Temporary())
	assert.Contains(t, apiErr.Error(), "bad token")
}

func TestVerify_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"sub":"u-2"}`)
	}))

	uid, err := cli.Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u-2", uid)
	assert.Equal(t, int32(2), calls.Load())
}

func TestVerify_ServerErrorExhausted(t *testing.T) {
	var calls atomic.Int32
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := cli.Verify(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, int32(defaultVerifyAttempts), calls.Load())
	apiErr, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, apiErr.Temporary())
}

func TestVerify_EmptySubject(t *testing.T) {
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sub":""}`)
	}))

	_, err := cli.Verify(context.Background(), "tok")
	assert.True(t, errors.Is(err, merr.ErrIdentityRejected))
}

func TestVerify_Transport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	cli := NewClient(Config{AuthBaseURL: addr, RetrySleep: time.Millisecond})
	_, err := cli.Verify(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, IsRejected(err))
}

func TestVerify_Preconditions(t *testing.T) {
	cli := NewClient(Config{})
	_, err := cli.Verify(context.Background(), "")
	assert.True(t, errors.Is(err, merr.ErrTokenMissing))

	_, err = cli.Verify(context.Background(), "tok")
	assert.True(t, errors.Is(err, merr.ErrParameterMissing))

	_, err = cli.CreateMessage(context.Background(), "c", "u", "hi")
	assert.True(t, errors.Is(err, merr.ErrParameterMissing))
}

func TestCreateMessage_OK(t *testing.T) {
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels/general/messages", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req createMessageRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "u-1", req.AuthorID)
		assert.Equal(t, "hello", req.Content)

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"message_id":"m-1","channel_id":"general","author_id":"u-1","content":"hello","created_at":"2024-01-01T00:00:00Z"}`)
	}))

	msg, err := cli.CreateMessage(context.Background(), "general", "u-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, &Message{
		MessageID: "m-1",
		ChannelID: "general",
		AuthorID:  "u-1",
		Content:   "hello",
		CreatedAt: "2024-01-01T00:00:00Z",
	}, msg)
}

func TestCreateMessage_ErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := cli.CreateMessage(context.Background(), "general", "u-1", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, merr.ErrStoreFailed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateMessage_EscapesChannel(t *testing.T) {
	cli, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/a%2Fb/messages", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"message_id":"m-2"}`)
	}))

	msg, err := cli.CreateMessage(context.Background(), "a/b", "u-1", "x")
	require.NoError(t, err)
	assert.Equal(t, "a/b", msg.ChannelID)
	assert.Equal(t, "u-1", msg.AuthorID)
}
