package redisbroker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/jiscord-gateway/internal/broker"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

func newTestBroker(t *testing.T) (*miniredis.Miniredis, *Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return mr, b
}

func recv(t *testing.T, sub broker.Subscription) *broker.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok)
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestBroker_PublishPSubscribe(t *testing.T) {
	_, b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))

	sub, err := b.PSubscribe(ctx, "jiscord:channel:*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "jiscord:channel:c1", []byte(`{"event":"TYPING"}`)))
	require.NoError(t, b.Publish(ctx, "other:c1", []byte("ignored")))
	require.NoError(t, b.Publish(ctx, "jiscord:channel:c2", []byte("second")))

	msg := recv(t, sub)
	assert.Equal(t, "jiscord:channel:c1", msg.Topic)
	assert.Equal(t, `{"event":"TYPING"}`, string(msg.Payload))

	msg = recv(t, sub)
	assert.Equal(t, "jiscord:channel:c2", msg.Topic)
	assert.Equal(t, "second", string(msg.Payload))
}

func TestBroker_SubscriptionClose(t *testing.T) {
	_, b := newTestBroker(t)
	sub, err := b.PSubscribe(context.Background(), "jiscord:channel:*")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestBroker_Unavailable(t *testing.T) {
	mr, b := newTestBroker(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Ping(ctx)
	assert.True(t, errors.Is(err, merr.ErrBrokerUnavailable))

	err = b.Publish(ctx, "jiscord:channel:c1", []byte("x"))
	assert.True(t, errors.Is(err, merr.ErrBrokerPublish))
	assert.True(t, merr.IsRetryableErr(err))
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("http://not-redis")
	assert.True(t, errors.Is(err, merr.ErrParameterInvalid))
}

func TestNewWithClient_DoesNotCloseSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := NewWithClient(rdb)
	require.NoError(t, b.Close())
	assert.NoError(t, rdb.Ping(context.Background()).Err())
}
