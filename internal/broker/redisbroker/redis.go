package redisbroker

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/internal/broker"
	"github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

const defaultChannelSize = 1024

// Broker 基于 Redis PUBLISH/PSUBSCRIBE 实现 broker.Broker。
type Broker struct {
	log.Binder

	rdb   *redis.Client
	owned bool
}

var _ broker.Broker = (*Broker)(nil)

// New 解析 redis:// 形式的 URL 并创建客户端。
func New(url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("invalid redis url %q: %s", url, err.Error())
	}
	b := NewWithClient(redis.NewClient(opts))
	b.owned = true
	return b, nil
}

// NewWithClient 复用已有的客户端，Close 时不关闭该客户端。
func NewWithClient(rdb *redis.Client) *Broker {
	b := &Broker{rdb: rdb}
	b.SetLogger(log.With(log.FieldComponent("redis-broker")))
	return b
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return merr.WrapErrBrokerPublish(topic, err)
	}
	return nil
}

// PSubscribe 在收到服务端的订阅确认后才返回。
func (b *Broker) PSubscribe(ctx context.Context, pattern string) (broker.Subscription, error) {
	ps := b.rdb.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, merr.WrapErrBrokerUnavailable(err, "psubscribe "+pattern)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan *broker.Message, defaultChannelSize),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel(redis.WithChannelSize(defaultChannelSize)))
	b.Logger().Info("pattern subscribed", zap.String("pattern", pattern))
	return sub, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return merr.WrapErrBrokerUnavailable(err, "ping")
	}
	return nil
}

func (b *Broker) Close() error {
	if !b.owned {
		return nil
	}
	return b.rdb.Close()
}

type subscription struct {
	ps   *redis.PubSub
	out  chan *broker.Message
	done chan struct{}

	closeOnce sync.Once
}

func (s *subscription) forward(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- &broker.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan *broker.Message {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
		if errors.Is(err, redis.ErrClosed) {
			err = nil
		}
	})
	return err
}
