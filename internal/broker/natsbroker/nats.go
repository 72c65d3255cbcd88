package natsbroker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/internal/broker"
	"github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

const (
	defaultChannelSize = 1024
	defaultPingTimeout = 2 * time.Second
)

// Config 为 NATS 连接配置。
type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Broker 基于 NATS core 实现 broker.Broker。
//
// 主题经 SubjectOf 映射为 subject，前缀模式 "prefix:*" 映射为 "prefix.>"，
// 收到消息后经 TopicOf 还原，对上层透明。
type Broker struct {
	log.Binder

	nc *nats.Conn
}

var _ broker.Broker = (*Broker)(nil)

func New(cfg Config) (*Broker, error) {
	if len(cfg.Servers) == 0 {
		return nil, merr.WrapErrParameterMissing("broker.nats-url")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "jiscord-gateway"
	}

	b := &Broker{}
	b.SetLogger(log.With(log.FieldComponent("nats-broker")))

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","),
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.Logger().Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.Logger().Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, merr.WrapErrBrokerUnavailable(err, "connect")
	}
	b.nc = nc
	return b, nil
}

// SubjectOf 将 ":" 分隔的主题转换为 NATS subject。
//
// 两侧都非空的 ":" 映射为 token 分隔符 "."；其余 ":" 以及 subject 中有特殊含义的字节
// （"."、"*"、">"、"%"、空白与控制字符）编码为 %XX，TopicOf 可以无损还原。
func SubjectOf(topic string) string {
	var sb strings.Builder
	sb.Grow(len(topic))
	tokenLen := 0
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == ':' && tokenLen > 0 && i+1 < len(topic) && topic[i+1] != ':' {
			sb.WriteByte('.')
			tokenLen = 0
			continue
		}
		if needsEscape(c) {
			sb.WriteByte('%')
			sb.WriteByte(hexDigits[c>>4])
			sb.WriteByte(hexDigits[c&0x0f])
		} else {
			sb.WriteByte(c)
		}
		tokenLen++
	}
	return sb.String()
}

// TopicOf 将 NATS subject 还原为 ":" 分隔的主题。
func TopicOf(subject string) string {
	var sb strings.Builder
	sb.Grow(len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		switch {
		case c == '.':
			sb.WriteByte(':')
		case c == '%' && i+2 < len(subject) && isHex(subject[i+1]) && isHex(subject[i+2]):
			sb.WriteByte(unhex(subject[i+1])<<4 | unhex(subject[i+2]))
			i += 2
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// PatternOf 将 "prefix*" 形式的模式转换为 NATS 通配 subject。
// NATS 只能按 token 匹配，"prefix*" 匹配的是 "prefix:" 之后的所有主题。
func PatternOf(pattern string) string {
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok {
		return SubjectOf(pattern)
	}
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		return ">"
	}
	return SubjectOf(prefix) + ".>"
}

const hexDigits = "0123456789ABCDEF"

func needsEscape(c byte) bool {
	switch c {
	case ':', '.', '*', '>', '%':
		return true
	}
	return c <= ' ' || c == 0x7f
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('A' <= c && c <= 'F') || ('a' <= c && c <= 'f')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.nc.Publish(SubjectOf(topic), payload); err != nil {
		return merr.WrapErrBrokerPublish(topic, err)
	}
	return nil
}

func (b *Broker) PSubscribe(ctx context.Context, pattern string) (broker.Subscription, error) {
	in := make(chan *nats.Msg, defaultChannelSize)
	ns, err := b.nc.ChanSubscribe(PatternOf(pattern), in)
	if err != nil {
		return nil, merr.WrapErrBrokerUnavailable(err, "subscribe "+pattern)
	}
	if err := b.flush(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, err
	}

	sub := &subscription{
		ns:   ns,
		out:  make(chan *broker.Message, defaultChannelSize),
		done: make(chan struct{}),
	}
	go sub.forward(in)
	b.Logger().Info("pattern subscribed", zap.String("pattern", pattern), zap.String("subject", ns.Subject))
	return sub, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return merr.WrapErrBrokerUnavailable(nats.ErrConnectionClosed, "ping")
	}
	return b.flush(ctx)
}

// flush 等待服务端确认此前的全部操作，ctx 没有 deadline 时使用默认超时。
func (b *Broker) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return merr.WrapErrBrokerUnavailable(err, "flush")
	}
	return nil
}

func (b *Broker) Close() error {
	return b.nc.Drain()
}

type subscription struct {
	ns   *nats.Subscription
	out  chan *broker.Message
	done chan struct{}

	closeOnce sync.Once
}

func (s *subscription) forward(in <-chan *nats.Msg) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg := <-in:
			select {
			case s.out <- &broker.Message{Topic: TopicOf(msg.Subject), Payload: msg.Data}:
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
		err = s.ns.Unsubscribe()
		if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
			err = nil
		}
	})
	return err
}
