// Package broker 抽象跨网关实例的发布订阅通道。
package broker

import (
	"context"
)

// Message 为一条从 broker 收到的消息。
type Message struct {
	// Topic 为消息实际发布的主题，统一使用 ":" 分隔的形式，与具体 broker 无关。
	Topic   string
	Payload []byte
}

// Subscription 为一次模式订阅。
type Subscription interface {
	// Messages 返回消息流，订阅关闭或底层连接断开后被关闭。
	Messages() <-chan *Message
	Close() error
}

// Broker 提供主题级别的发布订阅，投递语义为至少一次。
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// PSubscribe 按前缀模式订阅，pattern 形如 "prefix*"，返回时订阅已生效。
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	KindRedis = "redis"
	KindNATS  = "nats"
)
