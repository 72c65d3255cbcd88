// Package fanout 连接本地会话注册表与跨实例的 broker。
//
// 本实例产生的事件统一发布到 broker；所有实例（包括本实例）通过同一个模式订阅收到事件，
// 只投递给本地订阅了对应频道的会话。跨实例之间不同步注册表。
package fanout

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/internal/broker"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/protocol"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/registry"
	"github.com/lk2023060901/jiscord-gateway/internal/json"
	"github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/metrics"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/conc"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

const (
	DefaultTopicPrefix = "jiscord:channel:"
	DefaultChunkSize   = 64
)

// EventKind 为 broker 上传输的事件类型。
type EventKind string

const (
	EventMessageCreate EventKind = "MESSAGE_CREATE"
	EventTyping        EventKind = "TYPING"
)

// opOf 返回事件对应的下行帧 op，未知事件返回 false。
func opOf(kind EventKind) (protocol.Op, bool) {
	switch kind {
	case EventMessageCreate:
		return protocol.OpMessageCreate, true
	case EventTyping:
		return protocol.OpTyping, true
	default:
		return "", false
	}
}

// Event 为 broker 消息体 {"event": ..., "data": ...}。
type Event struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Config 为 Bridge 配置。
type Config struct {
	TopicPrefix string `mapstructure:"topic-prefix"`
	PoolSize    int    `mapstructure:"pool-size"`
	ChunkSize   int    `mapstructure:"chunk-size"`
}

// Bridge 负责事件的发布与本地投递。
type Bridge struct {
	log.Binder

	broker broker.Broker
	reg    *registry.Registry
	cfg    Config
	pool   *conc.Pool[int]

	sub    broker.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(b broker.Broker, reg *registry.Registry, cfg Config) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	bridge := &Bridge{
		broker: b,
		reg:    reg,
		cfg:    cfg,
		pool:   conc.NewPool[int](cfg.PoolSize, conc.WithPreAlloc(true), conc.WithConcealPanic(true)),
	}
	bridge.SetLogger(log.With(log.FieldComponent("fanout")))
	return bridge
}

// Topic 返回频道对应的 broker 主题。
func (b *Bridge) Topic(channelID string) string {
	return b.cfg.TopicPrefix + channelID
}

// Publish 将事件发布到频道主题。
//
// 对调用方而言是 fire-and-forget：失败只记录日志与指标，不重试也不返回错误。
func (b *Bridge) Publish(ctx context.Context, channelID string, kind EventKind, data any) {
	payload, err := json.Marshal(data)
	if err == nil {
		payload, err = json.Marshal(Event{Event: kind, Data: payload})
	}
	if err != nil {
		metrics.GatewayPublishedEventsTotal.WithLabelValues(string(kind), metrics.FailLabel).Inc()
		log.Ctx(ctx).Warn("encode event failed", log.FieldChannelID(channelID), zap.Error(err))
		return
	}

	if err := b.broker.Publish(ctx, b.Topic(channelID), payload); err != nil {
		metrics.GatewayPublishedEventsTotal.WithLabelValues(string(kind), metrics.FailLabel).Inc()
		log.Ctx(ctx).Warn("publish event failed",
			log.FieldChannelID(channelID),
			zap.String("event", string(kind)),
			zap.Error(err))
		return
	}
	metrics.GatewayPublishedEventsTotal.WithLabelValues(string(kind), metrics.SuccessLabel).Inc()
}

// Start 建立一次模式订阅并启动接收协程，返回时订阅已生效。
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.broker.PSubscribe(ctx, b.cfg.TopicPrefix+"*")
	if err != nil {
		return err
	}
	b.sub = sub

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiveLoop(ctx, sub)
	}()
	b.Logger().Info("fanout bridge started", zap.String("pattern", b.cfg.TopicPrefix+"*"))
	return nil
}

// Stop 取消订阅并等待接收协程退出。
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		if err := b.sub.Close(); err != nil {
			b.Logger().Warn("close subscription failed", zap.Error(err))
		}
	}
	b.wg.Wait()
	b.pool.Release()
}

func (b *Bridge) receiveLoop(ctx context.Context, sub broker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() == nil {
					b.Logger().Warn("broker subscription closed")
				}
				return
			}
			b.Deliver(msg)
		}
	}
}

// Deliver 将一条 broker 消息投递给本地订阅者，返回成功写入发送队列的会话数。
//
// 帧只编码一次。订阅者较多时按 ChunkSize 分片提交到协程池，并等待全部分片完成后才返回，
// 以保证同一会话收到的事件顺序与 broker 的投递顺序一致。
func (b *Bridge) Deliver(msg *broker.Message) int {
	channelID, ok := strings.CutPrefix(msg.Topic, b.cfg.TopicPrefix)
	if !ok || channelID == "" {
		b.Logger().RatedWarn(1, "unexpected topic", zap.String("topic", msg.Topic))
		return 0
	}

	var event Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		b.Logger().RatedWarn(1, "decode event failed", log.FieldChannelID(channelID), zap.Error(err))
		return 0
	}
	op, ok := opOf(event.Event)
	if !ok {
		b.Logger().RatedWarn(1, "unknown event", log.FieldChannelID(channelID), zap.String("event", string(event.Event)))
		return 0
	}

	subscribers := b.reg.Subscribers(channelID)
	if len(subscribers) == 0 {
		return 0
	}

	frame, err := protocol.EncodeRaw(op, event.Data)
	if err != nil {
		b.Logger().Warn("encode frame failed", log.FieldChannelID(channelID), zap.Error(err))
		return 0
	}

	if len(subscribers) <= b.cfg.ChunkSize {
		return b.sendAll(subscribers, frame, op)
	}

	chunks := lo.Chunk(subscribers, b.cfg.ChunkSize)
	futures := make([]*conc.Future[int], 0, len(chunks))
	for _, chunk := range chunks {
		futures = append(futures, b.pool.Submit(func() (int, error) {
			return b.sendAll(chunk, frame, op), nil
		}))
	}
	delivered := 0
	for _, future := range futures {
		n, _ := future.Await()
		delivered += n
	}
	return delivered
}

func (b *Bridge) sendAll(conns []registry.Conn, frame []byte, op protocol.Op) int {
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(frame); err != nil {
			reason := "closed"
			if errors.Is(err, merr.ErrSendQueueFull) {
				reason = "queue_full"
			}
			metrics.GatewayDroppedFramesTotal.WithLabelValues(reason).Inc()
			b.Logger().RatedWarn(1, "drop frame", log.FieldSessionID(conn.ID()), log.FieldOp(op.String()), zap.Error(err))
			continue
		}
		delivered++
	}
	metrics.GatewayDeliveredFramesTotal.WithLabelValues(op.String()).Add(float64(delivered))
	return delivered
}
