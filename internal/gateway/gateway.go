// Package gateway 实现连接级别的协议状态机。
//
// 连接状态不单独保存：会话在注册表中绑定了用户即为 IDENTIFIED，否则为 CONNECTED，
// 从注册表移除即为 CLOSED。同一会话上的命令由接入层串行回调，处理过程中不需要额外加锁。
package gateway

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/internal/gateway/fanout"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/protocol"
	"github.com/lk2023060901/jiscord-gateway/internal/gateway/registry"
	"github.com/lk2023060901/jiscord-gateway/internal/network"
	"github.com/lk2023060901/jiscord-gateway/internal/network/acceptor"
	"github.com/lk2023060901/jiscord-gateway/internal/network/session"
	"github.com/lk2023060901/jiscord-gateway/internal/sdk/jiscord"
	"github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/metrics"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

// 协议违规原因，用作 protocol_violations_total 的 reason 标签。
const (
	ViolationMalformed         = "malformed"
	ViolationUnknownOp         = "unknown_op"
	ViolationBinaryFrame       = "binary_frame"
	ViolationNotIdentified     = "not_identified"
	ViolationAlreadyIdentified = "already_identified"
)

const tracerName = "gateway"

// Publisher 将事件发布给所有网关实例，实现为 fanout.Bridge。
type Publisher interface {
	Publish(ctx context.Context, channelID string, kind fanout.EventKind, data any)
}

// invalidSessionFrame 在认证失败或被挤下线时下发，随后关闭连接。
var invalidSessionFrame = protocol.MustEncode(protocol.OpInvalidSession, nil)

var heartbeatAckFrame = protocol.MustEncode(protocol.OpHeartbeatAck, nil)

// EvictWithNotice 是注册表的 Evictor：先下发 INVALID_SESSION 再优雅关闭。
// 关闭帧排在通知之后，客户端总能先收到通知。
func EvictWithNotice(conn registry.Conn) {
	logger := log.With(log.FieldComponent("gateway"), log.FieldSessionID(conn.ID()))
	if err := conn.Send(invalidSessionFrame); err != nil {
		logger.Warn("send eviction notice failed", zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		logger.Debug("close evicted connection failed", zap.Error(err))
	}
}

// Config 为网关协议参数。
type Config struct {
	// HeartbeatInterval 在 HELLO 中下发给客户端。
	HeartbeatInterval time.Duration
}

// Gateway 是 acceptor.Handler 的实现，负责握手、心跳与命令分发。
type Gateway struct {
	log.Binder

	reg       *registry.Registry
	verifier  jiscord.Verifier
	store     jiscord.MessageStore
	publisher Publisher

	// violations 使用独立的限流分组。
	violations *log.MLogger

	hello []byte
	now   func() time.Time
}

var _ acceptor.Handler = (*Gateway)(nil)

type Option func(*Gateway)

// WithNow 注入时钟，用于 TYPING 时间戳。
func WithNow(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

func New(cfg Config, reg *registry.Registry, verifier jiscord.Verifier, store jiscord.MessageStore, publisher Publisher, opts ...Option) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	g := &Gateway{
		reg:       reg,
		verifier:  verifier,
		store:     store,
		publisher: publisher,
		hello: protocol.MustEncode(protocol.OpHello, protocol.Hello{
			HeartbeatIntervalMs: cfg.HeartbeatInterval.Milliseconds(),
		}),
		now: time.Now,
	}
	g.SetLogger(log.With(log.FieldComponent("gateway")))
	g.violations = log.With(log.FieldComponent("gateway")).WithRateGroup("gateway.violation", 1, 60)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry 返回网关使用的会话注册表。
func (g *Gateway) Registry() *registry.Registry {
	return g.reg
}

func (g *Gateway) OnConnected(sess session.Session) {
	metrics.GatewayConnectionsTotal.Inc()
	sessionID := g.reg.CreateSession(sess)
	g.Logger().Info("connection accepted",
		log.FieldSessionID(sessionID),
		zap.Stringer("remote", sess.RemoteAddr()))

	if err := sess.Send(g.hello); err != nil {
		g.Logger().Warn("send hello failed", log.FieldSessionID(sessionID), zap.Error(err))
	}
}

func (g *Gateway) OnMessage(sess session.Session, payload []byte) {
	// 已关闭的连接仍可能有排队未处理的帧，一律丢弃。
	if !sess.IsOpen() {
		g.Logger().Debug("frame after close dropped", log.FieldSessionID(sess.ID()))
		return
	}
	cmd, err := protocol.Decode(payload)
	if err != nil {
		reason := ViolationMalformed
		if errors.Is(err, merr.ErrProtocolUnknownOp) {
			reason = ViolationUnknownOp
		}
		g.violation(sess.ID(), reason, err)
		return
	}

	op := cmd.Op().String()
	metrics.GatewayCommandsTotal.WithLabelValues(op).Inc()

	ctx, span := log.WithIntent(sess.Context(), tracerName, op)
	defer span.End()
	ctx = log.WithSession(ctx, sess.ID())

	g.dispatch(ctx, sess, cmd)
}

func (g *Gateway) OnClosed(sess session.Session, err error) {
	destroyed := g.reg.DestroySession(sess.ID())
	fields := []zap.Field{log.FieldSessionID(sess.ID()), zap.Bool("destroyed", destroyed)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	g.Logger().Info("connection closed", fields...)
}

func (g *Gateway) OnError(sess session.Session, stage network.Stage, err error) {
	if stage == network.StageDecode && errors.Is(err, network.ErrUnsupportedFrame) {
		g.violation(sess.ID(), ViolationBinaryFrame, err)
		return
	}
	fields := []zap.Field{zap.String("stage", string(stage)), zap.Error(err)}
	if sess != nil {
		fields = append(fields, log.FieldSessionID(sess.ID()))
	}
	g.Logger().RatedWarn(1, "connection error", fields...)
}

func (g *Gateway) dispatch(ctx context.Context, sess session.Session, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.Identify:
		g.handleIdentify(ctx, sess, c)
	case protocol.Heartbeat:
		g.handleHeartbeat(ctx, sess)
	case protocol.SendMessage:
		g.handleSendMessage(ctx, sess, c)
	case protocol.TypingStart:
		g.handleTypingStart(ctx, sess, c)
	}
}

func (g *Gateway) handleIdentify(ctx context.Context, sess session.Session, cmd protocol.Identify) {
	sessionID := sess.ID()
	current, ok := g.reg.UserID(sessionID)
	if !ok {
		return
	}
	if current != "" {
		g.violation(sessionID, ViolationAlreadyIdentified, merr.WrapErrProtocolViolation(protocol.OpIdentify.String(), "IDENTIFIED"))
		return
	}

	userID, err := g.verifier.Verify(ctx, cmd.Token)
	if err != nil {
		log.Ctx(ctx).Info("identify rejected", zap.Error(err))
		g.reject(sess)
		return
	}

	if !g.reg.BindIdentity(sessionID, userID) {
		// 验证期间连接已断开。
		log.Ctx(ctx).Debug("session gone before identity bound", log.FieldUserID(userID))
		return
	}
	g.send(ctx, sess, protocol.OpReady, protocol.Ready{UserID: userID, SessionID: sessionID})
	log.Ctx(ctx).Info("session identified", log.FieldUserID(userID))
}

func (g *Gateway) handleHeartbeat(ctx context.Context, sess session.Session) {
	if !g.reg.TouchLiveness(sess.ID()) {
		return
	}
	if err := sess.Send(heartbeatAckFrame); err != nil {
		log.Ctx(ctx).RatedWarn(1, "send heartbeat ack failed", zap.Error(err))
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, sess session.Session, cmd protocol.SendMessage) {
	userID, ok := g.identified(sess.ID())
	if !ok {
		g.violation(sess.ID(), ViolationNotIdentified, merr.WrapErrProtocolViolation(cmd.Op().String(), "CONNECTED"))
		return
	}
	g.reg.Subscribe(sess.ID(), cmd.ChannelID)

	// 消息一旦提交就与连接的生命周期无关。
	ctx = context.WithoutCancel(ctx)
	msg, err := g.store.CreateMessage(ctx, cmd.ChannelID, userID, cmd.Content)
	if err != nil {
		metrics.GatewayDroppedMessagesTotal.Inc()
		log.Ctx(ctx).Warn("store message failed, message dropped",
			log.FieldChannelID(cmd.ChannelID),
			log.FieldUserID(userID),
			zap.Error(err))
		return
	}

	g.publisher.Publish(ctx, cmd.ChannelID, fanout.EventMessageCreate, protocol.MessageCreate{
		MessageID: msg.MessageID,
		ChannelID: msg.ChannelID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
}

func (g *Gateway) handleTypingStart(ctx context.Context, sess session.Session, cmd protocol.TypingStart) {
	userID, ok := g.identified(sess.ID())
	if !ok {
		g.violation(sess.ID(), ViolationNotIdentified, merr.WrapErrProtocolViolation(cmd.Op().String(), "CONNECTED"))
		return
	}
	g.reg.Subscribe(sess.ID(), cmd.ChannelID)
	g.publisher.Publish(ctx, cmd.ChannelID, fanout.EventTyping, protocol.Typing{
		ChannelID: cmd.ChannelID,
		UserID:    userID,
		Timestamp: g.now().UnixMilli(),
	})
}

// identified 返回会话绑定的用户，未认证或会话不存在时返回 false。
func (g *Gateway) identified(sessionID string) (string, bool) {
	userID, ok := g.reg.UserID(sessionID)
	return userID, ok && userID != ""
}

// reject 下发 INVALID_SESSION 后优雅关闭，并立即从注册表移除会话。
// 连接进入 CLOSED 后，同一连接上排队的帧不能再改动注册表。
func (g *Gateway) reject(sess session.Session) {
	if err := sess.Send(invalidSessionFrame); err != nil {
		g.Logger().Debug("send invalid session failed", log.FieldSessionID(sess.ID()), zap.Error(err))
	}
	if err := sess.Close(); err != nil {
		g.Logger().Debug("close rejected session failed", log.FieldSessionID(sess.ID()), zap.Error(err))
	}
	g.reg.DestroySession(sess.ID())
}

func (g *Gateway) send(ctx context.Context, sess session.Session, op protocol.Op, d any) {
	frame, err := protocol.Encode(op, d)
	if err != nil {
		log.Ctx(ctx).Error("encode frame failed", log.FieldOp(op.String()), zap.Error(err))
		return
	}
	if err := sess.Send(frame); err != nil {
		log.Ctx(ctx).RatedWarn(1, "send frame failed", log.FieldOp(op.String()), zap.Error(err))
	}
}

func (g *Gateway) violation(sessionID, reason string, err error) {
	metrics.GatewayProtocolViolationsTotal.WithLabelValues(reason).Inc()
	g.violations.RatedWarn(1, "protocol violation ignored",
		log.FieldSessionID(sessionID),
		zap.String("reason", reason),
		zap.Error(err))
}
