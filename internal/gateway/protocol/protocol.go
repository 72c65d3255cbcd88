// Package protocol 定义网关与客户端之间的 JSON 帧格式。
//
// 每一帧均为 {"op": <string>, "d": <payload|null>}。入站帧在边界处一次性解码为
// 封闭的 Command 类型，网关按具体类型分发，不再按 op 字符串做动态派发。
package protocol

import (
	"bytes"

	"github.com/lk2023060901/jiscord-gateway/internal/json"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

// Op 为帧类型。
type Op string

const (
	OpHello          Op = "HELLO"
	OpIdentify       Op = "IDENTIFY"
	OpReady          Op = "READY"
	OpInvalidSession Op = "INVALID_SESSION"
	OpHeartbeat      Op = "HEARTBEAT"
	OpHeartbeatAck   Op = "HEARTBEAT_ACK"
	OpSendMessage    Op = "SEND_MESSAGE"
	OpMessageCreate  Op = "MESSAGE_CREATE"
	OpTypingStart    Op = "TYPING_START"
	OpTyping         Op = "TYPING"
)

func (op Op) String() string {
	return string(op)
}

// Frame 为线上帧的外层结构。
type Frame struct {
	Op Op              `json:"op"`
	D  json.RawMessage `json:"d"`
}

var nullPayload = []byte("null")

// Command 为客户端发往网关的命令，仅包含本包定义的几种实现。
type Command interface {
	Op() Op
	sealed()
}

// Identify 请求以 Token 完成握手，Token 可能为空。
type Identify struct {
	Token string `json:"token"`
}

// Heartbeat 刷新会话存活时间。
type Heartbeat struct{}

// SendMessage 在频道内发送一条消息。
type SendMessage struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

// TypingStart 广播“正在输入”状态。
type TypingStart struct {
	ChannelID string `json:"channelId"`
}

func (Identify) Op() Op    { return OpIdentify }
func (Heartbeat) Op() Op   { return OpHeartbeat }
func (SendMessage) Op() Op { return OpSendMessage }
func (TypingStart) Op() Op { return OpTypingStart }

func (Identify) sealed()    {}
func (Heartbeat) sealed()   {}
func (SendMessage) sealed() {}
func (TypingStart) sealed() {}

// Decode 将一帧入站文本解码为 Command。
//
// 无法解析的 JSON、缺少 op、缺少 channelId 返回 merr.ErrProtocolMalformed；
// 未知或仅限服务端下发的 op 返回 merr.ErrProtocolUnknownOp。
// IDENTIFY 的 d 缺失或为 null 时返回空 Token，由调用方按凭证为空处理。
func Decode(data []byte) (Command, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, merr.WrapErrProtocolMalformed("invalid json", err.Error())
	}
	if frame.Op == "" {
		return nil, merr.WrapErrProtocolMalformed("missing op")
	}

	switch frame.Op {
	case OpHeartbeat:
		return Heartbeat{}, nil

	case OpIdentify:
		var cmd Identify
		if err := decodePayload(frame.D, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case OpSendMessage:
		var cmd SendMessage
		if err := decodePayload(frame.D, &cmd); err != nil {
			return nil, err
		}
		if cmd.ChannelID == "" {
			return nil, merr.WrapErrProtocolMalformed("missing channelId", frame.Op.String())
		}
		return cmd, nil

	case OpTypingStart:
		var cmd TypingStart
		if err := decodePayload(frame.D, &cmd); err != nil {
			return nil, err
		}
		if cmd.ChannelID == "" {
			return nil, merr.WrapErrProtocolMalformed("missing channelId", frame.Op.String())
		}
		return cmd, nil

	default:
		return nil, merr.WrapErrProtocolUnknownOp(frame.Op.String())
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || bytes.Equal(raw, nullPayload) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return merr.WrapErrProtocolMalformed("invalid payload", err.Error())
	}
	return nil
}
