package protocol

import (
	"github.com/lk2023060901/jiscord-gateway/internal/json"
)

// Hello 在连接建立后立即下发。
type Hello struct {
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
}

// Ready 表示握手完成。
type Ready struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// MessageCreate 为消息创建事件，ID 与时间戳均来自消息存储服务。
type MessageCreate struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// Typing 为正在输入事件，Timestamp 为毫秒时间戳。
type Typing struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Encode 构造一帧下行文本，d 为 nil 时编码为 null。
func Encode(op Op, d any) ([]byte, error) {
	if d == nil {
		return EncodeRaw(op, nil)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(op, raw)
}

// EncodeRaw 使用已编码的 payload 构造一帧，raw 为空时编码为 null。
func EncodeRaw(op Op, raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		raw = nullPayload
	}
	return json.Marshal(Frame{Op: op, D: raw})
}

// MustEncode 用于编码不会失败的固定帧，例如 HEARTBEAT_ACK。
func MustEncode(op Op, d any) []byte {
	data, err := Encode(op, d)
	if err != nil {
		panic(err)
	}
	return data
}
