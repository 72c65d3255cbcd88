package network

import "github.com/cockroachdb/errors"

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在回调中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRecvRaw   Stage = "recv_raw" // 读取底层 WebSocket 帧
	StageDecode    Stage = "decode"   // 帧 -> 命令
	StageDispatch  Stage = "dispatch" // 命令 -> 业务处理
	StageEncode    Stage = "encode"
	StageSend      Stage = "send"
)

var (
	// ErrHandshakeFailed 表示 WebSocket 升级失败。
	ErrHandshakeFailed = errors.New("network: handshake failed")

	// ErrRecvFailed 表示读取底层连接时发生错误。
	ErrRecvFailed = errors.New("network: recv failed")

	// ErrSendFailed 表示写出帧时发生错误。
	ErrSendFailed = errors.New("network: send failed")

	// ErrUnsupportedFrame 表示收到了非文本帧，网关只接受 UTF-8 文本帧。
	ErrUnsupportedFrame = errors.New("network: unsupported frame type")
)

// WrapStage 为错误附加阶段信息，保留原错误链。
func WrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "stage %s", stage)
}
