package session

import (
	"context"
	"net"
)

// Session 抽象了一条服务器侧的 WebSocket 会话。
//
// 约定：
//   - 每个 Session 对应一条底层连接，ID 在进程内唯一；
//   - 框架层只关心帧的收发，不关心用户、频道等业务概念；
//   - 所有方法均可并发调用。
type Session interface {
	// ID 返回会话在进程内的唯一标识，由接入层在握手成功后分配。
	ID() string

	// Context 返回与该会话关联的上下文，会话终止时被取消。
	Context() context.Context

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 将一帧文本数据投递到会话的发送队列，不等待写出。
	//
	// 行为：
	//   - 会话已关闭或正在关闭时返回 merr.ErrSessionClosed；
	//   - 发送队列已满时立即返回 merr.ErrSendQueueFull，不阻塞调用方。
	Send(data []byte) error

	// Close 优雅关闭：已入队的帧全部写出后，发送 1000 关闭帧并断开连接。
	// 多次调用是幂等的。
	Close() error

	// Terminate 立即断开底层连接，不发送关闭帧，未写出的帧被丢弃。
	Terminate() error

	// IsOpen 报告会话是否仍可写入新帧。
	IsOpen() bool
}
