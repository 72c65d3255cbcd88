// Package registry 维护网关进程内的会话状态。
//
// Registry 是会话、用户绑定与频道订阅三个索引的唯一持有者，三者由同一把读写锁保护，
// 跨索引的修改在同一个临界区内完成。对连接的 I/O（驱逐通知、关闭）一律在锁外进行。
package registry

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/lk2023060901/jiscord-gateway/pkg/metrics"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/typeutil"
)

// Conn 是会话持有的连接句柄，仅用于发送下行帧与关闭。
type Conn interface {
	ID() string
	Send(data []byte) error
	// Close 写出已入队的帧后优雅关闭。
	Close() error
	// Terminate 立即断开，不发送关闭帧。
	Terminate() error
	IsOpen() bool
}

// Evictor 处理因同一用户重复登录而被挤下线的连接，在锁外调用。
type Evictor func(conn Conn)

type sessionState struct {
	conn           Conn
	userID         string
	lastLivenessAt time.Time
	channels       typeutil.Set[string]
}

// Registry 为并发安全的会话注册表。
type Registry struct {
	mu                 sync.RWMutex
	sessions           map[string]*sessionState
	userSessions       map[string]string
	channelSubscribers map[string]typeutil.Set[string]

	evictor Evictor
	now     func() time.Time
}

// Option 配置 Registry。
type Option func(*Registry)

// WithEvictor 设置重复登录时对旧连接的处理方式，默认直接 Close。
func WithEvictor(fn Evictor) Option {
	return func(r *Registry) {
		r.evictor = fn
	}
}

// WithNow 注入时钟，便于测试。
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:           make(map[string]*sessionState),
		userSessions:       make(map[string]string),
		channelSubscribers: make(map[string]typeutil.Set[string]),
		evictor:            func(conn Conn) { _ = conn.Close() },
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession 注册一个尚未认证、没有订阅的会话，返回 conn.ID()。
func (r *Registry) CreateSession(conn Conn) string {
	id := conn.ID()
	r.mu.Lock()
	if old, ok := r.sessions[id]; ok {
		r.destroyLocked(id, old)
	}
	r.sessions[id] = &sessionState{
		conn:           conn,
		lastLivenessAt: r.now(),
		channels:       typeutil.NewSet[string](),
	}
	r.updateGaugesLocked()
	r.mu.Unlock()
	return id
}

// BindIdentity 将 userID 绑定到 sessionID。
//
// 若该用户已绑定在另一个会话上，旧会话在同一临界区内被移出全部索引，随后在锁外交给 Evictor。
// sessionID 不存在或已绑定其他用户时返回 false；重复绑定同一用户返回 true。
func (r *Registry) BindIdentity(sessionID, userID string) bool {
	var evicted Conn

	r.mu.Lock()
	state, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if state.userID != "" {
		r.mu.Unlock()
		return state.userID == userID
	}
	if prevID, ok := r.userSessions[userID]; ok && prevID != sessionID {
		if prev, ok := r.sessions[prevID]; ok {
			evicted = prev.conn
			r.destroyLocked(prevID, prev)
		}
	}
	state.userID = userID
	r.userSessions[userID] = sessionID
	r.updateGaugesLocked()
	r.mu.Unlock()

	if evicted != nil {
		metrics.GatewayEvictionsTotal.WithLabelValues(EvictReasonDuplicateIdentity).Inc()
		r.evictor(evicted)
	}
	return true
}

// TouchLiveness 将会话的存活时间刷新为当前时间。
func (r *Registry) TouchLiveness(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	state.lastLivenessAt = r.now()
	return true
}

// Subscribe 幂等地将会话加入频道订阅，同时更新两个方向的索引。
func (r *Registry) Subscribe(sessionID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	state.channels.Insert(channelID)
	subs, ok := r.channelSubscribers[channelID]
	if !ok {
		subs = typeutil.NewSet[string]()
		r.channelSubscribers[channelID] = subs
	}
	subs.Insert(sessionID)
	r.updateGaugesLocked()
	return true
}

// DestroySession 从全部索引中移除会话，幂等；会话存在时返回 true。
func (r *Registry) DestroySession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	r.destroyLocked(sessionID, state)
	r.updateGaugesLocked()
	return true
}

// EvictIfIdle 在会话最后存活时间早于 cutoff 时将其移除，并返回其连接。
// 检查与移除在同一临界区内完成，不会误删刚刚心跳过的会话。
func (r *Registry) EvictIfIdle(sessionID string, cutoff time.Time) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok || !state.lastLivenessAt.Before(cutoff) {
		return nil, false
	}
	r.destroyLocked(sessionID, state)
	r.updateGaugesLocked()
	return state.conn, true
}

// destroyLocked 要求调用方持有写锁。
func (r *Registry) destroyLocked(sessionID string, state *sessionState) {
	delete(r.sessions, sessionID)
	if state.userID != "" && r.userSessions[state.userID] == sessionID {
		delete(r.userSessions, state.userID)
	}
	state.channels.Range(func(channelID string) bool {
		if subs, ok := r.channelSubscribers[channelID]; ok {
			subs.Remove(sessionID)
			if subs.Len() == 0 {
				delete(r.channelSubscribers, channelID)
			}
		}
		return true
	})
}

func (r *Registry) updateGaugesLocked() {
	metrics.GatewaySessions.Set(float64(len(r.sessions)))
	metrics.GatewayIdentifiedSessions.Set(float64(len(r.userSessions)))
	metrics.GatewayChannels.Set(float64(len(r.channelSubscribers)))
}

// Snapshot 返回当前全部会话 ID 的副本，调用方可在不持锁的情况下遍历。
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.sessions)
}

// Subscribers 返回订阅了 channelID 且连接仍处于打开状态的本地连接。
func (r *Registry) Subscribers(channelID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs, ok := r.channelSubscribers[channelID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, subs.Len())
	subs.Range(func(sessionID string) bool {
		if state, ok := r.sessions[sessionID]; ok && state.conn.IsOpen() {
			conns = append(conns, state.conn)
		}
		return true
	})
	return conns
}

// UserID 返回会话绑定的用户，未认证时 ok 为 true 且 userID 为空。
func (r *Registry) UserID(sessionID string) (userID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return state.userID, true
}

func (r *Registry) SessionForUser(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.userSessions[userID]
	return sessionID, ok
}

// Channels 返回会话已订阅的频道。
func (r *Registry) Channels(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return state.channels.Collect()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) IdentifiedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSessions)
}

func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channelSubscribers)
}

// 驱逐原因，对应 evictions_total 的 reason 标签。
const (
	EvictReasonDuplicateIdentity = "duplicate_identity"
	EvictReasonHeartbeatTimeout  = "heartbeat_timeout"
)
