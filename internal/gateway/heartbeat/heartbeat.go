// Package heartbeat 实现基于心跳的会话存活检测。
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/jiscord-gateway/internal/gateway/registry"
	"github.com/lk2023060901/jiscord-gateway/pkg/log"
	"github.com/lk2023060901/jiscord-gateway/pkg/metrics"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

const DefaultInterval = 30 * time.Second

// Config 描述心跳参数。
//
// 会话在最后一次心跳后超过 Timeout 才会被判定失效，扫描周期为 SweepInterval，
// 因此实际驱逐时间落在 [Timeout, Timeout+SweepInterval] 内。
// Validate 要求该区间位于 [Interval, 1.5*Interval] 之内。
type Config struct {
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep-interval"`
}

// DefaultConfig 返回 Interval 对应的默认参数：超时 1.25 倍，扫描周期 1/4。
func DefaultConfig(interval time.Duration) Config {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Config{
		Interval:      interval,
		Timeout:       interval * 5 / 4,
		SweepInterval: interval / 4,
	}
}

// WithDefaults 为未设置的字段填充默认值。
func (c Config) WithDefaults() Config {
	def := DefaultConfig(c.Interval)
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return merr.WrapErrParameterInvalidMsg("heartbeat.interval must be positive, got %s", c.Interval)
	}
	if c.SweepInterval <= 0 {
		return merr.WrapErrParameterInvalidMsg("heartbeat.sweep-interval must be positive, got %s", c.SweepInterval)
	}
	upper := c.Interval * 3 / 2
	if c.Timeout < c.Interval || c.Timeout+c.SweepInterval > upper {
		return merr.WrapErrParameterInvalidRange(c.Interval, upper-c.SweepInterval, c.Timeout, "heartbeat.timeout")
	}
	return nil
}

// Monitor 周期性扫描注册表，终止超时未心跳的会话。
type Monitor struct {
	log.Binder

	reg *registry.Registry
	cfg Config
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Monitor)

// WithNow 注入时钟。
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func NewMonitor(reg *registry.Registry, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		reg: reg,
		cfg: cfg.WithDefaults(),
		now: time.Now,
	}
	m.SetLogger(log.With(log.FieldComponent("heartbeat")))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config 返回生效的心跳参数。
func (m *Monitor) Config() Config {
	return m.cfg
}

// Start 启动后台扫描协程，直到 ctx 取消或调用 Stop。
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
	m.Logger().Info("heartbeat monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Duration("sweep", m.cfg.SweepInterval))
}

// Stop 停止扫描并等待后台协程退出。
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Sweep 执行一次扫描，返回本次驱逐的会话数。
//
// 先取会话 ID 快照再逐个检查，不在整个扫描期间持有注册表的锁。
func (m *Monitor) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.Timeout)
	evicted := 0
	for _, sessionID := range m.reg.Snapshot() {
		conn, ok := m.reg.EvictIfIdle(sessionID, cutoff)
		if !ok {
			continue
		}
		evicted++
		_ = conn.Terminate()
		metrics.GatewayEvictionsTotal.WithLabelValues(registry.EvictReasonHeartbeatTimeout).Inc()
		m.Logger().Info("session heartbeat timed out", log.FieldSessionID(sessionID))
	}
	return evicted
}
