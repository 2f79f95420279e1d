package gateway

import (
	"sync"
	"time"

	"SHProject/logger"
)

// HeartbeatConf 心跳监控配置。
type HeartbeatConf struct {
	Interval time.Duration    // 推送周期
	Timeout  time.Duration    // 驱逐阈值（默认 3×Interval）
	Clock    func() time.Time // 可注入时钟（单测用）
}

func (c *HeartbeatConf) norm() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * c.Interval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// HeartbeatMonitor 独立心跳循环：周期性向全部会话推 heartbeat 帧
// （直接走会话传输，不经过路由去重），并清扫超时未应答的会话。
type HeartbeatMonitor struct {
	reg   *Registry
	conf  HeartbeatConf
	stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewHeartbeatMonitor(reg *Registry, stats Stats, conf HeartbeatConf) *HeartbeatMonitor {
	conf.norm()
	return &HeartbeatMonitor{
		reg:    reg,
		conf:   conf,
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

// Run 阻塞运行到 Stop。
func (m *HeartbeatMonitor) Run() {
	t := time.NewTicker(m.conf.Interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepOnce(m.conf.Clock())
		}
	}
}

func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// SweepOnce 一轮推送 + 驱逐（导出供单测直接驱动）。
func (m *HeartbeatMonitor) SweepOnce(now time.Time) {
	beat := BuildHeartbeat()
	evicted := 0
	for _, s := range m.reg.Snapshot() {
		if now.Sub(s.LastBeat()) > m.conf.Timeout {
			logger.Infof("[heartbeat] evict stale session=%s user=%s last=%v", s.ID, s.UserID, s.LastBeat())
			m.reg.Unregister(s.ID)
			s.Close()
			evicted++
			continue
		}
		// 心跳推送失败与否不在这里处理：写协程的失败路径会注销会话
		_ = s.Enqueue(beat)
	}
	if m.stats != nil {
		if evicted > 0 {
			m.stats.Inc("heartbeat_evicted")
		}
		m.stats.Gauge("sessions_live", float64(m.reg.Len()))
	}

	// 双索引失一致说明有未知写路径绕过了注册表的锁，
	// 转储后退出进程交给外部监督重启。
	if err := m.reg.CheckConsistency(); err != nil {
		for _, s := range m.reg.Snapshot() {
			logger.Errorf("[registry-dump] session=%s user=%s platform=%s", s.ID, s.UserID, s.Platform)
		}
		logger.Fatalf("[heartbeat] registry invariant broken: %v", err)
	}
}

// Ack 客户端心跳应答。会话已消失时为空操作（幂等）。
func (m *HeartbeatMonitor) Ack(sessionID string) {
	if s, ok := m.reg.GetBySession(sessionID); ok {
		s.Touch(m.conf.Clock())
		m.reg.RefreshPresence(sessionID)
	}
}
