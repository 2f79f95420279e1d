package health

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"SHProject/logger"
	"SHProject/service/gateway"
)

// Conf Health Supervisor 配置。
type Conf struct {
	Interval     time.Duration // 探活周期
	ProbeTimeout time.Duration // 单次上游操作超时
	BackoffBase  time.Duration // 重连退避基数
	BackoffMax   time.Duration // 退避上限
	Clock        func() time.Time
}

func (c *Conf) norm() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// disconnectNotifier 连接器上游意外断开时的回调挂接点（service/connector 的 base 实现）。
type disconnectNotifier interface {
	SetDisconnectHook(func())
}

// Supervisor 独立探活循环：周期探测每个非 FailedPermanently 的连接器，
// 失败驱动状态机，掉线后按带抖动的指数退避调度重连，
// 升级到 FailedPermanently 时广播 SystemAlert 并停掉自动重连。
type Supervisor struct {
	conf   Conf
	router *gateway.Router
	stats  gateway.Stats
	conns  []gateway.Connector

	mu           sync.Mutex
	nextAttempt  map[string]time.Time
	wasPermanent map[string]bool

	kick chan string // 上游断开 → 立即调度该平台重连
}

func NewSupervisor(conf Conf, router *gateway.Router, stats gateway.Stats, conns []gateway.Connector) *Supervisor {
	conf.norm()
	s := &Supervisor{
		conf:         conf,
		router:       router,
		stats:        stats,
		conns:        conns,
		nextAttempt:  make(map[string]time.Time),
		wasPermanent: make(map[string]bool),
		kick:         make(chan string, len(conns)+1),
	}
	for _, c := range conns {
		if n, ok := c.(disconnectNotifier); ok {
			platform := c.Platform()
			n.SetDisconnectHook(func() { s.Kick(platform) })
		}
	}
	return s
}

// Kick 立即调度该平台的重连（无视当前退避档位）。非阻塞。
func (s *Supervisor) Kick(platform string) {
	s.mu.Lock()
	s.nextAttempt[platform] = s.conf.Clock()
	s.mu.Unlock()
	select {
	case s.kick <- platform:
	default:
	}
}

// Run 阻塞运行到 ctx 结束。
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.conf.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.TickOnce(ctx)
		case <-s.kick:
			s.reconnectDue(ctx)
		}
	}
}

// TickOnce 一轮探活 + 到期重连（导出供单测直接驱动）。
func (s *Supervisor) TickOnce(ctx context.Context) {
	for _, c := range s.conns {
		snap := c.State()
		if snap.Status == gateway.StatusFailedPermanently {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.conf.ProbeTimeout)
		err := c.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			s.inc("connector_probe_failed", "platform", c.Platform())
			logger.Infof("[health] probe failed platform=%s err=%v", c.Platform(), err)
			s.afterFailure(c)
			continue
		}
		s.inc("connector_probe_ok", "platform", c.Platform())
	}
	s.reconnectDue(ctx)
}

// afterFailure 失败后的调度：掉线排重连，升级永久失联则告警。
func (s *Supervisor) afterFailure(c gateway.Connector) {
	snap := c.State()
	switch snap.Status {
	case gateway.StatusFailedPermanently:
		s.escalate(c, snap)
	case gateway.StatusDisconnected:
		s.schedule(c.Platform(), snap.FailureCount)
	}
}

// schedule 置退避重连时间：min(max, base·2^failures) ± 20% 抖动。
func (s *Supervisor) schedule(platform string, failures int) {
	delay := s.conf.BackoffBase << uint(failures)
	if delay > s.conf.BackoffMax || delay <= 0 {
		delay = s.conf.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(2*int64(delay)/5+1)) - delay/5
	delay += jitter

	s.mu.Lock()
	s.nextAttempt[platform] = s.conf.Clock().Add(delay)
	s.mu.Unlock()
	logger.Infof("[health] reconnect %s in %v (failures=%d)", platform, delay, failures)
}

// reconnectDue 对到期的 Disconnected 平台发起一次重连。
func (s *Supervisor) reconnectDue(ctx context.Context) {
	now := s.conf.Clock()
	for _, c := range s.conns {
		snap := c.State()
		if snap.Status != gateway.StatusDisconnected {
			continue
		}
		s.mu.Lock()
		due, ok := s.nextAttempt[c.Platform()]
		s.mu.Unlock()
		if ok && now.Before(due) {
			continue
		}

		connCtx, cancel := context.WithTimeout(ctx, s.conf.ProbeTimeout)
		err := c.Connect(connCtx)
		cancel()
		if err == nil {
			s.inc("connector_reconnected", "platform", c.Platform())
			s.mu.Lock()
			delete(s.nextAttempt, c.Platform())
			s.wasPermanent[c.Platform()] = false
			s.mu.Unlock()
			continue
		}
		s.inc("connector_reconnect_failed", "platform", c.Platform())
		s.afterFailure(c)
	}
}

// escalate 进入 FailedPermanently：广播 SystemAlert，只告警一次。
func (s *Supervisor) escalate(c gateway.Connector, snap gateway.StateSnapshot) {
	s.mu.Lock()
	already := s.wasPermanent[c.Platform()]
	s.wasPermanent[c.Platform()] = true
	s.mu.Unlock()
	if already {
		return
	}
	s.inc("connector_permanent_failure", "platform", c.Platform())
	logger.Errorf("[health] platform %s failed permanently after %d failures, operator action required",
		c.Platform(), snap.FailureCount)
	s.router.Route(gateway.NewEvent(gateway.EventSystemAlert, c.Platform(), "", map[string]any{
		"reason":   "platform failed permanently",
		"failures": snap.FailureCount,
	}))
}

func (s *Supervisor) inc(name string, labels ...string) {
	if s.stats != nil {
		s.stats.Inc(name, labels...)
	}
}
