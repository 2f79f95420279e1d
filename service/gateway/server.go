package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"SHProject/logger"
	"SHProject/tools/errs"
	"SHProject/tools/security"
)

// Recommender 推荐服务外部协作方（ML 评分在网关之外）。
type Recommender interface {
	Recommend(ctx context.Context, userID string, limit int) (any, error)
}

// ServerConf 网关聚合配置。
type ServerConf struct {
	NodeID        string
	SendQueueSize int
	EmitTimeout   time.Duration // 上游 Emit 超时
	DrainTimeout  time.Duration // drain 硬截止
	Auth          security.Options
}

func (c *ServerConf) norm() {
	if c.NodeID == "" {
		c.NodeID = "streamhub-1"
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Server 一个网关实例：显式持有 Registry、Router、限流器、心跳监控与
// 全部 Connector。没有进程级单例，全部依赖在 cmd 里显式构造传入。
type Server struct {
	conf    ServerConf
	reg     *Registry
	router  *Router
	limiter *RateLimiter
	hb      *HeartbeatMonitor
	stats   Stats

	connectors  map[string]Connector
	recommender Recommender // 可为 nil

	startedAt time.Time
	draining  atomic.Bool
}

func NewServer(conf ServerConf, reg *Registry, router *Router, limiter *RateLimiter,
	hb *HeartbeatMonitor, stats Stats, connectors []Connector, rec Recommender) *Server {
	conf.norm()
	byPlatform := make(map[string]Connector, len(connectors))
	for _, c := range connectors {
		byPlatform[c.Platform()] = c
	}
	return &Server{
		conf:        conf,
		reg:         reg,
		router:      router,
		limiter:     limiter,
		hb:          hb,
		stats:       stats,
		connectors:  byPlatform,
		recommender: rec,
		startedAt:   time.Now(),
	}
}

func (s *Server) Registry() *Registry          { return s.reg }
func (s *Server) Router() *Router              { return s.router }
func (s *Server) Heartbeat() *HeartbeatMonitor { return s.hb }
func (s *Server) NodeID() string               { return s.conf.NodeID }

// Connectors 状态快照（/admin/status）。
func (s *Server) ConnectorStates() []StateSnapshot {
	out := make([]StateSnapshot, 0, len(s.connectors))
	for _, c := range s.connectors {
		out = append(out, c.State())
	}
	return out
}

func (s *Server) Connector(platform string) (Connector, bool) {
	c, ok := s.connectors[platform]
	return c, ok
}

// PumpConnector 把一个连接器的入站事件泵进路由器，直到 ctx 结束或通道关闭。
// 单生产者单通道，连接器内的事件顺序在这里保持。
func (s *Server) PumpConnector(ctx context.Context, c Connector) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			s.router.Route(ev)
		}
	}
}

// EmitUpstream 客户端出站意图 → 对应平台连接器，带超时。
func (s *Server) EmitUpstream(ev *Event) error {
	c, ok := s.connectors[ev.Platform]
	if !ok {
		return errs.ErrUpstreamFailure.WithDetail("unknown platform " + ev.Platform)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.EmitTimeout)
	defer cancel()
	if err := c.Emit(ctx, ev); err != nil {
		s.inc("emit_failed", "platform", ev.Platform)
		return errs.ErrUpstreamFailure.WrapMsg("emit", "platform", ev.Platform, "err", err)
	}
	s.inc("emit_ok", "platform", ev.Platform)
	return nil
}

// ForceReconnect 运维动作：无视退避，把平台拉回 Connecting。
func (s *Server) ForceReconnect(platform string) error {
	c, ok := s.connectors[platform]
	if !ok {
		return errs.New("unknown platform", "platform", platform)
	}
	c.Enable()
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.EmitTimeout)
	defer cancel()
	return c.Connect(ctx)
}

// Draining drain 开始后拒绝新接入。
func (s *Server) Draining() bool { return s.draining.Load() }

// Drain 协作式下线：停新接入，关闭全部会话与连接器。
// 超过硬截止后剩余资源已被强关（会话关闭本身是幂等的强关）。
func (s *Server) Drain(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	logger.Infof("[gateway] drain started, sessions=%d", s.reg.Len())

	deadline, cancel := context.WithTimeout(ctx, s.conf.DrainTimeout)
	defer cancel()

	for _, sess := range s.reg.Snapshot() {
		s.reg.Unregister(sess.ID)
		sess.Close()
	}
	for _, c := range s.connectors {
		if err := c.Disconnect(deadline); err != nil {
			logger.Infof("[gateway] connector %s disconnect err=%v", c.Platform(), err)
		}
	}
	s.hb.Stop()
	s.limiter.Close()
	logger.Infof("[gateway] drain complete")
}

// Uptime 运行时长（状态输出用）。
func (s *Server) Uptime() time.Duration { return time.Since(s.startedAt) }

func (s *Server) inc(name string, labels ...string) {
	if s.stats != nil {
		s.stats.Inc(name, labels...)
	}
}
