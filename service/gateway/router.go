package gateway

import (
	"context"
	"sync"
	"time"

	"SHProject/logger"
	"SHProject/tools/safe"
)

// Stats 路由结果计数的去向（service/metrics 实现）。
type Stats interface {
	Inc(name string, labels ...string)
	Gauge(name string, v float64, labels ...string)
	Observe(name string, v float64, labels ...string)
}

// EventSink 事件外发旁路（Kafka 持久化腿 / NATS 实时腿）。
// 失败只计数，不影响路由。
type EventSink interface {
	Name() string
	PublishEvent(ctx context.Context, ev *Event) error
}

// RouterConf 路由器配置。
type RouterConf struct {
	DedupWindow  int              // 每平台最近 seq 窗口
	PendingTTL   time.Duration    // 离线缓冲存活期
	PendingLimit int              // 每用户离线缓冲上限（超出丢最旧）
	Clock        func() time.Time // 可注入时钟（单测用）
}

func (c *RouterConf) norm() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 1024
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 30 * time.Second
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 50
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// seenWindow 有界去重窗口：环形数组 + 集合，容量固定。
type seenWindow struct {
	ring []uint64
	set  map[uint64]struct{}
	next int
	full bool
}

func newSeenWindow(size int) *seenWindow {
	return &seenWindow{
		ring: make([]uint64, size),
		set:  make(map[uint64]struct{}, size),
	}
}

// observe 返回 true 表示 seq 已见过（重复）。
func (w *seenWindow) observe(seq uint64) bool {
	if _, dup := w.set[seq]; dup {
		return true
	}
	if w.full {
		delete(w.set, w.ring[w.next])
	}
	w.ring[w.next] = seq
	w.set[seq] = struct{}{}
	w.next++
	if w.next == len(w.ring) {
		w.next = 0
		w.full = true
	}
	return false
}

type pendingEvent struct {
	ev       *Event
	expireAt time.Time
}

// Router 中央分发器：去重 → 分类 → 经 Registry 扇出。
// 事件恰好消费一次；单个会话的下发失败只注销该会话，不影响其他接收方。
type Router struct {
	reg   *Registry
	conf  RouterConf
	stats Stats
	sinks []EventSink

	mu      sync.Mutex
	seen    map[string]*seenWindow    // platform -> 去重窗口
	pending map[string][]pendingEvent // user -> 离线缓冲
}

func NewRouter(reg *Registry, stats Stats, conf RouterConf, sinks ...EventSink) *Router {
	conf.norm()
	return &Router{
		reg:     reg,
		conf:    conf,
		stats:   stats,
		sinks:   sinks,
		seen:    make(map[string]*seenWindow),
		pending: make(map[string][]pendingEvent),
	}
}

// Route 消费一个事件。
func (rt *Router) Route(ev *Event) {
	if ev == nil {
		return
	}

	// 1) 有界窗口去重（仅对连接器产生的带序号事件）
	if ev.Seq > 0 && rt.isDuplicate(ev) {
		rt.inc("router_dropped", "reason", "duplicate", "platform", ev.Platform)
		return
	}

	// 连接器心跳只是链路保活信号，不投递给客户端
	if ev.Kind == EventHeartbeat {
		rt.inc("router_dropped", "reason", "heartbeat", "platform", ev.Platform)
		return
	}

	rt.publishSinks(ev)

	// 2) 分类投递
	if ev.IsBroadcast() {
		rt.broadcast(ev)
		return
	}
	rt.deliverTargeted(ev)
}

func (rt *Router) isDuplicate(ev *Event) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	w := rt.seen[ev.Platform]
	if w == nil {
		w = newSeenWindow(rt.conf.DedupWindow)
		rt.seen[ev.Platform] = w
	}
	return w.observe(ev.Seq)
}

func (rt *Router) deliverTargeted(ev *Event) {
	sessions := rt.reg.ListByUser(ev.TargetUserID)
	if len(sessions) == 0 {
		rt.buffer(ev)
		rt.inc("router_buffered", "platform", ev.Platform)
		return
	}
	payload := frameFor(ev)
	delivered := 0
	for _, s := range sessions {
		if err := s.Enqueue(payload); err != nil {
			// 下发失败视作断连：只注销这条会话，其余接收方继续
			logger.Infof("[router] delivery failed session=%s user=%s err=%v", s.ID, s.UserID, err)
			rt.reg.Unregister(s.ID)
			s.Close()
			rt.inc("router_delivery_failed", "platform", ev.Platform)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		rt.inc("router_delivered", "platform", ev.Platform)
	}
}

func (rt *Router) broadcast(ev *Event) {
	payload := frameFor(ev)
	for _, s := range rt.reg.Snapshot() {
		if err := s.Enqueue(payload); err != nil {
			logger.Infof("[router] broadcast failed session=%s err=%v", s.ID, err)
			rt.reg.Unregister(s.ID)
			s.Close()
		}
	}
	rt.inc("router_broadcast", "kind", ev.Kind.String())
}

// buffer 无在线会话时的短 TTL 缓冲：窗口内重连的会话仍能收到。
func (rt *Router) buffer(ev *Event) {
	now := rt.conf.Clock()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	q := rt.pending[ev.TargetUserID]
	q = prunePending(q, now)
	if len(q) >= rt.conf.PendingLimit {
		q = q[1:] // 丢最旧
	}
	q = append(q, pendingEvent{ev: ev, expireAt: now.Add(rt.conf.PendingTTL)})
	rt.pending[ev.TargetUserID] = q
}

// FlushPending 新会话注册后补投缓冲事件（ws_server 在注册成功后调用）。
func (rt *Router) FlushPending(s *Session) {
	now := rt.conf.Clock()
	rt.mu.Lock()
	q := prunePending(rt.pending[s.UserID], now)
	delete(rt.pending, s.UserID)
	rt.mu.Unlock()

	for _, p := range q {
		if err := s.Enqueue(frameFor(p.ev)); err != nil {
			logger.Infof("[router] pending flush failed session=%s err=%v", s.ID, err)
			return
		}
		rt.inc("router_delivered", "platform", p.ev.Platform, "pending", "1")
	}
}

// frameFor 事件种类决定出站帧形状。
func frameFor(ev *Event) []byte {
	switch ev.Kind {
	case EventSystemAlert:
		reason, _ := ev.Payload["reason"].(string)
		return BuildCriticalAlert(ev.Platform, reason)
	case EventStreamMetrics:
		return BuildStreamMetrics(ev.Platform, ev.Payload)
	default:
		return BuildNotification(ev)
	}
}

func prunePending(q []pendingEvent, now time.Time) []pendingEvent {
	out := q[:0]
	for _, p := range q {
		if now.Before(p.expireAt) {
			out = append(out, p)
		}
	}
	return out
}

func (rt *Router) publishSinks(ev *Event) {
	switch ev.Kind {
	case EventChatMessage, EventStreamStarted, EventStreamEnded, EventSystemAlert:
	default:
		return
	}
	for _, sink := range rt.sinks {
		sink := sink
		safe.Go("router.sink."+sink.Name(), func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := sink.PublishEvent(ctx, ev); err != nil {
				logger.Infof("[router] sink %s publish err=%v", sink.Name(), err)
				rt.inc("router_egress_failed", "sink", sink.Name())
			}
		})
	}
}

func (rt *Router) inc(name string, labels ...string) {
	if rt.stats != nil {
		rt.stats.Inc(name, labels...)
	}
}
