package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"SHProject/tools/safe"
)

// RateLimiterConf 按来源地址的令牌桶准入配置。
type RateLimiterConf struct {
	Capacity   int              // 桶容量 C
	RefillPS   float64          // 每秒补充 R
	IdleEvict  time.Duration    // 空闲桶回收阈值
	SweepEvery time.Duration    // 清理周期
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *RateLimiterConf) norm() {
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.RefillPS <= 0 {
		c.RefillPS = 100
	}
	if c.IdleEvict <= 0 {
		c.IdleEvict = 10 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 每个来源地址一个令牌桶；空闲桶由 sweeper 回收，内存有界。
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	conf     RateLimiterConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRateLimiter(conf RateLimiterConf) *RateLimiter {
	conf.norm()
	l := &RateLimiter{
		buckets: make(map[string]*bucket),
		conf:    conf,
		stopCh:  make(chan struct{}),
	}
	safe.Go("ratelimit-sweeper", l.sweeper)
	return l
}

// Admit 准入判定。拒绝时调用方必须立刻关闭传输，不做任何后续处理。
func (l *RateLimiter) Admit(remoteAddr string) bool {
	now := l.conf.Clock()
	l.mu.Lock()
	b, ok := l.buckets[remoteAddr]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.conf.RefillPS), l.conf.Capacity)}
		l.buckets[remoteAddr] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *RateLimiter) sweeper() {
	t := time.NewTicker(l.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-t.C:
			l.sweepOnce(l.conf.Clock())
		}
	}
}

func (l *RateLimiter) sweepOnce(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.conf.IdleEvict {
			delete(l.buckets, addr)
		}
	}
}

// 桶数量（指标/测试用）
func (l *RateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
