package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SHProject/service/gateway"
)

// fakeConnector 脚本化连接器：探活/重连结果由测试控制。
type fakeConnector struct {
	mu        sync.Mutex
	platform  string
	status    gateway.ConnStatus
	failures  int
	threshold int

	probeErr   error
	connectErr error
	probes     int
	connects   int

	hook func()
}

func newFakeConnector(platform string, threshold int) *fakeConnector {
	return &fakeConnector{platform: platform, status: gateway.StatusConnected, threshold: threshold}
}

func (f *fakeConnector) Platform() string { return f.platform }

func (f *fakeConnector) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		f.failures++
		if f.failures >= f.threshold {
			f.status = gateway.StatusFailedPermanently
		} else {
			f.status = gateway.StatusDisconnected
		}
		return f.connectErr
	}
	f.status = gateway.StatusConnected
	f.failures = 0
	return nil
}

func (f *fakeConnector) Disconnect(context.Context) error { return nil }

func (f *fakeConnector) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probeErr != nil {
		f.failures++
		switch {
		case f.failures >= f.threshold:
			f.status = gateway.StatusFailedPermanently
		case f.status == gateway.StatusConnected:
			f.status = gateway.StatusDegraded
		case f.status == gateway.StatusDegraded:
			f.status = gateway.StatusDisconnected
		}
		return f.probeErr
	}
	if f.status == gateway.StatusDegraded {
		f.status = gateway.StatusConnected
	}
	f.failures = 0
	return nil
}

func (f *fakeConnector) Emit(context.Context, *gateway.Event) error { return nil }
func (f *fakeConnector) Events() <-chan *gateway.Event              { return nil }

func (f *fakeConnector) State() gateway.StateSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gateway.StateSnapshot{
		Platform:     f.platform,
		Status:       f.status,
		StatusName:   f.status.String(),
		FailureCount: f.failures,
	}
}

func (f *fakeConnector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == gateway.StatusFailedPermanently {
		f.status = gateway.StatusDisconnected
		f.failures = 0
	}
}

func (f *fakeConnector) SetDisconnectHook(h func()) { f.hook = h }

// countStats 只记计数，足够断言监督行为。
type countStats struct {
	mu sync.Mutex
	m  map[string]int
}

func newCountStats() *countStats { return &countStats{m: make(map[string]int)} }

func (c *countStats) Inc(name string, _ ...string) {
	c.mu.Lock()
	c.m[name]++
	c.mu.Unlock()
}
func (c *countStats) Gauge(string, float64, ...string)   {}
func (c *countStats) Observe(string, float64, ...string) {}

func (c *countStats) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

func testSupervisor(fc *fakeConnector, stats *countStats) (*Supervisor, *gateway.Registry) {
	reg := gateway.NewRegistry()
	router := gateway.NewRouter(reg, stats, gateway.RouterConf{})
	sup := NewSupervisor(Conf{
		Interval:     15 * time.Second,
		ProbeTimeout: time.Second,
		BackoffBase:  time.Millisecond,
		BackoffMax:   10 * time.Millisecond,
	}, router, stats, []gateway.Connector{fc})
	return sup, reg
}

func TestSupervisorProbeFailureCounted(t *testing.T) {
	fc := newFakeConnector("twitch", 5)
	fc.probeErr = errors.New("upstream gone")
	fc.connectErr = errors.New("still gone")
	stats := newCountStats()
	sup, _ := testSupervisor(fc, stats)

	sup.TickOnce(context.Background())
	if got := stats.get("connector_probe_failed"); got != 1 {
		t.Fatalf("probe failure count = %d, want 1", got)
	}
	if fc.State().Status != gateway.StatusDegraded {
		t.Fatalf("status = %v, want Degraded", fc.State().Status)
	}
}

func TestSupervisorEscalatesToPermanentAndAlertsOnce(t *testing.T) {
	fc := newFakeConnector("twitch", 5)
	fc.probeErr = errors.New("upstream gone")
	fc.connectErr = errors.New("still gone")
	stats := newCountStats()
	sup, _ := testSupervisor(fc, stats)

	// 失败持续：探活 + 到期重连轮流失败，直到第 5 次进入终态
	for i := 0; i < 6 && fc.State().Status != gateway.StatusFailedPermanently; i++ {
		sup.TickOnce(context.Background())
		time.Sleep(15 * time.Millisecond) // 越过退避窗口
	}

	if fc.State().Status != gateway.StatusFailedPermanently {
		t.Fatalf("status = %v, want FailedPermanently", fc.State().Status)
	}
	if got := stats.get("connector_permanent_failure"); got != 1 {
		t.Fatalf("permanent failure alerts = %d, want exactly 1", got)
	}
	// critical_alert 经 Router 广播（router_broadcast 计数见 Router）
	if got := stats.get("router_broadcast"); got == 0 {
		t.Fatalf("system alert never routed")
	}

	// 终态后不再探活
	probesAtTerminal := fc.probes
	sup.TickOnce(context.Background())
	if fc.probes != probesAtTerminal {
		t.Fatalf("probed a permanently failed connector")
	}
}

func TestSupervisorReconnectsAfterBackoff(t *testing.T) {
	fc := newFakeConnector("twitch", 5)
	fc.probeErr = errors.New("flaky")
	stats := newCountStats()
	sup, _ := testSupervisor(fc, stats)

	// 两次探活失败 → Disconnected，进入退避
	sup.TickOnce(context.Background())
	sup.TickOnce(context.Background())
	if fc.State().Status != gateway.StatusDisconnected {
		t.Fatalf("status = %v, want Disconnected", fc.State().Status)
	}

	// 上游恢复
	fc.probeErr = nil
	time.Sleep(15 * time.Millisecond) // 越过退避窗口
	sup.TickOnce(context.Background())
	if fc.State().Status != gateway.StatusConnected {
		t.Fatalf("status = %v, want Connected after reconnect", fc.State().Status)
	}
	if fc.connects == 0 {
		t.Fatalf("Connect never attempted")
	}
}

// 退避 min(max, base·2^failures)，抖动落在 ±20% 内。
func TestSupervisorBackoffJitterBounds(t *testing.T) {
	fc := newFakeConnector("twitch", 5)
	stats := newCountStats()
	reg := gateway.NewRegistry()
	router := gateway.NewRouter(reg, stats, gateway.RouterConf{})
	now := time.Unix(1000, 0)
	sup := NewSupervisor(Conf{
		Interval:     15 * time.Second,
		ProbeTimeout: time.Second,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
		Clock:        func() time.Time { return now },
	}, router, stats, []gateway.Connector{fc})

	for failures := 0; failures <= 8; failures++ {
		base := time.Second << uint(failures)
		if base > time.Minute || base <= 0 {
			base = time.Minute
		}
		for i := 0; i < 50; i++ {
			sup.schedule("twitch", failures)
			sup.mu.Lock()
			due := sup.nextAttempt["twitch"]
			sup.mu.Unlock()
			delay := due.Sub(now)
			if delay < base*4/5 || delay > base*6/5 {
				t.Fatalf("failures=%d delay=%v outside 20%% of %v", failures, delay, base)
			}
		}
	}
}

func TestSupervisorKickSchedulesImmediateReconnect(t *testing.T) {
	fc := newFakeConnector("twitch", 5)
	stats := newCountStats()
	sup, _ := testSupervisor(fc, stats)

	if fc.hook == nil {
		t.Fatalf("disconnect hook not registered")
	}
	fc.mu.Lock()
	fc.status = gateway.StatusDisconnected
	fc.mu.Unlock()

	fc.hook() // 上游断开通知
	sup.reconnectDue(context.Background())
	if fc.State().Status != gateway.StatusConnected {
		t.Fatalf("kick did not trigger reconnect, status = %v", fc.State().Status)
	}
}
