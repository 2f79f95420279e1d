package metrics

import (
	"encoding/json"
	"testing"
	"time"
)

func newIdleCollector(queue int) *Collector {
	// 不起聚合协程，由测试直接驱动 apply，结果可确定断言
	return &Collector{
		conf:     Conf{QueueSize: queue, ExportEvery: time.Hour},
		q:        make(chan sample, queue),
		counters: make(map[string]uint64),
		gauges:   make(map[string]float64),
		dists:    make(map[string]*dist),
		stopCh:   make(chan struct{}),
	}
}

func (c *Collector) drainApply() {
	for {
		select {
		case s := <-c.q:
			c.apply(s)
		default:
			return
		}
	}
}

func TestCollectorAggregation(t *testing.T) {
	c := newIdleCollector(64)
	c.Inc("events_routed", "platform", "twitch")
	c.Inc("events_routed", "platform", "twitch")
	c.Inc("events_routed", "platform", "youtube")
	c.Gauge("sessions_live", 7)
	c.Gauge("sessions_live", 5) // 覆盖
	c.Observe("route_ms", 2)
	c.Observe("route_ms", 10)
	c.drainApply()

	var snap struct {
		Counters map[string]uint64  `json:"counters"`
		Gauges   map[string]float64 `json:"gauges"`
		Dists    map[string]*dist   `json:"dists"`
	}
	if err := json.Unmarshal(c.Snapshot(), &snap); err != nil {
		t.Fatal(err)
	}

	if got := snap.Counters["events_routed{platform=twitch}"]; got != 2 {
		t.Fatalf("twitch counter = %d, want 2", got)
	}
	if got := snap.Counters["events_routed{platform=youtube}"]; got != 1 {
		t.Fatalf("youtube counter = %d, want 1", got)
	}
	if got := snap.Gauges["sessions_live"]; got != 5 {
		t.Fatalf("gauge = %v, want last write 5", got)
	}
	d := snap.Dists["route_ms"]
	if d == nil || d.Count != 2 || d.Sum != 12 || d.Max != 10 {
		t.Fatalf("dist = %+v", d)
	}
}

func TestCollectorDropsWhenFull(t *testing.T) {
	c := newIdleCollector(2)
	c.Inc("a")
	c.Inc("b")
	c.Inc("c") // 队列满，丢弃
	if got := c.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	c.drainApply()
	if len(c.counters) != 2 {
		t.Fatalf("applied %d samples, want 2", len(c.counters))
	}
}

func TestCollectorKeyStable(t *testing.T) {
	// 标签顺序不影响聚合键
	a := key("m", []string{"x", "1", "y", "2"})
	b := key("m", []string{"y", "2", "x", "1"})
	if a != b {
		t.Fatalf("key unstable: %q vs %q", a, b)
	}
	if got := key("m", nil); got != "m" {
		t.Fatalf("bare key = %q", got)
	}
}
