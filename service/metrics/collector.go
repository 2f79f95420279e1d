package metrics

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"SHProject/logger"
	"SHProject/tools/safe"
)

// Exporter 指标快照的出口（NATS subject、日志等）。
type Exporter interface {
	Export(snapshot []byte) error
}

// Conf 指标采集配置。
type Conf struct {
	QueueSize   int           // 上报队列长度，满则丢
	ExportEvery time.Duration // 快照导出周期
}

func (c *Conf) norm() {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.ExportEvery <= 0 {
		c.ExportEvery = 5 * time.Second
	}
}

type sampleKind int

const (
	kindInc sampleKind = iota
	kindGauge
	kindObserve
)

type sample struct {
	kind  sampleKind
	name  string
	value float64
}

type dist struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Max   float64 `json:"max"`
}

// Collector 热路径打点走非阻塞队列，由单个聚合协程消费，
// 队列满则丢样本并计数，绝不反压调用方。
type Collector struct {
	conf  Conf
	q     chan sample
	drops atomic.Uint64

	mu       sync.Mutex
	counters map[string]uint64
	gauges   map[string]float64
	dists    map[string]*dist

	exp      Exporter
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewCollector(conf Conf, exp Exporter) *Collector {
	conf.norm()
	c := &Collector{
		conf:     conf,
		q:        make(chan sample, conf.QueueSize),
		counters: make(map[string]uint64),
		gauges:   make(map[string]float64),
		dists:    make(map[string]*dist),
		exp:      exp,
		stopCh:   make(chan struct{}),
	}
	safe.Go("metrics-aggregate", c.loop)
	return c
}

// Inc 计数 +1。非阻塞，队列满即丢。
func (c *Collector) Inc(name string, labels ...string) {
	c.offer(sample{kind: kindInc, name: key(name, labels)})
}

// Gauge 覆盖式瞬时值。
func (c *Collector) Gauge(name string, v float64, labels ...string) {
	c.offer(sample{kind: kindGauge, name: key(name, labels), value: v})
}

// Observe 分布采样（计数/总和/最大值）。
func (c *Collector) Observe(name string, v float64, labels ...string) {
	c.offer(sample{kind: kindObserve, name: key(name, labels), value: v})
}

func (c *Collector) offer(s sample) {
	select {
	case c.q <- s:
	default:
		c.drops.Add(1)
	}
}

// Dropped 被丢弃的样本总数。
func (c *Collector) Dropped() uint64 { return c.drops.Load() }

func (c *Collector) loop() {
	t := time.NewTicker(c.conf.ExportEvery)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			c.export()
			return
		case s := <-c.q:
			c.apply(s)
		case <-t.C:
			c.export()
		}
	}
}

func (c *Collector) apply(s sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s.kind {
	case kindInc:
		c.counters[s.name]++
	case kindGauge:
		c.gauges[s.name] = s.value
	case kindObserve:
		d := c.dists[s.name]
		if d == nil {
			d = &dist{}
			c.dists[s.name] = d
		}
		d.Count++
		d.Sum += s.value
		if s.value > d.Max {
			d.Max = s.value
		}
	}
}

// Snapshot 当前聚合状态的 JSON 快照。
func (c *Collector) Snapshot() []byte {
	c.mu.Lock()
	out := struct {
		Ts       int64              `json:"ts"`
		Counters map[string]uint64  `json:"counters"`
		Gauges   map[string]float64 `json:"gauges"`
		Dists    map[string]*dist   `json:"dists,omitempty"`
		Dropped  uint64             `json:"dropped_samples"`
	}{
		Ts:       time.Now().Unix(),
		Counters: make(map[string]uint64, len(c.counters)),
		Gauges:   make(map[string]float64, len(c.gauges)),
		Dists:    make(map[string]*dist, len(c.dists)),
		Dropped:  c.drops.Load(),
	}
	for k, v := range c.counters {
		out.Counters[k] = v
	}
	for k, v := range c.gauges {
		out.Gauges[k] = v
	}
	for k, v := range c.dists {
		cp := *v
		out.Dists[k] = &cp
	}
	c.mu.Unlock()
	data, _ := json.Marshal(out)
	return data
}

func (c *Collector) export() {
	data := c.Snapshot()
	if c.exp == nil {
		logger.Debugf("[metrics] %s", data)
		return
	}
	if err := c.exp.Export(data); err != nil {
		logger.Warnf("[metrics] export failed: %v", err)
	}
}

func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// key 把标签编进指标名：name{k=v,...}，标签成对出现。
func key(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
