package natsx

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"SHProject/service/gateway"
)

// 实时侧 subject 布局：业务事件按平台分流，告警单走一条。
const (
	SubjectEvents  = "streamhub.events"  // streamhub.events.<platform>
	SubjectAlerts  = "streamhub.alerts"  // 平台级告警
	SubjectMetrics = "streamhub.metrics" // 指标快照
)

// Sink 把路由出的事件转发到 NATS 实时通道。
type Sink struct {
	c      *Client
	prefix string // 业务事件 subject 前缀，按平台加后缀
}

func NewSink(c *Client, prefix string) *Sink {
	if prefix == "" {
		prefix = SubjectEvents
	}
	return &Sink{c: c, prefix: prefix}
}

func (s *Sink) Name() string { return "nats" }

func (s *Sink) subjectFor(ev *gateway.Event) string {
	if ev.Kind == gateway.EventSystemAlert {
		return SubjectAlerts
	}
	return s.prefix + "." + ev.Platform
}

func (s *Sink) PublishEvent(_ context.Context, ev *gateway.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WithStack(err)
	}
	hdr := map[string]string{"kind": ev.Kind.String(), "seq": strconv.FormatUint(ev.Seq, 10)}
	return s.c.Publish(s.subjectFor(ev), data, hdr)
}
