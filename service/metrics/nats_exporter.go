package metrics

import (
	"SHProject/service/natsx"
)

// NatsExporter 把快照发布到 NATS 指标 subject，供外部看板订阅。
type NatsExporter struct {
	c       *natsx.Client
	subject string
}

func NewNatsExporter(c *natsx.Client, subject string) *NatsExporter {
	if subject == "" {
		subject = natsx.SubjectMetrics
	}
	return &NatsExporter{c: c, subject: subject}
}

func (e *NatsExporter) Export(snapshot []byte) error {
	return e.c.Publish(e.subject, snapshot, nil)
}
